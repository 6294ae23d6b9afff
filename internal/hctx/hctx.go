package hctx

import "context"

// State holds per-delivery metadata shared between the transport that received
// the delivery and the handler that executes it.
type State struct {
	// DeliveryID is the opaque transport-assigned identifier, used for log correlation.
	DeliveryID string
	// Attempt is the zero-based redelivery counter when the transport knows it.
	Attempt int
	// Result is an optional handler-provided response body (JSON).
	Result []byte
}

// New creates a fresh delivery state container.
func New(deliveryID string) *State { return &State{DeliveryID: deliveryID} }

type ctxKey struct{}

// WithState returns a child context carrying the given delivery state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the delivery state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
