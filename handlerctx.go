package uniqw

import (
	"context"

	"github.com/UniQw/uniqw-batch/internal/hctx"
)

// DeliveryID returns the transport-assigned identifier of the delivery being handled,
// or "" outside a coordinator call.
func DeliveryID(ctx context.Context) string {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return ""
	}
	return st.DeliveryID
}

// Attempt returns the zero-based redelivery counter when the transport knows it.
func Attempt(ctx context.Context) int {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return 0
	}
	return st.Attempt
}

// WithDeliveryID attaches delivery metadata to ctx before calling Coordinator.Handle.
func WithDeliveryID(ctx context.Context, id string, attempt int) context.Context {
	st := hctx.New(id)
	st.Attempt = attempt
	return hctx.WithState(ctx, st)
}

// SetResult encodes the provided value using the default JSON encoder and
// attaches it as the response body when the handler returns a nil body.
// It is safe to call multiple times; last wins.
// It is a no-op if the context is not provided by the coordinator.
func SetResult(ctx context.Context, v any) error {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return nil
	}
	var enc Encoder = &JSONEncoder{}
	b, err := enc.Encode(v)
	if err != nil {
		return err
	}
	st.Result = b
	return nil
}

// SetResultBytes attaches raw JSON bytes as the result without encoding.
// It returns ErrInvalidResult when b is not valid JSON.
// It is a no-op if the context is not provided by the coordinator.
func SetResultBytes(ctx context.Context, b []byte) error {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return nil
	}
	if !(&JSONEncoder{}).Valid(b) {
		return ErrInvalidResult
	}
	st.Result = b
	return nil
}
