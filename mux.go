package uniqw

import "context"

// BatchHandler executes one batch of a task. The returned body becomes the
// delivery response; a nil body falls back to SetResult or a default message.
type BatchHandler interface {
	ExecuteBatch(ctx context.Context, task *Task, d Delivery) (any, error)
}

// CleanupStrategy runs once per task after its batches, with success=false when
// the task was aborted. The returned body is the completion payload.
type CleanupStrategy interface {
	CleanUp(ctx context.Context, task *Task, success bool) (any, error)
}

// HandlerFunc is the function signature for processing a batch.
type HandlerFunc func(ctx context.Context, task *Task, d Delivery) (any, error)

func (f HandlerFunc) ExecuteBatch(ctx context.Context, task *Task, d Delivery) (any, error) {
	return f(ctx, task, d)
}

// CleanupFunc adapts a function to CleanupStrategy.
type CleanupFunc func(ctx context.Context, task *Task, success bool) (any, error)

func (f CleanupFunc) CleanUp(ctx context.Context, task *Task, success bool) (any, error) {
	return f(ctx, task, success)
}

// CascadeFunc runs when parent failed and its awaiting dependent was canceled.
type CascadeFunc func(ctx context.Context, parent, dependent *Task, cause error) error

// Middleware is a function that wraps a HandlerFunc to provide cross-cutting concerns.
type Middleware func(HandlerFunc) HandlerFunc

type route struct {
	batch   BatchHandler
	cleanup CleanupStrategy
}

type cascadeKey struct {
	parent, dependent string
}

// Mux routes tasks to their handlers based on task kind. Register everything
// before the coordinator starts receiving deliveries.
type Mux struct {
	routes      map[string]route
	cascades    map[cascadeKey]CascadeFunc
	encoder     Encoder
	middlewares []Middleware
}

// NewMux creates a new Task Mux.
func NewMux() *Mux {
	return &Mux{
		routes:      make(map[string]route),
		cascades:    make(map[cascadeKey]CascadeFunc),
		encoder:     &JSONEncoder{},
		middlewares: []Middleware{},
	}
}

// Handle registers the batch handler and clean-up strategy for a task kind.
// A nil clean-up strategy finishes the task without a completion payload.
func (m *Mux) Handle(kind string, h BatchHandler, c CleanupStrategy) {
	m.routes[kind] = route{batch: h, cleanup: c}
}

// HandleFunc is Handle for plain functions.
func (m *Mux) HandleFunc(kind string, h HandlerFunc, c CleanupFunc) {
	var (
		bh BatchHandler
		cs CleanupStrategy
	)
	if h != nil {
		bh = h
	}
	if c != nil {
		cs = c
	}
	m.Handle(kind, bh, cs)
}

// Use adds middleware(s) to the mux. Middlewares are executed in the order they are added.
func (m *Mux) Use(mw Middleware) {
	m.middlewares = append(m.middlewares, mw)
}

// Cascade registers fn for failures of parentKind tasks that cancel a dependent of dependentKind.
func (m *Mux) Cascade(parentKind, dependentKind string, fn CascadeFunc) {
	m.cascades[cascadeKey{parent: parentKind, dependent: dependentKind}] = fn
}

// Kinds returns the registered task kinds.
func (m *Mux) Kinds() []string {
	out := make([]string, 0, len(m.routes))
	for k := range m.routes {
		out = append(out, k)
	}
	return out
}

func (m *Mux) handler(kind string) (HandlerFunc, bool) {
	r, ok := m.routes[kind]
	if !ok || r.batch == nil {
		return nil, false
	}
	return m.wrapHandler(r.batch.ExecuteBatch), true
}

func (m *Mux) cleanup(kind string) CleanupStrategy {
	return m.routes[kind].cleanup
}

func (m *Mux) cascade(parentKind, dependentKind string) CascadeFunc {
	return m.cascades[cascadeKey{parent: parentKind, dependent: dependentKind}]
}

func (m *Mux) wrapHandler(h HandlerFunc) HandlerFunc {
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		h = m.middlewares[i](h)
	}
	return h
}
