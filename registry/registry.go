// Package registry implements the subscriber registry (spec §4.2): an
// in-memory mapping from a message's type identifier to the handler that
// processes it. The registry erases the payload's generic type at
// registration time by storing a closure over json.RawMessage rather than
// doing reflective dispatch at routing time.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Status is the outcome of a handler invocation.
type Status int

const (
	// Success means the message was processed and may be deleted/acked.
	Success Status = iota
	// Failed means the message should be left for redelivery.
	Failed
)

// Result is what a registered handler closure returns.
type Result struct {
	Status Status
	Err    error
}

// Ok returns a successful Result.
func Ok() Result { return Result{Status: Success} }

// Fail wraps err into a failed Result. A nil err still yields Failed; callers
// that want a textual reason should pass one.
func Fail(err error) Result { return Result{Status: Failed, Err: err} }

// HandlerFunc is the type-erased closure stored in the registry: it receives
// the envelope's raw data and metadata and returns the processing outcome.
// An uncaught error during the caller-supplied unmarshal/handle step must be
// reified into a Failed Result here, never propagated as a panic or return
// error from this function itself — the dispatching Manager treats a
// HandlerFunc as infallible by signature.
type HandlerFunc func(ctx context.Context, data json.RawMessage, metadata map[string]any) Result

// Mapping is one entry of the subscriber registry (spec §3 "Subscriber
// mapping"): the handler to invoke and whether the queue it is fed from must
// preserve per-group order for this type.
type Mapping struct {
	TypeID          string
	EnforceOrdering bool
	Handle          HandlerFunc
}

// DispatchFunc is the signature a Middleware wraps. It is identical to
// HandlerFunc's underlying type; the distinct name exists so the chain built
// by Use reads as "middleware wraps dispatch", not "middleware wraps
// registration".
type DispatchFunc func(ctx context.Context, data json.RawMessage, metadata map[string]any) Result

// Middleware composes a cross-cutting concern (logging, metrics, tracing)
// around every handler the registry dispatches, without touching
// registration or routing. Middlewares run in reverse registration order —
// the last one passed to Use is outermost — matching the composition order
// the lineage this registry draws from uses for its own middleware chain.
type Middleware func(next DispatchFunc) DispatchFunc

// RoutingPolicy resolves a requested type identifier against the set of
// currently registered keys. ExactMatchPolicy, the default, is a literal
// identity check; the seam exists so a caller can later plug in aliasing or
// fallback resolution without changing Lookup's contract.
type RoutingPolicy interface {
	Resolve(ctx context.Context, typeID string, available []string) string
}

// ExactMatchPolicy selects typeID only if it is present verbatim in
// available.
type ExactMatchPolicy struct{}

// Resolve implements RoutingPolicy.
func (ExactMatchPolicy) Resolve(_ context.Context, typeID string, available []string) string {
	for _, k := range available {
		if k == typeID {
			return k
		}
	}
	return ""
}

// ErrAlreadyRegistered is returned by Register when typeID already has a
// mapping; keys are unique per spec §4.2.
var ErrAlreadyRegistered = fmt.Errorf("registry: type already registered")

// ErrNilHandler is returned by Register/Typed registration helpers when no
// handler closure was supplied.
var ErrNilHandler = fmt.Errorf("registry: nil handler")

// Registry is a pure in-memory map, thread-safe for concurrent reads after
// startup; mutation is expected only during initialization, though Register
// itself is safe to call concurrently.
type Registry struct {
	mu          sync.RWMutex
	mappings    map[string]Mapping
	middlewares []Middleware
	policy      RoutingPolicy
}

// New creates an empty Registry with ExactMatchPolicy as its RoutingPolicy.
func New() *Registry {
	return &Registry{mappings: make(map[string]Mapping), policy: ExactMatchPolicy{}}
}

// Use appends middlewares to the chain Lookup wraps every resolved handler
// in. Safe for concurrent use; typically called once during startup before
// any messages flow.
func (r *Registry) Use(mw ...Middleware) {
	if len(mw) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(append([]Middleware{}, r.middlewares...), mw...)
}

// SetRoutingPolicy overrides the default ExactMatchPolicy.
func (r *Registry) SetRoutingPolicy(p RoutingPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

// Register adds mapping under typeID. It fails if typeID is already present.
func (r *Registry) Register(typeID string, m Mapping) error {
	if m.Handle == nil {
		return ErrNilHandler
	}
	m.TypeID = typeID

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.mappings[typeID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, typeID)
	}
	r.mappings[typeID] = m
	return nil
}

// Lookup resolves typeID via the configured RoutingPolicy and returns the
// matching mapping, with its Handle wrapped by any registered middlewares
// (innermost call always guarded against handler panics, which are reified
// into a Failed Result rather than propagated).
func (r *Registry) Lookup(typeID string) (Mapping, bool) {
	r.mu.RLock()
	keys := make([]string, 0, len(r.mappings))
	for k := range r.mappings {
		keys = append(keys, k)
	}
	policy := r.policy
	mws := r.middlewares
	r.mu.RUnlock()

	if policy == nil {
		policy = ExactMatchPolicy{}
	}
	resolvedKey := policy.Resolve(context.Background(), typeID, keys)
	if resolvedKey == "" {
		return Mapping{}, false
	}

	r.mu.RLock()
	m, ok := r.mappings[resolvedKey]
	r.mu.RUnlock()
	if !ok {
		return Mapping{}, false
	}

	m.Handle = guardPanics(wrapMiddleware(m.Handle, mws))
	return m, true
}

// wrapMiddleware composes mws around handle in reverse registration order,
// so the last Middleware passed to Use becomes outermost.
func wrapMiddleware(handle HandlerFunc, mws []Middleware) DispatchFunc {
	core := DispatchFunc(handle)
	for i := 0; i < len(mws); i++ {
		core = mws[i](core)
	}
	return core
}

// guardPanics is the outermost guard around every dispatch: a panicking
// handler becomes a Failed Result instead of crashing the poller/manager
// goroutine that invoked it.
func guardPanics(core DispatchFunc) HandlerFunc {
	return func(ctx context.Context, data json.RawMessage, metadata map[string]any) (result Result) {
		defer func() {
			if rec := recover(); rec != nil {
				result = Fail(fmt.Errorf("registry: handler panic: %v", rec))
			}
		}()
		return core(ctx, data, metadata)
	}
}

// RegisterTyped registers a strongly-typed handler for typeID. It builds the
// type-erased HandlerFunc required by the registry: on invocation it
// unmarshals data into a fresh T, reporting a deserialization failure as a
// Failed result, then calls handler. This is the only place in the framework
// that couples a concrete Go type to the registry — the rest of the pipeline
// speaks only json.RawMessage, with no runtime reflection in the dispatch
// path itself.
func RegisterTyped[T any](r *Registry, typeID string, enforceOrdering bool, handler func(ctx context.Context, payload T, metadata map[string]any) Result) error {
	if handler == nil {
		return ErrNilHandler
	}

	wrapped := func(ctx context.Context, data json.RawMessage, metadata map[string]any) Result {
		var payload T
		if err := json.Unmarshal(data, &payload); err != nil {
			return Fail(fmt.Errorf("deserialize payload for %s: %w", typeID, err))
		}
		return handler(ctx, payload, metadata)
	}

	return r.Register(typeID, Mapping{EnforceOrdering: enforceOrdering, Handle: wrapped})
}
