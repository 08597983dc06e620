package invoker

import (
	"context"
	"fmt"
	"sync"
)

// Call records one invocation received by the MemGateway.
type Call struct {
	Fn     string
	Args   []string
	Submit bool
}

// MemGateway is an in-process Gateway double. Handlers are registered per
// function name; unregistered functions error. Calls are serialized and
// recorded so tests can assert on retry behavior and token reuse.
type MemGateway struct {
	mu       sync.Mutex
	handlers map[string]func(args ...string) ([]byte, error)
	calls    []Call

	// FailuresBeforeSuccess injects that many transient errors per function
	// before the registered handler runs. Used to exercise retry paths.
	FailuresBeforeSuccess map[string]int
}

// NewMemGateway returns an empty gateway double.
func NewMemGateway() *MemGateway {
	return &MemGateway{
		handlers:              make(map[string]func(args ...string) ([]byte, error)),
		FailuresBeforeSuccess: make(map[string]int),
	}
}

// Handle registers the handler invoked for fn.
func (g *MemGateway) Handle(fn string, handler func(args ...string) ([]byte, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[fn] = handler
}

// Calls returns a copy of the recorded invocations.
func (g *MemGateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Call, len(g.calls))
	copy(out, g.calls)
	return out
}

func (g *MemGateway) dispatch(ctx context.Context, fn string, submit bool, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.calls = append(g.calls, Call{Fn: fn, Args: append([]string{}, args...), Submit: submit})
	if remaining := g.FailuresBeforeSuccess[fn]; remaining > 0 {
		g.FailuresBeforeSuccess[fn] = remaining - 1
		g.mu.Unlock()
		return nil, fmt.Errorf("gateway temporarily unreachable for %s", fn)
	}
	handler, ok := g.handlers[fn]
	g.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no handler registered for function %s", fn)
	}
	return handler(args...)
}

// Submit implements Gateway.
func (g *MemGateway) Submit(ctx context.Context, fn string, args ...string) ([]byte, error) {
	return g.dispatch(ctx, fn, true, args...)
}

// Evaluate implements Gateway.
func (g *MemGateway) Evaluate(ctx context.Context, fn string, args ...string) ([]byte, error) {
	return g.dispatch(ctx, fn, false, args...)
}
