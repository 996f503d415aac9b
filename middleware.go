package praxis

import (
	"context"
	"fmt"
)

// ModelCallFunc is the continuation passed through WrapModelCall.
type ModelCallFunc func(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error)

// ToolCallFunc is the continuation passed through WrapToolCall.
type ToolCallFunc func(ctx context.Context, call ToolCall) (ToolOutcome, error)

// Middleware is a named unit of loop instrumentation. A middleware adds
// behavior by also implementing one or more of the optional hook
// interfaces: [BeforeModelHook], [AfterModelHook], [ModelCallWrapper],
// [ToolCallWrapper]. Hooks it does not implement are no-ops.
type Middleware interface {
	Name() string
}

// BeforeModelHook runs before each model call and may mutate state, for
// example to inject the system directive or compact long history.
type BeforeModelHook interface {
	BeforeModel(ctx context.Context, st *State) error
}

// AfterModelHook runs after each model call with the response the model
// produced. It may mutate state or the response.
type AfterModelHook interface {
	AfterModel(ctx context.Context, st *State, resp *ChatResponse) error
}

// ModelCallWrapper wraps the model call itself. Implementations call next
// exactly once, or not at all to short-circuit.
type ModelCallWrapper interface {
	WrapModelCall(ctx context.Context, req ChatRequest, tools []ToolDefinition, next ModelCallFunc) (ChatResponse, error)
}

// ToolCallWrapper wraps the dispatch of one tool call. Implementations may
// return an outcome without calling next; that is how sensitive calls are
// intercepted before they reach the underlying tool.
type ToolCallWrapper interface {
	WrapToolCall(ctx context.Context, call ToolCall, next ToolCallFunc) (ToolOutcome, error)
}

// Stack is an ordered middleware collection. Index 0 is outermost: its
// BeforeModel runs first, its AfterModel runs last, and its wrappers
// enclose every inner middleware's wrappers.
type Stack struct {
	mws []Middleware
}

// NewStack builds a stack from mws in outermost-first order.
func NewStack(mws ...Middleware) *Stack {
	s := &Stack{}
	for _, mw := range mws {
		s.Use(mw)
	}
	return s
}

// Use appends mw to the stack. It panics when mw implements none of the
// hook interfaces, since such a value can only be a wiring mistake.
func (s *Stack) Use(mw Middleware) {
	if !implementsHook(mw) {
		panic(fmt.Sprintf("praxis: middleware %q implements no hook", mw.Name()))
	}
	s.mws = append(s.mws, mw)
}

// Len reports how many middlewares are installed.
func (s *Stack) Len() int {
	if s == nil {
		return 0
	}
	return len(s.mws)
}

// BeforeModel runs every BeforeModel hook in stack order. The first error
// stops the walk and is returned.
func (s *Stack) BeforeModel(ctx context.Context, st *State) error {
	if s == nil {
		return nil
	}
	for _, mw := range s.mws {
		h, ok := mw.(BeforeModelHook)
		if !ok {
			continue
		}
		if err := h.BeforeModel(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// AfterModel runs every AfterModel hook in reverse stack order, mirroring
// the wrapper onion.
func (s *Stack) AfterModel(ctx context.Context, st *State, resp *ChatResponse) error {
	if s == nil {
		return nil
	}
	for i := len(s.mws) - 1; i >= 0; i-- {
		h, ok := s.mws[i].(AfterModelHook)
		if !ok {
			continue
		}
		if err := h.AfterModel(ctx, st, resp); err != nil {
			return err
		}
	}
	return nil
}

// ModelCall composes the WrapModelCall chain around base and returns the
// outermost function.
func (s *Stack) ModelCall(base ModelCallFunc) ModelCallFunc {
	fn := base
	if s == nil {
		return fn
	}
	for i := len(s.mws) - 1; i >= 0; i-- {
		w, ok := s.mws[i].(ModelCallWrapper)
		if !ok {
			continue
		}
		next := fn
		wrapper := w
		fn = func(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
			return wrapper.WrapModelCall(ctx, req, tools, next)
		}
	}
	return fn
}

// ToolCall composes the WrapToolCall chain around base and returns the
// outermost function.
func (s *Stack) ToolCall(base ToolCallFunc) ToolCallFunc {
	fn := base
	if s == nil {
		return fn
	}
	for i := len(s.mws) - 1; i >= 0; i-- {
		w, ok := s.mws[i].(ToolCallWrapper)
		if !ok {
			continue
		}
		next := fn
		wrapper := w
		fn = func(ctx context.Context, call ToolCall) (ToolOutcome, error) {
			return wrapper.WrapToolCall(ctx, call, next)
		}
	}
	return fn
}

func implementsHook(mw Middleware) bool {
	if _, ok := mw.(BeforeModelHook); ok {
		return true
	}
	if _, ok := mw.(AfterModelHook); ok {
		return true
	}
	if _, ok := mw.(ModelCallWrapper); ok {
		return true
	}
	if _, ok := mw.(ToolCallWrapper); ok {
		return true
	}
	return false
}
