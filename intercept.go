package ilpatch

import (
	"fmt"
	"reflect"
)

// Hooks are the callbacks a wrapper fires around the original call. Any
// field may be nil.
//
// args is the argument snapshot taken at entry: each argument boxed, with
// pointer arguments dereferenced once so hooks see the pointed-to value as
// it was when the call began. The snapshot is visibility-only; the original
// call always receives the true argument list, pointers included.
type Hooks struct {
	// OnEnter fires before the original call.
	OnEnter func(state, instance any, args []any)
	// OnExit fires after a normal return with the boxed results (nil for a
	// void function).
	OnExit func(state, instance any, results []any, args []any)
	// OnException fires when the original call panics, after which the
	// identical panic value is re-raised.
	OnException func(state, instance any, fault any, args []any)
}

// maxWrapParams bounds the wrapper shapes this package constructs.
const maxWrapParams = 16

type wrapConfig struct {
	state    any
	receiver bool
}

// WrapOption configures Wrap.
type WrapOption func(*wrapConfig)

// WithState attaches an opaque tag passed to every hook invocation.
func WithState(state any) WrapOption {
	return func(c *wrapConfig) {
		c.state = state
	}
}

// WithReceiver marks the function's first parameter as the instance, as in a
// method expression like (*Counter).Add. Hooks then receive it separately
// and the argument snapshot covers only the remaining parameters.
func WithReceiver() WrapOption {
	return func(c *wrapConfig) {
		c.receiver = true
	}
}

// Wrap builds a callable with the same signature as fn that fires hooks
// around every invocation of it. The returned value can be asserted back to
// fn's type and substituted anywhere fn was used.
//
// The wrapper holds no mutable state, so it is safe to call concurrently
// whenever fn and the hooks are.
func Wrap(fn any, hooks Hooks, opts ...WrapOption) (any, error) {
	v, err := wrapValue(fn, hooks, opts)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// WrapFunc is Wrap with the function type preserved.
func WrapFunc[T any](fn T, hooks Hooks, opts ...WrapOption) (T, error) {
	v, err := wrapValue(fn, hooks, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	return v.Interface().(T), nil
}

func wrapValue(fn any, hooks Hooks, opts []WrapOption) (reflect.Value, error) {
	if fn == nil {
		return reflect.Value{}, ErrNilMethod
	}
	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func {
		return reflect.Value{}, fmt.Errorf("%w: not a function, kind: %v", ErrUnsupportedMethod, fnv.Kind())
	}
	if fnv.IsNil() {
		return reflect.Value{}, ErrNilMethod
	}

	var cfg wrapConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	ft := fnv.Type()
	if ft.IsVariadic() {
		// Forwarding through a snapshot would conflate the collected slice
		// with declared parameters.
		return reflect.Value{}, fmt.Errorf("%w: variadic function", ErrUnsupportedMethod)
	}
	if cfg.receiver {
		if ft.NumIn() == 0 {
			return reflect.Value{}, fmt.Errorf("%w: no receiver parameter", ErrUnsupportedMethod)
		}
		if ft.In(0).Kind() == reflect.Struct {
			// Hooks would observe a copy of the instance, not the instance.
			return reflect.Value{}, fmt.Errorf("%w: value receiver %v", ErrUnsupportedMethod, ft.In(0))
		}
	}
	if ft.NumIn() > maxWrapParams {
		return reflect.Value{}, fmt.Errorf("%w: %d parameters, limit %d", ErrTooManyParameters, ft.NumIn(), maxWrapParams)
	}

	s := &interceptorState{
		fn:       fnv,
		hooks:    hooks,
		state:    cfg.state,
		receiver: cfg.receiver,
	}
	return reflect.MakeFunc(ft, s.invoke), nil
}

// interceptorState is fixed at construction and shared by reference with
// every invocation of the wrapper.
type interceptorState struct {
	fn       reflect.Value
	hooks    Hooks
	state    any
	receiver bool
}

func (s *interceptorState) invoke(args []reflect.Value) []reflect.Value {
	var instance any
	hookArgs := args
	if s.receiver {
		instance = args[0].Interface()
		hookArgs = args[1:]
	}
	snap := snapshotArgs(hookArgs)

	if s.hooks.OnEnter != nil {
		s.hooks.OnEnter(s.state, instance, snap)
	}

	results, fault := s.callOriginal(args)
	if fault != nil {
		if s.hooks.OnException != nil {
			s.hooks.OnException(s.state, instance, fault, snap)
		}
		panic(fault)
	}

	if s.hooks.OnExit != nil {
		s.hooks.OnExit(s.state, instance, boxValues(results), snap)
	}
	return results
}

// callOriginal guards only the original invocation; a fault from a hook
// propagates without involving OnException.
func (s *interceptorState) callOriginal(args []reflect.Value) (results []reflect.Value, fault any) {
	defer func() {
		fault = recover()
	}()
	return s.fn.Call(args), nil
}

func snapshotArgs(args []reflect.Value) []any {
	snap := make([]any, len(args))
	for i, a := range args {
		if a.Kind() == reflect.Pointer {
			if a.IsNil() {
				continue
			}
			snap[i] = a.Elem().Interface()
			continue
		}
		snap[i] = a.Interface()
	}
	return snap
}

func boxValues(results []reflect.Value) []any {
	if len(results) == 0 {
		return nil
	}
	out := make([]any, len(results))
	for i, r := range results {
		out[i] = r.Interface()
	}
	return out
}
