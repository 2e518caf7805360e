// Copyright The TracePatch Authors
// SPDX-License-Identifier: Apache-2.0

package wrap

import (
	"fmt"
	"log/slog"
	"reflect"
)

// Factory builds a wrapped callable around original. The returned value
// must be callable with the same signature as original.
type Factory func(original any) any

// MissingMemberError is returned by [Engine.Wrap] when a requested member
// does not exist, or is not callable, on one of the targets. No member of
// the batch is wrapped when it is returned.
type MissingMemberError struct {
	Member string
}

func (e *MissingMemberError) Error() string {
	return fmt.Sprintf("wrap: member %q does not exist or is not callable", e.Member)
}

// state is the per-member wrap record. It is held out-of-band, keyed by
// member identity, instead of being attached to the member value.
type state struct {
	original reflect.Value

	// wrapped is the live indirection the installed forwarder consults on
	// every call. Updating it layers wrappers without replacing the member
	// a second time.
	wrapped    reflect.Value
	hasWrapped bool

	// disabled is the explicit "unwrapped" sentinel. A stale forwarder
	// still referenced by other code falls through to original.
	disabled bool

	// patched marks a completed instrumentation, as opposed to a staging
	// wrap installed before full configuration is known.
	patched bool
}

func (s *state) current() any {
	if s.hasWrapped && !s.disabled {
		return s.wrapped.Interface()
	}
	return s.original.Interface()
}

type memberKey struct {
	target *Exports
	name   string
}

type defaultState struct {
	original reflect.Value
	wrapper  reflect.Value

	// selfRef records that the stored wrapper reference was reset to the
	// forwarding shim itself; the shim then forwards to the original.
	selfRef bool
}

// Engine wraps and unwraps callable members on Exports values. It is not
// safe for concurrent use from multiple goroutines; it is safe for
// reentrant use from nested call frames on one goroutine.
type Engine struct {
	logger   *slog.Logger
	icept    Interceptor
	states   map[memberKey]*state
	defaults map[*Exports]*defaultState
}

// EngineOption configures an [Engine].
type EngineOption interface {
	apply(*Engine)
}

type engineOptFn func(*Engine)

func (o engineOptFn) apply(e *Engine) { o(e) }

// WithLogger sets the logger the engine reports skipped unwraps with.
func WithLogger(l *slog.Logger) EngineOption {
	return engineOptFn(func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	})
}

// WithInterceptor sets the member rewriting primitive the engine delegates
// to. The default rewrites the member table of the target Exports.
func WithInterceptor(i Interceptor) EngineOption {
	return engineOptFn(func(e *Engine) {
		if i != nil {
			e.icept = i
		}
	})
}

// NewEngine returns a new wrapping engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		logger:   slog.Default(),
		icept:    memberInterceptor{},
		states:   make(map[memberKey]*state),
		defaults: make(map[*Exports]*defaultState),
	}
	for _, o := range opts {
		o.apply(e)
	}
	return e
}

// Wrap installs factory-built wrappers around every named member on every
// target. The batch is atomic: every member is validated to exist and be
// callable on every target before any member is touched, and a
// [*MissingMemberError] is returned with no mutation otherwise.
//
// A member already carrying a wrap record is layered: the factory is
// applied to the currently referenced original and the live indirection is
// updated in place, without invoking the interceptor a second time.
func (e *Engine) Wrap(targets []*Exports, names []string, factory Factory) error {
	for _, t := range targets {
		for _, n := range names {
			if t == nil {
				return &MissingMemberError{Member: n}
			}
			if v, ok := t.Get(n); !ok || !callable(v) {
				return &MissingMemberError{Member: n}
			}
		}
	}
	for _, t := range targets {
		for _, n := range names {
			if err := e.wrapMember(t, n, factory); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) wrapMember(target *Exports, name string, factory Factory) error {
	key := memberKey{target: target, name: name}
	if st, ok := e.states[key]; ok {
		wrapped := factory(st.current())
		if !callable(wrapped) {
			return &MissingMemberError{Member: name}
		}
		st.wrapped = reflect.ValueOf(wrapped)
		st.hasWrapped = true
		st.disabled = false
		st.patched = true
		return nil
	}

	orig, _ := target.Get(name)
	st := &state{original: reflect.ValueOf(orig)}
	if wrapped := factory(orig); wrapped != nil {
		if !callable(wrapped) {
			return &MissingMemberError{Member: name}
		}
		st.wrapped = reflect.ValueOf(wrapped)
		st.hasWrapped = true
	}

	// Record the state before delegating so a reentrant wrap triggered from
	// inside the interceptor observes the member as already wrapped.
	e.states[key] = st
	if err := e.icept.Replace(target, name, forwarder(st)); err != nil {
		delete(e.states, key)
		return err
	}
	st.patched = true
	return nil
}

// forwarder builds the replacement callable for st. It has the exact
// signature of the original member and consults the live indirection on
// every invocation, falling back to the literal original when the
// indirection is unset or disabled.
func forwarder(st *state) any {
	ft := st.original.Type()
	fn := reflect.MakeFunc(ft, func(args []reflect.Value) []reflect.Value {
		target := st.original
		if st.hasWrapped && !st.disabled {
			target = st.wrapped
		}
		if ft.IsVariadic() {
			return target.CallSlice(args)
		}
		return target.Call(args)
	})
	return fn.Interface()
}

// Unwrap removes the wrappers installed on the named members of every
// target. Members that were never wrapped, or that are absent, are
// silently skipped so partially patched states can be cleaned up.
func (e *Engine) Unwrap(targets []*Exports, names []string) {
	for _, t := range targets {
		for _, n := range names {
			key := memberKey{target: t, name: n}
			st, ok := e.states[key]
			if !ok {
				e.logger.Debug("skipping unwrap of unwrapped member", "member", n)
				continue
			}
			st.disabled = true
			st.wrapped = reflect.Value{}
			st.hasWrapped = false
			if err := e.icept.Restore(t, n, st.original.Interface()); err != nil {
				e.logger.Debug("failed to restore member", "member", n, "error", err)
			}
			delete(e.states, key)
		}
	}
}

// Marked reports whether the named member on target carries a completed
// instrumentation marker.
func (e *Engine) Marked(target *Exports, name string) bool {
	st, ok := e.states[memberKey{target: target, name: name}]
	return ok && st.patched
}

// Unmark clears the completed-instrumentation marker from the named member
// without removing its wrap record, so a staging wrap is not mistaken for
// a finished patch.
func (e *Engine) Unmark(target *Exports, name string) {
	if st, ok := e.states[memberKey{target: target, name: name}]; ok {
		st.patched = false
	}
}

// WrapDefault wraps a component whose entire export surface is a single
// callable. Instead of mutating exports in place it returns a replacement
// whose default surface forwards through a stored wrapper reference, with
// every named member of exports copied onto the replacement so static
// members survive the substitution.
func (e *Engine) WrapDefault(exports *Exports, factory Factory) (*Exports, error) {
	if exports == nil || !callable(exports.Default()) {
		return nil, &MissingMemberError{Member: "default"}
	}

	orig := exports.Default()
	st := &defaultState{original: reflect.ValueOf(orig)}

	wrapped := factory(orig)
	if !callable(wrapped) {
		return nil, &MissingMemberError{Member: "default"}
	}
	st.wrapper = reflect.ValueOf(wrapped)

	ft := st.original.Type()
	shim := reflect.MakeFunc(ft, func(args []reflect.Value) []reflect.Value {
		target := st.wrapper
		if st.selfRef || !target.IsValid() {
			target = st.original
		}
		if ft.IsVariadic() {
			return target.CallSlice(args)
		}
		return target.Call(args)
	})

	replacement := NewDefaultExports(shim.Interface())
	for _, n := range exports.Names() {
		if _, ok := replacement.Get(n); !ok {
			v, _ := exports.Get(n)
			replacement.Set(n, v)
		}
	}
	e.defaults[replacement] = st
	return replacement, nil
}

// UnwrapDefault reverses [Engine.WrapDefault] by resetting the stored
// wrapper reference to the forwarding shim itself, which then passes
// through to the original. Repeated calls, and calls with values that were
// never wrapped, are tolerated.
func (e *Engine) UnwrapDefault(replacement *Exports) {
	st, ok := e.defaults[replacement]
	if !ok {
		e.logger.Debug("skipping unwrap of unwrapped default export")
		return
	}
	st.selfRef = true
}
