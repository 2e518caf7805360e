// Copyright The TracePatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package wrap implements the generic function-wrapping engine used to
// install and remove interception layers around the callable members of a
// loaded component.
package wrap

import (
	"reflect"
	"sort"

	"github.com/pkg/errors"
)

// Exports is the concrete loaded value representing a component: a set of
// named members, some of which are callable, plus an optional default
// callable for components whose entire export surface is a single function.
//
// Exports values are identified by pointer. The engine keys all wrap state
// on (*Exports, member name) pairs.
type Exports struct {
	def     any
	members map[string]any
}

// NewExports returns an empty Exports value.
func NewExports() *Exports {
	return &Exports{members: make(map[string]any)}
}

// NewDefaultExports returns an Exports value whose entire surface is the
// single callable fn.
func NewDefaultExports(fn any) *Exports {
	e := NewExports()
	e.def = fn
	return e
}

// Set stores a member under name, replacing any previous value.
func (e *Exports) Set(name string, v any) {
	if e.members == nil {
		e.members = make(map[string]any)
	}
	e.members[name] = v
}

// Get returns the member stored under name.
func (e *Exports) Get(name string) (any, bool) {
	v, ok := e.members[name]
	return v, ok
}

// Names returns the member names in sorted order.
func (e *Exports) Names() []string {
	names := make([]string, 0, len(e.members))
	for n := range e.members {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Default returns the default callable surface, or nil if the component
// does not export one.
func (e *Exports) Default() any { return e.def }

// SetDefault replaces the default callable surface.
func (e *Exports) SetDefault(fn any) { e.def = fn }

// Interceptor is the primitive that rewrites a named member on a target.
// The engine builds the replacement callable itself and only depends on
// this narrow contract, so the rewriting mechanism can be swapped out.
type Interceptor interface {
	// Replace installs replacement as the member stored under name.
	Replace(target *Exports, name string, replacement any) error

	// Restore reinstalls original as the member stored under name.
	Restore(target *Exports, name string, original any) error
}

type memberInterceptor struct{}

func (memberInterceptor) Replace(target *Exports, name string, replacement any) error {
	if target == nil {
		return errors.New("wrap: nil target")
	}
	target.Set(name, replacement)
	return nil
}

func (memberInterceptor) Restore(target *Exports, name string, original any) error {
	if target == nil {
		return errors.New("wrap: nil target")
	}
	target.Set(name, original)
	return nil
}

func callable(v any) bool {
	return v != nil && reflect.TypeOf(v).Kind() == reflect.Func
}
