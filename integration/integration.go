// Copyright The TracePatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package integration defines the capability contracts between the
// instrumentation engine and the per-library integrations it drives.
package integration

import (
	"github.com/hashicorp/go-version"
	"go.opentelemetry.io/otel/trace"

	"github.com/tracepatch/tracepatch/wrap"
)

// Integration is a named bundle of patch/unpatch behavior targeting one
// external component. Implementations must be immutable once registered.
type Integration interface {
	// Name returns the integration name.
	Name() string

	// Patch installs the integration's interception layers on exports,
	// using eng for member wrapping. The tracer handle is opaque to the
	// engine and passed through unchanged.
	Patch(eng *wrap.Engine, exports *wrap.Exports, tracer trace.Tracer, cfg Config) error

	// Unpatch removes everything Patch installed on exports.
	Unpatch(eng *wrap.Engine, exports *wrap.Exports, tracer trace.Tracer) error
}

// Prepatcher is the optional staging capability of an [Integration]: it
// names the members that must be intercepted before full configuration is
// available, so calls made ahead of the real patch are not lost.
type Prepatcher interface {
	Prepatch(exports *wrap.Exports) []StagedWrap
}

// StagedWrap is one staging request returned by [Prepatcher.Prepatch].
type StagedWrap struct {
	Target  *wrap.Exports
	Members []string
}

// Unit is one concrete sub-target within an integration. An integration
// may bundle several units, e.g. one per supported major version of the
// component it targets.
type Unit struct {
	Integration

	// Component names the loaded component the unit applies to. Empty
	// means the integration name itself.
	Component string

	// Versions constrains which loaded component versions the unit applies
	// to. Nil matches every version.
	Versions version.Constraints
}

// Target returns the component name the unit watches for.
func (u *Unit) Target() string {
	if u.Component != "" {
		return u.Component
	}
	return u.Name()
}

// Matches reports whether the unit applies to a component loaded at ver.
// Unknown versions only match unconstrained units.
func (u *Unit) Matches(ver *version.Version) bool {
	if len(u.Versions) == 0 {
		return true
	}
	return ver != nil && u.Versions.Check(ver)
}

// Bundle is the ordered list of units sharing one integration name.
type Bundle struct {
	Name  string
	Units []*Unit
}

// NewBundle returns a Bundle named name holding units in order.
func NewBundle(name string, units ...*Unit) Bundle {
	return Bundle{Name: name, Units: units}
}

// Funcs is an [Integration] assembled from function values. A nil function
// is a no-op. It also satisfies [Prepatcher]; a nil PrepatchFunc stages
// nothing.
type Funcs struct {
	IntegrationName string
	PatchFunc       func(eng *wrap.Engine, exports *wrap.Exports, tracer trace.Tracer, cfg Config) error
	UnpatchFunc     func(eng *wrap.Engine, exports *wrap.Exports, tracer trace.Tracer) error
	PrepatchFunc    func(exports *wrap.Exports) []StagedWrap
}

var (
	_ Integration = Funcs{}
	_ Prepatcher  = Funcs{}
)

func (f Funcs) Name() string { return f.IntegrationName }

func (f Funcs) Patch(eng *wrap.Engine, exports *wrap.Exports, tracer trace.Tracer, cfg Config) error {
	if f.PatchFunc == nil {
		return nil
	}
	return f.PatchFunc(eng, exports, tracer, cfg)
}

func (f Funcs) Unpatch(eng *wrap.Engine, exports *wrap.Exports, tracer trace.Tracer) error {
	if f.UnpatchFunc == nil {
		return nil
	}
	return f.UnpatchFunc(eng, exports, tracer)
}

func (f Funcs) Prepatch(exports *wrap.Exports) []StagedWrap {
	if f.PrepatchFunc == nil {
		return nil
	}
	return f.PrepatchFunc(exports)
}
