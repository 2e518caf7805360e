// Copyright The TracePatch Authors
// SPDX-License-Identifier: Apache-2.0

package integration

import "github.com/tracepatch/tracepatch/wrap"

// Registration pairs a bundle with its currently resolved configuration.
type Registration struct {
	Bundle Bundle
	Config Config
}

// Hook detects when a component matching a unit's target becomes available
// and drives the engine's prepatch/patch sequence through a [Patcher].
type Hook interface {
	// Load starts watching for components matching u. Components that are
	// already available are patched synchronously; the first failure is
	// returned.
	Load(u *Unit, cfg Config) error

	// Reload replaces the watched set with active and re-scans components
	// that are already available.
	Reload(active []Registration)
}

// Preloader is the optional staging capability of a [Hook]: offered the
// catalog entries not yet registered so components present before the
// engine is enabled can be intercepted ahead of time.
type Preloader interface {
	Preload(pending map[string]Registration)
}

// Binder is implemented by hooks that accept their engine-side callback
// after construction. The engine binds itself on start-up.
type Binder interface {
	Bind(Patcher)
}

// Patcher is the engine-side surface a [Hook] drives when a matching
// component load is observed.
type Patcher interface {
	// Prepatch installs the staging wraps u declares on exports.
	Prepatch(u *Unit, exports *wrap.Exports) error

	// Patch applies u to exports at most once. Integration failures are
	// contained by the engine; the returned error only aborts the
	// caller's enclosing load sequence.
	Patch(u *Unit, exports *wrap.Exports, cfg Config) error
}
