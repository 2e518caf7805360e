// Copyright The TracePatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package hook provides the default in-process load hook: hosts announce
// components as they are loaded, and the hook drives the engine's
// prepatch/patch sequence for every matching instrumentation unit.
package hook

import (
	"log/slog"
	"strings"

	"github.com/hashicorp/go-version"

	"github.com/tracepatch/tracepatch/integration"
	"github.com/tracepatch/tracepatch/wrap"
)

type component struct {
	name    string
	version *version.Version
	exports *wrap.Exports
}

type watch struct {
	unit *integration.Unit
	cfg  integration.Config
}

// Hook tracks announced components and watched instrumentation units and
// patches every (unit, component) match through the bound
// [integration.Patcher]. Like the rest of the engine it is synchronous and
// reentrancy-safe, not goroutine-safe.
type Hook struct {
	logger  *slog.Logger
	patcher integration.Patcher
	watches []*watch
	pending map[string]integration.Registration
	loaded  []*component
}

var (
	_ integration.Hook      = (*Hook)(nil)
	_ integration.Preloader = (*Hook)(nil)
	_ integration.Binder    = (*Hook)(nil)
)

// Option configures a [Hook].
type Option interface {
	apply(*Hook)
}

type optFn func(*Hook)

func (o optFn) apply(h *Hook) { o(h) }

// WithLogger sets the hook's logger.
func WithLogger(l *slog.Logger) Option {
	return optFn(func(h *Hook) {
		if l != nil {
			h.logger = l
		}
	})
}

// New returns an unbound Hook. The engine binds itself on construction via
// [Hook.Bind].
func New(opts ...Option) *Hook {
	h := &Hook{logger: slog.Default()}
	for _, o := range opts {
		o.apply(h)
	}
	return h
}

// Bind sets the engine-side callback the hook drives on matches.
func (h *Hook) Bind(p integration.Patcher) { h.patcher = p }

// Announce records that a component with the given name and version has
// been loaded with the given exports, and synchronously patches it with
// every matching watched unit. Staged (preloaded but unregistered)
// integrations are prepatched instead. Failures are logged; they never
// propagate to the announcing host.
func (h *Hook) Announce(name, ver string, exports *wrap.Exports) {
	c := &component{name: name, exports: exports}
	if ver != "" {
		v, err := version.NewVersion(ver)
		if err != nil {
			h.logger.Debug("unparseable component version", "component", name, "version", ver)
		} else {
			c.version = v
		}
	}
	h.loaded = append(h.loaded, c)

	if h.patcher == nil {
		return
	}
	for _, reg := range h.pending {
		for _, u := range reg.Bundle.Units {
			if !matches(u, c) {
				continue
			}
			if err := h.patcher.Prepatch(u, exports); err != nil {
				h.logger.Error("failed to prepatch component", "component", name, "integration", u.Name(), "error", err)
			}
		}
	}
	for _, w := range h.snapshotWatches() {
		if !matches(w.unit, c) {
			continue
		}
		if err := h.patcher.Patch(w.unit, exports, w.cfg); err != nil {
			h.logger.Error("failed to patch component", "component", name, "integration", w.unit.Name(), "error", err)
		}
	}
}

// Load starts watching for components matching u, and patches components
// that were already announced. The first patch failure is returned to the
// caller so the enclosing integration load can be aborted.
func (h *Hook) Load(u *integration.Unit, cfg integration.Config) error {
	h.upsert(u, cfg)
	if h.patcher == nil {
		return nil
	}
	for _, c := range h.snapshotLoaded() {
		if !matches(u, c) {
			continue
		}
		if err := h.patcher.Patch(u, c.exports, cfg); err != nil {
			return err
		}
	}
	return nil
}

// Reload replaces the watched set with active and re-scans every
// announced component against it. Already patched pairs are no-ops by the
// engine's at-most-once guarantee; failures during the re-scan are logged
// and do not stop it.
func (h *Hook) Reload(active []integration.Registration) {
	h.watches = nil
	for _, reg := range active {
		delete(h.pending, strings.ToLower(reg.Bundle.Name))
		for _, u := range reg.Bundle.Units {
			h.watches = append(h.watches, &watch{unit: u, cfg: reg.Config})
		}
	}
	if h.patcher == nil {
		return
	}
	for _, w := range h.snapshotWatches() {
		for _, c := range h.snapshotLoaded() {
			if !matches(w.unit, c) {
				continue
			}
			if err := h.patcher.Patch(w.unit, c.exports, w.cfg); err != nil {
				h.logger.Error("failed to patch component", "component", c.name, "integration", w.unit.Name(), "error", err)
			}
		}
	}
}

// Preload stages the not-yet-registered integrations so components
// announced, or already announced, before the engine is enabled can be
// intercepted ahead of their real patch.
func (h *Hook) Preload(pending map[string]integration.Registration) {
	h.pending = make(map[string]integration.Registration, len(pending))
	for name, reg := range pending {
		h.pending[strings.ToLower(name)] = reg
	}
	if h.patcher == nil {
		return
	}
	for _, reg := range h.pending {
		for _, u := range reg.Bundle.Units {
			for _, c := range h.snapshotLoaded() {
				if !matches(u, c) {
					continue
				}
				if err := h.patcher.Prepatch(u, c.exports); err != nil {
					h.logger.Error("failed to prepatch component", "component", c.name, "integration", u.Name(), "error", err)
				}
			}
		}
	}
}

func (h *Hook) upsert(u *integration.Unit, cfg integration.Config) {
	for _, w := range h.watches {
		if w.unit == u {
			w.cfg = cfg
			return
		}
	}
	h.watches = append(h.watches, &watch{unit: u, cfg: cfg})
}

// snapshotWatches copies the watch list so reentrant loads triggered from
// inside a patch cannot invalidate an in-flight iteration.
func (h *Hook) snapshotWatches() []*watch {
	return append([]*watch(nil), h.watches...)
}

func (h *Hook) snapshotLoaded() []*component {
	return append([]*component(nil), h.loaded...)
}

func matches(u *integration.Unit, c *component) bool {
	return strings.EqualFold(u.Target(), c.name) && u.Matches(c.version)
}
