// Copyright The TracePatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package instrumenter implements the plugin registry and orchestrator:
// it tracks registered integrations, applies and removes their patches,
// contains their failures, and drives load-hook reload cycles.
package instrumenter

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"

	"github.com/tracepatch/tracepatch/integration"
	"github.com/tracepatch/tracepatch/internal/pkg/envcfg"
	"github.com/tracepatch/tracepatch/internal/pkg/telemetry"
	"github.com/tracepatch/tracepatch/wrap"
)

type registration struct {
	bundle integration.Bundle
	config integration.Config
}

// Manager owns all mutable engine state: the registration set, the
// per-unit instrumented sets, and the startup-computed disabled set. All
// operations are synchronous; the Manager tolerates reentrant calls from
// nested load notifications on the same goroutine, but is not safe for
// concurrent use from multiple goroutines.
type Manager struct {
	logger   *slog.Logger
	tracer   trace.Tracer
	hook     integration.Hook
	catalog  integration.Catalog
	src      envcfg.Source
	disabled envcfg.Disabled
	metrics  *telemetry.Recorder
	engine   *wrap.Engine

	enabled      bool
	registry     map[string]*registration
	instrumented map[*integration.Unit]map[*wrap.Exports]struct{}
}

// NewManager returns a Manager watching through h for components matching
// catalog integrations. The disabled set is computed once, here, from src.
func NewManager(logger *slog.Logger, tracer trace.Tracer, h integration.Hook, catalog integration.Catalog, src envcfg.Source, metrics *telemetry.Recorder, engine *wrap.Engine) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if src == nil {
		src = envcfg.OSEnv()
	}
	if engine == nil {
		engine = wrap.NewEngine(wrap.WithLogger(logger))
	}
	m := &Manager{
		logger:       logger,
		tracer:       tracer,
		hook:         h,
		catalog:      catalog,
		src:          src,
		disabled:     envcfg.DisabledSet(src),
		metrics:      metrics,
		engine:       engine,
		registry:     make(map[string]*registration),
		instrumented: make(map[*integration.Unit]map[*wrap.Exports]struct{}),
	}
	if b, ok := h.(integration.Binder); ok {
		b.Bind(m)
	}
	return m
}

// Engine returns the wrap engine shared with integrations.
func (m *Manager) Engine() *wrap.Engine { return m.engine }

func key(name string) string { return strings.ToLower(name) }

// Use registers the named catalog integration with cfg, resolved against
// the configuration source. Unknown names are logged and ignored; they
// must never crash the host. A reload is triggered when the engine is
// already enabled.
func (m *Manager) Use(name string, cfg integration.Config) {
	b, ok := m.catalog.Lookup(name)
	if !ok {
		m.logger.Debug("skipping unknown integration", "name", name)
		return
	}
	m.set(b, envcfg.Resolve(m.src, b.Name, cfg))
	if m.enabled {
		m.reload()
	}
}

// Enable marks the engine enabled. When registerCatalog is set, every
// catalog integration not yet registered is registered with its
// environment-derived default configuration. A reload always follows,
// covering integrations registered before Enable was called.
func (m *Manager) Enable(registerCatalog bool) {
	m.enabled = true
	if registerCatalog {
		for _, name := range m.catalog.Names() {
			if _, ok := m.registry[key(name)]; ok {
				continue
			}
			b, _ := m.catalog.Lookup(name)
			m.set(b, m.defaultConfig(b.Name))
		}
	}
	m.reload()
}

// Disable unpatches every instrumented integration, clears the registry,
// marks the engine disabled, and reloads the hook with an empty set so it
// stops watching for new loads.
func (m *Manager) Disable() {
	for _, reg := range m.registrations() {
		m.unpatchBundle(reg.bundle)
		m.metrics.Unregistered(reg.bundle.Name)
	}
	m.registry = make(map[string]*registration)
	m.enabled = false
	m.hook.Reload(nil)
}

// Enabled reports whether the engine is globally enabled.
func (m *Manager) Enabled() bool { return m.enabled }

func (m *Manager) defaultConfig(name string) integration.Config {
	return envcfg.Resolve(m.src, name, integration.Config{Enabled: true})
}

// set stores the registration entry and immediately attempts to load it,
// covering components that are already available. Names in the disabled
// set are refused.
func (m *Manager) set(b integration.Bundle, cfg integration.Config) {
	if m.disabled.Has(b.Name) {
		m.logger.Debug("integration disabled by configuration", "name", b.Name)
		return
	}
	if prev, ok := m.registry[key(b.Name)]; ok {
		// Reconfiguration: drop the previous patches before reloading so
		// the new config is the only one observed.
		m.unpatchBundle(prev.bundle)
	} else {
		m.metrics.Registered(b.Name)
	}
	reg := &registration{bundle: b, config: cfg}
	m.registry[key(b.Name)] = reg
	m.load(reg)
}

// load delegates every unit of the registration to the load hook. Any
// error or panic raised during this step unloads the entire integration;
// it never propagates to the caller.
func (m *Manager) load(reg *registration) {
	if !m.enabled {
		return
	}
	if !reg.config.Enabled {
		m.logger.Debug("integration disabled, not loading", "name", reg.bundle.Name)
		return
	}

	err := m.loadUnits(reg)
	if err == nil {
		m.metrics.Load(reg.bundle.Name)
		return
	}
	if _, present := m.registry[key(reg.bundle.Name)]; !present {
		// Already unloaded by the patch failure boundary.
		m.logger.Debug("integration unloaded during load", "name", reg.bundle.Name, "error", err)
		return
	}
	m.logger.Error("failed to load integration, disabling it", "name", reg.bundle.Name, "error", err)
	m.metrics.LoadError(reg.bundle.Name)
	m.Unload(reg.bundle.Name)
}

func (m *Manager) loadUnits(reg *registration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("integration panic: %v", r)
		}
	}()
	for _, u := range reg.bundle.Units {
		if lerr := m.hook.Load(u, reg.config); lerr != nil {
			return lerr
		}
	}
	return nil
}

// Unload unpatches every unit of the named integration and removes its
// registration entry. Unknown names are a no-op.
func (m *Manager) Unload(name string) {
	reg, ok := m.registry[key(name)]
	if !ok {
		return
	}
	m.unpatchBundle(reg.bundle)
	delete(m.registry, key(name))
	m.metrics.Unregistered(reg.bundle.Name)
}

func (m *Manager) unpatchBundle(b integration.Bundle) {
	for _, u := range b.Units {
		m.Unpatch(u)
	}
}

// Preload offers the hook's preload capability, when present, the catalog
// integrations not yet registered, so components already available before
// Enable can be staged.
func (m *Manager) Preload() {
	p, ok := m.hook.(integration.Preloader)
	if !ok {
		return
	}
	pending := make(map[string]integration.Registration)
	for _, name := range m.catalog.Names() {
		if _, registered := m.registry[key(name)]; registered {
			continue
		}
		if m.disabled.Has(name) {
			continue
		}
		b, _ := m.catalog.Lookup(name)
		pending[b.Name] = integration.Registration{Bundle: b, Config: m.defaultConfig(b.Name)}
	}
	p.Preload(pending)
}

// Prepatch installs the staging wraps u declares on exports, letting the
// integration intercept calls made before its full patch logic runs. The
// installed wraps are unmarked so later code does not mistake them for a
// completed instrumentation.
func (m *Manager) Prepatch(u *integration.Unit, exports *wrap.Exports) error {
	pp, ok := u.Integration.(integration.Prepatcher)
	if !ok {
		return nil
	}
	for _, staged := range pp.Prepatch(exports) {
		err := m.engine.Wrap([]*wrap.Exports{staged.Target}, staged.Members, stagingFactory)
		if err != nil {
			return errors.Wrapf(err, "prepatch %s", u.Name())
		}
		for _, member := range staged.Members {
			m.engine.Unmark(staged.Target, member)
		}
	}
	return nil
}

// stagingFactory installs the engine's indirection without adding behavior
// of its own: the forwarder starts delegating to the real wrapped function
// as soon as a later wrap assigns it.
func stagingFactory(original any) any { return original }

// Patch applies u to exports at most once per (unit, exports) pair. An
// error or panic from the integration's patch capability is logged,
// counted, and unloads the whole owning integration; the returned error
// only signals the caller to abort its enclosing load sequence.
func (m *Manager) Patch(u *integration.Unit, exports *wrap.Exports, cfg integration.Config) error {
	owner, ok := m.owner(u)
	if !ok {
		m.logger.Debug("skipping patch for unregistered unit", "name", u.Name())
		return nil
	}

	set := m.instrumented[u]
	if set == nil {
		set = make(map[*wrap.Exports]struct{})
		m.instrumented[u] = set
	}
	if _, done := set[exports]; done {
		return nil
	}
	set[exports] = struct{}{}

	err := m.patchUnit(u, exports, cfg)
	if err == nil {
		return nil
	}
	m.logger.Error("failed to patch integration, disabling it", "name", owner, "error", err)
	m.metrics.LoadError(owner)
	m.Unload(owner)
	return errors.Wrapf(err, "patch %s", u.Name())
}

func (m *Manager) patchUnit(u *integration.Unit, exports *wrap.Exports, cfg integration.Config) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("integration panic: %v", r)
		}
	}()
	return u.Integration.Patch(m.engine, exports, m.tracer, cfg)
}

// Unpatch removes u from every exports object it has patched. Errors are
// logged per object and do not stop processing of the remaining objects.
// Units with no instrumented entries are a no-op.
func (m *Manager) Unpatch(u *integration.Unit) {
	set, ok := m.instrumented[u]
	if !ok {
		return
	}
	delete(m.instrumented, u)
	for exports := range set {
		if err := m.unpatchUnit(u, exports); err != nil {
			m.logger.Error("failed to unpatch integration", "name", u.Name(), "error", err)
		}
	}
}

func (m *Manager) unpatchUnit(u *integration.Unit, exports *wrap.Exports) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("integration panic: %v", r)
		}
	}()
	return u.Integration.Unpatch(m.engine, exports, m.tracer)
}

// owner returns the name of the registered bundle containing u.
func (m *Manager) owner(u *integration.Unit) (string, bool) {
	for _, reg := range m.registry {
		for _, candidate := range reg.bundle.Units {
			if candidate == u {
				return reg.bundle.Name, true
			}
		}
	}
	return "", false
}

func (m *Manager) registrations() []*registration {
	regs := make([]*registration, 0, len(m.registry))
	for _, reg := range m.registry {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool {
		return regs[i].bundle.Name < regs[j].bundle.Name
	})
	return regs
}

func (m *Manager) reload() {
	active := make([]integration.Registration, 0, len(m.registry))
	for _, reg := range m.registrations() {
		if !reg.config.Enabled {
			continue
		}
		active = append(active, integration.Registration{Bundle: reg.bundle, Config: reg.config})
	}
	m.hook.Reload(active)
}
