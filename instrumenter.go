// Copyright The TracePatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracepatch provides a dynamic instrumentation engine: it
// attaches collaborator-supplied interception behavior to functions
// exported by third-party components as they are loaded into the process,
// without modifying the components' source.
package tracepatch

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tracepatch/tracepatch/hook"
	"github.com/tracepatch/tracepatch/integration"
	"github.com/tracepatch/tracepatch/internal/pkg/envcfg"
	"github.com/tracepatch/tracepatch/internal/pkg/instrumenter"
	"github.com/tracepatch/tracepatch/internal/pkg/telemetry"
	"github.com/tracepatch/tracepatch/wrap"
)

// envLogLevelKey is the key for the environment variable value containing
// the engine log level.
const envLogLevelKey = "TRACEPATCH_LOG_LEVEL"

const scopeName = "github.com/tracepatch/tracepatch"

// Instrumenter manages and controls all dynamic instrumentation of the
// process: which integrations are registered, when their patches are
// applied and removed, and how runtime configuration changes are applied.
type Instrumenter struct {
	logger   *slog.Logger
	manager  *instrumenter.Manager
	hook     integration.Hook
	provider Provider
	current  EngineConfig
}

// NewInstrumenter returns a new [Instrumenter] configured with the
// provided opts.
func NewInstrumenter(opts ...InstrumenterOption) (*Instrumenter, error) {
	c, err := newInstConfig(opts)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.NewRecorder(c.meterProvider, c.logger)
	engine := wrap.NewEngine(wrap.WithLogger(c.logger))
	mgr := instrumenter.NewManager(c.logger, c.tracer, c.hook, c.catalog, c.source, metrics, engine)

	return &Instrumenter{
		logger:   c.logger,
		manager:  mgr,
		hook:     c.hook,
		provider: c.provider,
	}, nil
}

// Use registers the named integration, normalizing the boolean shorthand
// into a full configuration. Unknown names are logged and ignored. If the
// engine is already enabled a reload is triggered.
func (i *Instrumenter) Use(name string, enabled bool) {
	i.manager.Use(name, integration.Config{Enabled: enabled})
}

// UseWithConfig registers the named integration with an explicit
// configuration, resolved against the configuration source.
func (i *Instrumenter) UseWithConfig(name string, cfg integration.Config) {
	i.manager.Use(name, cfg)
}

// Enable marks the engine enabled, registers every catalog integration not
// yet registered (unless suppressed with [WithoutCatalog]), and triggers a
// reload.
func (i *Instrumenter) Enable(opts ...EnableOption) {
	registerCatalog := true
	for _, o := range opts {
		registerCatalog = o.apply(registerCatalog)
	}
	i.manager.Enable(registerCatalog)
}

// Disable unpatches every instrumented integration, clears the registry,
// and stops the load hook from watching for new loads.
func (i *Instrumenter) Disable() {
	i.manager.Disable()
}

// Preload offers the load hook the full catalog of not-yet-registered
// integrations so components present before Enable can be staged.
func (i *Instrumenter) Preload() {
	i.manager.Preload()
}

// Hook returns the load hook the engine watches component loads through.
func (i *Instrumenter) Hook() integration.Hook { return i.hook }

// Run applies the configuration provider's initial configuration, enables
// the engine, and applies configuration updates until ctx is done. On
// return the provider is shut down and the engine disabled.
func (i *Instrumenter) Run(ctx context.Context) error {
	i.Enable()
	i.applyConfig(i.provider.InitialConfig(ctx))

	updates := i.provider.Watch()
	for {
		select {
		case <-ctx.Done():
			return i.shutdown()
		case c, ok := <-updates:
			if !ok {
				i.logger.Debug("configuration provider closed, configuration updates will no longer be received")
				<-ctx.Done()
				return i.shutdown()
			}
			i.applyConfig(c)
		}
	}
}

func (i *Instrumenter) shutdown() error {
	err := i.provider.Shutdown(context.Background())
	i.Disable()
	return err
}

// applyConfig diffs c against the currently applied configuration and
// re-registers every changed integration. Integrations removed from the
// configuration revert to their environment-derived defaults.
func (i *Instrumenter) applyConfig(c EngineConfig) {
	for name, setting := range c.Integrations {
		i.manager.Use(name, setting.integrationConfig())
	}
	for name := range i.current.Integrations {
		if _, ok := c.Integrations[name]; !ok {
			i.manager.Use(name, integration.Config{Enabled: true})
		}
	}
	i.current = c
}

type instConfig struct {
	logger        *slog.Logger
	logLevel      LogLevel
	catalog       integration.Catalog
	hook          integration.Hook
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	source        envcfg.Source
	provider      Provider
}

func newInstConfig(opts []InstrumenterOption) (instConfig, error) {
	var (
		c   instConfig
		err error
	)
	for _, opt := range opts {
		var e error
		c, e = opt.apply(c)
		err = errors.Join(err, e)
	}
	c = c.applyEnv()

	if c.logger == nil {
		c.logger = newLogger(c.logLevel)
	}
	if c.catalog == nil {
		c.catalog = integration.Catalog{}
	}
	if c.hook == nil {
		c.hook = hook.New(hook.WithLogger(c.logger))
	}
	if c.tracer == nil {
		c.tracer = otel.GetTracerProvider().Tracer(
			scopeName,
			trace.WithInstrumentationVersion(Version()),
		)
	}
	if c.source == nil {
		c.source = envcfg.OSEnv()
	}
	if c.provider == nil {
		c.provider = NewNoopProvider()
	}
	return c, err
}

// applyEnv is run after user-provided options; environment values take
// precedence over them.
func (c instConfig) applyEnv() instConfig {
	if v, ok := os.LookupEnv(envLogLevelKey); ok {
		var l LogLevel
		if err := l.UnmarshalText([]byte(v)); err == nil {
			c.logLevel = l
		}
	}
	return c
}

func newLogger(level LogLevel) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level.slogLevel()}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// InstrumenterOption applies a configuration option to [Instrumenter].
type InstrumenterOption interface {
	apply(instConfig) (instConfig, error)
}

type fnOpt func(instConfig) (instConfig, error)

func (o fnOpt) apply(c instConfig) (instConfig, error) { return o(c) }

// WithLogger returns an [InstrumenterOption] that sets the logger the
// engine and all its components use.
//
// If TRACEPATCH_LOG_LEVEL is not defined and this option is provided, it
// takes precedence over [WithLogLevel].
func WithLogger(logger *slog.Logger) InstrumenterOption {
	return fnOpt(func(c instConfig) (instConfig, error) {
		c.logger = logger
		return c, nil
	})
}

// WithLogLevel returns an [InstrumenterOption] defining the log level of
// the engine's default logger.
//
// If TRACEPATCH_LOG_LEVEL is defined it will take precedence over any
// value passed here.
func WithLogLevel(level LogLevel) InstrumenterOption {
	return fnOpt(func(c instConfig) (instConfig, error) {
		if err := level.validate(); err != nil {
			return c, err
		}
		c.logLevel = level
		return c, nil
	})
}

// WithCatalog returns an [InstrumenterOption] defining the static catalog
// of known integrations.
func WithCatalog(catalog integration.Catalog) InstrumenterOption {
	return fnOpt(func(c instConfig) (instConfig, error) {
		c.catalog = catalog
		return c, nil
	})
}

// WithHook returns an [InstrumenterOption] defining the load hook the
// engine watches component loads through. The default is the in-process
// hook from the hook package.
func WithHook(h integration.Hook) InstrumenterOption {
	return fnOpt(func(c instConfig) (instConfig, error) {
		c.hook = h
		return c, nil
	})
}

// WithTracer returns an [InstrumenterOption] defining the tracer handle
// passed through, uninterpreted, to integration patch capabilities.
func WithTracer(t trace.Tracer) InstrumenterOption {
	return fnOpt(func(c instConfig) (instConfig, error) {
		c.tracer = t
		return c, nil
	})
}

// WithMeterProvider returns an [InstrumenterOption] defining where the
// engine reports its health counters. The default is the global otel meter
// provider; its absence does not affect engine behavior.
func WithMeterProvider(mp metric.MeterProvider) InstrumenterOption {
	return fnOpt(func(c instConfig) (instConfig, error) {
		c.meterProvider = mp
		return c, nil
	})
}

// WithLookupEnv returns an [InstrumenterOption] replacing the key/value
// source per-integration configuration is resolved from. The default is
// the process environment.
func WithLookupEnv(lookup func(key string) (string, bool)) InstrumenterOption {
	return fnOpt(func(c instConfig) (instConfig, error) {
		if lookup != nil {
			c.source = envcfg.SourceFunc(lookup)
		}
		return c, nil
	})
}

// WithConfigProvider returns an [InstrumenterOption] defining the runtime
// configuration provider [Instrumenter.Run] applies.
func WithConfigProvider(p Provider) InstrumenterOption {
	return fnOpt(func(c instConfig) (instConfig, error) {
		c.provider = p
		return c, nil
	})
}

// EnableOption applies a configuration option to [Instrumenter.Enable].
type EnableOption interface {
	apply(registerCatalog bool) bool
}

type enableOptFn func(bool) bool

func (o enableOptFn) apply(v bool) bool { return o(v) }

// WithoutCatalog returns an [EnableOption] suppressing the bulk
// registration of catalog integrations, enabling only those already
// registered with Use.
func WithoutCatalog() EnableOption {
	return enableOptFn(func(bool) bool { return false })
}
