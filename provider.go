// Copyright The TracePatch Authors
// SPDX-License-Identifier: Apache-2.0

package tracepatch

import (
	"context"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tracepatch/tracepatch/integration"
)

// IntegrationSetting configures one integration in an [EngineConfig].
// Nil fields leave the corresponding default in effect.
type IntegrationSetting struct {
	Enabled             *bool    `yaml:"enabled"`
	AnalyticsEnabled    *bool    `yaml:"analytics_enabled"`
	AnalyticsSampleRate *float64 `yaml:"analytics_sample_rate"`
}

// EngineConfig is the runtime configuration applied by a [Provider].
type EngineConfig struct {
	// Integrations defines per-integration settings, keyed by integration
	// name.
	Integrations map[string]IntegrationSetting `yaml:"integrations"`
}

// Provider provides the initial engine configuration and any updates to it.
type Provider interface {
	// InitialConfig returns the initial engine configuration.
	InitialConfig(ctx context.Context) EngineConfig
	// Watch returns a channel that receives updates to the engine
	// configuration.
	Watch() <-chan EngineConfig
	// Shutdown releases any resources held by the provider.
	// It is an error to send updates after Shutdown is called.
	Shutdown(ctx context.Context) error
}

type noopProvider struct{}

// NewNoopProvider returns a provider that provides the default
// configuration as the initial one and never updates it.
func NewNoopProvider() Provider {
	return noopProvider{}
}

func (noopProvider) InitialConfig(_ context.Context) EngineConfig {
	return EngineConfig{}
}

func (noopProvider) Watch() <-chan EngineConfig {
	c := make(chan EngineConfig)
	close(c)
	return c
}

func (noopProvider) Shutdown(_ context.Context) error { return nil }

type fileProvider struct {
	path string
}

// NewFileProvider returns a provider reading the engine configuration from
// a YAML file at path. The file is read once; the provider never updates.
func NewFileProvider(path string) Provider {
	return &fileProvider{path: path}
}

func (p *fileProvider) InitialConfig(_ context.Context) EngineConfig {
	var c EngineConfig
	data, err := os.ReadFile(p.path)
	if err != nil {
		return c
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return EngineConfig{}
	}
	return c
}

func (p *fileProvider) Watch() <-chan EngineConfig {
	c := make(chan EngineConfig)
	close(c)
	return c
}

func (p *fileProvider) Shutdown(_ context.Context) error { return nil }

// integrationConfig converts a setting into the per-integration config the
// registry consumes, applying the same precedence the environment resolver
// uses for analytics values.
func (s IntegrationSetting) integrationConfig() integration.Config {
	cfg := integration.Config{Enabled: true}
	if s.Enabled != nil {
		cfg.Enabled = *s.Enabled
	}
	switch {
	case s.AnalyticsEnabled != nil && !*s.AnalyticsEnabled:
		cfg.Analytics = integration.AnalyticsEnabled(false)
	case s.AnalyticsSampleRate != nil:
		rate := *s.AnalyticsSampleRate
		if rate < 0 {
			rate = 0
		} else if rate > 1 {
			rate = 1
		}
		cfg.Analytics = integration.AnalyticsRate(rate)
	case s.AnalyticsEnabled != nil:
		cfg.Analytics = integration.AnalyticsEnabled(true)
	}
	return cfg
}
