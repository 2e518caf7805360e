// Copyright The TracePatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package envcfg resolves per-integration configuration from an
// environment-like key/value source.
package envcfg

import (
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/tracepatch/tracepatch/integration"
)

const (
	keyPrefix = "TRACEPATCH_"

	suffixEnabled          = "ENABLED"
	suffixAnalyticsEnabled = "ANALYTICS_ENABLED"
	suffixAnalyticsRate    = "ANALYTICS_SAMPLE_RATE"

	keyDisabledIntegrations = "TRACEPATCH_DISABLED_INTEGRATIONS"
)

// Source is a read-only key lookup, queried on demand.
type Source interface {
	Lookup(key string) (string, bool)
}

// SourceFunc adapts a lookup function to the [Source] interface.
type SourceFunc func(key string) (string, bool)

// Lookup calls f.
func (f SourceFunc) Lookup(key string) (string, bool) { return f(key) }

// OSEnv returns a Source backed by the process environment.
func OSEnv() Source { return SourceFunc(os.LookupEnv) }

// Key builds the configuration key for an integration name and suffix:
// TRACEPATCH_<NAME>_<SUFFIX>, with non-alphanumeric runes of the name
// normalized to underscores.
func Key(name, suffix string) string {
	var b strings.Builder
	b.WriteString(keyPrefix)
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteByte('_')
	b.WriteString(suffix)
	return b.String()
}

func isTrue(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1"
}

func isFalse(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "false" || v == "0"
}

// Resolve derives the configuration of the named integration from src,
// starting from the caller-supplied overrides. An empty name, or a nil
// source, returns overrides unchanged. Resolve is a pure function of its
// inputs; it only reads from src.
func Resolve(src Source, name string, overrides integration.Config) integration.Config {
	if name == "" || src == nil {
		return overrides
	}

	cfg := overrides
	if v, ok := src.Lookup(Key(name, suffixEnabled)); ok {
		// Tri-state: only explicit true/false strings override.
		switch {
		case isTrue(v):
			cfg.Enabled = true
		case isFalse(v):
			cfg.Enabled = false
		}
	}

	enabledVal, enabledOK := src.Lookup(Key(name, suffixAnalyticsEnabled))
	rate, rateOK := sampleRate(src, name)
	switch {
	case enabledOK && isFalse(enabledVal):
		cfg.Analytics = integration.AnalyticsEnabled(false)
	case rateOK:
		cfg.Analytics = integration.AnalyticsRate(rate)
	case enabledOK && isTrue(enabledVal):
		cfg.Analytics = integration.AnalyticsEnabled(true)
	}
	return cfg
}

func sampleRate(src Source, name string) (float64, bool) {
	v, ok := src.Lookup(Key(name, suffixAnalyticsRate))
	if !ok {
		return 0, false
	}
	rate, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(rate) {
		return 0, false
	}
	return math.Max(0, math.Min(1, rate)), true
}

// Disabled is the set of integration names excluded from all activity.
// Computed once at engine construction and never mutated afterward.
type Disabled map[string]struct{}

// DisabledSet parses the comma-separated disabled-integrations value from
// src. Entries are trimmed of surrounding whitespace; empty or absent
// input yields an empty set.
func DisabledSet(src Source) Disabled {
	d := make(Disabled)
	if src == nil {
		return d
	}
	v, ok := src.Lookup(keyDisabledIntegrations)
	if !ok {
		return d
	}
	for _, entry := range strings.Split(v, ",") {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry != "" {
			d[entry] = struct{}{}
		}
	}
	return d
}

// Has reports set membership, case-insensitively.
func (d Disabled) Has(name string) bool {
	_, ok := d[strings.ToLower(name)]
	return ok
}
