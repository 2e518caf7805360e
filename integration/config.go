// Copyright The TracePatch Authors
// SPDX-License-Identifier: Apache-2.0

package integration

// Config is the per-integration enablement and analytics configuration
// passed to [Integration.Patch].
type Config struct {
	Enabled   bool
	Analytics Analytics
}

type analyticsKind int

const (
	analyticsUnset analyticsKind = iota
	analyticsFlag
	analyticsRate
)

// Analytics is the tri-state analytics setting of an integration: unset,
// explicitly enabled or disabled, or a sample rate in [0, 1]. The zero
// value is unset, leaving the collaborator default in effect.
type Analytics struct {
	kind analyticsKind
	flag bool
	rate float64
}

// AnalyticsEnabled returns an Analytics explicitly enabled or disabled.
func AnalyticsEnabled(enabled bool) Analytics {
	return Analytics{kind: analyticsFlag, flag: enabled}
}

// AnalyticsRate returns an Analytics carrying a sample rate. The rate is
// expected to already be clamped to [0, 1].
func AnalyticsRate(rate float64) Analytics {
	return Analytics{kind: analyticsRate, rate: rate}
}

// IsSet reports whether the setting carries an explicit value.
func (a Analytics) IsSet() bool { return a.kind != analyticsUnset }

// Bool returns the explicit enabled/disabled flag, if carried.
func (a Analytics) Bool() (enabled, ok bool) {
	return a.flag, a.kind == analyticsFlag
}

// Rate returns the sample rate, if carried.
func (a Analytics) Rate() (rate float64, ok bool) {
	return a.rate, a.kind == analyticsRate
}
