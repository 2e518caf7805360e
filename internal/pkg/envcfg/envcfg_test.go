// Copyright The TracePatch Authors
// SPDX-License-Identifier: Apache-2.0

package envcfg

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tracepatch/tracepatch/integration"
)

func mapSource(vals map[string]string) Source {
	return SourceFunc(func(key string) (string, bool) {
		v, ok := vals[key]
		return v, ok
	})
}

func TestKey(t *testing.T) {
	testCases := []struct {
		name   string
		suffix string
		key    string
	}{
		{name: "mysql", suffix: "ENABLED", key: "TRACEPATCH_MYSQL_ENABLED"},
		{name: "net/http", suffix: "ENABLED", key: "TRACEPATCH_NET_HTTP_ENABLED"},
		{name: "aws-sdk", suffix: "ANALYTICS_ENABLED", key: "TRACEPATCH_AWS_SDK_ANALYTICS_ENABLED"},
		{name: "Redis", suffix: "ANALYTICS_SAMPLE_RATE", key: "TRACEPATCH_REDIS_ANALYTICS_SAMPLE_RATE"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.key, Key(tc.name, tc.suffix))
		})
	}
}

func TestResolveNoName(t *testing.T) {
	src := mapSource(map[string]string{"TRACEPATCH__ENABLED": "false"})
	overrides := integration.Config{Enabled: true}

	assert.Equal(t, overrides, Resolve(src, "", overrides))
}

func TestResolveEnabled(t *testing.T) {
	testCases := []struct {
		name    string
		value   string
		initial bool
		want    bool
	}{
		{name: "explicit true", value: "true", initial: false, want: true},
		{name: "explicit one", value: "1", initial: false, want: true},
		{name: "explicit false", value: "false", initial: true, want: false},
		{name: "explicit zero", value: "0", initial: true, want: false},
		{name: "garbage inherits", value: "banana", initial: true, want: true},
		{name: "empty inherits", value: "", initial: false, want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			src := mapSource(map[string]string{"TRACEPATCH_MYSQL_ENABLED": tc.value})
			got := Resolve(src, "mysql", integration.Config{Enabled: tc.initial})
			assert.Equal(t, tc.want, got.Enabled)
		})
	}
}

func TestResolveAnalyticsPrecedence(t *testing.T) {
	t.Run("disabled wins over sample rate", func(t *testing.T) {
		src := mapSource(map[string]string{
			"TRACEPATCH_MYSQL_ANALYTICS_ENABLED":     "false",
			"TRACEPATCH_MYSQL_ANALYTICS_SAMPLE_RATE": "0.5",
		})
		got := Resolve(src, "mysql", integration.Config{Enabled: true})
		assert.Equal(t, integration.AnalyticsEnabled(false), got.Analytics)
	})

	t.Run("sample rate alone", func(t *testing.T) {
		src := mapSource(map[string]string{
			"TRACEPATCH_MYSQL_ANALYTICS_SAMPLE_RATE": "0.3",
		})
		got := Resolve(src, "mysql", integration.Config{Enabled: true})
		assert.Equal(t, integration.AnalyticsRate(0.3), got.Analytics)
	})

	t.Run("sample rate wins over enabled true", func(t *testing.T) {
		src := mapSource(map[string]string{
			"TRACEPATCH_MYSQL_ANALYTICS_ENABLED":     "true",
			"TRACEPATCH_MYSQL_ANALYTICS_SAMPLE_RATE": "0.7",
		})
		got := Resolve(src, "mysql", integration.Config{Enabled: true})
		assert.Equal(t, integration.AnalyticsRate(0.7), got.Analytics)
	})

	t.Run("enabled true alone", func(t *testing.T) {
		src := mapSource(map[string]string{
			"TRACEPATCH_MYSQL_ANALYTICS_ENABLED": "true",
		})
		got := Resolve(src, "mysql", integration.Config{Enabled: true})
		assert.Equal(t, integration.AnalyticsEnabled(true), got.Analytics)
	})

	t.Run("nothing set leaves analytics unset", func(t *testing.T) {
		got := Resolve(mapSource(nil), "mysql", integration.Config{Enabled: true})
		assert.False(t, got.Analytics.IsSet())
	})

	t.Run("invalid rate falls through to enabled", func(t *testing.T) {
		src := mapSource(map[string]string{
			"TRACEPATCH_MYSQL_ANALYTICS_ENABLED":     "true",
			"TRACEPATCH_MYSQL_ANALYTICS_SAMPLE_RATE": "banana",
		})
		got := Resolve(src, "mysql", integration.Config{Enabled: true})
		assert.Equal(t, integration.AnalyticsEnabled(true), got.Analytics)
	})
}

func TestResolveSampleRateClamped(t *testing.T) {
	testCases := []struct {
		name  string
		value string
		want  float64
	}{
		{name: "above one", value: "1.5", want: 1},
		{name: "below zero", value: "-0.5", want: 0},
		{name: "in range", value: "0.25", want: 0.25},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			src := mapSource(map[string]string{
				"TRACEPATCH_MYSQL_ANALYTICS_SAMPLE_RATE": tc.value,
			})
			got := Resolve(src, "mysql", integration.Config{Enabled: true})
			assert.Equal(t, integration.AnalyticsRate(tc.want), got.Analytics)
		})
	}
}

func TestDisabledSet(t *testing.T) {
	t.Run("absent", func(t *testing.T) {
		d := DisabledSet(mapSource(nil))
		assert.Empty(t, d)
	})

	t.Run("empty", func(t *testing.T) {
		d := DisabledSet(mapSource(map[string]string{
			"TRACEPATCH_DISABLED_INTEGRATIONS": "",
		}))
		assert.Empty(t, d)
	})

	t.Run("trimmed entries", func(t *testing.T) {
		d := DisabledSet(mapSource(map[string]string{
			"TRACEPATCH_DISABLED_INTEGRATIONS": " mysql , net/http ,,redis ",
		}))
		assert.Len(t, d, 3)
		assert.True(t, d.Has("mysql"))
		assert.True(t, d.Has("net/http"))
		assert.True(t, d.Has("redis"))
		assert.False(t, d.Has("pg"))
	})

	t.Run("case insensitive membership", func(t *testing.T) {
		d := DisabledSet(mapSource(map[string]string{
			"TRACEPATCH_DISABLED_INTEGRATIONS": "MySQL",
		}))
		assert.True(t, d.Has("mysql"))
		assert.True(t, d.Has("MYSQL"))
	})
}
