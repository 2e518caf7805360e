// Copyright The TracePatch Authors
// SPDX-License-Identifier: Apache-2.0

package wrap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingInterceptor counts delegations to the underlying primitive.
type countingInterceptor struct {
	memberInterceptor
	replaces int
	restores int
}

func (c *countingInterceptor) Replace(t *Exports, name string, repl any) error {
	c.replaces++
	return c.memberInterceptor.Replace(t, name, repl)
}

func (c *countingInterceptor) Restore(t *Exports, name string, orig any) error {
	c.restores++
	return c.memberInterceptor.Restore(t, name, orig)
}

func newTarget() *Exports {
	e := NewExports()
	e.Set("f", func(x int) int { return x + 1 })
	e.Set("g", func(s string) string { return s })
	e.Set("version", "1.2.3")
	return e
}

func call(t *testing.T, e *Exports, name string, x int) int {
	t.Helper()
	v, ok := e.Get(name)
	require.True(t, ok)
	fn, ok := v.(func(int) int)
	require.True(t, ok, "member %q is not func(int) int", name)
	return fn(x)
}

func TestWrapForwardsToWrapper(t *testing.T) {
	e := NewEngine()
	target := newTarget()

	err := e.Wrap([]*Exports{target}, []string{"f"}, func(original any) any {
		orig := original.(func(int) int)
		return func(x int) int { return orig(x) * 10 }
	})
	require.NoError(t, err)

	assert.Equal(t, 30, call(t, target, "f", 2)) // (2+1)*10
	assert.True(t, e.Marked(target, "f"))
}

func TestWrapAtomicBatch(t *testing.T) {
	e := NewEngine()
	a := newTarget()
	b := NewExports()
	b.Set("f", func(x int) int { return x - 1 })
	// b has no member "g".

	err := e.Wrap([]*Exports{a, b}, []string{"f", "g"}, func(original any) any {
		return original
	})

	var missing *MissingMemberError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "g", missing.Member)

	// No member of the batch was touched.
	assert.False(t, e.Marked(a, "f"))
	assert.False(t, e.Marked(a, "g"))
	assert.False(t, e.Marked(b, "f"))
	assert.Equal(t, 3, call(t, a, "f", 2))
	assert.Equal(t, 1, call(t, b, "f", 2))
}

func TestWrapNonCallableMember(t *testing.T) {
	e := NewEngine()
	target := newTarget()

	err := e.Wrap([]*Exports{target}, []string{"version"}, func(original any) any {
		return original
	})

	var missing *MissingMemberError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "version", missing.Member)
}

func TestChainedWrap(t *testing.T) {
	icept := &countingInterceptor{}
	e := NewEngine(WithInterceptor(icept))
	target := newTarget()

	var order []string
	outer := func(label string) Factory {
		return func(original any) any {
			orig := original.(func(int) int)
			return func(x int) int {
				order = append(order, label)
				return orig(x)
			}
		}
	}

	require.NoError(t, e.Wrap([]*Exports{target}, []string{"f"}, outer("first")))
	require.NoError(t, e.Wrap([]*Exports{target}, []string{"f"}, outer("second")))

	assert.Equal(t, 6, call(t, target, "f", 5))
	// Both behaviors observed on one invocation, layered in installation
	// order, with a single delegation to the interception primitive.
	assert.Equal(t, []string{"second", "first"}, order)
	assert.Equal(t, 1, icept.replaces)
}

func TestUnwrapRestoresCleanMember(t *testing.T) {
	icept := &countingInterceptor{}
	e := NewEngine(WithInterceptor(icept))
	target := newTarget()

	require.NoError(t, e.Wrap([]*Exports{target}, []string{"f"}, func(original any) any {
		orig := original.(func(int) int)
		return func(x int) int { return orig(x) * 10 }
	}))
	require.Equal(t, 30, call(t, target, "f", 2))

	e.Unwrap([]*Exports{target}, []string{"f"})

	assert.False(t, e.Marked(target, "f"))
	assert.Equal(t, 1, icept.restores)
	assert.Equal(t, 3, call(t, target, "f", 2))

	// A subsequent wrap observes a clean member and delegates again.
	require.NoError(t, e.Wrap([]*Exports{target}, []string{"f"}, func(original any) any {
		orig := original.(func(int) int)
		return func(x int) int { return orig(x) + 100 }
	}))
	assert.Equal(t, 103, call(t, target, "f", 2))
	assert.Equal(t, 2, icept.replaces)
}

func TestUnwrapMissingMemberSkipped(t *testing.T) {
	e := NewEngine()
	target := newTarget()

	assert.NotPanics(t, func() {
		e.Unwrap([]*Exports{target}, []string{"f", "nope"})
	})
}

func TestUnwrapDisablesStaleForwarder(t *testing.T) {
	e := NewEngine()
	target := newTarget()

	require.NoError(t, e.Wrap([]*Exports{target}, []string{"f"}, func(original any) any {
		orig := original.(func(int) int)
		return func(x int) int { return orig(x) * 10 }
	}))

	stale, ok := target.Get("f")
	require.True(t, ok)

	e.Unwrap([]*Exports{target}, []string{"f"})

	// A reference captured before unwrap falls through to the original.
	assert.Equal(t, 3, stale.(func(int) int)(2))
}

func TestWrapVariadicMember(t *testing.T) {
	e := NewEngine()
	target := NewExports()
	target.Set("join", func(sep string, parts ...string) string {
		return strings.Join(parts, sep)
	})

	require.NoError(t, e.Wrap([]*Exports{target}, []string{"join"}, func(original any) any {
		orig := original.(func(string, ...string) string)
		return func(sep string, parts ...string) string {
			return "[" + orig(sep, parts...) + "]"
		}
	}))

	v, _ := target.Get("join")
	got := v.(func(string, ...string) string)("-", "a", "b", "c")
	assert.Equal(t, "[a-b-c]", got)
}

func TestUnmarkKeepsIndirection(t *testing.T) {
	icept := &countingInterceptor{}
	e := NewEngine(WithInterceptor(icept))
	target := newTarget()

	// Staging wrap: indirection installed, marker cleared.
	require.NoError(t, e.Wrap([]*Exports{target}, []string{"f"}, func(original any) any {
		return original
	}))
	e.Unmark(target, "f")
	assert.False(t, e.Marked(target, "f"))
	assert.Equal(t, 3, call(t, target, "f", 2))

	// The real wrap layers on the existing indirection without another
	// delegation, and restores the marker.
	require.NoError(t, e.Wrap([]*Exports{target}, []string{"f"}, func(original any) any {
		orig := original.(func(int) int)
		return func(x int) int { return orig(x) * 10 }
	}))
	assert.True(t, e.Marked(target, "f"))
	assert.Equal(t, 30, call(t, target, "f", 2))
	assert.Equal(t, 1, icept.replaces)
}

func TestWrapDefault(t *testing.T) {
	e := NewEngine()
	exports := NewDefaultExports(func(x int) int { return x * 2 })
	exports.Set("helper", func(x int) int { return x + 1 })
	exports.Set("name", "doubler")

	replacement, err := e.WrapDefault(exports, func(original any) any {
		orig := original.(func(int) int)
		return func(x int) int { return orig(x) + 1 }
	})
	require.NoError(t, err)

	def := replacement.Default().(func(int) int)
	assert.Equal(t, 7, def(3)) // 3*2+1

	// Static members survive the substitution.
	helper, ok := replacement.Get("helper")
	require.True(t, ok)
	assert.Equal(t, 4, helper.(func(int) int)(3))
	name, ok := replacement.Get("name")
	require.True(t, ok)
	assert.Equal(t, "doubler", name)
}

func TestUnwrapDefault(t *testing.T) {
	e := NewEngine()
	exports := NewDefaultExports(func(x int) int { return x * 2 })

	replacement, err := e.WrapDefault(exports, func(original any) any {
		orig := original.(func(int) int)
		return func(x int) int { return orig(x) + 1 }
	})
	require.NoError(t, err)

	def := replacement.Default().(func(int) int)
	require.Equal(t, 7, def(3))

	e.UnwrapDefault(replacement)
	assert.Equal(t, 6, def(3))

	// Repeated calls, and calls with unwrapped values, are tolerated.
	assert.NotPanics(t, func() {
		e.UnwrapDefault(replacement)
		e.UnwrapDefault(NewExports())
	})
}

func TestWrapDefaultMissing(t *testing.T) {
	e := NewEngine()

	_, err := e.WrapDefault(NewExports(), func(original any) any { return original })

	var missing *MissingMemberError
	assert.ErrorAs(t, err, &missing)
}

func TestReentrantWrap(t *testing.T) {
	e := NewEngine()
	target := newTarget()
	other := NewExports()
	other.Set("h", func(x int) int { return x * 3 })

	// A wrap triggered from inside a wrapper being installed must be safe.
	err := e.Wrap([]*Exports{target}, []string{"f"}, func(original any) any {
		require.NoError(t, e.Wrap([]*Exports{other}, []string{"h"}, func(inner any) any {
			return inner
		}))
		orig := original.(func(int) int)
		return func(x int) int { return orig(x) }
	})
	require.NoError(t, err)

	assert.True(t, e.Marked(target, "f"))
	assert.True(t, e.Marked(other, "h"))
}
