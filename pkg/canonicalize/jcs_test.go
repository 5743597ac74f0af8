package canonicalize_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acgs-platform/agentbus/pkg/canonicalize"
)

func TestJCSKeyOrderIndependence(t *testing.T) {
	a := map[string]any{"b": 1, "a": "x", "c": []any{true, nil}}
	b := map[string]any{"c": []any{true, nil}, "a": "x", "b": 1}

	ca, err := canonicalize.JCS(a)
	require.NoError(t, err)
	cb, err := canonicalize.JCS(b)
	require.NoError(t, err)

	assert.Equal(t, string(ca), string(cb))
}

func TestCanonicalHashStability(t *testing.T) {
	doc := map[string]any{
		"principal": "exec-1",
		"action":    "policy_change",
		"context":   map[string]any{"tenant": "t1", "score": 0.91},
	}

	h1, err := canonicalize.CanonicalHash(doc)
	require.NoError(t, err)
	h2, err := canonicalize.CanonicalHash(doc)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := canonicalize.JCS(map[string]any{"q": "a<b>&c"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "a<b>&c")
}

func TestCanonicalHashProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("identical maps hash identically regardless of construction order",
		prop.ForAll(
			func(k1, k2 string, v1, v2 int) bool {
				if k1 == k2 {
					return true
				}
				h1, err1 := canonicalize.CanonicalHash(map[string]any{k1: v1, k2: v2})
				h2, err2 := canonicalize.CanonicalHash(map[string]any{k2: v2, k1: v1})
				return err1 == nil && err2 == nil && h1 == h2
			},
			gen.AlphaString(), gen.AlphaString(), gen.Int(), gen.Int(),
		))

	properties.TestingRun(t)
}
