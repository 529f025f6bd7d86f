package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weatherCtx() map[string]any {
	return map[string]any{
		"now":    "2025-06-01T08:00:00Z",
		"params": map[string]any{"city": "Chisinau", "retries": float64(3)},
		"steps": map[string]any{
			"w": map[string]any{"summary": "Sunny", "temp": float64(15)},
		},
	}
}

func TestRenderMixedStringsConcatenate(t *testing.T) {
	with := map[string]any{
		"location": "${params.city}",
		"msg":      "${steps.w.summary} ${steps.w.temp}°C",
	}

	out, err := Render(with, weatherCtx())
	require.NoError(t, err)

	rendered, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Chisinau", rendered["location"])
	assert.Equal(t, "Sunny 15°C", rendered["msg"])
}

func TestRenderWholeFieldPreservesType(t *testing.T) {
	ctx := weatherCtx()

	out, err := Render("${params.retries}", ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(3), out)

	out, err = Render("${steps.w}", ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"summary": "Sunny", "temp": float64(15)}, out)
}

func TestRenderMissingPathResolvesToNull(t *testing.T) {
	ctx := weatherCtx()

	out, err := Render("${steps.missing.field}", ctx)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = Render("value=${steps.missing.field}!", ctx)
	require.NoError(t, err)
	assert.Equal(t, "value=!", out)
}

func TestRenderWithoutTemplatesIsIdentity(t *testing.T) {
	ctx := weatherCtx()

	cases := []any{
		"plain string",
		float64(42),
		true,
		nil,
		map[string]any{"nested": []any{"a", float64(1)}},
	}
	for _, in := range cases {
		out, err := Render(in, ctx)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestRenderDoesNotMutateInput(t *testing.T) {
	with := map[string]any{"city": "${params.city}"}

	_, err := Render(with, weatherCtx())
	require.NoError(t, err)
	assert.Equal(t, "${params.city}", with["city"])
}

func TestRenderNow(t *testing.T) {
	out, err := Render("started at ${now}", weatherCtx())
	require.NoError(t, err)
	assert.Equal(t, "started at 2025-06-01T08:00:00Z", out)
}

func TestRenderNestedStructures(t *testing.T) {
	with := map[string]any{
		"query": map[string]any{
			"cities": []any{"${params.city}", "static"},
		},
	}

	out, err := Render(with, weatherCtx())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"query": map[string]any{
			"cities": []any{"Chisinau", "static"},
		},
	}, out)
}

func TestRenderUnterminatedOccurrence(t *testing.T) {
	_, err := Render("${params.city", weatherCtx())
	assert.Error(t, err)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", stringify(nil))
	assert.Equal(t, "15", stringify(float64(15)))
	assert.Equal(t, "15.5", stringify(float64(15.5)))
	assert.Equal(t, "true", stringify(true))
	assert.Equal(t, `["a","b"]`, stringify([]any{"a", "b"}))
}
