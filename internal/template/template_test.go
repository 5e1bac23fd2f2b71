package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderSimplePlaceholder(t *testing.T) {
	vars := map[string]interface{}{"severity": "high", "entityId": float64(7)}
	got := Render("sev={{severity}} id={{entityId}}", vars)
	assert.Equal(t, "sev=high id=7", got)
}

func TestRenderWholeStringPreservesType(t *testing.T) {
	vars := map[string]interface{}{"score": float64(8)}
	got := Render("{{score}}", vars)
	assert.Equal(t, float64(8), got)
}

func TestRenderMissingPathRendersEmpty(t *testing.T) {
	vars := map[string]interface{}{}
	got := Render("value={{missing.path}}", vars)
	assert.Equal(t, "value=", got)
}

func TestRenderWalksMapsAndSlices(t *testing.T) {
	vars := map[string]interface{}{"x": "1"}
	tree := map[string]interface{}{
		"a": "{{x}}",
		"b": []interface{}{"{{x}}", "literal"},
	}
	got := Render(tree, vars).(map[string]interface{})
	assert.Equal(t, "1", got["a"])
	assert.Equal(t, []interface{}{"1", "literal"}, got["b"])
}

func TestRenderNonStringLeavesPassThrough(t *testing.T) {
	got := Render(float64(42), nil)
	assert.Equal(t, float64(42), got)
}

func TestRenderIsDeterministic(t *testing.T) {
	vars := map[string]interface{}{"severity": "high"}
	tree := map[string]interface{}{"msg": "sev={{severity}}"}
	a := Render(tree, vars)
	b := Render(tree, vars)
	assert.Equal(t, a, b)
}

func TestResolveDottedPath(t *testing.T) {
	vars := map[string]interface{}{
		"steps": map[string]interface{}{
			"s1": map[string]interface{}{"success": true},
		},
	}
	v, ok := Resolve("steps.s1.success", vars)
	assert.True(t, ok)
	assert.Equal(t, true, v)
}

func TestResolveJSONPath(t *testing.T) {
	raw := []byte(`{"severity":"high","score":7}`)
	v, ok := ResolveJSON("severity", raw)
	assert.True(t, ok)
	assert.Equal(t, "high", v)
}
