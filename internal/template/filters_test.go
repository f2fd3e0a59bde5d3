package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPipeline_IgnoresPipeInsideString(t *testing.T) {
	segs := splitPipeline(`vars.x | join("a|b")`)
	require.Len(t, segs, 2)
	assert.Equal(t, "vars.x", segs[0])
	assert.Equal(t, `join("a|b")`, segs[1])
}

func TestParseFilterCall_NoArgs(t *testing.T) {
	fc, err := parseFilterCall("upper")
	require.NoError(t, err)
	assert.Equal(t, "upper", fc.name)
	assert.Empty(t, fc.args)
}

func TestParseFilterCall_WithArgs(t *testing.T) {
	fc, err := parseFilterCall(`truncate(5)`)
	require.NoError(t, err)
	assert.Equal(t, "truncate", fc.name)
	require.Len(t, fc.args, 1)
}

func TestApplyFilter_Length(t *testing.T) {
	fc, _ := parseFilterCall("length")
	v, err := applyFilter(fc, []any{"a", "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)
}

func TestApplyFilter_EscapeHTML(t *testing.T) {
	fc, _ := parseFilterCall("escape")
	v, err := applyFilter(fc, `<b>"hi"</b>`, nil)
	require.NoError(t, err)
	assert.Equal(t, "&lt;b&gt;&quot;hi&quot;&lt;/b&gt;", v)
}

func TestApplyFilter_UnrecognizedFallsBackToJQ(t *testing.T) {
	fc, _ := parseFilterCall("keys")
	v, err := applyFilter(fc, map[string]any{"b": 1, "a": 2}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"a", "b"}, v)
}
