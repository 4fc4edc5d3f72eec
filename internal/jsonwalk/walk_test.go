package jsonwalk_test

import (
	"strings"
	"testing"

	"github.com/MegaGrindStone/notebook-chat/internal/jsonwalk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func collectStrings(w jsonwalk.Walker, doc, field string) []string {
	var out []string
	w.Walk(gjson.Parse(doc), func(_ string, v gjson.Result) bool {
		if !v.IsObject() {
			return true
		}
		if s := v.Get(field); s.Type == gjson.String {
			out = append(out, s.Str)
		}
		return true
	})
	return out
}

func TestWalkRestrictedKeys(t *testing.T) {
	doc := `{
		"mark": "root",
		"item": {"mark": "item", "hidden": {"mark": "skipped"}},
		"output": [{"mark": "out0"}, {"content": [{"mark": "deep"}]}],
		"other": {"mark": "other"}
	}`

	w := jsonwalk.NewWalker("item", "output", "content")
	assert.Equal(t, []string{"root", "item", "out0", "deep"}, collectStrings(w, doc, "mark"))
}

func TestWalkAllKeys(t *testing.T) {
	doc := `{"a": {"mark": "1", "b": [{"mark": "2"}]}, "c": {"mark": "3"}}`

	var w jsonwalk.Walker
	assert.Equal(t, []string{"1", "2", "3"}, collectStrings(w, doc, "mark"))
}

func TestWalkDepthBound(t *testing.T) {
	doc := strings.Repeat(`{"n":`, 40) + `{"mark":"bottom"}` + strings.Repeat(`}`, 40)

	w := jsonwalk.Walker{MaxDepth: 5}
	assert.Empty(t, collectStrings(w, doc, "mark"))

	w.MaxDepth = 50
	assert.Equal(t, []string{"bottom"}, collectStrings(w, doc, "mark"))
}

func TestWalkPrune(t *testing.T) {
	doc := `{"item": {"stop": true, "item": {"mark": "below"}}}`

	var seen int
	jsonwalk.NewWalker("item").Walk(gjson.Parse(doc), func(_ string, v gjson.Result) bool {
		seen++
		return !v.Get("stop").Bool()
	})
	assert.Equal(t, 2, seen)
}

func TestParse(t *testing.T) {
	_, ok := jsonwalk.Parse(`{"type":`)
	assert.False(t, ok)

	_, ok = jsonwalk.Parse(`"just a string"`)
	assert.False(t, ok)

	v, ok := jsonwalk.Parse(`{"type":"x"}`)
	require.True(t, ok)
	assert.Equal(t, "x", v.Get("type").Str)
}

func TestStringAndNumber(t *testing.T) {
	v := gjson.Parse(`{"a": "  ", "b": {"c": "found"}, "n": "7", "m": 0.25}`)

	assert.Equal(t, "found", jsonwalk.String(v, "a", "missing", "b.c"))
	assert.Empty(t, jsonwalk.String(v, "a", "n.x"))

	n, ok := jsonwalk.Number(v, "n", "m")
	require.True(t, ok)
	assert.InDelta(t, 0.25, n, 1e-9)

	_, ok = jsonwalk.Number(v, "a")
	assert.False(t, ok)
}
