// Package jsonwalk is a small recursive visitor over decoded JSON values. The chat and transcription
// engines use it to find images, citations and confidence signals wherever a backend chose to nest
// them, instead of each extractor hand-rolling its own traversal.
package jsonwalk

import (
	"strings"

	"github.com/tidwall/gjson"
)

// DefaultMaxDepth bounds recursion when a Walker leaves MaxDepth unset.
const DefaultMaxDepth = 12

// Visit is called for every value reached. key is the member name the value was found under, or
// empty for the root and for array elements. Returning false stops the descent below this value.
type Visit func(key string, v gjson.Result) bool

// Walker descends into arrays and into object members whose name is in Keys. A nil Keys set descends
// into every member.
type Walker struct {
	Keys     map[string]struct{}
	MaxDepth int
}

// NewWalker returns a walker restricted to the given nested key names.
func NewWalker(keys ...string) Walker {
	w := Walker{Keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		w.Keys[k] = struct{}{}
	}
	return w
}

// Walk visits root and then each reachable value in document order.
func (w Walker) Walk(root gjson.Result, visit Visit) {
	max := w.MaxDepth
	if max <= 0 {
		max = DefaultMaxDepth
	}
	w.walk("", root, 0, max, visit)
}

func (w Walker) walk(key string, v gjson.Result, depth, max int, visit Visit) {
	if !v.Exists() || depth > max {
		return
	}
	if !visit(key, v) {
		return
	}

	switch {
	case v.IsArray():
		v.ForEach(func(_, el gjson.Result) bool {
			w.walk("", el, depth+1, max, visit)
			return true
		})
	case v.IsObject():
		v.ForEach(func(k, member gjson.Result) bool {
			if !member.IsObject() && !member.IsArray() {
				return true
			}
			if w.Keys != nil {
				if _, ok := w.Keys[k.String()]; !ok {
					return true
				}
			}
			w.walk(k.String(), member, depth+1, max, visit)
			return true
		})
	}
}

// Parse decodes one payload. ok is false when the payload is not a JSON object or array.
func Parse(payload string) (gjson.Result, bool) {
	if !gjson.Valid(payload) {
		return gjson.Result{}, false
	}
	r := gjson.Parse(payload)
	if !r.IsObject() && !r.IsArray() {
		return gjson.Result{}, false
	}
	return r, true
}

// String returns the first non-blank string found at any of paths.
func String(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		r := v.Get(p)
		if r.Type != gjson.String {
			continue
		}
		if s := strings.TrimSpace(r.Str); s != "" {
			return s
		}
	}
	return ""
}

// Number returns the first numeric value found at any of paths.
func Number(v gjson.Result, paths ...string) (float64, bool) {
	for _, p := range paths {
		r := v.Get(p)
		if r.Type == gjson.Number {
			return r.Num, true
		}
	}
	return 0, false
}
