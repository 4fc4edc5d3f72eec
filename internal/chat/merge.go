package chat

import (
	"strings"
	"unicode/utf8"
)

const horizontalSpace = " \t"

// closingPunct never wants a space before it. Opening brackets and quotes are left out because a
// space before them is usually intended.
const closingPunct = ".,!?;:%)]}»…。，、！？；：）」』】》"

// MergeDelta appends delta to text without doubling or stranding whitespace at the token boundary:
//
//   - "Hello" + " ," gives "Hello,"
//   - "Hello " + "!" gives "Hello!"
//   - "Hello " + " world" gives "Hello world"
//
// Anything else is concatenated verbatim, so newlines are always kept.
func MergeDelta(text, delta string) string {
	if text == "" {
		return delta
	}
	if delta == "" {
		return text
	}

	rest := strings.TrimLeft(delta, horizontalSpace)
	leadingSpace := len(rest) < len(delta)

	switch {
	case leadingSpace && startsWithClosingPunct(rest):
		return strings.TrimRight(text, horizontalSpace) + rest
	case startsWithClosingPunct(delta):
		return strings.TrimRight(text, horizontalSpace) + delta
	case leadingSpace && endsWithHorizontalSpace(text):
		return text + rest
	}
	return text + delta
}

func startsWithClosingPunct(s string) bool {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 || r == utf8.RuneError {
		return false
	}
	return strings.ContainsRune(closingPunct, r)
}

func endsWithHorizontalSpace(s string) bool {
	if s == "" {
		return false
	}
	c := s[len(s)-1]
	return c == ' ' || c == '\t'
}
