// Package stream turns a chunked response body into the ordered sequence of payload strings the backend
// emitted. It understands newline-delimited JSON, Server-Sent-Events blocks and any mixture of the two,
// and knows nothing about what the payloads mean.
package stream

import (
	"bytes"
	"strings"
)

// Decoder is the framing state machine. It holds the bytes of the trailing incomplete line between
// calls, so chunks may split records (and multi-byte runes) at any offset.
//
// Both framings reduce to the same per-line rule: an SSE block is a run of lines closed by a blank
// line, and each of its "data:" lines is one payload, exactly as a bare NDJSON line is. Because the
// classification never depends on what surrounds a line, the payload sequence is the same no matter
// how the stream is chunked.
//
// The zero value is ready to use.
type Decoder struct {
	buf []byte
}

// sseFields are SSE framing fields that carry no payload.
var sseFields = [][]byte{[]byte("event:"), []byte("id:"), []byte("retry:")}

var dataField = []byte("data:")

// Feed appends chunk to the buffer and returns the payloads completed by it, in arrival order.
func (d *Decoder) Feed(chunk []byte) []string {
	d.buf = append(d.buf, chunk...)

	var out []string
	start := 0
	for {
		idx := bytes.IndexByte(d.buf[start:], '\n')
		if idx < 0 {
			break
		}
		if p, ok := payload(d.buf[start : start+idx]); ok {
			out = append(out, p)
		}
		start += idx + 1
	}

	// Compact so the buffer only ever holds the trailing partial line.
	if start > 0 {
		n := copy(d.buf, d.buf[start:])
		d.buf = d.buf[:n]
	}
	return out
}

// Flush treats the end of the stream as a final boundary. A non-empty remainder is returned as one
// last best-effort payload, with any incomplete multi-byte tail replaced rather than dropped.
func (d *Decoder) Flush() []string {
	rest := d.buf
	d.buf = nil

	var out []string
	for _, line := range bytes.Split(rest, []byte("\n")) {
		if p, ok := payload(line); ok {
			out = append(out, p)
		}
	}
	return out
}

// Buffered reports how many bytes of an incomplete line are pending.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// payload classifies one physical line. Blank lines close SSE blocks, comment lines start with ':',
// "data:" lines carry a payload after the prefix, SSE field lines carry none, and anything else is a
// line-delimited payload on its own.
func payload(line []byte) (string, bool) {
	s := bytes.TrimSpace(line)
	if len(s) == 0 || s[0] == ':' {
		return "", false
	}
	if bytes.HasPrefix(s, dataField) {
		s = bytes.TrimSpace(s[len(dataField):])
		if len(s) == 0 {
			return "", false
		}
		return strings.ToValidUTF8(string(s), "\uFFFD"), true
	}
	for _, f := range sseFields {
		if bytes.HasPrefix(s, f) {
			return "", false
		}
	}
	return strings.ToValidUTF8(string(s), "\uFFFD"), true
}
