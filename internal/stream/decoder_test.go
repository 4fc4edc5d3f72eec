package stream_test

import (
	"strings"
	"testing"

	"github.com/MegaGrindStone/notebook-chat/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var events = []string{
	`{"type":"response.created","response":{"id":"r1"}}`,
	`{"type":"response.output_text.delta","delta":"Hel"}`,
	`{"type":"response.output_text.delta","delta":"lo, 世界"}`,
	`{"type":"response.completed","response":{"id":"r1"}}`,
}

func ndjson(evs []string) string {
	var sb strings.Builder
	for _, e := range evs {
		sb.WriteString(e)
		sb.WriteString("\n")
	}
	return sb.String()
}

func sseBlocks(evs []string) string {
	var sb strings.Builder
	sb.WriteString(": keepalive\n\n")
	for _, e := range evs {
		sb.WriteString("event: message\n")
		sb.WriteString("data: ")
		sb.WriteString(e)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func mixed(evs []string) string {
	var sb strings.Builder
	for i, e := range evs {
		switch i % 3 {
		case 0:
			sb.WriteString(e + "\n")
		case 1:
			sb.WriteString("data: " + e + "\r\n\r\n")
		default:
			sb.WriteString(": ping\ndata:" + e + "\n\n")
		}
	}
	return sb.String()
}

func decodeChunked(raw string, size int) []string {
	var d stream.Decoder
	var out []string
	b := []byte(raw)
	for len(b) > 0 {
		n := size
		if n > len(b) {
			n = len(b)
		}
		out = append(out, d.Feed(b[:n])...)
		b = b[n:]
	}
	return append(out, d.Flush()...)
}

func TestDecoderFramingEquivalence(t *testing.T) {
	encodings := map[string]string{
		"ndjson": ndjson(events),
		"sse":    sseBlocks(events),
		"mixed":  mixed(events),
	}

	for name, raw := range encodings {
		t.Run(name, func(t *testing.T) {
			whole := decodeChunked(raw, len(raw))
			require.Equal(t, events, whole)

			for _, size := range []int{1, 2, 3, 5, 7, 16, 64} {
				assert.Equal(t, whole, decodeChunked(raw, size), "chunk size %d", size)
			}
		})
	}
}

func TestDecoderSplitAtEveryOffset(t *testing.T) {
	for _, raw := range []string{ndjson(events), sseBlocks(events), mixed(events)} {
		want := decodeChunked(raw, len(raw))
		for i := 0; i <= len(raw); i++ {
			var d stream.Decoder
			got := d.Feed([]byte(raw[:i]))
			got = append(got, d.Feed([]byte(raw[i:]))...)
			got = append(got, d.Flush()...)
			require.Equal(t, want, got, "split at %d", i)
		}
	}
}

func TestDecoderLines(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "data prefix stripped in line mode",
			raw:  "data: {\"a\":1}\n{\"b\":2}\n",
			want: []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name: "multiple data lines in one block",
			raw:  "data: one\ndata: two\n\n",
			want: []string{"one", "two"},
		},
		{
			name: "comments and fields dropped",
			raw:  ": hello\nevent: x\nid: 3\nretry: 100\ndata: p\n\n",
			want: []string{"p"},
		},
		{
			name: "block without data falls back to lines",
			raw:  "{\"a\":1}\n{\"b\":2}\n\n",
			want: []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name: "field only block yields nothing",
			raw:  "event: ping\n\n",
			want: nil,
		},
		{
			name: "plain line inside data block is its own payload",
			raw:  "data: {a}\n{b}\n\n",
			want: []string{"{a}", "{b}"},
		},
		{
			name: "trailing field line dropped at end of stream",
			raw:  "data: x\nid: 7",
			want: []string{"x"},
		},
		{
			name: "empty data lines skipped",
			raw:  "data:\ndata:   \n\n",
			want: nil,
		},
		{
			name: "trailing partial line flushed",
			raw:  "{\"a\":1}\ndata: {\"b\"",
			want: []string{`{"a":1}`, `{"b"`},
		},
		{
			name: "crlf endings",
			raw:  "data: x\r\n\r\ny\r\n",
			want: []string{"x", "y"},
		},
		{
			name: "done sentinel passed through",
			raw:  "data: [DONE]\n\n",
			want: []string{"[DONE]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeChunked(tt.raw, len(tt.raw)))
			assert.Equal(t, tt.want, decodeChunked(tt.raw, 1))
		})
	}
}

func TestDecoderMultiByteAcrossChunks(t *testing.T) {
	raw := []byte("data: 你好\n")
	var d stream.Decoder

	// Split inside the first rune.
	got := d.Feed(raw[:7])
	assert.Empty(t, got)
	assert.Equal(t, 7, d.Buffered())

	got = d.Feed(raw[7:])
	assert.Equal(t, []string{"你好"}, got)
	assert.Zero(t, d.Buffered())
}

func TestDecoderFlushInvalidTail(t *testing.T) {
	var d stream.Decoder
	raw := []byte("tail 你")
	d.Feed(raw[:len(raw)-1])

	got := d.Flush()
	require.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got[0], "tail "))
	assert.Equal(t, "tail \uFFFD", got[0])
	assert.Nil(t, d.Flush())
}
