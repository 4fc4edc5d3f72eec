package transcribe

import (
	"fmt"
	"strings"

	"github.com/MegaGrindStone/notebook-chat/internal/jsonwalk"
	"github.com/tidwall/gjson"
)

type pendingText struct {
	text       string
	confidence *float64
}

// finalText is a finished span of speech before confidence gating.
type finalText struct {
	text       string
	confidence float64
	scored     bool
	offsetMS   float64
	hasOffset  bool
}

// update is what one server event changed.
type update struct {
	ready     bool
	sessionID string
	live      bool
	final     *finalText
	committed bool
	err       string
}

// transcript accumulates uncommitted text per server item until the item is finished.
type transcript struct {
	pending   map[string]*pendingText
	completed map[string]struct{}
	live      string
}

func newTranscript() *transcript {
	return &transcript{
		pending:   make(map[string]*pendingText),
		completed: make(map[string]struct{}),
	}
}

func (t *transcript) reset() {
	clear(t.pending)
	clear(t.completed)
	t.live = ""
}

var offsetPaths = []string{
	"audio_start_ms", "start_ms", "offset_ms",
	"segment.audio_start_ms", "segment.start_ms", "segment.offset_ms",
	"item.audio_start_ms",
}

// handle dispatches one server event. Unknown types fall through to the generic delta and done
// conventions rather than being dropped.
func (t *transcript) handle(evt gjson.Result) update {
	if evt.Get("event").Str == "session_started" {
		return update{ready: true, sessionID: jsonwalk.String(evt, "connection_id")}
	}

	typ := evt.Get("type").Str
	if typ == "" && evt.Get("event").Str == "error" {
		return update{err: firstNonEmpty(jsonwalk.String(evt, "message"), "transcription service error")}
	}

	switch typ {
	case "error":
		return update{err: firstNonEmpty(jsonwalk.String(evt, "error.message", "error", "message"),
			"transcription service error")}

	case "transcription_session.created", "transcription_session.updated", "session.created", "session.updated":
		return update{ready: true, sessionID: jsonwalk.String(evt, "session.id")}

	case "transcript.text.delta":
		id := itemID(evt, "transcript", "transcript_id", "item_id")
		return t.delta(id, rawString(evt, "delta", "delta.text", "text"), numberPtr(evt, "confidence", "delta.confidence"))

	case "transcript.text.done":
		id := itemID(evt, "transcript", "transcript_id", "item_id")
		return t.done(id, rawString(evt, "text", "transcript.text", "delta", "delta.text"), evt)

	case "transcript.segment.created", "transcript.segment.updated", "transcript.segment.completed":
		seg := evt.Get("segment")
		text := rawString(seg, "text")
		if !seg.Exists() || text == "" {
			return update{}
		}
		id := firstNonEmpty(jsonwalk.String(seg, "id"), itemID(evt, "segment", "transcript_id", "item_id"))
		if typ == "transcript.segment.created" {
			return t.delta(id, text, numberPtr(evt, "segment.confidence", "confidence"))
		}
		return t.done(id, text, evt)

	case "conversation.item.input_audio_transcription.delta":
		return t.delta(contentItemID(evt), rawString(evt, "delta", "delta.text"), nil)

	case "conversation.item.input_audio_transcription.completed":
		return t.done(contentItemID(evt), rawString(evt, "transcript", "transcript.text"), evt)

	case "input_audio_buffer.committed":
		return update{committed: true}

	case "response.output_text.delta":
		id := itemID(evt, "response", "item_id", "response_id")
		return t.delta(id, rawString(evt, "delta"), numberPtr(evt, "confidence"))

	case "response.output_text.done":
		id := itemID(evt, "response", "item_id", "response_id")
		return t.done(id, rawString(evt, "output_text", "text"), evt)

	case "response.completed", "response.updated":
		return t.response(evt)

	case "input_audio_transcription.delta":
		id := itemID(evt, "vad", "item_id")
		return t.delta(id, rawString(evt, "transcript.text", "data.text", "transcript", "data"),
			numberPtr(evt, "transcript.confidence", "data.confidence", "confidence"))

	case "input_audio_transcription.completed":
		id := itemID(evt, "vad", "item_id")
		return t.done(id, rawString(evt, "transcript.text", "data.text", "transcript", "data"), evt)
	}

	text := rawString(evt, "text")
	if strings.TrimSpace(text) == "" {
		return update{}
	}
	id := itemID(evt, "response", "item_id", "response_id")
	switch {
	case strings.HasSuffix(typ, ".delta"):
		return t.delta(id, text, nil)
	case strings.HasSuffix(typ, ".done"), strings.HasSuffix(typ, ".completed"):
		return t.done(id, text, evt)
	}
	return update{}
}

func (t *transcript) delta(id, delta string, confidence *float64) update {
	if delta == "" {
		return update{}
	}
	buf, ok := t.pending[id]
	if !ok {
		buf = &pendingText{}
		t.pending[id] = buf
	}
	buf.text += delta
	if confidence != nil {
		buf.confidence = confidence
	}
	t.live = buf.text
	return update{live: true}
}

func (t *transcript) done(id, text string, evt gjson.Result) update {
	buf := t.pending[id]
	delete(t.pending, id)

	if text == "" && buf != nil {
		text = buf.text
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return update{}
	}

	var buffered *float64
	if buf != nil {
		buffered = buf.confidence
	}
	f := &finalText{text: text}
	f.confidence, f.scored = eventConfidence(evt, buffered)
	f.offsetMS, f.hasOffset = jsonwalk.Number(evt, offsetPaths...)

	t.live = ""
	return update{live: true, final: f}
}

// response handles whole-response events, which may repeat for the same response id.
func (t *transcript) response(evt gjson.Result) update {
	resp := evt.Get("response")
	if !resp.Exists() {
		return update{}
	}
	id := firstNonEmpty(jsonwalk.String(resp, "id"), jsonwalk.String(evt, "response_id"))
	if _, seen := t.completed[id]; id != "" && seen {
		return update{}
	}

	text := responseText(resp)
	if text == "" {
		return update{}
	}
	if id != "" {
		t.completed[id] = struct{}{}
	}
	return t.done(firstNonEmpty(id, "response"), text, resp)
}

func responseText(resp gjson.Result) string {
	if s := resp.Get("output_text"); s.Type == gjson.String {
		return s.Str
	}

	var parts []string
	if out := resp.Get("output"); out.IsArray() {
		out.ForEach(func(_, item gjson.Result) bool {
			if item.Get("type").Str == "output_text" && item.Get("text").Type == gjson.String {
				parts = append(parts, item.Get("text").Str)
			}
			return true
		})
		return strings.TrimSpace(strings.Join(parts, ""))
	}

	resp.Get("items").ForEach(func(_, item gjson.Result) bool {
		if s := jsonwalk.String(item, "input_audio_transcription.text"); s != "" {
			parts = append(parts, s)
		}
		return true
	})
	if len(parts) > 0 {
		return strings.TrimSpace(strings.Join(parts, " "))
	}

	if s := resp.Get("text"); s.Type == gjson.String {
		return s.Str
	}
	return ""
}

func itemID(evt gjson.Result, fallback string, paths ...string) string {
	return firstNonEmpty(jsonwalk.String(evt, paths...), fallback)
}

func contentItemID(evt gjson.Result) string {
	return fmt.Sprintf("%s:%d", itemID(evt, "item", "item_id"), evt.Get("content_index").Int())
}

// rawString returns the first string value at paths without trimming, since deltas carry meaningful
// leading spaces.
func rawString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if r := v.Get(p); r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return ""
}

func numberPtr(v gjson.Result, paths ...string) *float64 {
	n, ok := jsonwalk.Number(v, paths...)
	if !ok {
		return nil
	}
	return &n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
