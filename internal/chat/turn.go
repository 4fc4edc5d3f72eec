package chat

import (
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/notebook-chat/internal/jsonwalk"
	"github.com/MegaGrindStone/notebook-chat/internal/models"
	"github.com/tidwall/gjson"
)

// DefaultFailureText is shown in place of an empty body when a turn fails.
const DefaultFailureText = "Sorry, something went wrong. Please try again."

// Turn is the event interpreter for one assistant message. It holds the per-turn bookkeeping that is
// not part of the message itself and applies every event to the message it is given. A Turn is not
// safe for concurrent use; the owning conversation serializes access.
type Turn struct {
	images    imageSet
	citations *citationSet

	newReasoningPart bool
	done             bool

	responseID  string
	completed   bool
	failure     string
	failureText string

	logger *slog.Logger
}

// NewPlaceholder returns the assistant message a turn streams into.
func NewPlaceholder(id string) models.Message {
	return models.Message{
		ID:   id,
		Role: models.RoleAssistant,
		Meta: models.Meta{UI: &models.ResponseUIState{Phase: models.PhaseWaiting}},
	}
}

// NewTurn returns the interpreter for the placeholder m.
func NewTurn(m *models.Message, failureText string, logger *slog.Logger) *Turn {
	if failureText == "" {
		failureText = DefaultFailureText
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m.Meta.UI == nil {
		m.Meta.UI = &models.ResponseUIState{Phase: models.PhaseWaiting}
	}
	return &Turn{
		images:      newImageSet(m.Images),
		citations:   newCitationSet(m.Meta.Citations),
		failureText: failureText,
		logger:      logger,
	}
}

// Done reports whether the turn reached its terminal phase.
func (t *Turn) Done() bool { return t.done }

// ResponseID returns the id of the completed response, or empty if the turn did not complete.
func (t *Turn) ResponseID() string {
	if !t.completed {
		return ""
	}
	return t.responseID
}

// Failure returns the backend's failure message when the turn ended on a failure event.
func (t *Turn) Failure() string { return t.failure }

// EventType returns the discriminator of an event, which backends put in either "type" or "event".
func EventType(evt gjson.Result) string {
	return jsonwalk.String(evt, "type", "event")
}

// Apply interprets one decoded event. It returns the text delta that was merged into the body, if any.
// Events arriving after the terminal transition are ignored.
func (t *Turn) Apply(m *models.Message, evt gjson.Result) string {
	if t.done {
		return ""
	}

	typ := EventType(evt)
	switch typ {
	case "response.output_text.delta":
		return t.applyText(m, evt.Get("delta").Str)

	case "response.output_text.done":
		// Backends that skip deltas only send the whole text here.
		if !m.Meta.UI.HasTextStarted {
			return t.applyText(m, evt.Get("text").Str)
		}

	case "response.output_text.annotation.added":
		collectCitations(evt, t.citations)

	case "response.output_item.added":
		if evt.Get("item.type").Str == "reasoning" {
			t.newReasoningPart = true
			ensureReasoning(m)
			t.setWaitingStatus(m, "response.reasoning")
		}

	case "response.output_item.done":
		t.applyImages(m, evt)
		collectCitations(evt, t.citations)

	case "response.completed":
		t.complete(m, evt)

	case "response.failed":
		t.fail(m, StatusFailed, errorMessage(evt))

	case "response.incomplete":
		reason := jsonwalk.String(evt, "response.incomplete_details.reason")
		t.fail(m, StatusIncomplete, reason)

	case "response.error", "error":
		t.fail(m, StatusError, errorMessage(evt))

	default:
		t.applyOther(m, typ, evt)
	}
	return ""
}

func (t *Turn) applyOther(m *models.Message, typ string, evt gjson.Result) {
	if kind, boundary, ok := reasoningKind(typ); ok {
		t.applyReasoning(m, typ, kind, boundary, evt)
		return
	}

	if strings.HasSuffix(typ, "image_generation_call.completed") ||
		strings.HasSuffix(typ, ".done") || strings.HasSuffix(typ, ".completed") {
		t.applyImages(m, evt)
	}

	if !t.setWaitingStatus(m, typ) {
		t.logger.Debug("Unhandled event", slog.String("type", typ))
	}
}

func (t *Turn) applyText(m *models.Message, delta string) string {
	if delta == "" {
		return ""
	}
	ui := m.Meta.UI
	if !ui.HasTextStarted {
		ui.HasTextStarted = true
		ui.Phase = models.PhaseStreaming
		ui.StatusKey = ""
		ui.StatusText = ""
		// The answer starts once reasoning is over.
		completeReasoning(m)
	}
	m.Text = MergeDelta(m.Text, delta)
	return delta
}

func (t *Turn) applyReasoning(m *models.Message, typ, kind string, boundary bool, evt gjson.Result) {
	r := ensureReasoning(m)
	if boundary {
		t.newReasoningPart = true
		return
	}

	switch {
	case strings.HasSuffix(typ, ".delta"):
		appendReasoning(r, kind, evt.Get("delta").Str, t.newReasoningPart)
		t.newReasoningPart = false
	case strings.HasSuffix(typ, ".done"):
		replaceReasoning(r, kind, evt.Get("text").Str, t.newReasoningPart)
		t.newReasoningPart = false
	}
	t.setWaitingStatus(m, typ)
}

func (t *Turn) applyImages(m *models.Message, evt gjson.Result) {
	for _, img := range extractImages(evt) {
		if t.images.add(img) {
			m.Images = append(m.Images, img)
		}
	}
}

// setWaitingStatus surfaces a lifecycle status while no text has arrived yet.
func (t *Turn) setWaitingStatus(m *models.Message, typ string) bool {
	key, text, ok := statusFor(typ)
	if !ok {
		return false
	}
	if ui := m.Meta.UI; !ui.HasTextStarted {
		ui.StatusKey = key
		ui.StatusText = text
	}
	return true
}

func (t *Turn) complete(m *models.Message, evt gjson.Result) {
	t.responseID = jsonwalk.String(evt, "response.id", "id", "response_id")
	t.completed = true

	t.applyImages(m, evt)
	collectCitations(evt, t.citations)

	m.Meta.ResponseID = t.responseID
	m.Meta.Completed = true
	t.finish(m, StatusCompleted, "")
}

func (t *Turn) fail(m *models.Message, key, message string) {
	t.failure = message
	if t.failure == "" {
		t.failure = key
	}
	t.markFailed(m, key, message)
}

// Fail ends the turn on a transport or decoding failure.
func (t *Turn) Fail(m *models.Message, err error) {
	if t.done {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.markFailed(m, StatusError, msg)
}

func (t *Turn) markFailed(m *models.Message, key, message string) {
	m.Meta.Error = true
	if strings.TrimSpace(m.Text) == "" {
		m.Text = t.failureText
	}
	if message == "" {
		message = t.failureText
	}
	t.finish(m, key, message)
}

// End finishes a turn whose stream ended without a terminal event.
func (t *Turn) End(m *models.Message) {
	if t.done {
		return
	}
	t.finish(m, "", "")
}

// Stop finishes the turn on a user stop, keeping whatever has streamed so far. It never sets the
// error flag.
func (t *Turn) Stop(m *models.Message) {
	if t.done {
		return
	}
	t.finish(m, StatusTerminated, "Stopped")
}

func (t *Turn) finish(m *models.Message, key, text string) {
	t.done = true
	m.Meta.Citations = t.citations.list()
	completeReasoning(m)

	ui := m.Meta.UI
	ui.Phase = models.PhaseFinished
	ui.StatusKey = key
	ui.StatusText = text
}

func errorMessage(evt gjson.Result) string {
	return jsonwalk.String(evt, "error.message", "response.error.message", "message", "error")
}
