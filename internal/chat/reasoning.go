package chat

import (
	"strings"

	"github.com/MegaGrindStone/notebook-chat/internal/models"
)

// Reasoning step kinds.
const (
	ReasoningSummary = "summary"
	ReasoningText    = "text"
)

// reasoningKind classifies a reasoning event. boundary is true for events that open a new step.
func reasoningKind(eventType string) (kind string, boundary, ok bool) {
	name, found := strings.CutPrefix(eventType, "response.")
	if !found {
		return "", false, false
	}
	switch {
	case strings.HasPrefix(name, "reasoning_summary_part."):
		return ReasoningSummary, strings.HasSuffix(name, ".added"), true
	case strings.HasPrefix(name, "reasoning_summary_text."), strings.HasPrefix(name, "reasoning_summary."):
		return ReasoningSummary, false, true
	case strings.HasPrefix(name, "reasoning_text."), strings.HasPrefix(name, "reasoning."):
		return ReasoningText, false, true
	}
	return "", false, false
}

func ensureReasoning(m *models.Message) *models.ReasoningState {
	if m.Meta.Reasoning == nil {
		m.Meta.Reasoning = &models.ReasoningState{Phase: models.ReasoningThinking}
	}
	return m.Meta.Reasoning
}

// appendReasoning merges delta into the last step when it has the same kind and no boundary was seen
// since, and opens a new step otherwise.
func appendReasoning(r *models.ReasoningState, kind, delta string, newPart bool) {
	if delta == "" {
		return
	}
	r.IsVisible = true
	if r.Phase != models.ReasoningCompleted {
		r.Phase = models.ReasoningStreaming
	}
	if n := len(r.Steps); n > 0 && !newPart && r.Steps[n-1].Kind == kind {
		r.Steps[n-1].Text += delta
		return
	}
	r.Steps = append(r.Steps, models.ReasoningStep{Kind: kind, Text: delta})
}

// replaceReasoning sets the full text of the current step from a ".done" event, which carries the
// authoritative text of the part.
func replaceReasoning(r *models.ReasoningState, kind, text string, newPart bool) {
	if text == "" {
		return
	}
	if n := len(r.Steps); n > 0 && !newPart && r.Steps[n-1].Kind == kind {
		r.Steps[n-1].Text = text
		return
	}
	appendReasoning(r, kind, text, newPart)
}

func completeReasoning(m *models.Message) {
	if m.Meta.Reasoning != nil {
		m.Meta.Reasoning.Phase = models.ReasoningCompleted
	}
}
