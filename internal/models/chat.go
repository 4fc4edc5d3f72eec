package models

import (
	"slices"
	"time"
)

// Conversation is a persisted snapshot of one chat scope. It carries the ordered message history and the
// continuation token the backend issued for the last completed turn.
type Conversation struct {
	ID    string
	Title string

	Messages []Message

	// LastCompletedResponseID is empty when no turn completed since the last stop or clear.
	LastCompletedResponseID string
	// PreferredTools remembers the tool list used by the last turn that named tools explicitly.
	PreferredTools []string
}

// Message represents an individual entry within a conversation. User messages are immutable once
// appended. Assistant messages are mutated in place by the chat engine while their turn streams and
// become immutable once Meta.UI reaches PhaseFinished.
type Message struct {
	ID          string
	Role        Role
	Text        string
	Images      []string
	Attachments []FileRef
	Timestamp   time.Time

	Meta Meta
}

// Meta holds the per-message state that is not part of the visible body.
type Meta struct {
	// UI is only set for assistant messages.
	UI *ResponseUIState
	// Reasoning is set once the backend streams any reasoning trace for the turn.
	Reasoning *ReasoningState

	ResponseID string
	Completed  bool
	Error      bool

	Citations []Citation
}

// FileRef describes a file attached to a user message. A file either references an uploaded object on
// the backend (FileID), carries its extracted text inline (Text), or both.
type FileRef struct {
	Name      string
	MIMEType  string
	FileID    string
	Text      string
	Truncated bool
}

// ResponseUIState is the per-assistant-message display state machine. Phase only ever moves forward
// (waiting, streaming, finished) and HasTextStarted never reverts to false within a turn.
type ResponseUIState struct {
	Phase          Phase
	StatusKey      string
	StatusText     string
	HasTextStarted bool
}

// ReasoningState is the ordered trace of reasoning steps streamed for one assistant message.
type ReasoningState struct {
	Phase     ReasoningPhase
	Steps     []ReasoningStep
	IsVisible bool
}

// ReasoningStep is one merged run of reasoning deltas of the same kind.
type ReasoningStep struct {
	Kind string
	Text string
}

// Citation points at a source the assistant referenced. Citations are unique by (FileID, Filename).
type Citation struct {
	FileID     string
	Filename   string
	StartIndex *int
	EndIndex   *int
	Quote      string
	Label      string
}

// Role represents the role of a message participant.
type Role string

// Phase is the display phase of an assistant message.
type Phase string

// ReasoningPhase is the phase of a reasoning trace.
type ReasoningPhase string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"
	// RoleSystem carries the system prompt. It only appears in upstream histories, never in a
	// conversation.
	RoleSystem Role = "system"

	// PhaseWaiting is the initial phase of an assistant placeholder, before any text arrived.
	PhaseWaiting Phase = "waiting"
	// PhaseStreaming is entered on the first text delta.
	PhaseStreaming Phase = "streaming"
	// PhaseFinished is terminal.
	PhaseFinished Phase = "finished"

	ReasoningThinking  ReasoningPhase = "thinking"
	ReasoningStreaming ReasoningPhase = "streaming"
	ReasoningCompleted ReasoningPhase = "completed"
)

// Rank orders phases so callers can assert monotonic progress.
func (p Phase) Rank() int {
	switch p {
	case PhaseWaiting:
		return 0
	case PhaseStreaming:
		return 1
	case PhaseFinished:
		return 2
	}
	return -1
}

// CitationKey is the composite identity used to deduplicate citations.
func (c Citation) CitationKey() string {
	return c.FileID + "\x00" + c.Filename
}

// Finished reports whether the message belongs to a turn that reached its terminal phase. User messages
// are always finished.
func (m Message) Finished() bool {
	if m.Role != RoleAssistant || m.Meta.UI == nil {
		return true
	}
	return m.Meta.UI.Phase == PhaseFinished
}

// Clone returns a deep copy of the message, so snapshots handed to observers never alias the state the
// chat engine keeps mutating.
func (m Message) Clone() Message {
	c := m
	c.Images = slices.Clone(m.Images)
	c.Attachments = slices.Clone(m.Attachments)
	c.Meta.Citations = slices.Clone(m.Meta.Citations)
	if m.Meta.UI != nil {
		ui := *m.Meta.UI
		c.Meta.UI = &ui
	}
	if m.Meta.Reasoning != nil {
		r := *m.Meta.Reasoning
		r.Steps = slices.Clone(m.Meta.Reasoning.Steps)
		c.Meta.Reasoning = &r
	}
	return c
}
