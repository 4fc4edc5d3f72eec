package chat

import "strings"

// Status keys set on the terminal transitions of a turn.
const (
	StatusCompleted  = "completed"
	StatusTerminated = "terminated"
	StatusFailed     = "failed"
	StatusIncomplete = "incomplete"
	StatusError      = "error"
)

type waitingStatus struct {
	match  string
	prefix bool
	key    string
	text   string
}

// waitingStatuses maps lifecycle events seen before the first text delta to what the UI shows while
// it waits. Entries are matched in order against the event type with the "response." prefix removed.
var waitingStatuses = []waitingStatus{
	{match: "created", key: "thinking", text: "Thinking..."},
	{match: "in_progress", key: "thinking", text: "Thinking..."},
	{match: "reasoning", prefix: true, key: "reasoning", text: "Reasoning..."},
	{match: "file_search_call.", prefix: true, key: "file_search_call.searching", text: "Searching files"},
	{match: "web_search_call.", prefix: true, key: "web_search_call.searching", text: "Searching the web"},
	{match: "image_generation_call.", prefix: true, key: "image_generation_call.generating", text: "Generating image"},
	{match: "code_interpreter_call.", prefix: true, key: "code_interpreter_call.running", text: "Running code"},
	{match: "mcp_call.", prefix: true, key: "mcp_call.running", text: "Calling tool"},
}

func statusFor(eventType string) (key, text string, ok bool) {
	name, found := strings.CutPrefix(eventType, "response.")
	if !found {
		return "", "", false
	}
	for _, s := range waitingStatuses {
		if name == s.match || (s.prefix && strings.HasPrefix(name, s.match)) {
			return s.key, s.text, true
		}
	}
	return "", "", false
}
