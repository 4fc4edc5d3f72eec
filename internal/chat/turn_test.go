package chat_test

import (
	"errors"
	"testing"

	"github.com/MegaGrindStone/notebook-chat/internal/chat"
	"github.com/MegaGrindStone/notebook-chat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func applyAll(t *testing.T, events ...string) (models.Message, *chat.Turn, []models.ResponseUIState) {
	t.Helper()

	m := chat.NewPlaceholder("a1")
	turn := chat.NewTurn(&m, "", nil)
	var states []models.ResponseUIState
	for _, e := range events {
		require.True(t, gjson.Valid(e), e)
		turn.Apply(&m, gjson.Parse(e))
		states = append(states, *m.Meta.UI)
	}
	return m, turn, states
}

func TestTurnPhaseMonotonic(t *testing.T) {
	_, _, states := applyAll(t,
		`{"type":"response.created","response":{"id":"r1"}}`,
		`{"type":"response.file_search_call.searching"}`,
		`{"type":"response.output_text.delta","delta":"Hi"}`,
		`{"type":"response.web_search_call.in_progress"}`,
		`{"type":"response.output_text.delta","delta":" there"}`,
		`{"type":"response.completed","response":{"id":"r1"}}`,
		`{"type":"response.output_text.delta","delta":" late"}`,
		`{"type":"response.error","error":{"message":"late"}}`,
	)

	rank := -1
	started := false
	for i, s := range states {
		assert.GreaterOrEqual(t, s.Phase.Rank(), rank, "event %d", i)
		rank = s.Phase.Rank()
		if started {
			assert.True(t, s.HasTextStarted, "event %d", i)
		}
		started = s.HasTextStarted
	}
	assert.Equal(t, models.PhaseFinished, states[len(states)-1].Phase)
}

func TestTurnWaitingStatus(t *testing.T) {
	m, _, states := applyAll(t,
		`{"type":"response.created"}`,
		`{"type":"response.file_search_call.searching"}`,
		`{"type":"response.output_text.delta","delta":"Found"}`,
		`{"type":"response.web_search_call.searching"}`,
	)

	assert.Equal(t, "thinking", states[0].StatusKey)
	assert.Equal(t, models.PhaseWaiting, states[0].Phase)
	assert.Equal(t, "file_search_call.searching", states[1].StatusKey)
	assert.Equal(t, "Searching files", states[1].StatusText)

	assert.Equal(t, models.PhaseStreaming, states[2].Phase)
	assert.Empty(t, states[2].StatusKey)
	assert.Empty(t, states[3].StatusKey, "status is suppressed once text started")
	assert.Equal(t, "Found", m.Text)
}

func TestTurnImageDedup(t *testing.T) {
	m, _, _ := applyAll(t,
		`{"type":"response.image_generation_call.partial_image","partial_image_b64":"UEFSVA=="}`,
		`{"type":"response.output_item.done","item":{"type":"image_generation_call","result":"QUJDRA=="}}`,
		`{"type":"response.image_generation_call.completed","item":{"type":"image_generation_call","result":"QUJD\nRA=="}}`,
		`{"type":"response.completed","data":[{"b64_json":"QUJDRA=="}],"response":{"id":"r1","output":[
			{"type":"image_generation_call","result":"QUJDRA==","output_format":"png"},
			{"type":"message","content":[{"type":"output_image","image_url":"data:image/png;base64,QUJDRA=="}]}
		]}}`,
	)

	assert.Equal(t, []string{"data:image/png;base64,QUJDRA=="}, m.Images)
}

func TestTurnImageFormats(t *testing.T) {
	m, _, _ := applyAll(t,
		`{"type":"response.output_item.done","item":{"type":"image_generation_call","result":"AAAA","output_format":"webp"}}`,
		`{"type":"response.output_item.done","item":{"content":[{"image_url":{"url":"data:image/jpeg;base64,BBBB"}}]}}`,
	)

	assert.Equal(t, []string{"data:image/webp;base64,AAAA", "data:image/jpeg;base64,BBBB"}, m.Images)
}

func TestTurnCitationDedup(t *testing.T) {
	m, _, _ := applyAll(t,
		`{"type":"response.output_text.delta","delta":"See the doc."}`,
		`{"type":"response.output_text.annotation.added","annotation":{"type":"file_citation","file_id":"f1","filename":"a.pdf","index":3}}`,
		`{"type":"response.output_text.annotation.added","annotation":{"type":"file_citation","file_id":"f1","filename":"a.pdf","index":9}}`,
		`{"type":"response.output_text.annotation.added","annotation":{"type":"url_citation","url":"https://example.com","title":"Example","start_index":0,"end_index":4}}`,
		`{"type":"response.completed","response":{"id":"r1","output":[{"type":"message","content":[
			{"type":"output_text","annotations":[{"type":"file_citation","file_id":"f1","filename":"a.pdf","quote":"q"}]}
		]}]}}`,
	)

	require.Len(t, m.Meta.Citations, 2)
	first := m.Meta.Citations[0]
	assert.Equal(t, "f1", first.FileID)
	assert.Equal(t, "a.pdf", first.Filename)
	require.NotNil(t, first.StartIndex)
	assert.Equal(t, 3, *first.StartIndex)
	assert.Equal(t, "q", first.Quote)

	second := m.Meta.Citations[1]
	assert.Equal(t, "https://example.com", second.FileID)
	assert.Equal(t, "Example", second.Label)
	require.NotNil(t, second.EndIndex)
	assert.Equal(t, 4, *second.EndIndex)
}

func TestTurnReasoning(t *testing.T) {
	m, _, states := applyAll(t,
		`{"type":"response.output_item.added","item":{"type":"reasoning"}}`,
		`{"type":"response.reasoning_summary_part.added"}`,
		`{"type":"response.reasoning_summary_text.delta","delta":"Look"}`,
		`{"type":"response.reasoning_summary_text.delta","delta":"ing up"}`,
		`{"type":"response.reasoning_summary_part.added"}`,
		`{"type":"response.reasoning_summary_text.delta","delta":"Second"}`,
		`{"type":"response.reasoning_text.delta","delta":"raw"}`,
		`{"type":"response.reasoning_summary_text.done","text":"Second step"}`,
		`{"type":"response.output_text.delta","delta":"Answer"}`,
	)

	require.NotNil(t, m.Meta.Reasoning)
	assert.Equal(t, "reasoning", states[0].StatusKey)
	assert.Equal(t, []models.ReasoningStep{
		{Kind: chat.ReasoningSummary, Text: "Looking up"},
		{Kind: chat.ReasoningSummary, Text: "Second"},
		{Kind: chat.ReasoningText, Text: "raw"},
		{Kind: chat.ReasoningSummary, Text: "Second step"},
	}, m.Meta.Reasoning.Steps)
	assert.True(t, m.Meta.Reasoning.IsVisible)
	assert.Equal(t, models.ReasoningCompleted, m.Meta.Reasoning.Phase)
}

func TestTurnFailureEvents(t *testing.T) {
	tests := []struct {
		name      string
		events    []string
		wantKey   string
		wantText  string
		wantError string
	}{
		{
			name:      "error without text",
			events:    []string{`{"type":"response.error","error":{"message":"boom"}}`},
			wantKey:   chat.StatusError,
			wantText:  chat.DefaultFailureText,
			wantError: "boom",
		},
		{
			name: "failed keeps streamed text",
			events: []string{
				`{"type":"response.output_text.delta","delta":"Partial"}`,
				`{"type":"response.failed","response":{"error":{"message":"quota"}}}`,
			},
			wantKey:   chat.StatusFailed,
			wantText:  "Partial",
			wantError: "quota",
		},
		{
			name: "incomplete",
			events: []string{
				`{"type":"response.incomplete","response":{"incomplete_details":{"reason":"max_output_tokens"}}}`,
			},
			wantKey:   chat.StatusIncomplete,
			wantText:  chat.DefaultFailureText,
			wantError: "max_output_tokens",
		},
		{
			name:      "bare error event",
			events:    []string{`{"event":"error","message":"nope"}`},
			wantKey:   chat.StatusError,
			wantText:  chat.DefaultFailureText,
			wantError: "nope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, turn, _ := applyAll(t, tt.events...)

			assert.Equal(t, models.PhaseFinished, m.Meta.UI.Phase)
			assert.Equal(t, tt.wantKey, m.Meta.UI.StatusKey)
			assert.Equal(t, tt.wantText, m.Text)
			assert.True(t, m.Meta.Error)
			assert.Equal(t, tt.wantError, turn.Failure())
			assert.Empty(t, turn.ResponseID())
		})
	}
}

func TestTurnTransportFailureAndStop(t *testing.T) {
	m := chat.NewPlaceholder("a1")
	turn := chat.NewTurn(&m, "custom failure", nil)
	turn.Fail(&m, errors.New("connection reset"))

	assert.Equal(t, "custom failure", m.Text)
	assert.True(t, m.Meta.Error)
	assert.Equal(t, models.PhaseFinished, m.Meta.UI.Phase)

	m = chat.NewPlaceholder("a2")
	turn = chat.NewTurn(&m, "", nil)
	turn.Apply(&m, gjson.Parse(`{"type":"response.reasoning_summary_text.delta","delta":"hmm"}`))
	turn.Apply(&m, gjson.Parse(`{"type":"response.output_text.delta","delta":"Half"}`))
	turn.Stop(&m)

	assert.Equal(t, "Half", m.Text)
	assert.False(t, m.Meta.Error)
	assert.Equal(t, chat.StatusTerminated, m.Meta.UI.StatusKey)
	assert.Equal(t, models.ReasoningCompleted, m.Meta.Reasoning.Phase)
	assert.True(t, turn.Done())
}

func TestTurnTextOnlyInDone(t *testing.T) {
	m, _, _ := applyAll(t,
		`{"type":"response.output_text.done","text":"Whole answer"}`,
		`{"type":"response.completed","response":{"id":"r9"}}`,
	)
	assert.Equal(t, "Whole answer", m.Text)
	assert.Equal(t, "r9", m.Meta.ResponseID)
	assert.True(t, m.Meta.Completed)
}
