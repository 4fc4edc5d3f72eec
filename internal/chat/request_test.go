package chat_test

import (
	"testing"

	"github.com/MegaGrindStone/notebook-chat/internal/chat"
	"github.com/MegaGrindStone/notebook-chat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRequest(t *testing.T) {
	temp := 0.2
	s := chat.Settings{Model: "gpt-4.1", SystemPrompt: " Be brief. ", Temperature: &temp, MaxOutputTokens: 512}
	in := chat.Input{
		Text:   "Summarize",
		Images: []string{"data:image/png;base64,AAAA"},
		Files: []models.FileRef{
			{Name: "notes.txt", Text: "alpha"},
			{Name: "big.md", Text: "beta", Truncated: true},
			{Name: "paper.pdf", FileID: "file-1"},
		},
	}

	req := chat.BuildRequest(s, in, []string{"web_search"}, "r0")

	assert.Equal(t, "gpt-4.1", req.Model)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.2, *req.Temperature, 1e-9)
	assert.Equal(t, 512, req.MaxOutputTokens)
	assert.Equal(t, "r0", req.PreviousResponseID)
	assert.Empty(t, req.Include)

	require.Len(t, req.Input, 2)
	assert.Equal(t, "system", req.Input[0].Role)
	assert.Equal(t, "Be brief.", req.System())

	assert.Equal(t, []chat.ContentPart{
		{Type: chat.PartInputText, Text: "Summarize"},
		{Type: chat.PartInputImage, ImageURL: "data:image/png;base64,AAAA"},
		{Type: chat.PartInputText, Text: "[File: notes.txt]\nalpha"},
		{Type: chat.PartInputText, Text: "[File: big.md (truncated)]\nbeta"},
		{Type: chat.PartInputFile, FileID: "file-1"},
	}, req.Input[1].Content)

	assert.Equal(t, "Summarize\n\n[File: notes.txt]\nalpha\n\n[File: big.md (truncated)]\nbeta", req.Text())
}

func TestBuildRequestReasoningFamily(t *testing.T) {
	temp := 1.0
	s := chat.Settings{Model: "o3-mini", Temperature: &temp, ReasoningPrefixes: []string{"o3", "gpt-5"}}

	req := chat.BuildRequest(s, chat.Input{Text: "x"}, nil, "")
	assert.Nil(t, req.Temperature)

	s.Model = "GPT-5-mini"
	assert.Nil(t, chat.BuildRequest(s, chat.Input{Text: "x"}, nil, "").Temperature)
}

func TestEffectiveTools(t *testing.T) {
	tests := []struct {
		name                          string
		explicit, preferred, defaults []string
		want                          []string
	}{
		{name: "explicit wins", explicit: []string{"a"}, preferred: []string{"b"}, defaults: []string{"c"}, want: []string{"a"}},
		{name: "preferred next", explicit: []string{" "}, preferred: []string{"b"}, defaults: []string{"c"}, want: []string{"b"}},
		{name: "defaults next", defaults: []string{"c", "c"}, want: []string{"c"}},
		{name: "fallback", want: []string{chat.FallbackTool}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, chat.EffectiveTools(tt.explicit, tt.preferred, tt.defaults))
		})
	}
}
