package chat

import (
	"fmt"
	"slices"
	"strings"

	"github.com/MegaGrindStone/notebook-chat/internal/models"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// FallbackTool is used when neither the call, the conversation nor the settings name any tool.
const FallbackTool = "web_search"

// DefaultTemperature is sent when the settings carry none.
const DefaultTemperature = 0.7

const fileSearchResults = "file_search_call.results"

// Settings are the model parameters applied to every turn of a conversation.
type Settings struct {
	Model        string
	SystemPrompt string
	// Temperature falls back to DefaultTemperature when nil. It is never sent to reasoning models.
	Temperature     *float64
	MaxOutputTokens int
	DefaultTools    []string
	// ReasoningPrefixes name the model families that reject a temperature.
	ReasoningPrefixes []string
	// FailureText replaces the body of a failed turn that produced no text.
	FailureText string
}

// Validate checks the settings before any request is assembled.
func (s Settings) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Model, validation.Required),
		validation.Field(&s.Temperature, validation.Min(0.0), validation.Max(2.0)),
		validation.Field(&s.MaxOutputTokens, validation.Min(0)),
	)
}

func (s Settings) isReasoningModel() bool {
	prefixes := s.ReasoningPrefixes
	if len(prefixes) == 0 {
		prefixes = []string{"gpt-5"}
	}
	model := strings.ToLower(s.Model)
	for _, p := range prefixes {
		if strings.HasPrefix(model, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Input is one user submission.
type Input struct {
	Text string
	// Images are data URLs or remote URLs shown inline to the model.
	Images []string
	Files  []models.FileRef
	// Tools overrides the tool list for this and, as the new preference, later turns.
	Tools []string

	// OnDelta receives every text delta as it is merged into the message.
	OnDelta func(delta string)
	// OnUpdate receives a copy of the assistant message after every change.
	OnUpdate func(models.Message)
}

func (in Input) empty() bool {
	return strings.TrimSpace(in.Text) == "" && len(in.Images) == 0 && len(in.Files) == 0
}

// Request is the body posted to the streaming endpoint.
type Request struct {
	Model              string       `json:"model"`
	Input              []InputBlock `json:"input"`
	Tools              []Tool       `json:"tools,omitempty"`
	Include            []string     `json:"include,omitempty"`
	Temperature        *float64     `json:"temperature,omitempty"`
	MaxOutputTokens    int          `json:"max_output_tokens,omitempty"`
	PreviousResponseID string       `json:"previous_response_id,omitempty"`
}

// InputBlock is one role-tagged entry of the request input.
type InputBlock struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart is one typed piece of an input block.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	FileID   string `json:"file_id,omitempty"`
}

// Tool names a backend-side tool the model may call.
type Tool struct {
	Type string `json:"type"`
}

// Content part types.
const (
	PartInputText  = "input_text"
	PartInputImage = "input_image"
	PartInputFile  = "input_file"
)

// Text joins the text parts of every user block, which is what a backend without multimodal support
// falls back to.
func (r Request) Text() string {
	var parts []string
	for _, b := range r.Input {
		if b.Role != string(models.RoleUser) {
			continue
		}
		for _, c := range b.Content {
			if c.Type == PartInputText && c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

// System returns the system prompt carried by the request, if any.
func (r Request) System() string {
	for _, b := range r.Input {
		if b.Role == "system" && len(b.Content) > 0 {
			return b.Content[0].Text
		}
	}
	return ""
}

// EffectiveTools resolves the tool list for a turn: explicit tools win over the conversation's
// preferred tools, which win over the configured defaults.
func EffectiveTools(explicit, preferred, defaults []string) []string {
	for _, list := range [][]string{explicit, preferred, defaults} {
		if tools := compactTools(list); len(tools) > 0 {
			return tools
		}
	}
	return []string{FallbackTool}
}

func compactTools(list []string) []string {
	var out []string
	for _, t := range list {
		t = strings.TrimSpace(t)
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// BuildRequest assembles the streaming request body for one submission.
func BuildRequest(s Settings, in Input, tools []string, previousResponseID string) Request {
	req := Request{
		Model:              s.Model,
		MaxOutputTokens:    s.MaxOutputTokens,
		PreviousResponseID: previousResponseID,
	}

	if !s.isReasoningModel() {
		t := DefaultTemperature
		if s.Temperature != nil {
			t = *s.Temperature
		}
		req.Temperature = &t
	}

	if p := strings.TrimSpace(s.SystemPrompt); p != "" {
		req.Input = append(req.Input, InputBlock{
			Role:    "system",
			Content: []ContentPart{{Type: PartInputText, Text: p}},
		})
	}
	req.Input = append(req.Input, InputBlock{Role: string(models.RoleUser), Content: userContent(in)})

	for _, t := range tools {
		req.Tools = append(req.Tools, Tool{Type: t})
	}
	if slices.Contains(tools, "file_search") {
		req.Include = append(req.Include, fileSearchResults)
	}
	return req
}

func userContent(in Input) []ContentPart {
	var parts []ContentPart
	if text := strings.TrimSpace(in.Text); text != "" {
		parts = append(parts, ContentPart{Type: PartInputText, Text: text})
	}
	for _, url := range in.Images {
		parts = append(parts, ContentPart{Type: PartInputImage, ImageURL: url})
	}
	for _, f := range in.Files {
		if f.FileID != "" {
			parts = append(parts, ContentPart{Type: PartInputFile, FileID: f.FileID})
		}
		if f.Text != "" {
			parts = append(parts, ContentPart{Type: PartInputText, Text: fileLabel(f) + "\n" + f.Text})
		}
	}
	return parts
}

func fileLabel(f models.FileRef) string {
	if f.Truncated {
		return fmt.Sprintf("[File: %s (truncated)]", f.Name)
	}
	return fmt.Sprintf("[File: %s]", f.Name)
}
