package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"strings"

	"github.com/MegaGrindStone/notebook-chat/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// LLMParameters are optional sampling parameters applied to every completion request.
type LLMParameters struct {
	Temperature      *float32       `yaml:"temperature"`
	TopP             *float32       `yaml:"topP"`
	Stop             []string       `yaml:"stop"`
	PresencePenalty  *float32       `yaml:"presencePenalty"`
	Seed             *int           `yaml:"seed"`
	FrequencyPenalty *float32       `yaml:"frequencyPenalty"`
	LogitBias        map[string]int `yaml:"logitBias"`
	Logprobs         *bool          `yaml:"logprobs"`
	TopLogprobs      *int           `yaml:"topLogprobs"`
}

// OpenAI streams chat completions and transcribes audio through the OpenAI API or any compatible
// server.
type OpenAI struct {
	model      string
	audioModel string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance. baseURL may be empty to use the public API.
func NewOpenAI(apiKey, baseURL, model, audioModel string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if audioModel == "" {
		audioModel = goopenai.Whisper1
	}
	return OpenAI{
		model:      model,
		audioModel: audioModel,
		params:     params,
		client:     goopenai.NewClientWithConfig(cfg),
		logger:     logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(messages []models.Message) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != models.RoleUser || len(msg.Images) == 0 {
			if msg.Text == "" {
				continue
			}
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Text,
			})
			continue
		}

		parts := make([]goopenai.ChatMessagePart, 0, len(msg.Images)+1)
		if msg.Text != "" {
			parts = append(parts, goopenai.ChatMessagePart{Type: goopenai.ChatMessagePartTypeText, Text: msg.Text})
		}
		for _, img := range msg.Images {
			parts = append(parts, goopenai.ChatMessagePart{
				Type:     goopenai.ChatMessagePartTypeImageURL,
				ImageURL: &goopenai.ChatMessageImageURL{URL: img, Detail: goopenai.ImageURLDetailAuto},
			})
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:         string(msg.Role),
			MultiContent: parts,
		})
	}
	return msgs
}

// Chat streams the reply to messages as text deltas.
func (o OpenAI) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		req := o.chatRequest(openAIMessages(messages), true)

		reqJSON, err := json.Marshal(req)
		if err == nil {
			o.logger.Debug("Request", slog.String("req", string(reqJSON)))
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			if delta := response.Choices[0].Delta.Content; delta != "" {
				if !yield(delta, nil) {
					return
				}
			}
		}
	}
}

// Transcribe runs one-shot speech recognition. Confidence is the mean segment probability derived
// from the average log probability the verbose response reports.
func (o OpenAI) Transcribe(ctx context.Context, req models.TranscriptionRequest) (models.TranscriptionResult, error) {
	model := req.Model
	if model == "" {
		model = o.audioModel
	}
	audioReq := goopenai.AudioRequest{
		Model:    model,
		FilePath: req.Filename,
		Reader:   req.Audio,
		Prompt:   req.Prompt,
		Language: req.Language,
		Format:   goopenai.AudioResponseFormatVerboseJSON,
	}
	if req.Temperature != nil {
		audioReq.Temperature = float32(*req.Temperature)
	}

	resp, err := o.client.CreateTranscription(ctx, audioReq)
	if err != nil {
		return models.TranscriptionResult{}, fmt.Errorf("error sending request: %w", err)
	}

	out := models.TranscriptionResult{Text: strings.TrimSpace(resp.Text)}
	if len(resp.Segments) > 0 {
		var sum float64
		for _, seg := range resp.Segments {
			sum += math.Exp(seg.AvgLogprob)
		}
		c := max(0, min(1, sum/float64(len(resp.Segments))))
		out.Confidence = &c
	}
	o.logger.Debug("Transcribed audio",
		slog.String("file", req.Filename), slog.Int("segments", len(resp.Segments)))
	return out, nil
}

func (o OpenAI) chatRequest(messages []goopenai.ChatCompletionMessage, stream bool) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   stream,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.PresencePenalty != nil {
		req.PresencePenalty = *o.params.PresencePenalty
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}
	if o.params.FrequencyPenalty != nil {
		req.FrequencyPenalty = *o.params.FrequencyPenalty
	}
	if o.params.LogitBias != nil {
		req.LogitBias = o.params.LogitBias
	}
	if o.params.Logprobs != nil {
		req.LogProbs = *o.params.Logprobs
	}
	if o.params.TopLogprobs != nil {
		req.TopLogProbs = *o.params.TopLogprobs
	}

	return req
}
