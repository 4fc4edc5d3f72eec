package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MegaGrindStone/notebook-chat/internal/models"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tmaxmax/go-sse"
)

const maxRequestBody = 8 << 20

var errStreamingUnsupported = errors.New("response writer does not support flushing")

type responseRef struct {
	ID         string `json:"id"`
	OutputText string `json:"output_text,omitempty"`
}

type errorRef struct {
	Message string `json:"message"`
}

type streamEvent struct {
	Type     string       `json:"type"`
	Delta    string       `json:"delta,omitempty"`
	Text     string       `json:"text,omitempty"`
	Response *responseRef `json:"response,omitempty"`
	Error    *errorRef    `json:"error,omitempty"`
}

// responsesRequest is the part of the streaming request body the development backend acts on.
type responsesRequest struct {
	Model              string
	PreviousResponseID string
	Tools              []string
	System             []string
	User               models.Message
}

func (r responsesRequest) validate(allowedModels, allowedTools []string) error {
	rules := []*validation.FieldRules{
		validation.Field(&r.PreviousResponseID, validation.Length(0, 256)),
	}
	if len(allowedModels) > 0 {
		rules = append(rules, validation.Field(&r.Model, validation.In(anySlice(allowedModels)...).Error("model not allowed")))
	}
	if len(allowedTools) > 0 {
		rules = append(rules, validation.Field(&r.Tools,
			validation.Each(validation.In(anySlice(allowedTools)...).Error("tool not allowed"))))
	}
	if err := validation.ValidateStruct(&r, rules...); err != nil {
		return err
	}
	if strings.TrimSpace(r.User.Text) == "" && len(r.User.Images) == 0 {
		return fmt.Errorf("input is required")
	}
	return nil
}

func anySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func parseResponsesRequest(body []byte) (responsesRequest, error) {
	if !gjson.ValidBytes(body) {
		return responsesRequest{}, fmt.Errorf("request body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	req := responsesRequest{
		Model:              strings.TrimSpace(root.Get("model").Str),
		PreviousResponseID: strings.TrimSpace(root.Get("previous_response_id").Str),
		User:               models.Message{Role: models.RoleUser, Timestamp: time.Now()},
	}

	root.Get("tools.#.type").ForEach(func(_, t gjson.Result) bool {
		req.Tools = append(req.Tools, t.Str)
		return true
	})

	input := root.Get("input")
	if input.Type == gjson.String {
		req.User.Text = input.Str
		return req, nil
	}

	var texts []string
	input.ForEach(func(_, block gjson.Result) bool {
		role := block.Get("role").Str
		var blockTexts []string
		block.Get("content").ForEach(func(_, part gjson.Result) bool {
			switch part.Get("type").Str {
			case "input_text":
				if t := part.Get("text").Str; t != "" {
					blockTexts = append(blockTexts, t)
				}
			case "input_image":
				if u := part.Get("image_url").Str; u != "" {
					req.User.Images = append(req.User.Images, u)
				}
			case "input_file":
				if id := part.Get("file_id").Str; id != "" {
					blockTexts = append(blockTexts, "[File id: "+id+"]")
				}
			}
			return true
		})
		if role == string(models.RoleSystem) {
			req.System = append(req.System, blockTexts...)
		} else {
			texts = append(texts, blockTexts...)
		}
		return true
	})
	req.User.Text = strings.Join(texts, "\n\n")
	return req, nil
}

// HandleResponses streams one model reply in the responses event format. The body is SSE unless the
// caller asks for ?format=ndjson. A previous_response_id continues the history of that response.
func (m *Main) HandleResponses(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "error reading request body")
		return
	}
	req, err := parseResponsesRequest(body)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(m.cfg.Models, m.cfg.Tools); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	history, ok := m.history(req.PreviousResponseID)
	if !ok {
		writeDetail(w, http.StatusBadRequest, "unknown previous_response_id")
		return
	}

	var out eventWriter
	if r.URL.Query().Get("format") == "ndjson" {
		out, err = newNDJSONWriter(w)
	} else {
		out, err = newSSEWriter(w, r)
	}
	if err != nil {
		m.logger.Error("Failed to start stream", slog.String(errLoggerKey, err.Error()))
		writeDetail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx, done := m.track(r.Context())
	defer done()

	id := "resp_" + uuid.New().String()
	conv := slices.Clone(history)
	conv = append(conv, req.User)

	msgs := make([]models.Message, 0, len(conv)+1)
	if len(req.System) > 0 {
		msgs = append(msgs, models.Message{Role: models.RoleSystem, Text: strings.Join(req.System, "\n\n")})
	}
	msgs = append(msgs, conv...)

	text, err := m.relay(ctx, out, id, msgs)
	if ctx.Err() != nil {
		m.logger.Debug("Stream ended by caller", slog.String("id", id))
		return
	}
	if err != nil {
		m.logger.Error("Error from llm provider", slog.String(errLoggerKey, err.Error()))
		_ = out.event(streamEvent{Type: "response.error", Error: &errorRef{Message: err.Error()}})
		return
	}

	m.remember(id, append(conv, models.Message{
		ID:        id,
		Role:      models.RoleAssistant,
		Text:      text,
		Timestamp: time.Now(),
	}))
	_ = out.event(streamEvent{Type: "response.completed", Response: &responseRef{ID: id, OutputText: text}})
}

type upstreamDelta struct {
	text string
	err  error
}

// relay forwards upstream deltas as output_text events, sending keepalives while the upstream is
// silent, and returns the full text.
func (m *Main) relay(ctx context.Context, out eventWriter, id string, msgs []models.Message) (string, error) {
	if err := out.event(streamEvent{Type: "response.created", Response: &responseRef{ID: id}}); err != nil {
		return "", err
	}

	deltas := make(chan upstreamDelta)
	go func() {
		defer close(deltas)
		for text, err := range m.llm.Chat(ctx, msgs) {
			select {
			case deltas <- upstreamDelta{text: text, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(m.cfg.KeepAlive)
	defer ticker.Stop()

	var sb strings.Builder
	for {
		select {
		case d, ok := <-deltas:
			if !ok {
				text := sb.String()
				if err := out.event(streamEvent{Type: "response.output_text.done", Text: text}); err != nil {
					return "", err
				}
				return text, nil
			}
			if d.err != nil {
				return "", d.err
			}
			if d.text == "" {
				continue
			}
			sb.WriteString(d.text)
			if err := out.event(streamEvent{Type: "response.output_text.delta", Delta: d.text}); err != nil {
				return "", err
			}
		case <-ticker.C:
			if err := out.keepalive(); err != nil {
				return "", err
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (m *Main) history(id string) ([]models.Message, bool) {
	if id == "" {
		return nil, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histories[id]
	return h, ok
}

func (m *Main) remember(id string, history []models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.histories[id] = history
	m.order = append(m.order, id)
	for len(m.order) > m.cfg.MaxHistories {
		delete(m.histories, m.order[0])
		m.order = m.order[1:]
	}
}

// eventWriter frames stream events on the wire.
type eventWriter interface {
	event(e streamEvent) error
	keepalive() error
}

type sseWriter struct {
	sess *sse.Session
}

func newSSEWriter(w http.ResponseWriter, r *http.Request) (*sseWriter, error) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		return nil, err
	}
	return &sseWriter{sess: sess}, nil
}

func (s *sseWriter) event(e streamEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("error marshaling event: %w", err)
	}
	msg := &sse.Message{}
	msg.AppendData(string(payload))
	if err := s.sess.Send(msg); err != nil {
		return err
	}
	return s.sess.Flush()
}

func (s *sseWriter) keepalive() error {
	msg := &sse.Message{}
	msg.AppendComment("keepalive")
	if err := s.sess.Send(msg); err != nil {
		return err
	}
	return s.sess.Flush()
}

type ndjsonWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// newNDJSONWriter fails before anything is written when w cannot flush, so the caller can still reply
// with an error status.
func newNDJSONWriter(w http.ResponseWriter) (*ndjsonWriter, error) {
	if !flushable(w) {
		return nil, errStreamingUnsupported
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	// The status is already sent; a broken connection surfaces on the first event.
	_ = rc.Flush()
	return &ndjsonWriter{w: w, rc: rc}, nil
}

// flushable reports whether w, or a writer it wraps, implements http.Flusher.
func flushable(w http.ResponseWriter) bool {
	for {
		switch t := w.(type) {
		case http.Flusher:
			return true
		case interface{ Unwrap() http.ResponseWriter }:
			w = t.Unwrap()
		default:
			return false
		}
	}
}

func (n *ndjsonWriter) event(e streamEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("error marshaling event: %w", err)
	}
	if _, err := n.w.Write(append(payload, '\n')); err != nil {
		return err
	}
	return n.rc.Flush()
}

// keepalive writes a blank line, which line-delimited readers skip.
func (n *ndjsonWriter) keepalive() error {
	if _, err := io.WriteString(n.w, "\n"); err != nil {
		return err
	}
	return n.rc.Flush()
}
