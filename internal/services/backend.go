package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/MegaGrindStone/notebook-chat/internal/stream"
	"github.com/tidwall/gjson"
)

const (
	// DefaultStreamPath is the responses streaming endpoint relative to the API base.
	DefaultStreamPath = "/responses/stream"

	csrfHeader  = "X-CSRF-Token"
	tokenHeader = "X-API-KEY"

	maxErrorBody = 64 << 10
)

// Backend is the HTTP client of the notebook backend. It attaches the internal token to every call and
// the CSRF token to every mutating call, and implements chat.Streamer over the responses endpoint.
type Backend struct {
	baseURL    string
	streamPath string
	token      string
	client     *http.Client
	logger     *slog.Logger

	// csrfMu is held for the whole fetch so concurrent callers share one request.
	csrfMu sync.Mutex
	csrf   string
}

// NewBackend returns a client for the API rooted at baseURL (for example http://localhost:8080/api).
// token is the internal token and may be empty. client and logger may be nil.
func NewBackend(baseURL, streamPath, token string, client *http.Client, logger *slog.Logger) *Backend {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if streamPath == "" {
		streamPath = DefaultStreamPath
	}
	return &Backend{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		streamPath: "/" + strings.Trim(strings.TrimSpace(streamPath), "/"),
		token:      token,
		client:     client,
		logger:     logger.With(slog.String("module", "backend")),
	}
}

// CSRFToken returns the cached CSRF token, fetching it first if needed.
func (b *Backend) CSRFToken(ctx context.Context) (string, error) {
	b.csrfMu.Lock()
	defer b.csrfMu.Unlock()
	if b.csrf != "" {
		return b.csrf, nil
	}

	resp, err := b.send(ctx, http.MethodGet, "/auth/csrf", nil, "")
	if err != nil {
		return "", fmt.Errorf("error fetching csrf token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("error reading csrf token: %w", err)
	}
	token := gjson.GetBytes(body, "csrf_token").Str
	if token == "" {
		return "", errors.New("csrf token missing from response")
	}
	b.csrf = token
	return token, nil
}

// ClearCSRF drops the cached CSRF token so the next mutating call fetches a fresh one.
func (b *Backend) ClearCSRF() {
	b.csrfMu.Lock()
	b.csrf = ""
	b.csrfMu.Unlock()
}

// Stream posts body to the streaming endpoint and yields decoded payloads. It implements chat.Streamer.
func (b *Backend) Stream(ctx context.Context, body any) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		payload, err := json.Marshal(body)
		if err != nil {
			yield("", fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := b.request(ctx, http.MethodPost, b.streamPath, bytes.NewReader(payload), "application/json")
		if err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("%w: %w", stream.ErrAborted, context.Cause(ctx))
			}
			yield("", err)
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		b.logger.Debug("Opening stream", slog.String("path", b.streamPath), slog.Int("bytes", len(payload)))
		s, err := stream.Open(ctx, b.client, req)
		if err != nil {
			var se *stream.StatusError
			if errors.As(err, &se) {
				se.Body = errorDetail([]byte(se.Body), se.StatusCode)
				if se.StatusCode == http.StatusForbidden {
					b.ClearCSRF()
				}
			}
			yield("", err)
			return
		}

		for p, err := range s.All() {
			if !yield(p, err) {
				return
			}
		}
	}
}

// UploadedFile is the backend's view of an uploaded file.
type UploadedFile struct {
	ID   string `json:"id"`
	Name string `json:"filename"`
	// Text is set when the backend extracted the file's text instead of storing it.
	Text      string `json:"text"`
	Truncated bool   `json:"truncated"`
}

// UploadFile uploads r as a multipart file with the given purpose.
func (b *Backend) UploadFile(ctx context.Context, name string, r io.Reader, purpose string) (UploadedFile, error) {
	fields := map[string]string{"purpose": purpose}
	body, contentType, err := multipartBody("file", name, r, fields)
	if err != nil {
		return UploadedFile{}, err
	}

	var out UploadedFile
	if err := b.doJSON(ctx, http.MethodPost, "/files/", body, contentType, &out); err != nil {
		return UploadedFile{}, fmt.Errorf("error uploading file: %w", err)
	}
	if out.Name == "" {
		out.Name = name
	}
	return out, nil
}

// TranscriptionOptions are the optional fields of a batch transcription.
type TranscriptionOptions struct {
	Model         string
	Language      string
	Prompt        string
	Temperature   *float64
	MinConfidence *float64
}

// Transcription is a batch transcription result.
type Transcription struct {
	Text       string
	Confidence *float64
}

// Transcribe sends a recorded audio file for one-shot transcription.
func (b *Backend) Transcribe(ctx context.Context, name string, r io.Reader, opts TranscriptionOptions,
) (Transcription, error) {
	fields := map[string]string{
		"response_format": "json",
		"model_key":       opts.Model,
		"language":        opts.Language,
		"prompt":          opts.Prompt,
	}
	if opts.Temperature != nil {
		fields["temperature"] = strconv.FormatFloat(*opts.Temperature, 'f', -1, 64)
	}
	if opts.MinConfidence != nil {
		fields["min_confidence"] = strconv.FormatFloat(*opts.MinConfidence, 'f', -1, 64)
	}
	body, contentType, err := multipartBody("file", name, r, fields)
	if err != nil {
		return Transcription{}, err
	}

	resp, err := b.do(ctx, http.MethodPost, "/audio/transcriptions", body, contentType)
	if err != nil {
		return Transcription{}, fmt.Errorf("error transcribing audio: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transcription{}, fmt.Errorf("error reading transcription: %w", err)
	}
	res := gjson.ParseBytes(raw)
	out := Transcription{Text: strings.TrimSpace(res.Get("text").Str)}
	if c := res.Get("confidence"); c.Type == gjson.Number {
		v := c.Num
		out.Confidence = &v
	}
	return out, nil
}

// AIConfig lists what the backend offers to the chat composer.
type AIConfig struct {
	Models       []string `json:"models"`
	Tools        []string `json:"tools"`
	DefaultModel string   `json:"default_model"`
	DefaultTools []string `json:"default_tools"`
}

// AIConfig fetches the model and tool options.
func (b *Backend) AIConfig(ctx context.Context) (AIConfig, error) {
	var cfg AIConfig
	if err := b.doJSON(ctx, http.MethodGet, "/ai/config", nil, "", &cfg); err != nil {
		return AIConfig{}, fmt.Errorf("error fetching ai config: %w", err)
	}
	return cfg, nil
}

func (b *Backend) doJSON(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	resp, err := b.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

// do sends an authenticated request and turns non-2xx responses into errors.
func (b *Backend) do(ctx context.Context, method, path string, body io.Reader, contentType string,
) (*http.Response, error) {
	req, err := b.request(ctx, method, path, body, contentType)
	if err != nil {
		return nil, err
	}
	return b.roundTrip(req)
}

// send is do without the CSRF header, for the CSRF fetch itself.
func (b *Backend) send(ctx context.Context, method, path string, body io.Reader, contentType string,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	b.authorize(req, contentType)
	return b.roundTrip(req)
}

func (b *Backend) request(ctx context.Context, method, path string, body io.Reader, contentType string,
) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	b.authorize(req, contentType)

	if method != http.MethodGet && method != http.MethodHead {
		token, err := b.CSRFToken(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set(csrfHeader, token)
	}
	return req, nil
}

func (b *Backend) authorize(req *http.Request, contentType string) {
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if b.token != "" {
		req.Header.Set(tokenHeader, b.token)
	}
}

func (b *Backend) roundTrip(req *http.Request) (*http.Response, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusForbidden {
			b.ClearCSRF()
		}
		return nil, &stream.StatusError{StatusCode: resp.StatusCode, Body: errorDetail(body, resp.StatusCode)}
	}
	return resp, nil
}

// errorDetail extracts the human readable message of an error response body.
func errorDetail(body []byte, status int) string {
	if gjson.ValidBytes(body) {
		res := gjson.ParseBytes(body)
		for _, path := range []string{"detail", "error.message", "error", "message"} {
			if v := res.Get(path); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
				return strings.TrimSpace(v.Str)
			}
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" && !gjson.ValidBytes(body) {
		return s
	}
	return http.StatusText(status)
}

func multipartBody(field, name string, r io.Reader, fields map[string]string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile(field, name)
	if err != nil {
		return nil, "", fmt.Errorf("error creating form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, "", fmt.Errorf("error copying file: %w", err)
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("error writing field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("error closing form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
