package services_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/MegaGrindStone/notebook-chat/internal/services"
	"github.com/MegaGrindStone/notebook-chat/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAPI struct {
	csrfCalls atomic.Int32
	mux       *http.ServeMux
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	f := &fakeAPI{mux: http.NewServeMux()}
	f.mux.HandleFunc("GET /api/auth/csrf", func(w http.ResponseWriter, _ *http.Request) {
		f.csrfCalls.Add(1)
		_, _ = io.WriteString(w, `{"csrf_token":"tok-1"}`)
	})
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func requireAuth(t *testing.T, r *http.Request) {
	t.Helper()
	assert.Equal(t, "internal", r.Header.Get("X-API-KEY"))
	assert.Equal(t, "tok-1", r.Header.Get("X-CSRF-Token"))
}

func TestBackendStream(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.mux.HandleFunc("POST /api/responses/stream", func(w http.ResponseWriter, r *http.Request) {
		requireAuth(t, r)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"model":"m"}`, string(body))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ": keepalive\n\ndata: {\"type\":\"response.created\"}\n\n"+
			"data: {\"type\":\"response.completed\",\"response\":{\"id\":\"r1\"}}\n\n")
	})

	b := services.NewBackend(srv.URL+"/api/", "", "internal", nil, discardLogger())

	var got []string
	for p, err := range b.Stream(context.Background(), map[string]string{"model": "m"}) {
		require.NoError(t, err)
		got = append(got, p)
	}
	assert.Equal(t, []string{
		`{"type":"response.created"}`,
		`{"type":"response.completed","response":{"id":"r1"}}`,
	}, got)

	for _, err := range b.Stream(context.Background(), map[string]string{"model": "m"}) {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, api.csrfCalls.Load(), "csrf token is cached")
}

func TestBackendNilLogger(t *testing.T) {
	_, srv := newFakeAPI(t)
	b := services.NewBackend(srv.URL+"/api", "", "", nil, nil)

	tok, err := b.CSRFToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
}

func TestBackendStreamErrorDetail(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"detail", http.StatusBadRequest, `{"detail":"model not allowed"}`, "HTTP 400: model not allowed"},
		{"error message", http.StatusBadGateway, `{"error":{"message":"upstream down"}}`, "HTTP 502: upstream down"},
		{"plain text", http.StatusInternalServerError, `kaput`, "HTTP 500: kaput"},
		{"empty", http.StatusServiceUnavailable, ``, "HTTP 503: Service Unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, srv := newFakeAPI(t)
			api.mux.HandleFunc("POST /api/responses/stream", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			b := services.NewBackend(srv.URL+"/api", "", "internal", nil, discardLogger())

			var errs []error
			for _, err := range b.Stream(context.Background(), struct{}{}) {
				errs = append(errs, err)
			}
			require.Len(t, errs, 1)
			var se *stream.StatusError
			require.True(t, errors.As(errs[0], &se))
			assert.Equal(t, tt.status, se.StatusCode)
			assert.EqualError(t, errs[0], tt.want)
		})
	}
}

func TestBackendForbiddenClearsCSRF(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.mux.HandleFunc("POST /api/responses/stream", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	b := services.NewBackend(srv.URL+"/api", "", "internal", nil, discardLogger())

	for range 2 {
		for range b.Stream(context.Background(), struct{}{}) {
		}
	}
	assert.EqualValues(t, 2, api.csrfCalls.Load())
}

func TestBackendStreamCancelled(t *testing.T) {
	_, srv := newFakeAPI(t)
	b := services.NewBackend(srv.URL+"/api", "", "", nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range b.Stream(ctx, struct{}{}) {
		assert.ErrorIs(t, err, stream.ErrAborted)
	}
}

func TestBackendUploadFile(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.mux.HandleFunc("POST /api/files/", func(w http.ResponseWriter, r *http.Request) {
		requireAuth(t, r)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "assistants", r.FormValue("purpose"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		content, _ := io.ReadAll(f)
		assert.Equal(t, "notes.txt", hdr.Filename)
		assert.Equal(t, "hello", string(content))
		_, _ = io.WriteString(w, `{"id":"file-1"}`)
	})
	b := services.NewBackend(srv.URL+"/api", "", "internal", nil, discardLogger())

	got, err := b.UploadFile(context.Background(), "notes.txt", strings.NewReader("hello"), "assistants")
	require.NoError(t, err)
	assert.Equal(t, services.UploadedFile{ID: "file-1", Name: "notes.txt"}, got)
}

func TestBackendTranscribe(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.mux.HandleFunc("POST /api/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		requireAuth(t, r)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "json", r.FormValue("response_format"))
		assert.Equal(t, "whisper-1", r.FormValue("model_key"))
		assert.Equal(t, "0.4", r.FormValue("min_confidence"))
		assert.Empty(t, r.FormValue("language"))
		_, _ = io.WriteString(w, `{"text":" spoken words ","confidence":0.87}`)
	})
	b := services.NewBackend(srv.URL+"/api", "", "internal", nil, discardLogger())

	floor := 0.4
	got, err := b.Transcribe(context.Background(), "clip.wav", strings.NewReader("RIFF"),
		services.TranscriptionOptions{Model: "whisper-1", MinConfidence: &floor})
	require.NoError(t, err)
	assert.Equal(t, "spoken words", got.Text)
	require.NotNil(t, got.Confidence)
	assert.InDelta(t, 0.87, *got.Confidence, 1e-9)
}

func TestBackendAIConfig(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.mux.HandleFunc("GET /api/ai/config", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "internal", r.Header.Get("X-API-KEY"))
		assert.Empty(t, r.Header.Get("X-CSRF-Token"))
		_, _ = io.WriteString(w, `{"models":["a","b"],"tools":["web_search"],"default_model":"a","default_tools":[]}`)
	})
	b := services.NewBackend(srv.URL+"/api", "", "internal", nil, discardLogger())

	cfg, err := b.AIConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, cfg.Models)
	assert.Equal(t, "a", cfg.DefaultModel)
	assert.Zero(t, api.csrfCalls.Load())
}
