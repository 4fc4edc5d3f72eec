package handlers

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MegaGrindStone/notebook-chat/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// LLM represents a large language model interface that provides chat functionality. It accepts a context
// and a sequence of messages, returning an iterator that yields response chunks and potential errors.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// Transcriber turns a complete audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, req models.TranscriptionRequest) (models.TranscriptionResult, error)
}

// Config is what the development backend advertises and enforces.
type Config struct {
	// Token is the internal token callers must present. Empty disables the check.
	Token string

	Models       []string
	Tools        []string
	DefaultModel string
	DefaultTools []string

	// KeepAlive is the interval of SSE keepalive comments while the upstream is silent.
	KeepAlive time.Duration
	// MaxHistories bounds the number of response ids kept for previous_response_id chaining.
	MaxHistories int
}

const (
	errLoggerKey = "err"

	defaultKeepAlive    = 15 * time.Second
	defaultMaxHistories = 256
)

// Main is the development backend. It speaks the streaming responses, transcription and realtime
// protocols on top of an upstream LLM and an optional transcriber.
type Main struct {
	llm         LLM
	transcriber Transcriber
	cfg         Config
	csrf        string

	upgrader websocket.Upgrader

	// ctx is cancelled by Shutdown to end every open stream.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	histories map[string][]models.Message
	order     []string

	logger *slog.Logger
}

// NewMain creates the backend. transcriber may be nil, in which case the audio endpoints report that
// transcription is unavailable.
func NewMain(llm LLM, transcriber Transcriber, cfg Config, logger *slog.Logger) *Main {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.MaxHistories <= 0 {
		cfg.MaxHistories = defaultMaxHistories
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Main{
		llm:         llm,
		transcriber: transcriber,
		cfg:         cfg,
		csrf:        uuid.New().String(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:       ctx,
		cancel:    cancel,
		histories: make(map[string][]models.Message),
		logger:    logger.With(slog.String("module", "handlers")),
	}
}

// Router mounts every endpoint under /api.
func (m *Main) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Use(m.requireToken)

	api.Path("/auth/csrf").Methods(http.MethodGet).HandlerFunc(m.HandleCSRF)
	api.Path("/ai/config").Methods(http.MethodGet).HandlerFunc(m.HandleAIConfig)
	api.Path("/audio/realtime").Methods(http.MethodGet).HandlerFunc(m.HandleRealtime)

	api.Path("/responses/stream").Methods(http.MethodPost).Handler(m.requireCSRF(http.HandlerFunc(m.HandleResponses)))
	api.Path("/audio/transcriptions").Methods(http.MethodPost).
		Handler(m.requireCSRF(http.HandlerFunc(m.HandleTranscription)))
	api.Path("/files/").Methods(http.MethodPost).Handler(m.requireCSRF(http.HandlerFunc(m.HandleFileUpload)))

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeDetail(w, http.StatusNotFound, "not found")
	})
	return r
}

// Shutdown ends every open stream and realtime session and waits for them to return, up to ctx.
func (m *Main) Shutdown(ctx context.Context) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track derives a context for one long-lived request that also ends on Shutdown.
func (m *Main) track(ctx context.Context) (context.Context, func()) {
	m.wg.Add(1)
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
		m.wg.Done()
	}
}

// HandleCSRF returns the token mutating calls must echo in X-CSRF-Token.
func (m *Main) HandleCSRF(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": m.csrf})
}

// HandleAIConfig lists the model and tool options.
func (m *Main) HandleAIConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":        nonNil(m.cfg.Models),
		"tools":         nonNil(m.cfg.Tools),
		"default_model": m.cfg.DefaultModel,
		"default_tools": nonNil(m.cfg.DefaultTools),
	})
}

func (m *Main) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.Token != "" {
			token := r.Header.Get("X-API-KEY")
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token != m.cfg.Token {
				m.logger.Warn("Rejected request without internal token", slog.String("path", r.URL.Path))
				writeDetail(w, http.StatusUnauthorized, "invalid internal token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Main) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-CSRF-Token") != m.csrf {
			writeDetail(w, http.StatusForbidden, "CSRF token missing or invalid")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
