// Command client drives chat turns and realtime transcription against the notebook backend from a
// terminal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/MegaGrindStone/notebook-chat/internal/services"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// config is read from NOTEBOOK_* environment variables, after loading .env if present.
type config struct {
	BaseURL      string `envconfig:"BASE_URL" default:"http://localhost:8000/api"`
	StreamPath   string `envconfig:"STREAM_PATH"`
	Token        string `envconfig:"TOKEN"`
	Model        string `envconfig:"MODEL"`
	SystemPrompt string `envconfig:"SYSTEM_PROMPT"`
	Tools        string `envconfig:"TOOLS"`
	DBPath       string `envconfig:"DB_PATH"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"warn"`

	TranscribeModel string  `envconfig:"TRANSCRIBE_MODEL"`
	Language        string  `envconfig:"LANGUAGE"`
	MinConfidence   float64 `envconfig:"MIN_CONFIDENCE" default:"0.35"`
}

func (c config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.BaseURL, validation.Required),
		validation.Field(&c.MinConfidence, validation.Min(0.0), validation.Max(1.0)),
	)
}

func (c config) tools() []string {
	var out []string
	for _, t := range strings.Split(c.Tools, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (c config) dbPath() (string, error) {
	if c.DBPath != "" {
		return c.DBPath, nil
	}
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	dir := filepath.Join(cfgDir, "notebook-chat")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating config directory: %w", err)
	}
	return filepath.Join(dir, "client.db"), nil
}

type app struct {
	cfg     config
	backend *services.Backend
	logger  *slog.Logger
}

const usage = `usage: client <command> [flags]

commands:
  chat [-c id]          interactive chat; /stop, /clear, /attach <path>, /quit
  list                  list stored conversations
  transcribe [flags]    stream raw audio through the realtime transcription session
  transcribe-file path  transcribe one recorded audio file
`

func main() {
	_ = godotenv.Load()

	var cfg config
	if err := envconfig.Process("NOTEBOOK", &cfg); err != nil {
		fmt.Fprintln(os.Stderr, "Error reading configuration from environment:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "Invalid configuration:", err)
		os.Exit(1)
	}

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	a := app{
		cfg:     cfg,
		backend: services.NewBackend(cfg.BaseURL, cfg.StreamPath, cfg.Token, nil, logger),
		logger:  logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "chat":
		err = a.chat(ctx, args)
	case "list":
		err = a.list(ctx)
	case "transcribe":
		err = a.transcribe(ctx, args)
	case "transcribe-file":
		err = a.transcribeFile(ctx, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("Command failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func (a app) openStore() (services.BoltDB, error) {
	path, err := a.cfg.dbPath()
	if err != nil {
		return services.BoltDB{}, err
	}
	return services.NewBoltDB(path)
}

func logLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelWarn
	}
	return l
}
