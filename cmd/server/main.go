// Command server runs the development backend: the streaming responses, transcription and realtime
// endpoints in front of a configured LLM provider.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MegaGrindStone/notebook-chat/internal/handlers"
	gorillahandlers "github.com/gorilla/handlers"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, env, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load config", slog.String("err", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(env.LogLevel)}))
	slog.SetDefault(logger)

	llm, err := cfg.LLM.llm(logger)
	if err != nil {
		logger.Error("Failed to create llm", slog.String("err", err.Error()))
		os.Exit(1)
	}

	m := handlers.NewMain(llm, cfg.Transcriber.transcriber(logger), cfg.handlersConfig(), logger)

	handler := gorillahandlers.RecoveryHandler(gorillahandlers.PrintRecoveryStack(true))(
		gorillahandlers.CORS(
			gorillahandlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			gorillahandlers.AllowedHeaders([]string{"Content-Type", "X-API-KEY", "X-CSRF-Token"}),
			gorillahandlers.AllowCredentials(),
		)(m.Router()),
	)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Hijacked realtime connections are not tracked by the server, so Main ends them along with open streams.
	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Warn("Failed to close open streams", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr),
			slog.Bool("transcription", cfg.Transcriber != nil))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", slog.String("err", err.Error()))
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
