package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/notebook-chat/internal/models"
	"github.com/MegaGrindStone/notebook-chat/internal/services"
	"github.com/MegaGrindStone/notebook-chat/internal/transcribe"
)

func (a app) transcribe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("transcribe", flag.ExitOnError)
	input := fs.String("input", "-", "raw mono audio file, or - for stdin")
	rate := fs.Int("rate", 48000, "sample rate of the input")
	format := fs.String("format", "f32", "sample format of the input: f32 or s16")
	realtime := fs.Bool("realtime", false, "pace file input at its own duration, like a microphone")
	persist := fs.Bool("persist", true, "keep the transcript in the local store across runs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sampleFormat := transcribe.FormatFloat32
	switch strings.ToLower(*format) {
	case "f32", "float32":
	case "s16", "pcm16":
		sampleFormat = transcribe.FormatPCM16
	default:
		return fmt.Errorf("unknown sample format %q", *format)
	}

	acquire := func(context.Context) (transcribe.AudioSource, error) {
		var r io.Reader = os.Stdin
		if *input != "-" {
			f, err := os.Open(*input)
			if err != nil {
				return nil, fmt.Errorf("error opening audio input: %w", err)
			}
			r = f
		}
		src, err := transcribe.NewReaderSource(r, *rate, sampleFormat)
		if err != nil {
			return nil, err
		}
		src.Realtime = *realtime || *input == "-"
		return src, nil
	}

	opts := transcribe.Options{
		Endpoint: strings.TrimRight(a.cfg.BaseURL, "/") + "/audio/realtime",
		Params: transcribe.Params{
			Model:           a.cfg.TranscribeModel,
			Language:        a.cfg.Language,
			IncludeLogprobs: true,
			MinConfidence:   &a.cfg.MinConfidence,
			Token:           a.cfg.Token,
		},
		MinConfidence: a.cfg.MinConfidence,
	}
	if a.cfg.Token != "" {
		opts.Header = http.Header{"X-API-KEY": []string{a.cfg.Token}}
	}
	if *persist {
		store, err := a.openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		opts.Store = store
	}

	hooks := transcribe.Hooks{
		OnReady:    func(id string) { fmt.Fprintf(os.Stderr, "[connected %s]\n", id) },
		OnLiveText: func(text string) { fmt.Fprintf(os.Stderr, "\r\033[K%s", text) },
		OnSegment: func(seg models.TranscriptSegment) {
			fmt.Fprint(os.Stderr, "\r\033[K")
			fmt.Println(formatSegment(seg))
		},
		OnWarning: func(msg string) { fmt.Fprintf(os.Stderr, "\r\033[K[warning] %s\n", msg) },
		OnError:   func(err error) { fmt.Fprintf(os.Stderr, "\r\033[K[error] %v\n", err) },
	}

	sess, err := transcribe.NewSession(acquire, opts, hooks, a.logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Start(ctx); err != nil {
		return err
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	select {
	case <-sess.AudioDone():
	case <-interrupts:
	case <-ctx.Done():
		sess.Cancel()
		return nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.Stop(stopCtx); err != nil && !errors.Is(err, transcribe.ErrNotRecording) {
		return err
	}

	snap := sess.Snapshot()
	fmt.Fprintf(os.Stderr, "[%d segments, %s recorded]\n", len(snap.Segments), snap.Duration.Round(time.Second))
	return nil
}

func formatSegment(seg models.TranscriptSegment) string {
	if seg.Confidence == nil {
		return fmt.Sprintf("[%s] %s", seg.Timestamp, seg.Text)
	}
	return fmt.Sprintf("[%s] %s (%.2f)", seg.Timestamp, seg.Text, *seg.Confidence)
}

func (a app) transcribeFile(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("transcribe-file", flag.ExitOnError)
	prompt := fs.String("prompt", "", "text to guide the transcription")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: client transcribe-file [-prompt text] path")
	}

	path := fs.Arg(0)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening audio file: %w", err)
	}
	defer f.Close()

	interrupted, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	res, err := a.backend.Transcribe(interrupted, filepath.Base(path), f, services.TranscriptionOptions{
		Model:         a.cfg.TranscribeModel,
		Language:      a.cfg.Language,
		Prompt:        *prompt,
		MinConfidence: &a.cfg.MinConfidence,
	})
	if err != nil {
		return err
	}
	if res.Text == "" {
		fmt.Fprintln(os.Stderr, "[no speech above the confidence floor]")
		return nil
	}
	fmt.Println(formatSegment(models.TranscriptSegment{Timestamp: models.FormatTimestamp(0), Text: res.Text,
		Confidence: res.Confidence}))
	return nil
}
