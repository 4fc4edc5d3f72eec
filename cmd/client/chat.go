package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/MegaGrindStone/notebook-chat/internal/chat"
	"github.com/MegaGrindStone/notebook-chat/internal/models"
)

func (a app) registry(ctx context.Context, store chat.Store) (*chat.Registry, error) {
	model := a.cfg.Model
	defaultTools := a.cfg.tools()
	if model == "" || len(defaultTools) == 0 {
		aiCfg, err := a.backend.AIConfig(ctx)
		if err != nil {
			return nil, err
		}
		if model == "" {
			model = aiCfg.DefaultModel
		}
		if len(defaultTools) == 0 {
			defaultTools = aiCfg.DefaultTools
		}
	}

	return chat.NewRegistry(a.backend, store, chat.Settings{
		Model:        model,
		SystemPrompt: a.cfg.SystemPrompt,
		DefaultTools: defaultTools,
	}, a.logger)
}

func (a app) list(ctx context.Context) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	convs, err := store.Conversations(ctx)
	if err != nil {
		return err
	}
	for _, c := range convs {
		fmt.Printf("%s  %-60s  %d messages\n", c.ID, c.Title, len(c.Messages))
	}
	return nil
}

type turnResult struct {
	msg models.Message
	err error
}

func (a app) chat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	id := fs.String("c", "", "conversation id to continue")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := a.registry(ctx, store)
	if err != nil {
		return err
	}

	var conv *chat.Conversation
	if *id == "" {
		conv = reg.New()
	} else {
		if conv, err = reg.Get(ctx, *id); err != nil {
			return err
		}
		for _, m := range conv.Snapshot().Messages {
			fmt.Printf("%s> %s\n", m.Role, m.Text)
		}
	}
	fmt.Printf("conversation %s\n", conv.ID())

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	var (
		pending []models.FileRef
		turn    chan turnResult
	)
	for {
		if turn == nil {
			fmt.Print("> ")
		}
		select {
		case <-ctx.Done():
			conv.Stop()
			return nil

		case <-interrupts:
			if turn == nil {
				fmt.Println()
				return nil
			}
			conv.Stop()

		case res := <-turn:
			turn = nil
			fmt.Println()
			switch {
			case res.err != nil && errors.Is(res.err, chat.ErrResponseFailed):
				fmt.Printf("[failed] %s\n", res.msg.Text)
			case res.err != nil:
				fmt.Printf("[error] %v\n", res.err)
			case res.msg.Meta.UI != nil && res.msg.Meta.UI.StatusKey == chat.StatusTerminated:
				fmt.Println("[stopped]")
			}
			for _, c := range res.msg.Meta.Citations {
				fmt.Printf("  [source] %s\n", c.Filename)
			}

		case line, ok := <-lines:
			if !ok {
				conv.Stop()
				return nil
			}
			line = strings.TrimSpace(line)
			cmd, rest, _ := strings.Cut(line, " ")
			switch cmd {
			case "":
				continue
			case "/quit":
				conv.Stop()
				return nil
			case "/stop":
				conv.Stop()
				continue
			case "/clear":
				conv.Clear(ctx)
				pending = nil
				fmt.Println("[cleared]")
				continue
			case "/attach":
				ref, err := a.attach(ctx, strings.TrimSpace(rest))
				if err != nil {
					fmt.Printf("[error] %v\n", err)
					continue
				}
				pending = append(pending, ref)
				fmt.Printf("[attached] %s\n", ref.Name)
				continue
			}
			if turn != nil {
				fmt.Println("[busy] use /stop first")
				continue
			}

			in := chat.Input{
				Text:    line,
				Files:   pending,
				OnDelta: func(delta string) { fmt.Print(delta) },
			}
			pending = nil
			turn = make(chan turnResult, 1)
			go func(out chan<- turnResult) {
				msg, err := conv.Send(ctx, in)
				out <- turnResult{msg: msg, err: err}
			}(turn)
		}
	}
}

func (a app) attach(ctx context.Context, path string) (models.FileRef, error) {
	if path == "" {
		return models.FileRef{}, fmt.Errorf("usage: /attach <path>")
	}
	f, err := os.Open(path)
	if err != nil {
		return models.FileRef{}, fmt.Errorf("error opening file: %w", err)
	}
	defer f.Close()

	up, err := a.backend.UploadFile(ctx, filepath.Base(path), f, "assistants")
	if err != nil {
		return models.FileRef{}, err
	}
	ref := models.FileRef{Name: up.Name, Text: up.Text, Truncated: up.Truncated}
	// Extracted text is inlined, so the stored object is only referenced when there is none.
	if up.Text == "" {
		ref.FileID = up.ID
	}
	return ref, nil
}
