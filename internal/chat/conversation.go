// Package chat drives chat turns against a streaming responses backend: it assembles the request,
// interprets the decoded event stream into the assistant message, and keeps per-conversation history
// and continuation state.
package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MegaGrindStone/notebook-chat/internal/jsonwalk"
	"github.com/MegaGrindStone/notebook-chat/internal/models"
	"github.com/MegaGrindStone/notebook-chat/internal/stream"
	"github.com/google/uuid"
)

// Streamer posts a request body to the streaming endpoint and yields the decoded payloads in order.
// Cancelling ctx must end the sequence with an error wrapping stream.ErrAborted.
type Streamer interface {
	Stream(ctx context.Context, body any) iter.Seq2[string, error]
}

// ErrResponseFailed is returned by Send when the backend ended the turn with a failure event.
var ErrResponseFailed = errors.New("response failed")

const (
	titleMaxRunes = 60
	errLoggerKey  = "err"
)

// Conversation is one chat scope. Starting a turn cancels any turn still in flight, and a superseded
// turn never touches the conversation again.
type Conversation struct {
	id       string
	streamer Streamer
	store    Store
	settings Settings
	logger   *slog.Logger

	mu             sync.Mutex
	title          string
	messages       []models.Message
	lastResponseID string
	preferredTools []string

	generation uint64
	cancel     context.CancelFunc
	active     *Turn
	activeIdx  int
}

func newConversation(snapshot models.Conversation, streamer Streamer, store Store, settings Settings,
	logger *slog.Logger,
) *Conversation {
	msgs := make([]models.Message, len(snapshot.Messages))
	for i, m := range snapshot.Messages {
		msgs[i] = m.Clone()
		// A turn that was streaming when the snapshot was taken can never resume.
		if !msgs[i].Finished() {
			NewTurn(&msgs[i], settings.FailureText, logger).Stop(&msgs[i])
		}
	}
	return &Conversation{
		id:             snapshot.ID,
		streamer:       streamer,
		store:          store,
		settings:       settings,
		logger:         logger.With(slog.String("conversation", snapshot.ID)),
		title:          snapshot.Title,
		messages:       msgs,
		lastResponseID: snapshot.LastCompletedResponseID,
		preferredTools: snapshot.PreferredTools,
	}
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// Snapshot returns a deep copy of the conversation state.
func (c *Conversation) Snapshot() models.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Conversation) snapshotLocked() models.Conversation {
	msgs := make([]models.Message, len(c.messages))
	for i, m := range c.messages {
		msgs[i] = m.Clone()
	}
	return models.Conversation{
		ID:                      c.id,
		Title:                   c.title,
		Messages:                msgs,
		LastCompletedResponseID: c.lastResponseID,
		PreferredTools:          slices.Clone(c.preferredTools),
	}
}

// InFlight reports whether a turn is streaming.
func (c *Conversation) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Send runs one turn and blocks until it reaches its terminal phase. It returns the final assistant
// message. Empty input is a no-op that returns a zero message. A turn stopped by Stop, Clear, a newer
// Send or ctx returns a nil error; transport failures and failure events return an error, with the
// assistant message already marked errored.
func (c *Conversation) Send(ctx context.Context, in Input) (models.Message, error) {
	if in.empty() {
		return models.Message{}, nil
	}

	c.mu.Lock()
	c.supersedeLocked()
	c.generation++
	gen := c.generation

	tools := EffectiveTools(in.Tools, c.preferredTools, c.settings.DefaultTools)
	if len(compactTools(in.Tools)) > 0 {
		c.preferredTools = tools
	}
	req := BuildRequest(c.settings, in, tools, c.lastResponseID)

	user := models.Message{
		ID:          uuid.New().String(),
		Role:        models.RoleUser,
		Text:        strings.TrimSpace(in.Text),
		Images:      slices.Clone(in.Images),
		Attachments: slices.Clone(in.Files),
		Timestamp:   time.Now(),
	}
	if c.title == "" {
		c.title = titleFrom(user.Text)
	}
	placeholder := NewPlaceholder(uuid.New().String())
	placeholder.Timestamp = time.Now()
	c.messages = append(c.messages, user, placeholder)
	c.activeIdx = len(c.messages) - 1
	t := NewTurn(&c.messages[c.activeIdx], c.settings.FailureText, c.logger)
	c.active = t

	turnCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	c.persist(ctx)

	var streamErr error
	for payload, err := range c.streamer.Stream(turnCtx, req) {
		if err != nil {
			streamErr = err
			break
		}
		evt, ok := jsonwalk.Parse(payload)
		if !ok {
			c.logger.Debug("Skipping malformed payload", slog.String("payload", payload))
			continue
		}

		res, ok := c.apply(gen, t, func(m *models.Message) string { return t.Apply(m, evt) })
		if !ok {
			break
		}
		if res.delta != "" && in.OnDelta != nil {
			in.OnDelta(res.delta)
		}
		if in.OnUpdate != nil {
			in.OnUpdate(res.msg)
		}
		if res.done {
			break
		}
	}

	return c.finishTurn(ctx, gen, placeholder.ID, t, in, streamErr)
}

func (c *Conversation) finishTurn(ctx context.Context, gen uint64, id string, t *Turn, in Input,
	streamErr error,
) (models.Message, error) {
	c.mu.Lock()
	if c.generation != gen {
		// Stopped or superseded; whoever did it already finished the message.
		defer c.mu.Unlock()
		for _, m := range c.messages {
			if m.ID == id {
				return m.Clone(), nil
			}
		}
		return models.Message{}, nil
	}

	m := &c.messages[c.activeIdx]
	var err error
	switch {
	case t.Done():
	case streamErr == nil:
		t.End(m)
	case errors.Is(streamErr, stream.ErrAborted):
		t.Stop(m)
		c.lastResponseID = ""
	default:
		t.Fail(m, streamErr)
		c.logger.Error("Turn failed", slog.String(errLoggerKey, streamErr.Error()))
		err = fmt.Errorf("error streaming response: %w", streamErr)
	}
	if err == nil && m.Meta.Error {
		err = fmt.Errorf("%w: %s", ErrResponseFailed, t.Failure())
	}
	if id := t.ResponseID(); id != "" {
		c.lastResponseID = id
	}

	c.generation++
	c.cancel = nil
	c.active = nil
	final := m.Clone()
	c.mu.Unlock()

	if in.OnUpdate != nil {
		in.OnUpdate(final.Clone())
	}
	c.persist(ctx)
	return final, err
}

type applied struct {
	delta string
	msg   models.Message
	done  bool
}

// apply runs fn on the active assistant message unless the turn with generation gen was superseded.
// The result is read under the lock, since Stop and Clear finish t concurrently.
func (c *Conversation) apply(gen uint64, t *Turn, fn func(*models.Message) string) (applied, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return applied{}, false
	}
	m := &c.messages[c.activeIdx]
	delta := fn(m)
	return applied{delta: delta, msg: m.Clone(), done: t.Done()}, true
}

// Stop cancels the in-flight turn, if any. The assistant message is finished at once with a
// terminated status, keeping what already streamed, and the continuation token is dropped.
func (c *Conversation) Stop() {
	c.mu.Lock()
	stopped := c.supersedeLocked()
	c.lastResponseID = ""
	c.mu.Unlock()

	if stopped {
		c.persist(context.Background())
	}
}

// Clear stops any in-flight turn and drops the history and continuation token.
func (c *Conversation) Clear(ctx context.Context) {
	c.mu.Lock()
	c.supersedeLocked()
	c.messages = nil
	c.lastResponseID = ""
	c.title = ""
	c.mu.Unlock()

	c.persist(ctx)
}

// supersedeLocked ends the active turn as terminated and invalidates its generation.
func (c *Conversation) supersedeLocked() bool {
	if c.active == nil {
		return false
	}
	c.cancel()
	c.active.Stop(&c.messages[c.activeIdx])
	c.generation++
	c.cancel = nil
	c.active = nil
	return true
}

func (c *Conversation) persist(ctx context.Context) {
	if c.store == nil {
		return
	}
	snap := c.Snapshot()
	if err := c.store.SaveConversation(context.WithoutCancel(ctx), snap); err != nil {
		c.logger.Error("Error saving conversation", slog.String(errLoggerKey, err.Error()))
	}
}

func titleFrom(text string) string {
	if utf8.RuneCountInString(text) <= titleMaxRunes {
		return text
	}
	r := []rune(text)
	return string(r[:titleMaxRunes])
}
