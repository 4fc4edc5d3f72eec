package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/notebook-chat/internal/models"
	"github.com/google/uuid"
)

// Store persists conversation snapshots.
type Store interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
	Conversation(ctx context.Context, id string) (models.Conversation, bool, error)
	SaveConversation(ctx context.Context, conv models.Conversation) error
	DeleteConversation(ctx context.Context, id string) error
}

// Registry owns the live conversations of the application. It is constructed once at start-up and
// handed to whatever needs a conversation, which then always sees the same instance for an id.
type Registry struct {
	streamer Streamer
	store    Store
	settings Settings
	logger   *slog.Logger

	mu    sync.Mutex
	convs map[string]*Conversation
}

// NewRegistry validates settings and returns an empty registry. store may be nil, in which case
// conversations live in memory only.
func NewRegistry(streamer Streamer, store Store, settings Settings, logger *slog.Logger) (*Registry, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("error validating chat settings: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		streamer: streamer,
		store:    store,
		settings: settings,
		logger:   logger.With(slog.String("module", "chat")),
		convs:    make(map[string]*Conversation),
	}, nil
}

// New starts a fresh conversation.
func (r *Registry) New() *Conversation {
	return r.add(models.Conversation{ID: uuid.New().String()})
}

// Get returns the conversation with id, loading it from the store on first use. An id the store
// does not know starts an empty conversation under that id.
func (r *Registry) Get(ctx context.Context, id string) (*Conversation, error) {
	r.mu.Lock()
	c, ok := r.convs[id]
	r.mu.Unlock()
	if ok {
		return c, nil
	}

	snap := models.Conversation{ID: id}
	if r.store != nil {
		stored, found, err := r.store.Conversation(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("error loading conversation %s: %w", id, err)
		}
		if found {
			snap = stored
		}
	}
	return r.add(snap), nil
}

func (r *Registry) add(snap models.Conversation) *Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.convs[snap.ID]; ok {
		return c
	}
	c := newConversation(snap, r.streamer, r.store, r.settings, r.logger)
	r.convs[snap.ID] = c
	return c
}

// List returns the stored conversations, or the live ones when there is no store.
func (r *Registry) List(ctx context.Context) ([]models.Conversation, error) {
	if r.store != nil {
		convs, err := r.store.Conversations(ctx)
		if err != nil {
			return nil, fmt.Errorf("error listing conversations: %w", err)
		}
		return convs, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Conversation, 0, len(r.convs))
	for _, c := range r.convs {
		out = append(out, c.Snapshot())
	}
	return out, nil
}

// Delete stops and forgets the conversation with id.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	c, ok := r.convs[id]
	delete(r.convs, id)
	r.mu.Unlock()

	if ok {
		c.Stop()
	}
	if r.store == nil {
		return nil
	}
	if err := r.store.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("error deleting conversation %s: %w", id, err)
	}
	return nil
}
