package services

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/MegaGrindStone/notebook-chat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB persists conversations and transcripts in a single bbolt file. Conversations are stored as
// whole snapshots keyed by id; transcripts as segment lists keyed by a storage key.
type BoltDB struct {
	db *bolt.DB
}

var (
	conversationsBucket = []byte("conversations")
	transcriptsBucket   = []byte("transcripts")
)

// NewBoltDB opens the database at path and creates the required buckets. The file is created with
// 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{conversationsBucket, transcriptsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// Conversations returns every stored conversation, most recently active first.
func (b BoltDB) Conversations(context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			convs = append(convs, conv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(convs, func(a, b models.Conversation) int {
		return cmp.Compare(lastActivity(b), lastActivity(a))
	})
	return convs, nil
}

func lastActivity(c models.Conversation) int64 {
	if len(c.Messages) == 0 {
		return 0
	}
	return c.Messages[len(c.Messages)-1].Timestamp.UnixNano()
}

// Conversation returns the conversation with id. ok is false when it was never saved.
func (b BoltDB) Conversation(_ context.Context, id string) (models.Conversation, bool, error) {
	var (
		conv  models.Conversation
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		if err := json.Unmarshal(v, &conv); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		return nil
	})
	return conv, found, err
}

// SaveConversation stores conv, replacing any previous snapshot with the same id.
func (b BoltDB) SaveConversation(_ context.Context, conv models.Conversation) error {
	v, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Put([]byte(conv.ID), v)
	})
}

// DeleteConversation removes the conversation with id. Unknown ids are ignored.
func (b BoltDB) DeleteConversation(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Delete([]byte(id))
	})
}

// Segments returns the transcript stored under key, or nil.
func (b BoltDB) Segments(_ context.Context, key string) ([]models.TranscriptSegment, error) {
	var segs []models.TranscriptSegment
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(transcriptsBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &segs); err != nil {
			return fmt.Errorf("failed to unmarshal transcript: %w", err)
		}
		return nil
	})
	return segs, err
}

// SaveSegments replaces the transcript stored under key. An empty list deletes it.
func (b BoltDB) SaveSegments(_ context.Context, key string, segs []models.TranscriptSegment) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(transcriptsBucket)
		if len(segs) == 0 {
			return bucket.Delete([]byte(key))
		}
		v, err := json.Marshal(segs)
		if err != nil {
			return fmt.Errorf("failed to marshal transcript: %w", err)
		}
		return bucket.Put([]byte(key), v)
	})
}
