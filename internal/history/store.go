// Package history stores conversation transcripts in Redis so the execution
// engine can replay recent turns to the model provider.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chatforge/backend/internal/runtime"
)

const (
	// maxStoredTurns caps the transcript length per conversation. The engine
	// only ever replays the most recent turns, so older ones are dropped.
	maxStoredTurns = 50

	conversationTTL = 24 * time.Hour
)

// Store is a Redis-backed conversation transcript store. It also tracks which
// conversations are under human assistance.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a Store on top of an existing Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func transcriptKey(tenantID, conversationID string) string {
	return fmt.Sprintf("conversation:%s:%s:transcript", tenantID, conversationID)
}

func assistedKey(tenantID, conversationID string) string {
	return fmt.Sprintf("conversation:%s:%s:assisted", tenantID, conversationID)
}

// Append adds turns to the transcript, trimming to the newest maxStoredTurns.
func (s *Store) Append(ctx context.Context, tenantID, conversationID string, turns ...runtime.Message) error {
	if len(turns) == 0 {
		return nil
	}
	key := transcriptKey(tenantID, conversationID)
	values := make([]any, 0, len(turns))
	for _, turn := range turns {
		raw, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		values = append(values, raw)
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.LTrim(ctx, key, -maxStoredTurns, -1)
	pipe.Expire(ctx, key, conversationTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Recent returns up to limit of the newest transcript turns, oldest first.
func (s *Store) Recent(ctx context.Context, tenantID, conversationID string, limit int) ([]runtime.Message, error) {
	raw, err := s.rdb.LRange(ctx, transcriptKey(tenantID, conversationID), int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}
	turns := make([]runtime.Message, 0, len(raw))
	for _, item := range raw {
		var turn runtime.Message
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// SetAssisted marks or clears human assistance for a conversation.
func (s *Store) SetAssisted(ctx context.Context, tenantID, conversationID string, assisted bool) error {
	key := assistedKey(tenantID, conversationID)
	if !assisted {
		return s.rdb.Del(ctx, key).Err()
	}
	return s.rdb.Set(ctx, key, "1", conversationTTL).Err()
}

// IsConversationAssisted reports whether a human operator has taken over the
// conversation.
func (s *Store) IsConversationAssisted(ctx context.Context, tenantID, conversationID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, assistedKey(tenantID, conversationID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
