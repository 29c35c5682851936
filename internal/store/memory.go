package store

import (
	"context"
	"database/sql"
	"fmt"

	"chatbot-service/internal/memory"
)

// LoadState returns the stored conversation state for userKey. A missing row
// or a NULL blob signals a new user and yields a fresh empty state; only a
// blob that exists but will not decode is an error.
func (s *SQLiteStore) LoadState(ctx context.Context, userKey string) (*memory.ConversationState, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT memory FROM users WHERE user_key = ?", userKey).Scan(&blob)
	if err == sql.ErrNoRows {
		return memory.NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query state for user %q: %w", userKey, err)
	}
	if len(blob) == 0 {
		return memory.NewState(), nil
	}

	state, err := memory.Unmarshal(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decode state for user %q: %w", userKey, err)
	}
	return state, nil
}

// SaveState serializes state and upserts it into the user's record,
// overwriting any prior blob. Correctness of the read-modify-write cycle is
// the lock manager's responsibility, so no version check happens here.
func (s *SQLiteStore) SaveState(ctx context.Context, userKey string, state *memory.ConversationState) error {
	blob, err := memory.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state for user %q: %w", userKey, err)
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO users (user_key, memory) VALUES (?, ?)
        ON CONFLICT(user_key) DO UPDATE SET memory = excluded.memory`,
		userKey, blob)
	if err != nil {
		return fmt.Errorf("failed to upsert state for user %q: %w", userKey, err)
	}
	return nil
}
