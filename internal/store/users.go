package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateUser registers an account record for userKey. Creating an existing
// user is a no-op.
func (s *SQLiteStore) CreateUser(ctx context.Context, userKey string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO users (user_key) VALUES (?)", userKey)
	if err != nil {
		return fmt.Errorf("failed to insert user %q: %w", userKey, err)
	}
	return nil
}

func (s *SQLiteStore) UserExists(ctx context.Context, userKey string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM users WHERE user_key = ?", userKey).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query user %q: %w", userKey, err)
	}
	return true, nil
}

// DeleteUser removes the account record and, with it, the embedded
// conversation state. Deleting an absent user is a no-op.
func (s *SQLiteStore) DeleteUser(ctx context.Context, userKey string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM users WHERE user_key = ?", userKey)
	if err != nil {
		return fmt.Errorf("failed to delete user %q: %w", userKey, err)
	}
	return nil
}
