package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// AcquireLock attempts to claim the lock row for userKey. The insert against
// the primary key is the atomic check-and-create: a constraint violation
// means another session already holds the lock, reported as (false, nil).
// Any other failure means the store state is unknown to the caller.
func (s *SQLiteStore) AcquireLock(ctx context.Context, userKey string) (bool, error) {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO locks (user_key, holder) VALUES (?, ?)",
		userKey, uuid.NewString())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return false, nil // contended
		}
		return false, fmt.Errorf("failed to insert lock for user %q: %w", userKey, err)
	}
	return true, nil
}

// ReleaseLock deletes the lock row for userKey. Releasing an absent lock is
// a no-op, so release can always be attempted unconditionally.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, userKey string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM locks WHERE user_key = ?", userKey)
	if err != nil {
		return fmt.Errorf("failed to delete lock for user %q: %w", userKey, err)
	}
	return nil
}

// LockHeld reports whether a lock row currently exists for userKey.
func (s *SQLiteStore) LockHeld(ctx context.Context, userKey string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM locks WHERE user_key = ?", userKey).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query lock for user %q: %w", userKey, err)
	}
	return true, nil
}
