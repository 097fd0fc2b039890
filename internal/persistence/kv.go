package persistence

import (
	"context"
	"database/sql"
)

// KVSet upserts a key/value pair. It backs the router.KVStore and
// policy.KVStore interfaces so CircuitBreaker trip state, CloudTierState,
// and per-chat Policy overrides all persist through the same table.
func (s *Store) KVSet(key string, value []byte) error {
	ctx := context.Background()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
		`, key, value)
		return err
	})
}

// KVGet returns the stored value for key, or ok=false if unset.
func (s *Store) KVGet(key string) ([]byte, bool, error) {
	ctx := context.Background()
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?;`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}
