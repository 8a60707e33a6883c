package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Entries is the byte provider for one namespace. It does not own the
// database; closing it is a no-op.
type Entries struct {
	store     *Store
	namespace string
	ttl       time.Duration
	now       func() time.Time
}

// Namespace returns the provider for namespace. A positive ttl makes entries
// invisible that long after they were written; Prune removes them.
func (s *Store) Namespace(namespace string, ttl time.Duration) *Entries {
	return &Entries{store: s, namespace: namespace, ttl: ttl, now: time.Now}
}

// Get returns the stored value for key unless it has expired.
func (e *Entries) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := e.store.read.QueryRowContext(ctx,
		`SELECT value FROM cache_entries
		 WHERE namespace = ? AND key = ? AND (expires_at = 0 OR expires_at > ?)`,
		e.namespace, key, e.now().Unix(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value.
func (e *Entries) Set(ctx context.Context, key string, value []byte) error {
	now := e.now()
	var expiresAt int64
	if e.ttl > 0 {
		expiresAt = now.Add(e.ttl).Unix()
	}
	_, err := e.store.write.ExecContext(ctx,
		`INSERT INTO cache_entries (namespace, key, value, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET
		   value = excluded.value,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		e.namespace, key, value, expiresAt, now.Unix(),
	)
	return err
}

// Close implements the provider contract. The database stays open.
func (e *Entries) Close() error { return nil }

// Prune deletes expired entries in every namespace and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at > 0 AND expires_at <= ?`,
		time.Now().Unix(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count returns the number of stored entries in namespace, expired or not.
func (s *Store) Count(ctx context.Context, namespace string) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE namespace = ?`, namespace,
	).Scan(&n)
	return n, err
}
