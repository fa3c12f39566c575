package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type pgLocks struct {
	db  DBTX
	ttl time.Duration
}

// Acquire purges stale locks for the scope, then claims it with a plain
// INSERT. The primary key on scope_key makes the claim atomic: of two racing
// devices exactly one insert succeeds, the other sees a unique violation and
// gets ErrLockHeld. Callers never wait for a fresh lock.
func (r *pgLocks) Acquire(ctx context.Context, scopeKey, holderUUID string) error {
	cutoff := time.Now().UTC().Add(-r.ttl)
	if _, err := r.db.Exec(ctx, `
		DELETE FROM locks WHERE scope_key=$1 AND created_at < $2
	`, scopeKey, cutoff); err != nil {
		return fmt.Errorf("purge stale locks: %w", err)
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO locks (scope_key, holder_uuid, created_at) VALUES ($1,$2,$3)
	`, scopeKey, holderUUID, time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrLockHeld
		}
		return fmt.Errorf("insert lock: %w", err)
	}
	return nil
}

// Release removes the lock for the scope key. Releasing an absent lock is
// not an error; the row may have been purged as stale.
func (r *pgLocks) Release(ctx context.Context, scopeKey string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM locks WHERE scope_key=$1`, scopeKey); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}
