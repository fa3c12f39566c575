package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx so the table stores can
// run auto-commit or inside a transaction without knowing which.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store over a pgx connection pool.
type Postgres struct {
	pgStores
	pool *pgxpool.Pool
}

// NewPostgres constructs the Postgres store. lockTTL is the staleness
// threshold beyond which existing locks are purged before acquisition.
func NewPostgres(pool *pgxpool.Pool, lockTTL time.Duration) *Postgres {
	return &Postgres{
		pgStores: pgStores{db: pool, pool: pool, lockTTL: lockTTL},
		pool:     pool,
	}
}

// WithinTx runs fn inside a transaction. Lock operations keep running
// auto-commit on the pool even for the transaction-bound Stores.
func (p *Postgres) WithinTx(ctx context.Context, fn func(Stores) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(&pgStores{db: tx, pool: p.pool, lockTTL: p.lockTTL}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgStores struct {
	db      DBTX
	pool    *pgxpool.Pool
	lockTTL time.Duration
}

func (s *pgStores) SharingGroups() SharingGroupStore   { return &pgSharingGroups{db: s.db} }
func (s *pgStores) MasterVersions() MasterVersionStore { return &pgMasterVersions{db: s.db} }
func (s *pgStores) Locks() LockStore                   { return &pgLocks{db: s.pool, ttl: s.lockTTL} }
func (s *pgStores) FileIndex() FileIndexStore          { return &pgFileIndex{db: s.db} }
func (s *pgStores) Uploads() UploadStore               { return &pgUploads{db: s.db} }
func (s *pgStores) DeferredUploads() DeferredUploadStore {
	return &pgDeferredUploads{db: s.db}
}
