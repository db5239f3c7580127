package adapter

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/sddion/chainbox/pkg/capability"
	"github.com/sddion/chainbox/pkg/contracts"
)

// identityTokenSetting is the per-transaction session setting carrying the
// caller's raw bearer token. Stores with row-level security read it via
// current_setting('chainbox.identity_token', true).
const identityTokenSetting = "chainbox.identity_token"

// Postgres is the identity-aware database adapter. Every handle obtained
// through the Context carries the caller's token so row-level authorization
// holds in the store.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a Postgres pool.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// NewPostgresWithDB wraps an existing pool (used in tests).
func NewPostgresWithDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// ForIdentity returns a query handle scoped to the caller. A nil identity
// yields an unscoped handle for service-principal use.
func (p *Postgres) ForIdentity(id *contracts.Identity) *ScopedDB {
	token := ""
	if id != nil {
		token = id.Token
	}
	return &ScopedDB{db: p.db, token: token}
}

// Close releases the pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// ScopedDB runs every statement inside a transaction that first pins the
// caller's token into the session, keeping row-level security decisions
// bound to the invocation identity.
type ScopedDB struct {
	db    *sql.DB
	token string
}

func (s *ScopedDB) scope(ctx context.Context, tx *sql.Tx) error {
	if s.token == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, "SELECT set_config($1, $2, true)", identityTokenSetting, s.token)
	if err != nil {
		return fmt.Errorf("adapter: scope identity: %w", err)
	}
	return nil
}

// QueryContext runs a scoped query. The returned cursor holds the scoping
// transaction open; Close commits it.
func (s *ScopedDB) QueryContext(ctx context.Context, query string, args ...any) (capability.Rows, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if err := s.scope(ctx, tx); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return &scopedRows{Rows: rows, tx: tx}, nil
}

// scopedRows keeps the scoping transaction alive for the cursor lifetime.
type scopedRows struct {
	*sql.Rows
	tx *sql.Tx
}

func (r *scopedRows) Close() error {
	err := r.Rows.Close()
	if cerr := r.tx.Commit(); err == nil {
		err = cerr
	}
	return err
}

// ExecContext runs a scoped statement.
func (s *ScopedDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if err := s.scope(ctx, tx); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}
