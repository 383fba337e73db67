// Package store is the warm persistence layer: ski sessions, location pings
// and chat messages in Postgres, plus read-only lookups against the social
// tables owned by the account service.
package store

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/slopeline/slopeline/internal/v1/logging"
)

//go:embed schema.sql
var schemaSQL string

// DB is the subset of pgxpool.Pool the store uses. Tests substitute a mock.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store handles all warm-path reads and writes.
type Store struct {
	db      DB
	timeout time.Duration
}

// New connects a pool to databaseURL and verifies it with a ping.
func New(ctx context.Context, databaseURL string, timeout time.Duration) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create warm store pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to warm store: %w", err)
	}

	logging.GetLogger().Info("connected to warm store")
	return NewWithDB(pool, timeout), nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{db: db, timeout: timeout}
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.db.Close()
}

// Ping checks connectivity; used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.db.Ping(ctx)
}

// opCtx bounds a single store call.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// EnsureSchema applies the embedded DDL. Statements are idempotent, so this
// is safe to run on every boot; production deployments disable it and run
// migrations out of band.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := schemaStatements()
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	logging.GetLogger().Info("schema ensured", zap.Int("statements", len(stmts)))
	return nil
}

// schemaStatements splits the embedded DDL into single statements. Comment
// lines are dropped before the split so a semicolon inside a comment cannot
// cut a statement in half. The file holds plain CREATE statements, no
// string literals with semicolons, so this is enough of a parser.
func schemaStatements() []string {
	var kept []string
	for _, line := range strings.Split(schemaSQL, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}

	var stmts []string
	for _, raw := range strings.Split(strings.Join(kept, "\n"), ";") {
		if stmt := strings.TrimSpace(raw); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
