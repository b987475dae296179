/*
Package postgres provides a PostgreSQL-backed implementation of the billing
store contracts.

PURPOSE:
  Same contracts and schema shape as store/sqlite, on a pgx connection
  pool. Money columns are NUMERIC, timestamps TIMESTAMPTZ, recipients a
  TEXT[] and audit payloads JSONB.

MIGRATIONS:
  Versioned SQL files under migrations/ are embedded in the binary and
  applied with goose. The `migrate` CLI command and New(..., Migrate: true)
  both run them.

ERROR MAPPING:
  pgx.ErrNoRows          → billing.ErrNotFound
  SQLSTATE 23505 (number) → billing.ErrDuplicateInvoiceNumber
  0 rows on version CAS   → billing.ErrConcurrentModification

CONCURRENCY:
  The pool serialises nothing; row-level atomicity comes from single
  statements and the CreateInvoice transaction.

SEE ALSO:
  - store/sqlite: embedded equivalent
  - billing/store.go: contracts
*/
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Options tunes the connection pool.
type Options struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Migrate applies pending migrations on connect.
	Migrate bool

	Logger zerolog.Logger
}

// DefaultOptions mirrors a small service deployment.
func DefaultOptions() Options {
	return Options{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		Logger:          zerolog.Nop(),
	}
}

// Store implements billing.Store, billing.Sequencer and billing.AuditLog.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// New connects to dsn, pings the server and optionally migrates.
func New(ctx context.Context, dsn string, opts Options) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		poolConfig.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{pool: pool, log: opts.Logger}
	if opts.Migrate {
		if err := s.Migrate(ctx, "up"); err != nil {
			pool.Close()
			return nil, err
		}
	}

	s.log.Info().
		Str("host", poolConfig.ConnConfig.Host).
		Str("database", poolConfig.ConnConfig.Database).
		Msg("postgres connection pool established")
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate runs a goose command ("up", "down", "status", "reset") against
// the embedded migrations.
func (s *Store) Migrate(ctx context.Context, command string) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	return RunMigrations(ctx, db, command)
}

// RunMigrations applies command to db using the embedded SQL files.
func RunMigrations(ctx context.Context, db *sql.DB, command string) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	var err error
	switch command {
	case "up":
		err = goose.UpContext(ctx, db, "migrations")
	case "down":
		err = goose.DownContext(ctx, db, "migrations")
	case "status":
		err = goose.StatusContext(ctx, db, "migrations")
	case "reset":
		err = goose.ResetContext(ctx, db, "migrations")
	default:
		return fmt.Errorf("unknown migration command %q", command)
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", command, err)
	}
	return nil
}

// Reset truncates every table. Used by demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		TRUNCATE audit_log, invoice_items, invoices, invoice_sequences, expenses, jobs
	`)
	return err
}

// =============================================================================
// SEQUENCER
// =============================================================================

// Next increments and returns the counter for day.
func (s *Store) Next(ctx context.Context, day time.Time) (int64, error) {
	var value int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO invoice_sequences (day, value) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET value = invoice_sequences.value + 1
		RETURNING value
	`, day.UTC().Format("20060102")).Scan(&value)
	return value, err
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// AppendAudit records one invoice event.
func (s *Store) AppendAudit(ctx context.Context, entry billing.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = newID()
	}
	payload := entry.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, invoice_id, job_id, actor_id, action, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, string(entry.InvoiceID), string(entry.JobID), entry.ActorID, string(entry.Action), payload, entry.Timestamp)
	return err
}

// AuditTrail returns the invoice's entries oldest first.
func (s *Store) AuditTrail(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, invoice_id, job_id, actor_id, action, payload, created_at
		FROM audit_log WHERE invoice_id = $1 ORDER BY created_at, seq
	`, string(invoiceID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []billing.AuditEntry
	for rows.Next() {
		var e billing.AuditEntry
		var invID, jobID, action string
		if err := rows.Scan(&e.ID, &invID, &jobID, &e.ActorID, &action, &e.Payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.InvoiceID = billing.InvoiceID(invID)
		e.JobID = billing.JobID(jobID)
		e.Action = billing.EventType(action)
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var (
	_ billing.Store     = (*Store)(nil)
	_ billing.Sequencer = (*Store)(nil)
	_ billing.AuditLog  = (*Store)(nil)
)

// Helper functions

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.ErrNotFound
	}
	return err
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
