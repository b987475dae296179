/*
Package factory assembles a running billing engine from configuration.

PURPOSE:
  Chooses the record store (memory, SQLite or PostgreSQL), the invoice
  number Sequencer (the store's own table, or Redis when enabled) and the
  event emitters (log, audit, Redis publisher), then wires the three engine
  services on top. cmd/server and the API tests both go through here.

WIRING:
  database.driver   → Store, AuditLog, Reset
  redis.enabled     → rediskv.Sequence replaces the store sequencer,
                      rediskv.Publisher joins the emitters
  billing.*         → Policy (tax rate, terms, currency)

SEE ALSO:
  - config/config.go: settings
  - policy.go: JSON form of the commercial terms
*/
package factory

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
	"github.com/warp/billing-engine/config"
	"github.com/warp/billing-engine/notify"
	"github.com/warp/billing-engine/store/postgres"
	"github.com/warp/billing-engine/store/rediskv"
	"github.com/warp/billing-engine/store/sqlite"
)

// Backend is the persistence side of an engine.
type Backend struct {
	Driver    string
	Store     billing.Store
	Sequencer billing.Sequencer
	Audit     billing.AuditLog
	Emitters  billing.MultiEmitter

	// Reset drops every record; used by demo scenarios.
	Reset func(ctx context.Context) error

	// Postgres is set for the postgres driver so callers can run migrations.
	Postgres *postgres.Store

	closers []io.Closer
}

// Close releases connections in reverse order of opening.
func (b *Backend) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// OpenBackend connects the configured stores.
func OpenBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Backend, error) {
	b := &Backend{Driver: cfg.Database.Driver}

	switch cfg.Database.Driver {
	case "memory":
		mem := store.NewMemory()
		b.Store, b.Sequencer, b.Audit = mem, mem, mem
		b.Reset = func(context.Context) error { mem.Reset(); return nil }

	case "sqlite":
		s, err := sqlite.New(cfg.Database.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.Database.SQLitePath, err)
		}
		b.closers = append(b.closers, s)
		b.Store, b.Sequencer, b.Audit = s, s, s
		b.Reset = s.Reset

	case "postgres":
		opts := postgres.DefaultOptions()
		opts.Migrate = cfg.Database.Migrate
		opts.Logger = logger
		if cfg.Database.MaxConns > 0 {
			opts.MaxConns = cfg.Database.MaxConns
		}
		s, err := postgres.New(ctx, cfg.Database.DSN(), opts)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, s)
		b.Store, b.Sequencer, b.Audit = s, s, s
		b.Reset = s.Reset
		b.Postgres = s

	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	b.Emitters = billing.MultiEmitter{
		notify.NewLogEmitter(logger),
		notify.NewAuditEmitter(b.Audit),
	}

	if cfg.Redis.Enabled {
		rdb, err := rediskv.Connect(ctx, rediskv.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, rdb)
		b.Sequencer = rediskv.NewSequence(rdb, cfg.Redis.SequencePrefix)
		b.Emitters = append(b.Emitters, rediskv.NewPublisher(rdb, cfg.Redis.Channel))
	}

	logger.Info().
		Str("driver", b.Driver).
		Bool("redis", cfg.Redis.Enabled).
		Msg("billing backend ready")
	return b, nil
}

// Engine bundles the three billing services over one backend.
type Engine struct {
	*Backend
	Policy     billing.Policy
	Aggregator *billing.Aggregator
	Lifecycle  *billing.Lifecycle
	Reconciler *billing.Reconciler
}

// NewEngine wires services over b. Each service logs under its own component.
func NewEngine(b *Backend, policy billing.Policy, logger zerolog.Logger) *Engine {
	agg := billing.NewAggregator(b.Store, b.Sequencer, policy)
	agg.Emitter = b.Emitters
	agg.Logger = logger.With().Str("component", "aggregator").Logger()

	lc := billing.NewLifecycle(b.Store)
	lc.Emitter = b.Emitters
	lc.Logger = logger.With().Str("component", "lifecycle").Logger()

	return &Engine{
		Backend:    b,
		Policy:     policy,
		Aggregator: agg,
		Lifecycle:  lc,
		Reconciler: billing.NewReconciler(b.Store),
	}
}

// Open is OpenBackend followed by NewEngine with the configured policy.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Engine, error) {
	policy, err := cfg.Billing.Policy()
	if err != nil {
		return nil, err
	}
	b, err := OpenBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewEngine(b, policy, logger), nil
}

// Memory returns an engine on a fresh in-memory store with a pinned clock.
// Used by tests and the demo scenarios.
func Memory(policy billing.Policy, clock billing.Clock) *Engine {
	mem := store.NewMemory()
	b := &Backend{
		Driver:    "memory",
		Store:     mem,
		Sequencer: mem,
		Audit:     mem,
		Emitters:  billing.MultiEmitter{notify.NewAuditEmitter(mem)},
		Reset:     func(context.Context) error { mem.Reset(); return nil },
	}
	e := NewEngine(b, policy, zerolog.Nop())
	if clock != nil {
		e.Aggregator.Clock = clock
		e.Lifecycle.Clock = clock
	}
	return e
}
