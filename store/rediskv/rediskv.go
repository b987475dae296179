/*
Package rediskv backs the billing engine's shared counters and event fan-out
with Redis.

PURPOSE:
  When several engine processes share one database, the invoice-number
  Sequencer must be shared as well. Sequence keeps one INCR counter per
  calendar day. Publisher broadcasts committed invoice events on a pub/sub
  channel for downstream consumers (mailers, dashboards).

KEYS:
  <prefix><YYYYMMDD>   integer counter, expires two days after the last draw

SEE ALSO:
  - billing/numbering.go: number format and collision handling
  - billing/events.go: Event and Emitter
*/
package rediskv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/billing-engine/billing"
)

// Options holds the connection settings.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect creates a client and pings the server.
func Connect(ctx context.Context, opts Options, logger zerolog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}
	logger.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("connected to redis")
	return rdb, nil
}

// =============================================================================
// SEQUENCE
// =============================================================================

// sequenceTTL outlives the day the counter belongs to.
const sequenceTTL = 48 * time.Hour

// Sequence implements billing.Sequencer with one counter per UTC day.
type Sequence struct {
	client redis.Cmdable
	prefix string
}

func NewSequence(client redis.Cmdable, prefix string) *Sequence {
	if prefix == "" {
		prefix = "billing:invoice-seq:"
	}
	return &Sequence{client: client, prefix: prefix}
}

func (s *Sequence) Next(ctx context.Context, day time.Time) (int64, error) {
	key := s.prefix + day.UTC().Format("20060102")

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, sequenceTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return incr.Val(), nil
}

// =============================================================================
// PUBLISHER
// =============================================================================

// Message is the JSON document published for each event.
type Message struct {
	Type      billing.EventType `json:"type"`
	InvoiceID string            `json:"invoice_id"`
	JobID     string            `json:"job_id"`
	Actor     string            `json:"actor"`
	At        time.Time         `json:"at"`
	Payload   map[string]any    `json:"payload"`
}

// Publisher implements billing.Emitter over Redis pub/sub.
type Publisher struct {
	client  redis.Cmdable
	channel string
}

func NewPublisher(client redis.Cmdable, channel string) *Publisher {
	if channel == "" {
		channel = "billing.events"
	}
	return &Publisher{client: client, channel: channel}
}

func (p *Publisher) Emit(ctx context.Context, event billing.Event) error {
	body, err := json.Marshal(Message{
		Type:      event.Type,
		InvoiceID: string(event.InvoiceID),
		JobID:     string(event.JobID),
		Actor:     event.Actor,
		At:        event.At,
		Payload:   event.Payload(),
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

var (
	_ billing.Sequencer = (*Sequence)(nil)
	_ billing.Emitter   = (*Publisher)(nil)
)
