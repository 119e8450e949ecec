package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LogSink writes every event to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging at Info level.
func NewLogSink() *LogSink {
	return &LogSink{logger: slog.With("component", "audit")}
}

// Emit implements Sink.
func (s *LogSink) Emit(_ context.Context, event Event) error {
	s.logger.Info("audit event",
		"event_id", event.ID,
		"event_type", event.Type,
		"tenant_id", event.TenantID,
		"request_id", event.RequestID,
		"payload", string(event.Payload))
	return nil
}

// PostgresSink persists events to the audit_events table. One INSERT per
// event; delivery is best-effort by publisher contract.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink creates a sink on an existing connection pool.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// Emit implements Sink.
func (s *PostgresSink) Emit(ctx context.Context, event Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, event_type, tenant_id, request_id, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.Type, event.TenantID, event.RequestID, event.Payload, event.At)
	return err
}

// Collector is an in-memory sink for tests.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Emit implements Sink.
func (c *Collector) Emit(_ context.Context, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

// Events returns a copy of everything emitted so far.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// OfType returns the collected events of one type.
func (c *Collector) OfType(eventType string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
