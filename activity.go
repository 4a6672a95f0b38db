package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/facebookgo/clock"
	"github.com/orian/protoboard/logging"
)

// Activity event types.
const (
	ActivityPrototypeCreated = "prototype.created"
	ActivityPrototypeUpdated = "prototype.updated"
	ActivityPrototypeDeleted = "prototype.deleted"
	ActivityVersionRestored  = "version.restored"
	ActivityBranchCreated    = "branch.created"
	ActivityBranchSwitched   = "branch.switched"
	ActivityBranchDeleted    = "branch.deleted"
	ActivityUpdateConflict   = "update.conflict"
)

// ActivityEvent is one entry of the append-only activity record.
type ActivityEvent struct {
	Type      string    `json:"type"`
	Slug      string    `json:"slug"`
	Actor     string    `json:"actor"`
	Version   int64     `json:"version"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ActivitySink records activity. Record never fails the caller: sinks log
// their own errors.
type ActivitySink interface {
	Record(ctx context.Context, ev ActivityEvent)
	Ping(ctx context.Context) error
}

type nopActivity struct{}

func (nopActivity) Record(context.Context, ActivityEvent) {}
func (nopActivity) Ping(context.Context) error { return nil }

// logActivity writes events to the structured log.
type logActivity struct {
	log *logging.Logger
}

func newLogActivity(log *logging.Logger) *logActivity {
	return &logActivity{log: log.With("component", "activity")}
}

func (a *logActivity) Record(_ context.Context, ev ActivityEvent) {
	a.log.Info(ev.Type, "slug", ev.Slug, "actor", ev.Actor, "version", ev.Version, "detail", ev.Detail)
}

func (a *logActivity) Ping(context.Context) error { return nil }

// ClickHouseActivity buffers events and ships them to a MergeTree table in
// batches. A failed batch is logged and dropped.
type ClickHouseActivity struct {
	conn      driver.Conn
	table     string
	batchSize int
	interval  time.Duration
	clock     clock.Clock
	log       *logging.Logger

	// send ships one batch; replaced in tests.
	send func(ctx context.Context, events []ActivityEvent) error

	mu      sync.Mutex
	pending []ActivityEvent
	flushCh chan struct{}
}

func NewClickHouseActivity(conn driver.Conn, cfg ActivityConfig, log *logging.Logger) *ClickHouseActivity {
	a := &ClickHouseActivity{
		conn:      conn,
		table:     cfg.Table,
		batchSize: cfg.BatchSize,
		interval:  cfg.FlushInterval,
		clock:     clock.New(),
		log:       log.With("component", "activity", "sink", "clickhouse"),
		flushCh:   make(chan struct{}, 1),
	}
	if a.table == "" {
		a.table = "protoboard_activity"
	}
	if a.batchSize <= 0 {
		a.batchSize = 500
	}
	if a.interval <= 0 {
		a.interval = 5 * time.Second
	}
	a.send = a.sendBatch
	return a
}

// EnsureTable creates the activity table if it does not exist.
func (a *ClickHouseActivity) EnsureTable(ctx context.Context) error {
	err := a.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp DateTime64(3),
			type LowCardinality(String),
			slug String,
			actor String,
			version Int64,
			detail String
		) ENGINE = MergeTree
		ORDER BY (slug, timestamp)
	`, a.table))
	if err != nil {
		return fmt.Errorf("failed to create activity table: %w", err)
	}
	return nil
}

func (a *ClickHouseActivity) Record(_ context.Context, ev ActivityEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = a.clock.Now()
	}
	a.mu.Lock()
	a.pending = append(a.pending, ev)
	full := len(a.pending) >= a.batchSize
	a.mu.Unlock()

	if full {
		select {
		case a.flushCh <- struct{}{}:
		default:
		}
	}
}

func (a *ClickHouseActivity) Ping(ctx context.Context) error {
	return a.conn.Ping(ctx)
}

// Run flushes on every tick and whenever a batch fills up. It flushes once
// more when ctx is done and returns nil.
func (a *ClickHouseActivity) Run(ctx context.Context) error {
	ticker := a.clock.Ticker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush gets its own deadline.
			fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			a.Flush(fctx)
			cancel()
			return nil
		case <-ticker.C:
			a.Flush(ctx)
		case <-a.flushCh:
			a.Flush(ctx)
		}
	}
}

// Flush ships everything buffered so far.
func (a *ClickHouseActivity) Flush(ctx context.Context) {
	a.mu.Lock()
	events := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(events) == 0 {
		return
	}
	if err := a.send(ctx, events); err != nil {
		a.log.Error("failed to ship activity batch", "events", len(events), "error", err)
		return
	}
	a.log.Debug("activity batch shipped", "events", len(events))
}

func (a *ClickHouseActivity) sendBatch(ctx context.Context, events []ActivityEvent) error {
	batch, err := a.conn.PrepareBatch(ctx, "INSERT INTO "+a.table)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, ev := range events {
		if err := batch.Append(ev.Timestamp, ev.Type, ev.Slug, ev.Actor, ev.Version, ev.Detail); err != nil {
			batch.Abort()
			return fmt.Errorf("append: %w", err)
		}
	}
	return batch.Send()
}
