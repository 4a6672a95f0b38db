package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/orian/protoboard/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// batchRecorder stands in for ClickHouse.
type batchRecorder struct {
	mu      sync.Mutex
	batches [][]ActivityEvent
	err     error
}

func (b *batchRecorder) send(_ context.Context, events []ActivityEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.batches = append(b.batches, events)
	return nil
}

func (b *batchRecorder) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

func newTestActivity(cfg ActivityConfig) (*ClickHouseActivity, *batchRecorder, *clock.Mock) {
	rec := &batchRecorder{}
	mock := clock.NewMock()
	a := NewClickHouseActivity(nil, cfg, logging.Nop())
	a.send = rec.send
	a.clock = mock
	return a, rec, mock
}

func TestClickHouseActivityDefaults(t *testing.T) {
	a, _, _ := newTestActivity(ActivityConfig{})
	assert.Equal(t, "protoboard_activity", a.table)
	assert.Equal(t, 500, a.batchSize)
	assert.Equal(t, 5*time.Second, a.interval)
}

func TestClickHouseActivityFlush(t *testing.T) {
	a, rec, _ := newTestActivity(ActivityConfig{BatchSize: 10})
	ctx := context.Background()

	a.Flush(ctx)
	assert.Equal(t, 0, rec.count(), "empty buffers are not shipped")

	a.Record(ctx, ActivityEvent{Type: ActivityPrototypeCreated, Slug: "a"})
	a.Record(ctx, ActivityEvent{Type: ActivityPrototypeUpdated, Slug: "a", Version: 2})
	a.Flush(ctx)

	require.Equal(t, 1, rec.count())
	batch := rec.batches[0]
	require.Len(t, batch, 2)
	assert.Equal(t, ActivityPrototypeUpdated, batch[1].Type)
	assert.True(t, batch[0].Timestamp.Equal(time.Unix(0, 0)), "missing timestamps come from the clock")
}

func TestClickHouseActivityDropsFailedBatch(t *testing.T) {
	a, rec, _ := newTestActivity(ActivityConfig{})
	ctx := context.Background()

	rec.err = errors.New("clickhouse down")
	a.Record(ctx, ActivityEvent{Type: ActivityBranchCreated})
	a.Flush(ctx)

	rec.err = nil
	a.Flush(ctx)
	assert.Equal(t, 0, rec.count())
}

func TestClickHouseActivityRunFlushesFullBatch(t *testing.T) {
	a, rec, _ := newTestActivity(ActivityConfig{BatchSize: 2})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	a.Record(ctx, ActivityEvent{Type: ActivityBranchSwitched})
	a.Record(ctx, ActivityEvent{Type: ActivityBranchSwitched})
	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	// Left over events go out on shutdown.
	a.Record(ctx, ActivityEvent{Type: ActivityBranchDeleted})
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 2, rec.count())
}

func TestClickHouseActivityRunFlushesOnTick(t *testing.T) {
	a, rec, mock := newTestActivity(ActivityConfig{FlushInterval: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.Record(ctx, ActivityEvent{Type: ActivityVersionRestored})
	assert.Eventually(t, func() bool {
		mock.Add(time.Second)
		return rec.count() == 1
	}, time.Second, 5*time.Millisecond)
}
