package editor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/orian/protoboard/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwitchReturnsToReady(t *testing.T) {
	m := readyMachine(t, &models.Prototype{})
	ps := NewPageSwitcher(m)

	var during State
	err := ps.Switch(context.Background(), func(ctx context.Context) error {
		during = m.State()
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, StatePageSwitching, during)
	assert.Equal(t, StateReady, m.State())
	assert.False(t, ps.InFlight())
}

func TestSwitchRefusedWhileSaving(t *testing.T) {
	m := readyMachine(t, &models.Prototype{})
	m.Dispatch(SaveStart(SaveManual))
	ps := NewPageSwitcher(m)

	called := false
	err := ps.Switch(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ErrSwitchNotAllowed)
	assert.False(t, called)
	assert.Equal(t, StateSaving, m.State())
}

func TestSecondSwitchSupersedesFirst(t *testing.T) {
	m := readyMachine(t, &models.Prototype{})
	ps := NewPageSwitcher(m)

	started := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- ps.Switch(context.Background(), func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return Checkpoint(ctx)
		})
	}()
	<-started

	release := make(chan struct{})
	secondDone := make(chan error, 1)
	go func() {
		secondDone <- ps.Switch(context.Background(), func(ctx context.Context) error {
			<-release
			return Checkpoint(ctx)
		})
	}()

	select {
	case err := <-firstDone:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("first switch was not cancelled")
	}
	assert.Equal(t, StatePageSwitching, m.State(), "superseded switch must not release the lock")

	close(release)
	select {
	case err := <-secondDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second switch did not finish")
	}
	assert.Equal(t, StateReady, m.State())
}

func TestCancelledSwitchStillReleases(t *testing.T) {
	m := readyMachine(t, &models.Prototype{})
	ps := NewPageSwitcher(m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ps.Switch(ctx, func(ctx context.Context) error {
		if _, err := WaitFrameReady(ctx, nil, time.Second); err != nil {
			return err
		}
		return nil
	})

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateReady, m.State())
	assert.False(t, ps.InFlight())
}

func TestWaitFrameReady(t *testing.T) {
	ready := make(chan struct{})
	close(ready)
	timedOut, err := WaitFrameReady(context.Background(), ready, time.Second)
	assert.NoError(t, err)
	assert.False(t, timedOut)

	timedOut, err = WaitFrameReady(context.Background(), make(chan struct{}), 10*time.Millisecond)
	assert.NoError(t, err)
	assert.True(t, timedOut, "proceeds optimistically after the timeout")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = WaitFrameReady(ctx, make(chan struct{}), time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
