package autosave

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/orian/protoboard/editor"
	"github.com/orian/protoboard/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSaver struct {
	machine *editor.Machine
	calls   int
	err     error
	during  func()
}

func (f *fakeSaver) Save(ctx context.Context, kind editor.SaveKind) error {
	f.calls++
	if !f.machine.Dispatch(editor.SaveStart(kind)) {
		return errors.New("machine not ready")
	}
	if f.during != nil {
		f.during()
	}
	if f.err != nil {
		f.machine.Dispatch(editor.SaveFailed(f.err.Error()))
		return f.err
	}
	f.machine.Dispatch(editor.SaveSuccess(&models.Prototype{Version: int64(f.calls + 1)}))
	return nil
}

func setup(t *testing.T, opts Options) (*Coordinator, *fakeSaver, *editor.Machine, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	m := editor.NewMachine(editor.WithClock(mock))
	require.True(t, m.Dispatch(editor.LoadPrototype()))
	require.True(t, m.Dispatch(editor.PrototypeLoaded(&models.Prototype{Version: 1})))
	require.True(t, m.Dispatch(editor.EditorReady()))

	saver := &fakeSaver{machine: m}
	opts.Clock = mock
	c := New(context.Background(), m, saver, opts)
	t.Cleanup(c.Close)
	return c, saver, m, mock
}

func TestDebounceFiresAfterQuietPeriod(t *testing.T) {
	c, saver, m, mock := setup(t, Options{Enabled: true, Debounce: 1500 * time.Millisecond, MaxWait: time.Minute})

	c.TriggerChange()
	assert.Equal(t, StatusPending, c.Status())
	mock.Add(time.Second)
	c.TriggerChange()
	mock.Add(time.Second)
	assert.Equal(t, 0, saver.calls, "second change restarted the quiet period")

	mock.Add(500 * time.Millisecond)
	assert.Equal(t, 1, saver.calls)
	assert.Equal(t, StatusSaved, c.Status())
	assert.False(t, m.Snapshot().Dirty)
	assert.Equal(t, editor.SaveAutosave, m.Snapshot().SaveKind)
}

func TestMaxWaitForcesSave(t *testing.T) {
	c, saver, _, mock := setup(t, Options{Enabled: true, Debounce: time.Second, MaxWait: 3 * time.Second})

	for i := 0; i < 5; i++ {
		c.TriggerChange()
		mock.Add(500 * time.Millisecond)
	}
	assert.Equal(t, 0, saver.calls, "still inside the max-wait window")

	c.TriggerChange()
	mock.Add(500 * time.Millisecond)
	assert.Equal(t, 1, saver.calls, "max wait reached despite continuous changes")
}

func TestPausedChangesDoNotSchedule(t *testing.T) {
	c, saver, m, mock := setup(t, Options{Enabled: true, Debounce: time.Second})

	c.Pause()
	c.TriggerChange()
	mock.Add(time.Hour)
	assert.Equal(t, 0, saver.calls)
	assert.True(t, m.Snapshot().Dirty, "dirty is tracked while paused")

	c.Resume()
	mock.Add(time.Hour)
	assert.Equal(t, 0, saver.calls, "resume never fires on its own")

	c.TriggerChange()
	mock.Add(time.Second)
	assert.Equal(t, 1, saver.calls)
}

func TestPauseCancelsArmedTimer(t *testing.T) {
	c, saver, _, mock := setup(t, Options{Enabled: true, Debounce: time.Second})

	c.TriggerChange()
	c.Pause()
	assert.Equal(t, StatusIdle, c.Status())
	mock.Add(time.Hour)
	assert.Equal(t, 0, saver.calls)
}

func TestDisabledNeverSaves(t *testing.T) {
	c, saver, m, mock := setup(t, Options{Enabled: false, Debounce: time.Second})

	c.TriggerChange()
	mock.Add(time.Hour)
	assert.Equal(t, 0, saver.calls)
	assert.True(t, m.Snapshot().Dirty)
	assert.Equal(t, StatusIdle, c.Status())
}

func TestFailedAutosaveKeepsDirtyAndRetriesOnNextChange(t *testing.T) {
	c, saver, m, mock := setup(t, Options{Enabled: true, Debounce: time.Second})
	saver.err = errors.New("offline")

	c.TriggerChange()
	mock.Add(time.Second)
	require.Equal(t, 1, saver.calls)
	assert.Equal(t, StatusError, c.Status())
	assert.EqualError(t, c.LastError(), "offline")
	assert.True(t, m.Snapshot().Dirty)

	mock.Add(time.Hour)
	assert.Equal(t, 1, saver.calls, "failures are not retried automatically")

	saver.err = nil
	c.TriggerChange()
	mock.Add(time.Second)
	assert.Equal(t, 2, saver.calls)
	assert.Equal(t, StatusSaved, c.Status())
	assert.NoError(t, c.LastError())
}

func TestConflictStopsScheduling(t *testing.T) {
	c, saver, m, mock := setup(t, Options{Enabled: true, Debounce: time.Second})
	saver.err = &models.ConflictError{ServerVersion: 4, YourVersion: ptr(int64(3)), Reason: models.ReasonVersionMismatch}

	c.TriggerChange()
	mock.Add(time.Second)
	require.Equal(t, 1, saver.calls)
	assert.True(t, c.Blocked())
	assert.ErrorIs(t, c.LastError(), models.ErrConflict)

	for i := 0; i < 3; i++ {
		c.TriggerChange()
		mock.Add(time.Second)
	}
	assert.Equal(t, 1, saver.calls, "a stale version is not sent again")
	assert.Equal(t, StatusError, c.Status())
	assert.True(t, m.Snapshot().Dirty)

	// A manual save on a reloaded version clears the block.
	saver.err = nil
	require.True(t, m.Dispatch(editor.SaveStart(editor.SaveManual)))
	require.True(t, m.Dispatch(editor.SaveSuccess(&models.Prototype{Version: 5})))
	c.MarkSaved()
	assert.False(t, c.Blocked())

	c.TriggerChange()
	mock.Add(time.Second)
	assert.Equal(t, 2, saver.calls)
}

func TestUnblockResumesScheduling(t *testing.T) {
	c, saver, _, mock := setup(t, Options{Enabled: true, Debounce: time.Second})
	saver.err = &models.ConflictError{ServerVersion: 2, Reason: models.ReasonConcurrentModification}

	c.TriggerChange()
	mock.Add(time.Second)
	require.True(t, c.Blocked())

	saver.err = nil
	c.Unblock()
	mock.Add(time.Hour)
	assert.Equal(t, 1, saver.calls, "unblocking schedules nothing by itself")

	c.TriggerChange()
	mock.Add(time.Second)
	assert.Equal(t, 2, saver.calls)
}

func TestChangeDuringSaveIsReplayed(t *testing.T) {
	c, saver, m, mock := setup(t, Options{Enabled: true, Debounce: time.Second})

	inflight, maxInflight := 0, 0
	saver.during = func() {
		inflight++
		if inflight > maxInflight {
			maxInflight = inflight
		}
		if saver.calls == 1 {
			c.TriggerChange()
		}
		inflight--
	}

	c.TriggerChange()
	mock.Add(time.Second)
	require.Equal(t, 1, saver.calls)
	assert.True(t, m.Snapshot().Dirty, "change made while saving is not lost")
	assert.Equal(t, StatusPending, c.Status())

	mock.Add(time.Second)
	assert.Equal(t, 2, saver.calls)
	assert.Equal(t, 1, maxInflight)
	assert.False(t, m.Snapshot().Dirty)
}

func TestTimerSkipsWhenMachineBusy(t *testing.T) {
	c, saver, m, mock := setup(t, Options{Enabled: true, Debounce: time.Second})

	c.TriggerChange()
	require.True(t, m.Dispatch(editor.PageSwitchStart()))
	mock.Add(time.Second)

	assert.Equal(t, 0, saver.calls)
	assert.Equal(t, StatusIdle, c.Status())
	assert.True(t, m.Snapshot().Dirty)
}

func TestMarkSavedDropsPendingAutosave(t *testing.T) {
	c, saver, m, mock := setup(t, Options{Enabled: true, Debounce: time.Second})

	c.TriggerChange()
	require.True(t, m.Dispatch(editor.SaveStart(editor.SaveManual)))
	require.True(t, m.Dispatch(editor.SaveSuccess(&models.Prototype{Version: 2})))
	c.MarkSaved()

	mock.Add(time.Hour)
	assert.Equal(t, 0, saver.calls)
	assert.Equal(t, StatusSaved, c.Status())
}

func TestCloseIgnoresLaterTriggers(t *testing.T) {
	c, saver, _, mock := setup(t, Options{Enabled: true, Debounce: time.Second})

	c.TriggerChange()
	c.Close()
	c.TriggerChange()
	mock.Add(time.Hour)
	assert.Equal(t, 0, saver.calls)
}

func ptr[T any](v T) *T { return &v }
