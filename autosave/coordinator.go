// Package autosave schedules debounced saves for an editor session.
//
// A burst of changes is saved once the editor has been quiet for Debounce,
// and never later than MaxWait after the first unsaved change of the
// burst. Whether a save may actually run is always decided by the editor
// machine (CanAutosave), so an autosave can never overlap a manual save, a
// page switch or a restore.
package autosave

import (
	"context"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/orian/protoboard/editor"
	"github.com/orian/protoboard/logging"
	"github.com/orian/protoboard/models"
)

// Status is the coordinator's view of autosave progress.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
	StatusSaving  Status = "saving"
	StatusSaved   Status = "saved"
	StatusError   Status = "error"
)

const (
	DefaultDebounce = 1500 * time.Millisecond
	DefaultMaxWait  = 10 * time.Second
)

// Saver performs one save. Implementations dispatch saveStart and
// saveSuccess/saveFailed on the machine themselves.
type Saver interface {
	Save(ctx context.Context, kind editor.SaveKind) error
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(ctx context.Context, kind editor.SaveKind) error

func (f SaverFunc) Save(ctx context.Context, kind editor.SaveKind) error { return f(ctx, kind) }

type Options struct {
	// Enabled turns scheduling on. A disabled coordinator still tracks
	// dirty state through the machine.
	Enabled bool
	// Debounce is the quiet period before a save fires.
	Debounce time.Duration
	// MaxWait caps how long a continuous burst can postpone a save.
	// Zero disables the cap.
	MaxWait time.Duration
	Clock   clock.Clock
	Logger  *logging.Logger
}

// Coordinator layers debounced autosave on top of an editor.Machine.
type Coordinator struct {
	ctx     context.Context
	machine *editor.Machine
	saver   Saver
	opts    Options

	mu         sync.Mutex
	status     Status
	lastErr    error
	paused     bool
	closed     bool
	saving     bool
	timer      *clock.Timer
	gen        uint64
	burstStart time.Time
	// replay is set when a change arrived while the machine could not
	// accept it (saving, switching, restoring).
	replay bool
	// blocked is set after an autosave conflicted. Changes still mark the
	// machine dirty but schedule nothing until MarkSaved or Unblock.
	blocked bool
}

// New creates a coordinator. ctx bounds every save it dispatches.
func New(ctx context.Context, machine *editor.Machine, saver Saver, opts Options) *Coordinator {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxWait < 0 {
		opts.MaxWait = 0
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Coordinator{
		ctx:     ctx,
		machine: machine,
		saver:   saver,
		opts:    opts,
		status:  StatusIdle,
	}
}

// TriggerChange records a user change and schedules an autosave when
// allowed. While paused the change only marks the machine dirty.
func (c *Coordinator) TriggerChange() {
	applied := c.machine.Dispatch(editor.ContentChanged())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if !applied {
		c.replay = true
		return
	}
	if c.paused || !c.opts.Enabled || c.saving || c.blocked {
		return
	}
	if !c.machine.CanAutosave() {
		return
	}
	c.scheduleLocked()
}

func (c *Coordinator) scheduleLocked() {
	now := c.opts.Clock.Now()
	if c.burstStart.IsZero() {
		c.burstStart = now
	}
	delay := c.opts.Debounce
	if c.opts.MaxWait > 0 {
		remaining := c.burstStart.Add(c.opts.MaxWait).Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		if remaining < delay {
			delay = remaining
		}
	}

	c.stopTimerLocked()
	c.gen++
	gen := c.gen
	c.timer = c.opts.Clock.AfterFunc(delay, func() { c.fire(gen) })
	c.status = StatusPending
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) fire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	if c.paused || c.saving || !c.machine.CanAutosave() {
		if c.status == StatusPending {
			c.status = StatusIdle
		}
		c.burstStart = time.Time{}
		c.mu.Unlock()
		return
	}
	c.saving = true
	c.status = StatusSaving
	c.burstStart = time.Time{}
	c.mu.Unlock()

	err := c.saver.Save(c.ctx, editor.SaveAutosave)

	c.mu.Lock()
	c.saving = false
	if err != nil {
		c.status = StatusError
		c.lastErr = err
		if ce, ok := models.AsConflict(err); ok {
			c.blocked = true
			c.opts.Logger.Warn("autosave stopped after conflict", "serverVersion", ce.ServerVersion)
		} else {
			c.opts.Logger.Warn("autosave failed", "error", err)
		}
	} else {
		c.status = StatusSaved
		c.lastErr = nil
	}
	replay := c.takeReplayLocked()
	c.mu.Unlock()

	if replay {
		c.TriggerChange()
	}
}

func (c *Coordinator) takeReplayLocked() bool {
	replay := c.replay && !c.closed
	c.replay = false
	return replay
}

// Pause stops scheduling. Pending dirty state is kept on the machine.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	c.stopTimerLocked()
	c.gen++
	if c.status == StatusPending {
		c.status = StatusIdle
	}
}

// Resume re-enables scheduling. It never schedules by itself: changes made
// while paused leave the machine dirty, and the next TriggerChange
// schedules normally.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.paused = false
	replay := c.takeReplayLocked()
	c.mu.Unlock()

	if replay {
		// The machine was busy when the change arrived; record it as dirty
		// now without arming a timer.
		c.machine.Dispatch(editor.ContentChanged())
	}
}

// MarkSaved records a successful manual save: any armed autosave is
// dropped and the max-wait window restarts with the next change.
func (c *Coordinator) MarkSaved() {
	c.mu.Lock()
	c.stopTimerLocked()
	c.gen++
	c.burstStart = time.Time{}
	c.status = StatusSaved
	c.lastErr = nil
	c.blocked = false
	replay := !c.paused && c.takeReplayLocked()
	c.mu.Unlock()

	if replay {
		c.TriggerChange()
	}
}

// Unblock re-enables scheduling after a conflict stopped it, once the
// caller holds a current version again. Like Resume it schedules nothing
// by itself.
func (c *Coordinator) Unblock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked = false
}

// Blocked reports whether a conflict stopped scheduling.
func (c *Coordinator) Blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

// Status returns the current autosave status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastError returns the error of the most recent failed autosave, nil
// after a success.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Paused reports whether scheduling is suspended.
func (c *Coordinator) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Close stops the coordinator. Later triggers are ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopTimerLocked()
	c.gen++
}
