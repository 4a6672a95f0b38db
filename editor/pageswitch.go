package editor

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrSwitchNotAllowed is returned when a page switch is requested
	// while the machine is neither ready nor already switching.
	ErrSwitchNotAllowed = errors.New("editor: page switch not allowed in current state")

	// ErrSuperseded is returned by a switch that was cancelled because a
	// newer one started.
	ErrSuperseded = errors.New("editor: page switch superseded")
)

// PageSwitcher runs page switches against a Machine. Starting a switch
// while one is in flight cancels the older one; only the newest switch
// releases the page_switching state.
type PageSwitcher struct {
	machine *Machine

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

func NewPageSwitcher(m *Machine) *PageSwitcher {
	return &PageSwitcher{machine: m}
}

// Switch dispatches pageSwitchStart, runs work with a context that is
// cancelled if a newer switch starts, then dispatches pageSwitchComplete.
// work should check the context at every suspension point (see
// Checkpoint).
func (p *PageSwitcher) Switch(ctx context.Context, work func(ctx context.Context) error) error {
	p.mu.Lock()
	if !p.machine.Dispatch(PageSwitchStart()) {
		p.mu.Unlock()
		return ErrSwitchNotAllowed
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.gen++
	gen := p.gen
	sctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	err := work(sctx)

	p.mu.Lock()
	superseded := p.gen != gen
	if !superseded {
		p.cancel = nil
		p.machine.Dispatch(PageSwitchComplete())
	}
	p.mu.Unlock()
	cancel()

	if superseded {
		return ErrSuperseded
	}
	return err
}

// InFlight reports whether a switch is currently running.
func (p *PageSwitcher) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Checkpoint returns ctx.Err(). Call it after every wait in a switch.
func Checkpoint(ctx context.Context) error {
	return ctx.Err()
}

// WaitFrameReady waits until ready is closed or receives. If timeout
// elapses first it gives up waiting and reports timedOut, letting the
// caller continue optimistically. Cancellation of ctx returns ctx.Err().
// A nil ready channel waits for the timeout only.
func WaitFrameReady(ctx context.Context, ready <-chan struct{}, timeout time.Duration) (timedOut bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
		return false, nil
	case <-timer.C:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
