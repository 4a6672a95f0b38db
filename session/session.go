// Package session ties one open prototype together on the client side: the
// editor state machine, the autosave coordinator, page switching and
// extraction from the live canvas, against a Backend that persists.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/orian/protoboard/autosave"
	"github.com/orian/protoboard/editor"
	"github.com/orian/protoboard/extract"
	"github.com/orian/protoboard/logging"
	"github.com/orian/protoboard/models"
)

// ErrNotReady is returned when the machine refuses an operation in its
// current state.
var ErrNotReady = errors.New("session: editor is not ready")

// DefaultFrameTimeout bounds the wait for a page frame to render.
const DefaultFrameTimeout = 2 * time.Second

// Backend persists prototypes. *client.Client satisfies it.
type Backend interface {
	GetPrototype(ctx context.Context, slug string) (*models.Prototype, error)
	UpdatePrototype(ctx context.Context, slug string, upd models.PrototypeUpdate) (*models.Prototype, error)
	RestoreVersion(ctx context.Context, slug string, number int64, expected *int64) (*models.Prototype, error)
}

// Canvas is the live editor engine.
type Canvas interface {
	extract.Editor

	// Load replaces everything on the canvas.
	Load(html string, doc models.Document) error

	// FrameReady returns a channel that fires once the frame has rendered
	// after the next page selection. A nil channel means the canvas cannot
	// signal and the session waits for the frame timeout instead.
	FrameReady() <-chan struct{}
}

type Options struct {
	Autosave     autosave.Options
	FrameTimeout time.Duration
	Clock        clock.Clock
	Logger       *logging.Logger
}

type Session struct {
	backend Backend
	canvas  Canvas
	opts    Options
	log     *logging.Logger

	machine  *editor.Machine
	switcher *editor.PageSwitcher
	autosave *autosave.Coordinator

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	slug     string
	warnings []extract.Warning
}

func New(backend Backend, canvas Canvas, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = DefaultFrameTimeout
	}
	if opts.Autosave.Clock == nil {
		opts.Autosave.Clock = opts.Clock
	}
	if opts.Autosave.Logger == nil {
		opts.Autosave.Logger = opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		backend: backend,
		canvas:  canvas,
		opts:    opts,
		log:     opts.Logger.With("component", "session"),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.machine = editor.NewMachine(editor.WithClock(opts.Clock), editor.WithObserver(s.observe))
	s.switcher = editor.NewPageSwitcher(s.machine)
	s.autosave = autosave.New(ctx, s.machine, autosave.SaverFunc(s.Save), opts.Autosave)
	return s
}

func (s *Session) observe(prev, next editor.Snapshot, ev editor.Event) {
	if prev.State != next.State {
		s.log.Debug("state change", "from", prev.State, "to", next.State, "event", ev.Type)
	}
}

// Open loads slug into the canvas. The session then waits in
// initializing_editor until EditorReady.
func (s *Session) Open(ctx context.Context, slug string) error {
	if !s.machine.Dispatch(editor.LoadPrototype()) {
		return fmt.Errorf("open %s: %w", slug, ErrNotReady)
	}

	p, err := s.backend.GetPrototype(ctx, slug)
	if err == nil {
		err = s.canvas.Load(p.HTMLContent, p.StructuredDocument)
	}
	if err != nil {
		s.machine.Dispatch(editor.PrototypeLoadFailed(err.Error()))
		return fmt.Errorf("open %s: %w", slug, err)
	}

	s.mu.Lock()
	s.slug = slug
	s.mu.Unlock()
	s.machine.Dispatch(editor.PrototypeLoaded(p))
	return nil
}

// EditorReady reports that the canvas finished initializing.
func (s *Session) EditorReady() bool {
	return s.machine.Dispatch(editor.EditorReady())
}

// ContentChanged reports a user edit on the canvas.
func (s *Session) ContentChanged() {
	s.autosave.TriggerChange()
}

// Save extracts the canvas and writes it with the loaded version as the
// precondition. Conflicts are returned as they are; the caller decides
// whether to reload.
func (s *Session) Save(ctx context.Context, kind editor.SaveKind) error {
	if !s.machine.Dispatch(editor.SaveStart(kind)) {
		return ErrNotReady
	}

	res, err := extract.Extract(ctx, s.canvas)
	if err != nil {
		s.machine.Dispatch(editor.SaveFailed(err.Error()))
		return err
	}
	s.mu.Lock()
	s.warnings = res.Warnings
	slug := s.slug
	s.mu.Unlock()
	for _, w := range res.Warnings {
		s.log.Warn("extraction warning", "slug", slug, "warning", w.String())
	}

	expected := s.machine.Snapshot().Prototype.Version
	p, err := s.backend.UpdatePrototype(ctx, slug, models.PrototypeUpdate{
		HTMLContent:        &res.HTML,
		StructuredDocument: res.Document,
		ExpectedVersion:    &expected,
	})
	if err != nil {
		s.machine.Dispatch(editor.SaveFailed(err.Error()))
		if ce, ok := models.AsConflict(err); ok {
			s.log.Info("save conflict", "slug", slug, "serverVersion", ce.ServerVersion, "yourVersion", expected)
		}
		return err
	}

	s.machine.Dispatch(editor.SaveSuccess(p))
	if kind == editor.SaveManual {
		s.autosave.MarkSaved()
	}
	return nil
}

// RestoreVersion makes snapshot number the live content and reloads the
// canvas with it. Autosave is paused for the duration and unblocked on
// success, since the session then holds the current version.
func (s *Session) RestoreVersion(ctx context.Context, number int64) (*models.Prototype, error) {
	s.autosave.Pause()
	defer s.autosave.Resume()

	if !s.machine.Dispatch(editor.RestoreVersionStart(number)) {
		return nil, ErrNotReady
	}

	s.mu.Lock()
	slug := s.slug
	s.mu.Unlock()
	expected := s.machine.Snapshot().Prototype.Version

	p, err := s.backend.RestoreVersion(ctx, slug, number, &expected)
	if err == nil {
		// On a load failure the machine keeps the old version, so the next
		// save conflicts instead of overwriting the restore.
		err = s.canvas.Load(p.HTMLContent, p.StructuredDocument)
	}
	if err != nil {
		s.machine.Dispatch(editor.RestoreVersionFailed(err.Error()))
		return nil, err
	}

	s.machine.Dispatch(editor.RestoreVersionComplete(p))
	s.autosave.Unblock()
	return p, nil
}

// SwitchPage selects pageID on the canvas. A newer switch supersedes this
// one, which then returns editor.ErrSuperseded.
func (s *Session) SwitchPage(ctx context.Context, pageID string) error {
	s.autosave.Pause()
	defer s.autosave.Resume()

	err := s.switcher.Switch(ctx, func(ctx context.Context) error {
		ready := s.canvas.FrameReady()
		if err := s.canvas.SelectPage(pageID, extract.ModeInteractive); err != nil {
			return fmt.Errorf("select page %s: %w", pageID, err)
		}
		timedOut, err := editor.WaitFrameReady(ctx, ready, s.opts.FrameTimeout)
		if err != nil {
			return err
		}
		if timedOut {
			s.log.Debug("frame not ready, continuing", "page", pageID, "timeout", s.opts.FrameTimeout)
		}
		return editor.Checkpoint(ctx)
	})
	if errors.Is(err, editor.ErrSwitchNotAllowed) {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	return err
}

// Reset leaves the error state so Open can be retried.
func (s *Session) Reset() bool {
	return s.machine.Dispatch(editor.Reset())
}

func (s *Session) Snapshot() editor.Snapshot {
	return s.machine.Snapshot()
}

func (s *Session) AutosaveStatus() autosave.Status {
	return s.autosave.Status()
}

// Warnings returns the warnings of the last extraction.
func (s *Session) Warnings() []extract.Warning {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]extract.Warning(nil), s.warnings...)
}

// Close stops autosave and cancels any save it started.
func (s *Session) Close() {
	s.autosave.Close()
	s.cancel()
}
