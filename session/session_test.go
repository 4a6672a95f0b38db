package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/orian/protoboard/autosave"
	"github.com/orian/protoboard/editor"
	"github.com/orian/protoboard/extract"
	"github.com/orian/protoboard/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu       sync.Mutex
	proto    models.Prototype
	versions map[int64]string
	getErr   error
	updates  []models.PrototypeUpdate
	// during runs inside RestoreVersion.
	during func()
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		proto:    models.Prototype{Slug: "demo", Version: 3, HTMLContent: "<p>three</p>"},
		versions: map[int64]string{1: "<p>one</p>", 2: "<p>two</p>"},
	}
}

func (b *fakeBackend) GetPrototype(_ context.Context, slug string) (*models.Prototype, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.getErr != nil {
		return nil, b.getErr
	}
	p := b.proto
	return &p, nil
}

func (b *fakeBackend) checkLocked(expected *int64) error {
	if expected != nil && *expected != b.proto.Version {
		return &models.ConflictError{ServerVersion: b.proto.Version, YourVersion: expected, Reason: models.ReasonVersionMismatch}
	}
	return nil
}

func (b *fakeBackend) UpdatePrototype(_ context.Context, slug string, upd models.PrototypeUpdate) (*models.Prototype, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, upd)
	if err := b.checkLocked(upd.ExpectedVersion); err != nil {
		return nil, err
	}
	b.proto.Version++
	b.proto.HTMLContent = *upd.HTMLContent
	b.proto.StructuredDocument = upd.StructuredDocument
	p := b.proto
	return &p, nil
}

func (b *fakeBackend) RestoreVersion(_ context.Context, slug string, number int64, expected *int64) (*models.Prototype, error) {
	if b.during != nil {
		b.during()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(expected); err != nil {
		return nil, err
	}
	html, ok := b.versions[number]
	if !ok {
		return nil, models.ErrNotFound
	}
	b.proto.Version++
	b.proto.HTMLContent = html
	p := b.proto
	return &p, nil
}

func (b *fakeBackend) updateCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.updates)
}

type fakeCanvas struct {
	mu       sync.Mutex
	html     string
	pages    []extract.Page
	selected string
	modes    []extract.Mode
	loadErr  error
	// signal closes the frame-ready channel on selection.
	signal bool
	ready  chan struct{}
}

func newFakeCanvas() *fakeCanvas {
	return &fakeCanvas{
		pages:    []extract.Page{{ID: "home", Name: "Home"}, {ID: "about", Name: "About"}},
		selected: "home",
		signal:   true,
	}
}

func (c *fakeCanvas) Load(html string, doc models.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadErr != nil {
		return c.loadErr
	}
	c.html = html
	return nil
}

func (c *fakeCanvas) FrameReady() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.signal {
		return nil
	}
	c.ready = make(chan struct{})
	return c.ready
}

func (c *fakeCanvas) Serialize() (models.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pages := make([]any, 0, len(c.pages))
	for _, p := range c.pages {
		pages = append(pages, map[string]any{"id": p.ID, "name": p.Name})
	}
	return models.Document{"pages": pages}, nil
}

func (c *fakeCanvas) Pages() ([]extract.Page, error) { return c.pages, nil }

func (c *fakeCanvas) SelectedPage() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected, nil
}

func (c *fakeCanvas) SelectPage(id string, mode extract.Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = id
	c.modes = append(c.modes, mode)
	if mode == extract.ModeInteractive && c.ready != nil {
		close(c.ready)
		c.ready = nil
	}
	return nil
}

func (c *fakeCanvas) HTMLFor(p extract.Page) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.html + "<!-- " + p.ID + " -->", nil
}

func (c *fakeCanvas) PageComponents(p extract.Page) (any, error) { return []any{}, nil }
func (c *fakeCanvas) Styles() ([]any, error) { return []any{}, nil }
func (c *fakeCanvas) Assets() ([]any, error) { return []any{}, nil }

func openSession(t *testing.T, autosaveEnabled bool) (*Session, *fakeBackend, *fakeCanvas, *clock.Mock) {
	t.Helper()
	backend := newFakeBackend()
	canvas := newFakeCanvas()
	mock := clock.NewMock()
	s := New(backend, canvas, Options{
		Clock:        mock,
		FrameTimeout: 50 * time.Millisecond,
		Autosave:     autosave.Options{Enabled: autosaveEnabled, Debounce: time.Second},
	})
	t.Cleanup(s.Close)

	require.NoError(t, s.Open(context.Background(), "demo"))
	assert.Equal(t, editor.StateInitializingEditor, s.Snapshot().State)
	require.True(t, s.EditorReady())
	require.Equal(t, editor.StateReady, s.Snapshot().State)
	return s, backend, canvas, mock
}

func TestOpenLoadsCanvas(t *testing.T) {
	s, _, canvas, _ := openSession(t, false)
	assert.Equal(t, "<p>three</p>", canvas.html)
	assert.Equal(t, int64(3), s.Snapshot().Prototype.Version)
	assert.False(t, s.Snapshot().Dirty)
}

func TestOpenFailureAndReset(t *testing.T) {
	backend := newFakeBackend()
	backend.getErr = models.ErrNotFound
	s := New(backend, newFakeCanvas(), Options{})
	defer s.Close()

	err := s.Open(context.Background(), "demo")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, editor.StateError, s.Snapshot().State)
	assert.NotEmpty(t, s.Snapshot().Error)

	assert.ErrorIs(t, s.Open(context.Background(), "demo"), ErrNotReady, "open needs a reset first")

	require.True(t, s.Reset())
	backend.getErr = nil
	require.NoError(t, s.Open(context.Background(), "demo"))
}

func TestManualSave(t *testing.T) {
	s, backend, canvas, _ := openSession(t, false)
	canvas.html = "<p>edited</p>"
	s.ContentChanged()
	require.True(t, s.Snapshot().Dirty)

	require.NoError(t, s.Save(context.Background(), editor.SaveManual))

	require.Len(t, backend.updates, 1)
	upd := backend.updates[0]
	require.NotNil(t, upd.ExpectedVersion)
	assert.Equal(t, int64(3), *upd.ExpectedVersion)
	assert.Equal(t, "<p>edited</p><!-- home -->", *upd.HTMLContent)
	assert.Len(t, upd.StructuredDocument["pages"], 2)

	snap := s.Snapshot()
	assert.Equal(t, editor.StateReady, snap.State)
	assert.Equal(t, int64(4), snap.Prototype.Version)
	assert.False(t, snap.Dirty)
	assert.Equal(t, autosave.StatusSaved, s.AutosaveStatus())
	assert.Equal(t, "home", canvas.selected, "extraction restores the selected page")
	assert.Empty(t, s.Warnings())
}

func TestSaveConflictIsReturned(t *testing.T) {
	s, backend, _, _ := openSession(t, false)
	backend.proto.Version = 9
	s.ContentChanged()

	err := s.Save(context.Background(), editor.SaveManual)
	ce, ok := models.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, int64(9), ce.ServerVersion)

	snap := s.Snapshot()
	assert.Equal(t, editor.StateReady, snap.State)
	assert.True(t, snap.Dirty, "work stays dirty after a failed save")
	assert.NotEmpty(t, snap.Error)
	assert.Equal(t, 1, backend.updateCount(), "no automatic retry")
}

func TestSaveRefusedWhenNotReady(t *testing.T) {
	s := New(newFakeBackend(), newFakeCanvas(), Options{})
	defer s.Close()
	assert.ErrorIs(t, s.Save(context.Background(), editor.SaveManual), ErrNotReady)
}

func TestAutosaveAfterDebounce(t *testing.T) {
	s, backend, _, mock := openSession(t, true)

	s.ContentChanged()
	assert.Equal(t, autosave.StatusPending, s.AutosaveStatus())
	mock.Add(999 * time.Millisecond)
	assert.Equal(t, 0, backend.updateCount())

	mock.Add(time.Millisecond)
	assert.Equal(t, 1, backend.updateCount())
	assert.Equal(t, autosave.StatusSaved, s.AutosaveStatus())
	assert.Equal(t, editor.SaveAutosave, s.Snapshot().SaveKind)
	assert.False(t, s.Snapshot().Dirty)
}

func TestRestoreVersionPausesAutosave(t *testing.T) {
	s, backend, canvas, mock := openSession(t, true)

	s.ContentChanged()
	var pausedDuring bool
	backend.during = func() { pausedDuring = s.autosave.Paused() }

	p, err := s.RestoreVersion(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, pausedDuring)
	assert.False(t, s.autosave.Paused())
	assert.Equal(t, int64(4), p.Version)
	assert.Equal(t, "<p>one</p>", canvas.html)

	snap := s.Snapshot()
	assert.Equal(t, editor.StateReady, snap.State)
	assert.False(t, snap.Dirty)
	assert.Equal(t, int64(4), snap.Prototype.Version)

	// The autosave armed before the restore was dropped.
	mock.Add(time.Minute)
	assert.Equal(t, 0, backend.updateCount())
}

func TestAutosaveConflictWaitsForRestore(t *testing.T) {
	s, backend, _, mock := openSession(t, true)
	backend.proto.Version = 7

	s.ContentChanged()
	mock.Add(time.Second)
	require.Equal(t, 1, backend.updateCount())
	assert.Equal(t, autosave.StatusError, s.AutosaveStatus())

	s.ContentChanged()
	mock.Add(time.Minute)
	assert.Equal(t, 1, backend.updateCount(), "no autosave with a known stale version")

	// Restoring onto the server's version makes the session current again.
	backend.proto.Version = 3
	_, err := s.RestoreVersion(context.Background(), 2)
	require.NoError(t, err)

	s.ContentChanged()
	mock.Add(time.Second)
	assert.Equal(t, 2, backend.updateCount())
	assert.Equal(t, autosave.StatusSaved, s.AutosaveStatus())
}

func TestRestoreVersionFailures(t *testing.T) {
	s, _, canvas, _ := openSession(t, false)

	_, err := s.RestoreVersion(context.Background(), 42)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, editor.StateReady, s.Snapshot().State)
	assert.Equal(t, int64(3), s.Snapshot().Prototype.Version)

	canvas.loadErr = errors.New("canvas gone")
	_, err = s.RestoreVersion(context.Background(), 1)
	assert.Error(t, err)
	assert.Equal(t, int64(3), s.Snapshot().Prototype.Version, "a restore the canvas never showed is not adopted")
}

func TestSwitchPage(t *testing.T) {
	s, _, canvas, _ := openSession(t, false)

	require.NoError(t, s.SwitchPage(context.Background(), "about"))
	assert.Equal(t, "about", canvas.selected)
	assert.Equal(t, []extract.Mode{extract.ModeInteractive}, canvas.modes)
	assert.Equal(t, editor.StateReady, s.Snapshot().State)
}

func TestSwitchPageWithoutFrameSignal(t *testing.T) {
	s, _, canvas, _ := openSession(t, false)
	canvas.signal = false

	start := time.Now()
	require.NoError(t, s.SwitchPage(context.Background(), "about"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "falls back to the frame timeout")
	assert.Equal(t, editor.StateReady, s.Snapshot().State)
}

func TestSwitchPageCancelled(t *testing.T) {
	s, _, canvas, _ := openSession(t, false)
	canvas.signal = false

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.SwitchPage(ctx, "about")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, editor.StateReady, s.Snapshot().State, "a cancelled switch still releases the machine")
}

func TestSwitchPageRefusedWhileSaving(t *testing.T) {
	s, _, _, _ := openSession(t, false)
	require.True(t, s.machine.Dispatch(editor.SaveStart(editor.SaveManual)))

	err := s.SwitchPage(context.Background(), "about")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestCloseStopsAutosave(t *testing.T) {
	s, backend, _, mock := openSession(t, true)
	s.Close()

	s.ContentChanged()
	mock.Add(time.Minute)
	assert.Equal(t, 0, backend.updateCount())
}
