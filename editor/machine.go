// Package editor models the lifecycle of one open prototype as a finite
// state machine.
//
// The machine is a transition table (state × event → next state). An event
// with no entry for the current state is ignored: Dispatch reports false
// and nothing changes. Saving, page switching and restoring are states
// rather than flags, so none of them can start while another is running.
package editor

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/orian/protoboard/models"
)

// State is a machine state.
type State string

const (
	StateUninitialized      State = "uninitialized"
	StateLoadingPrototype   State = "loading_prototype"
	StateInitializingEditor State = "initializing_editor"
	StateReady              State = "ready"
	StateSaving             State = "saving"
	StatePageSwitching      State = "page_switching"
	StateRestoringVersion   State = "restoring_version"
	StateError              State = "error"
)

// EventType names a machine event.
type EventType string

const (
	EventLoadPrototype          EventType = "loadPrototype"
	EventPrototypeLoaded        EventType = "prototypeLoaded"
	EventPrototypeLoadFailed    EventType = "prototypeLoadFailed"
	EventEditorReady            EventType = "editorReady"
	EventContentChanged         EventType = "contentChanged"
	EventSaveStart              EventType = "saveStart"
	EventSaveSuccess            EventType = "saveSuccess"
	EventSaveFailed             EventType = "saveFailed"
	EventPageSwitchStart        EventType = "pageSwitchStart"
	EventPageSwitchComplete     EventType = "pageSwitchComplete"
	EventRestoreVersionStart    EventType = "restoreVersionStart"
	EventRestoreVersionComplete EventType = "restoreVersionComplete"
	EventRestoreVersionFailed   EventType = "restoreVersionFailed"
	EventReset                  EventType = "reset"
)

// SaveKind distinguishes user initiated saves from autosaves.
type SaveKind string

const (
	SaveManual   SaveKind = "manual"
	SaveAutosave SaveKind = "autosave"
)

// Event is a machine input. Only the payload fields relevant to Type are
// read.
type Event struct {
	Type          EventType
	Prototype     *models.Prototype
	Message       string
	SaveKind      SaveKind
	VersionNumber int64
}

func LoadPrototype() Event { return Event{Type: EventLoadPrototype} }
func PrototypeLoaded(p *models.Prototype) Event {
	return Event{Type: EventPrototypeLoaded, Prototype: p}
}
func PrototypeLoadFailed(msg string) Event {
	return Event{Type: EventPrototypeLoadFailed, Message: msg}
}
func EditorReady() Event { return Event{Type: EventEditorReady} }
func ContentChanged() Event { return Event{Type: EventContentChanged} }
func SaveStart(kind SaveKind) Event { return Event{Type: EventSaveStart, SaveKind: kind} }
func SaveSuccess(p *models.Prototype) Event { return Event{Type: EventSaveSuccess, Prototype: p} }
func SaveFailed(msg string) Event { return Event{Type: EventSaveFailed, Message: msg} }
func PageSwitchStart() Event { return Event{Type: EventPageSwitchStart} }
func PageSwitchComplete() Event { return Event{Type: EventPageSwitchComplete} }
func RestoreVersionStart(n int64) Event {
	return Event{Type: EventRestoreVersionStart, VersionNumber: n}
}
func RestoreVersionComplete(p *models.Prototype) Event {
	return Event{Type: EventRestoreVersionComplete, Prototype: p}
}
func RestoreVersionFailed(msg string) Event {
	return Event{Type: EventRestoreVersionFailed, Message: msg}
}
func Reset() Event { return Event{Type: EventReset} }

// transitions is the complete transition table. Anything not listed is a
// no-op.
var transitions = map[State]map[EventType]State{
	StateUninitialized: {
		EventLoadPrototype: StateLoadingPrototype,
	},
	StateLoadingPrototype: {
		EventPrototypeLoaded:     StateInitializingEditor,
		EventPrototypeLoadFailed: StateError,
	},
	StateInitializingEditor: {
		EventEditorReady: StateReady,
	},
	StateReady: {
		EventContentChanged:      StateReady,
		EventSaveStart:           StateSaving,
		EventPageSwitchStart:     StatePageSwitching,
		EventRestoreVersionStart: StateRestoringVersion,
	},
	StateSaving: {
		EventSaveSuccess: StateReady,
		EventSaveFailed:  StateReady,
	},
	StatePageSwitching: {
		// A second switch supersedes the first one.
		EventPageSwitchStart:    StatePageSwitching,
		EventPageSwitchComplete: StateReady,
	},
	StateRestoringVersion: {
		EventRestoreVersionComplete: StateReady,
		EventRestoreVersionFailed:   StateReady,
	},
	StateError: {
		EventReset: StateUninitialized,
	},
}

// Next returns the state reached from s on event t, and false when the
// table has no entry.
func Next(s State, t EventType) (State, bool) {
	next, ok := transitions[s][t]
	return next, ok
}

// Snapshot is the observable session state.
type Snapshot struct {
	State       State
	Prototype   *models.Prototype
	Dirty       bool
	LastSavedAt time.Time
	Error       string

	// SaveKind is the kind of the current or last save.
	SaveKind SaveKind
	// RestoringVersion is the target of the current restore.
	RestoringVersion int64
}

func (s Snapshot) CanSave() bool { return s.State == StateReady }
func (s Snapshot) CanAutosave() bool { return s.State == StateReady && s.Dirty }
func (s Snapshot) CanSwitchPage() bool { return s.State == StateReady }
func (s Snapshot) CanModifyContent() bool {
	return s.State == StateReady || s.State == StateInitializingEditor
}
func (s Snapshot) IsLoading() bool {
	return s.State == StateLoadingPrototype || s.State == StateInitializingEditor
}

// Observer is called after every applied transition, outside the lock.
type Observer func(prev, next Snapshot, ev Event)

// Machine is the state machine of one open prototype. It is safe for
// concurrent use; events are applied one at a time.
type Machine struct {
	mu        sync.Mutex
	snap      Snapshot
	clock     clock.Clock
	observers []Observer
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the clock used to stamp LastSavedAt.
func WithClock(c clock.Clock) Option { return func(m *Machine) { m.clock = c } }

// WithObserver registers a transition observer.
func WithObserver(o Observer) Option {
	return func(m *Machine) { m.observers = append(m.observers, o) }
}

func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		snap:  Snapshot{State: StateUninitialized},
		clock: clock.New(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Dispatch applies ev and reports whether the table had an entry for it.
func (m *Machine) Dispatch(ev Event) bool {
	m.mu.Lock()
	prev := m.snap
	next, ok := Next(prev.State, ev.Type)
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.snap = m.reduce(prev, next, ev)
	cur := m.snap
	observers := m.observers
	m.mu.Unlock()

	for _, o := range observers {
		o(prev, cur, ev)
	}
	return true
}

// reduce computes the payload side of a transition already allowed by the
// table.
func (m *Machine) reduce(s Snapshot, next State, ev Event) Snapshot {
	s.State = next
	switch ev.Type {
	case EventPrototypeLoaded:
		s.Prototype = ev.Prototype
		s.Error = ""
	case EventPrototypeLoadFailed:
		s.Error = ev.Message
	case EventContentChanged:
		s.Dirty = true
	case EventSaveStart:
		s.SaveKind = ev.SaveKind
		s.Error = ""
	case EventSaveSuccess:
		s.Prototype = ev.Prototype
		s.Dirty = false
		s.LastSavedAt = m.clock.Now()
		s.Error = ""
	case EventSaveFailed:
		// Dirty is kept so the work stays retryable.
		s.Error = ev.Message
	case EventRestoreVersionStart:
		s.RestoringVersion = ev.VersionNumber
	case EventRestoreVersionComplete:
		s.Prototype = ev.Prototype
		s.Dirty = false
		s.RestoringVersion = 0
		s.Error = ""
	case EventRestoreVersionFailed:
		s.RestoringVersion = 0
		s.Error = ev.Message
	case EventReset:
		s = Snapshot{State: next}
	}
	return s
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *Machine) State() State { return m.Snapshot().State }
func (m *Machine) CanSave() bool { return m.Snapshot().CanSave() }
func (m *Machine) CanAutosave() bool { return m.Snapshot().CanAutosave() }
func (m *Machine) CanSwitchPage() bool { return m.Snapshot().CanSwitchPage() }
func (m *Machine) CanModifyContent() bool { return m.Snapshot().CanModifyContent() }
func (m *Machine) IsLoading() bool { return m.Snapshot().IsLoading() }
