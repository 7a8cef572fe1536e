// Package session holds the recording lifecycle. A Machine owns the one
// active session of the process and only changes it through transitions.
package session

import (
	"time"

	apperrors "github.com/GriffinCanCode/voicelog/internal/errors"
	"github.com/GriffinCanCode/voicelog/internal/syncx"
)

// State is a lifecycle state. Discarded and Persisted are terminal.
type State int

const (
	Idle State = iota
	Recording
	Finalizing
	Discarded
	Persisted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Finalizing:
		return "finalizing"
	case Discarded:
		return "discarded"
	case Persisted:
		return "persisted"
	}
	return "unknown"
}

// Active reports whether a session is underway.
func (s State) Active() bool { return s == Recording || s == Finalizing }

// Terminal reports whether the session has ended.
func (s State) Terminal() bool { return s == Discarded || s == Persisted }

// Session is one recording run.
type Session struct {
	ID              string        `json:"id,omitempty"`
	State           State         `json:"-"`
	ModelTag        string        `json:"model"`
	SegmentDuration time.Duration `json:"-"`
	OverlapDuration time.Duration `json:"-"`
	Device          string        `json:"device,omitempty"`
	CreatedAt       time.Time     `json:"created_at,omitempty"`
}

// Machine enforces the transitions
//
//	Idle|Discarded|Persisted --start--> Recording --stop--> Finalizing
//	Finalizing --non-empty--> Persisted, Finalizing --empty--> Discarded
//	Recording|Finalizing --abort--> Discarded
type Machine struct {
	cur *syncx.RWGuard[Session]
}

// New returns an idle machine.
func New() *Machine {
	return &Machine{cur: syncx.NewGuard(Session{State: Idle})}
}

// Current returns a copy of the session.
func (m *Machine) Current() Session { return m.cur.Get() }

// State returns the current state.
func (m *Machine) State() State {
	return syncx.View(m.cur, func(s Session) State { return s.State })
}

// Start begins s. It fails with AlreadyRecording while a session is active.
func (m *Machine) Start(s Session) error {
	return syncx.Mutate(m.cur, func(cur *Session) error {
		if cur.State.Active() {
			return apperrors.New(apperrors.AlreadyRecording, "a recording is already in progress").
				WithMetadata("id", cur.ID).WithMetadata("state", cur.State.String())
		}
		s.State = Recording
		*cur = s
		return nil
	})
}

// Stop moves Recording to Finalizing and reports whether it did. Stopping
// any other state changes nothing.
func (m *Machine) Stop() bool {
	return syncx.Mutate(m.cur, func(cur *Session) bool {
		if cur.State != Recording {
			return false
		}
		cur.State = Finalizing
		return true
	})
}

// Finalize ends a Finalizing session: Persisted when the transcript has
// content, Discarded when it is empty.
func (m *Machine) Finalize(nonEmpty bool) (state State, err error) {
	m.cur.Write(func(cur *Session) {
		if cur.State != Finalizing {
			state, err = cur.State, notRecording(cur)
			return
		}
		cur.State = Discarded
		if nonEmpty {
			cur.State = Persisted
		}
		state = cur.State
	})
	return state, err
}

// Abort discards an active session.
func (m *Machine) Abort() error {
	return syncx.Mutate(m.cur, func(cur *Session) error {
		if !cur.State.Active() {
			return notRecording(cur)
		}
		cur.State = Discarded
		return nil
	})
}

func notRecording(s *Session) error {
	return apperrors.Newf(apperrors.NotRecording, "no active recording (state %s)", s.State).
		WithMetadata("state", s.State.String())
}
