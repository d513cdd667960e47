package asr

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle stage of a streaming session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSessionStarting // socket open, waiting for the vendor's start confirmation
	StateStreaming
	StateStopping
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSessionStarting:
		return "session_starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// DefaultStartTimeout is how long a session waits for the vendor's start
// confirmation before failing.
const DefaultStartTimeout = 10 * time.Second

// validTransitions lists the allowed forward edges. StateError is reachable
// from every non-terminal state via Fail and is not listed here.
var validTransitions = map[State][]State{
	StateIdle:            {StateConnecting},
	StateConnecting:      {StateSessionStarting, StateClosed},
	StateSessionStarting: {StateStreaming, StateStopping, StateClosed},
	StateStreaming:       {StateStopping, StateClosed},
	StateStopping:        {StateClosed},
	StateClosed:          {StateConnecting}, // reconnect reuses the session
}

// Session tracks the lifecycle of one streaming exchange with a vendor.
// It enforces the transition table, arms the start-confirmation timeout and
// guarantees the terminal error fires exactly once.
type Session struct {
	id         string
	state      State
	err        error
	startTimer *time.Timer
	mu         sync.RWMutex
}

// NewSession creates a session in StateIdle with a fresh id.
func NewSession() *Session {
	return &Session{
		id:    uuid.NewString(),
		state: StateIdle,
	}
}

// ID returns the session's identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the terminal error, or nil.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// To moves the session to next, rejecting transitions the table does not
// allow. A session that already failed rejects everything.
func (s *Session) To(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateError {
		return fmt.Errorf("session %s already failed: %w", s.id, s.err)
	}
	for _, allowed := range validTransitions[s.state] {
		if next == allowed {
			s.disarmLocked()
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", s.state, next)
}

// Fail moves the session to StateError and records err. Returns true only
// for the first call; later calls (and calls on a closed session) return
// false so the caller can suppress duplicate error callbacks.
func (s *Session) Fail(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateError || s.state == StateClosed {
		return false
	}
	s.disarmLocked()
	s.state = StateError
	s.err = err
	return true
}

// Failed reports whether the session has reached StateError. Adapters use
// this to drop inbound messages that race the terminal error.
func (s *Session) Failed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateError
}

// Streaming reports whether audio may currently be sent.
func (s *Session) Streaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateStreaming
}

// ArmStartTimeout starts the confirmation timer. If the session does not
// reach StateStreaming within d, onTimeout runs on the timer goroutine.
// Reaching StateStreaming, failing or closing disarms it.
func (s *Session) ArmStartTimeout(d time.Duration, onTimeout func()) {
	if d <= 0 {
		d = DefaultStartTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.disarmLocked()
	s.startTimer = time.AfterFunc(d, func() {
		if s.State() == StateSessionStarting {
			onTimeout()
		}
	})
}

// DisarmStartTimeout cancels a pending confirmation timer.
func (s *Session) DisarmStartTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked()
}

func (s *Session) disarmLocked() {
	if s.startTimer != nil {
		s.startTimer.Stop()
		s.startTimer = nil
	}
}

// Reset returns a failed or closed session to StateIdle with a new id, for
// adapters that rebuild the session on reconnect.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disarmLocked()
	s.id = uuid.NewString()
	s.state = StateIdle
	s.err = nil
}
