package asr

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSession_HappyPath(t *testing.T) {
	s := NewSession()

	if s.State() != StateIdle {
		t.Fatalf("Expected idle, got %s", s.State())
	}

	for _, next := range []State{StateConnecting, StateSessionStarting, StateStreaming, StateStopping, StateClosed} {
		if err := s.To(next); err != nil {
			t.Fatalf("Transition to %s failed: %v", next, err)
		}
	}

	if s.State() != StateClosed {
		t.Errorf("Expected closed, got %s", s.State())
	}
}

func TestSession_InvalidTransition(t *testing.T) {
	s := NewSession()

	if err := s.To(StateStreaming); err == nil {
		t.Error("Expected idle -> streaming to be rejected")
	}
	if s.State() != StateIdle {
		t.Errorf("Failed transition must not change state, got %s", s.State())
	}

	if err := s.To(StateConnecting); err != nil {
		t.Fatalf("idle -> connecting failed: %v", err)
	}
	if err := s.To(StateIdle); err == nil {
		t.Error("Expected connecting -> idle to be rejected")
	}
}

func TestSession_ReconnectFromClosed(t *testing.T) {
	s := NewSession()
	mustTo(t, s, StateConnecting, StateSessionStarting, StateClosed)

	if err := s.To(StateConnecting); err != nil {
		t.Errorf("closed -> connecting must be allowed for reconnect: %v", err)
	}
}

func TestSession_FailOnce(t *testing.T) {
	s := NewSession()
	mustTo(t, s, StateConnecting, StateSessionStarting)

	first := errors.New("task failed")
	if !s.Fail(first) {
		t.Fatal("Expected first Fail to report true")
	}
	if s.Fail(errors.New("second")) {
		t.Error("Expected second Fail to report false")
	}

	if !s.Failed() {
		t.Error("Expected Failed() after Fail")
	}
	if !errors.Is(s.Err(), first) {
		t.Errorf("Expected first error to stick, got %v", s.Err())
	}
	if err := s.To(StateStreaming); err == nil {
		t.Error("Expected transitions to be rejected after failure")
	}
}

func TestSession_FailAfterClosedIgnored(t *testing.T) {
	s := NewSession()
	mustTo(t, s, StateConnecting, StateSessionStarting, StateClosed)

	if s.Fail(errors.New("late")) {
		t.Error("Expected Fail on a closed session to report false")
	}
	if s.State() != StateClosed {
		t.Errorf("Expected state to stay closed, got %s", s.State())
	}
}

func TestSession_StartTimeoutFires(t *testing.T) {
	s := NewSession()
	mustTo(t, s, StateConnecting, StateSessionStarting)

	var fired atomic.Int32
	s.ArmStartTimeout(20*time.Millisecond, func() {
		fired.Add(1)
	})

	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 1 {
		t.Errorf("Expected timeout to fire once, got %d", fired.Load())
	}
}

func TestSession_StartTimeoutDisarmedByStreaming(t *testing.T) {
	s := NewSession()
	mustTo(t, s, StateConnecting, StateSessionStarting)

	var fired atomic.Int32
	s.ArmStartTimeout(20*time.Millisecond, func() {
		fired.Add(1)
	})
	mustTo(t, s, StateStreaming)

	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("Expected no timeout after confirmation, got %d", fired.Load())
	}
}

func TestSession_Reset(t *testing.T) {
	s := NewSession()
	oldID := s.ID()
	mustTo(t, s, StateConnecting)
	s.Fail(errors.New("boom"))

	s.Reset()
	if s.State() != StateIdle {
		t.Errorf("Expected idle after reset, got %s", s.State())
	}
	if s.Err() != nil {
		t.Errorf("Expected error cleared, got %v", s.Err())
	}
	if s.ID() == oldID {
		t.Error("Expected a new id after reset")
	}
}

func mustTo(t *testing.T, s *Session, states ...State) {
	t.Helper()
	for _, st := range states {
		if err := s.To(st); err != nil {
			t.Fatalf("Transition to %s failed: %v", st, err)
		}
	}
}
