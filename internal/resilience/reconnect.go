package resilience

import (
	"context"
	"time"
)

// ReconnectPolicy decides whether and when a dropped streaming connection is
// redialed. The vendor gateways expect a fixed pause rather than exponential
// backoff, and certain close codes mean the credentials were rejected, where
// redialing would only repeat the failure.
type ReconnectPolicy struct {
	Delay              time.Duration // fixed pause before each redial
	MaxAttempts        int           // consecutive failed redials before giving up, 0 = unlimited
	TerminalCloseCodes []int         // close codes that must never trigger a redial
}

// DefaultReconnectPolicy returns the policy the realtime recognizers use:
// redial after 3 seconds, indefinitely, except on terminal close codes.
func DefaultReconnectPolicy(terminalCodes ...int) *ReconnectPolicy {
	return &ReconnectPolicy{
		Delay:              3 * time.Second,
		MaxAttempts:        0,
		TerminalCloseCodes: terminalCodes,
	}
}

// ShouldReconnect reports whether a connection that closed with closeCode
// may be redialed. Normal closure (wasClean) never reconnects; neither do
// the policy's terminal close codes.
func (p *ReconnectPolicy) ShouldReconnect(closeCode int, wasClean bool) bool {
	if wasClean {
		return false
	}
	for _, code := range p.TerminalCloseCodes {
		if closeCode == code {
			return false
		}
	}
	return true
}

// Wait blocks for the policy delay or until ctx is cancelled.
func (p *ReconnectPolicy) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.Delay):
		return nil
	}
}

// Exhausted reports whether attempt consecutive failed redials have used up
// the policy budget.
func (p *ReconnectPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}
