// Package lifecycle defines the proposal state machine.
package lifecycle

import (
	"context"
	"errors"
	"time"
)

const (
	Created           = "CREATED"
	PendingCompliance = "PENDING_COMPLIANCE"
	PendingApproval   = "PENDING_APPROVAL"
	TimeLocked        = "TIME_LOCKED"
	Executable        = "EXECUTABLE"
	Executing         = "EXECUTING"
	Executed          = "EXECUTED"
	Rejected          = "REJECTED"
	Expired           = "EXPIRED"
	Cancelled         = "CANCELLED"
)

var ErrInvalidTransition = errors.New("invalid proposal transition")

// CanTransition reports whether from may move to to. EXECUTING returns to
// EXECUTABLE when the signer fails or misses its deadline.
func CanTransition(from, to string) bool {
	switch from {
	case Created:
		return to == PendingCompliance || to == PendingApproval || to == Rejected
	case PendingCompliance:
		return to == PendingApproval || to == Rejected || to == Expired || to == Cancelled
	case PendingApproval:
		return to == TimeLocked || to == Expired || to == Cancelled
	case TimeLocked:
		return to == Executable || to == Expired || to == Cancelled
	case Executable:
		return to == Executing || to == Expired || to == Cancelled
	case Executing:
		return to == Executed || to == Executable
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func IsTerminal(status string) bool {
	switch status {
	case Executed, Rejected, Expired, Cancelled:
		return true
	default:
		return false
	}
}

// CanApprove lists the states in which approvals are still collected.
func CanApprove(status string) bool {
	return status == PendingApproval || status == TimeLocked || status == Executable
}

// Sweepable reports whether lazy expiry may act on a proposal in status.
func Sweepable(status string) bool {
	return !IsTerminal(status) && status != Executing
}

// HoldsReservation reports whether a proposal in status owns reserved fragments.
func HoldsReservation(status string) bool {
	switch status {
	case PendingCompliance, PendingApproval, TimeLocked, Executable, Executing:
		return true
	default:
		return false
	}
}

func QuorumReached(received, required int) bool {
	if required <= 0 {
		required = 1
	}
	return received >= required
}

func IsExpired(now, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.UTC().Before(expiresAt.UTC())
}

// ExecuteWithCompensation executes and calls compensation on failure.
func ExecuteWithCompensation(ctx context.Context, execute func(context.Context) error, compensate func(context.Context) error) error {
	if execute == nil {
		return errors.New("execute missing")
	}
	if err := execute(ctx); err != nil {
		if compensate != nil {
			_ = compensate(ctx)
		}
		return err
	}
	return nil
}
