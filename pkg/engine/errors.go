package engine

import (
	"errors"

	"treasury/pkg/compliance"
	"treasury/pkg/governance"
	"treasury/pkg/policy"
	"treasury/pkg/signer"
	"treasury/pkg/utxo"
)

var (
	ErrUnauthorized        = governance.ErrUnauthorized
	ErrPolicyViolation     = policy.ErrPolicyViolation
	ErrInvalidThreshold    = policy.ErrInvalidThreshold
	ErrInsufficientFunds   = utxo.ErrInsufficientFunds
	ErrComplianceExpired   = compliance.ErrComplianceExpired
	ErrSignerRejected      = signer.ErrSignerRejected
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrEmergencyModeActive = errors.New("emergency mode active")
	ErrDuplicateApproval   = errors.New("duplicate approval")
	ErrExpired             = errors.New("proposal expired")
	ErrSanctionedParty     = errors.New("sanctioned party")
	ErrComplianceRejected  = errors.New("compliance rejected")
	ErrInvalidState        = errors.New("invalid proposal state")
	ErrNotFound            = errors.New("not found")
	ErrVaultExists         = errors.New("vault already exists")
	ErrStaleResult         = errors.New("stale signer result")
	ErrSignerUnavailable   = errors.New("signer unavailable")
	ErrSignerFailed        = errors.New("signer submission failed")
	ErrInvalidRequest      = errors.New("invalid request")
)

// Code maps an engine error to a stable snake_case reason used in metrics
// and API responses. Unknown errors report "internal".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized), errors.Is(err, governance.ErrSoDViolation):
		return "unauthorized"
	case errors.Is(err, ErrSanctionedParty):
		return "sanctioned_party"
	case errors.Is(err, ErrComplianceRejected):
		return "compliance_rejected"
	case errors.Is(err, ErrComplianceExpired):
		return "compliance_expired"
	case errors.Is(err, ErrPolicyViolation):
		return "policy_violation"
	case errors.Is(err, ErrInvalidThreshold), errors.Is(err, policy.ErrUnknownClass):
		return "invalid_threshold"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrEmergencyModeActive):
		return "emergency_mode_active"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrDuplicateApproval):
		return "duplicate_approval"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrStaleResult):
		return "stale_result"
	case errors.Is(err, ErrNotFound), errors.Is(err, compliance.ErrProfileNotFound):
		return "not_found"
	case errors.Is(err, ErrVaultExists):
		return "vault_exists"
	case errors.Is(err, ErrSignerUnavailable), errors.Is(err, ErrSignerFailed), errors.Is(err, ErrSignerRejected):
		return "signer_failed"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, compliance.ErrInvalidRecord),
		errors.Is(err, utxo.ErrInvalidAmount), errors.Is(err, utxo.ErrDuplicateFragment),
		errors.Is(err, utxo.ErrUnknownFragment), errors.Is(err, governance.ErrInvalidConfig):
		return "invalid_request"
	default:
		return "internal"
	}
}
