// Package notify fans treasury events out to websocket subscribers, logs,
// metrics and the message bus.
package notify

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventVaultCreated       = "vault.created"
	EventDeposit            = "vault.deposit"
	EventConfirmations      = "vault.confirmations"
	EventPolicyUpdated      = "policy.updated"
	EventProposalCreated    = "proposal.created"
	EventProposalState      = "proposal.state"
	EventProposalApproved   = "proposal.approved"
	EventEmergencyDeclared  = "emergency.declared"
	EventEmergencyResolved  = "emergency.resolved"
	EventComplianceUpdated  = "compliance.updated"
	EventComplianceReviewed = "compliance.reviewed"
	EventScreeningRequested = "screening.requested"
)

type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	VaultID string          `json:"vault_id,omitempty"`
	Subject string          `json:"subject,omitempty"`
	State   string          `json:"state,omitempty"`
	At      time.Time       `json:"at"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewEvent stamps a fresh event. A zero at means now.
func NewEvent(eventType, vaultID, subject string, at time.Time, data any) Event {
	if at.IsZero() {
		at = time.Now()
	}
	var raw json.RawMessage
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			raw = b
		}
	}
	return Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		VaultID: vaultID,
		Subject: subject,
		At:      at.UTC(),
		Data:    raw,
	}
}

// WithState returns a copy of e tagged with a proposal state.
func (e Event) WithState(state string) Event {
	e.State = state
	return e
}
