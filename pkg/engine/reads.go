package engine

import (
	"context"
	"strings"

	"treasury/pkg/audit"
	"treasury/pkg/models"
)

// VaultBalance is available plus reserved base units.
func (e *Engine) VaultBalance(ctx context.Context, vaultID string) (int64, error) {
	var out int64
	err := e.read(ctx, vaultID, func(tx *txn) error {
		b := tx.st.utxos.Balance()
		out = b.Available + b.Reserved
		return nil
	})
	return out, err
}

func (e *Engine) VaultInfo(ctx context.Context, vaultID string) (models.VaultInfo, error) {
	var out models.VaultInfo
	err := e.read(ctx, vaultID, func(tx *txn) error {
		out = tx.st.info()
		return nil
	})
	return out, err
}

func (e *Engine) Governance(ctx context.Context, vaultID string) (models.GovernanceConfig, error) {
	var out models.GovernanceConfig
	err := e.read(ctx, vaultID, func(tx *txn) error {
		out = tx.st.gov.Config()
		return nil
	})
	return out, err
}

// PendingCount counts non-terminal proposals.
func (e *Engine) PendingCount(ctx context.Context, vaultID string) (int, error) {
	var out int
	err := e.read(ctx, vaultID, func(tx *txn) error {
		out = tx.st.liveCount()
		return nil
	})
	return out, err
}

func (e *Engine) EmergencyMode(ctx context.Context, vaultID string) (models.EmergencyState, error) {
	var out models.EmergencyState
	err := e.read(ctx, vaultID, func(tx *txn) error {
		out = tx.st.emergency
		return nil
	})
	return out, err
}

func (e *Engine) Proposal(ctx context.Context, vaultID string, id uint64) (*models.Proposal, error) {
	var out *models.Proposal
	err := e.read(ctx, vaultID, func(tx *txn) error {
		p, err := tx.proposal(id)
		if err != nil {
			return err
		}
		out = p.Clone()
		return nil
	})
	return out, err
}

// ListProposals returns proposals ordered by id. An empty status lists all.
func (e *Engine) ListProposals(ctx context.Context, vaultID, status string) ([]*models.Proposal, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	var out []*models.Proposal
	err := e.read(ctx, vaultID, func(tx *txn) error {
		for _, id := range tx.st.sortedIDs() {
			p := tx.st.proposals[id]
			if status != "" && p.Status != status {
				continue
			}
			out = append(out, p.Clone())
		}
		return nil
	})
	return out, err
}

func (e *Engine) UTXOBalance(ctx context.Context, vaultID string) (models.UTXOBalance, error) {
	var out models.UTXOBalance
	err := e.read(ctx, vaultID, func(tx *txn) error {
		out = tx.st.utxos.Balance()
		return nil
	})
	return out, err
}

// Fragments lists the available fragments.
func (e *Engine) Fragments(ctx context.Context, vaultID string) ([]models.Fragment, error) {
	var out []models.Fragment
	err := e.read(ctx, vaultID, func(tx *txn) error {
		out = tx.st.utxos.Available()
		return nil
	})
	return out, err
}

func (e *Engine) TransactionStatus(ctx context.Context, vaultID string, id uint64) (models.TransactionStatus, error) {
	var out models.TransactionStatus
	err := e.read(ctx, vaultID, func(tx *txn) error {
		p, err := tx.proposal(id)
		if err != nil {
			return err
		}
		out = models.TransactionStatus{
			ProposalID:       p.ID,
			Status:           p.Status,
			ComplianceStatus: p.ComplianceStatus,
			Approvals:        len(p.Approvals),
			Required:         p.RequiredApprovals,
			TimeLockEnd:      p.TimeLockEnd,
			ExpiresAt:        p.ExpiresAt,
			SignerRequestID:  p.SignerRequestID,
			Signature:        p.Signature,
		}
		return nil
	})
	return out, err
}

func (e *Engine) Policies(ctx context.Context, vaultID string) ([]models.SpendingPolicy, error) {
	var out []models.SpendingPolicy
	err := e.read(ctx, vaultID, func(tx *txn) error {
		out = tx.st.policies.All()
		return nil
	})
	return out, err
}

// AuditTrail returns the retained audit entries of a vault, oldest first.
func (e *Engine) AuditTrail(ctx context.Context, vaultID string) ([]models.AuditEntry, audit.Head, error) {
	var (
		entries []models.AuditEntry
		head    audit.Head
	)
	err := e.read(ctx, vaultID, func(tx *txn) error {
		entries = tx.st.chain.Entries()
		head = tx.st.chain.Head()
		return nil
	})
	return entries, head, err
}

// ComplianceSnapshot lists every known compliance profile.
func (e *Engine) ComplianceSnapshot() []models.ComplianceProfile {
	return e.registry.Snapshot()
}
