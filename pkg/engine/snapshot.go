package engine

import (
	"fmt"
	"sort"
	"time"

	"treasury/pkg/audit"
	"treasury/pkg/governance"
	"treasury/pkg/models"
	"treasury/pkg/policy"
	"treasury/pkg/utxo"
)

// VaultSnapshot is the persisted form of one vault.
type VaultSnapshot struct {
	ID                string                  `json:"id"`
	CustodyAddress    string                  `json:"custody_address"`
	CreatedAt         time.Time               `json:"created_at"`
	CreatedBy         string                  `json:"created_by"`
	RequireCompliance bool                    `json:"require_compliance"`
	Governance        models.GovernanceConfig `json:"governance"`
	Policies          policy.Snapshot         `json:"policies"`
	UTXO              utxo.Snapshot           `json:"utxo"`
	Proposals         []*models.Proposal      `json:"proposals"`
	NextProposalID    uint64                  `json:"next_proposal_id"`
	Emergency         models.EmergencyState   `json:"emergency"`
	AuditHead         audit.Head              `json:"audit_head"`
	Version           uint64                  `json:"version"`
}

func (s *vaultState) snapshot() VaultSnapshot {
	snap := VaultSnapshot{
		ID:                s.id,
		CustodyAddress:    s.custody,
		CreatedAt:         s.createdAt,
		CreatedBy:         s.createdBy,
		RequireCompliance: s.requireCompliance,
		Governance:        s.gov.Config(),
		Policies:          s.policies.Snapshot(),
		UTXO:              s.utxos.Snapshot(),
		NextProposalID:    s.nextID,
		Emergency:         s.emergency,
		AuditHead:         s.chain.Head(),
		Version:           s.version,
	}
	for _, id := range s.sortedIDs() {
		snap.Proposals = append(snap.Proposals, s.proposals[id].Clone())
	}
	return snap
}

func (e *Engine) restore(snap VaultSnapshot) (*vaultState, error) {
	gov, err := governance.New(snap.Governance)
	if err != nil {
		return nil, fmt.Errorf("vault %s: %w", snap.ID, err)
	}
	head := snap.AuditHead
	head.Stream = auditStream(snap.ID)
	st := &vaultState{
		id:                snap.ID,
		custody:           snap.CustodyAddress,
		createdAt:         snap.CreatedAt,
		createdBy:         snap.CreatedBy,
		requireCompliance: snap.RequireCompliance,
		gov:               gov,
		policies:          policy.Restore(e.bounds, snap.Policies),
		utxos:             utxo.Restore(e.utxoOpts, snap.UTXO),
		proposals:         make(map[uint64]*models.Proposal, len(snap.Proposals)),
		nextID:            snap.NextProposalID,
		emergency:         snap.Emergency,
		chain:             audit.ResumeChain(head),
		version:           snap.Version,
	}
	for _, p := range snap.Proposals {
		if p == nil {
			continue
		}
		st.proposals[p.ID] = p.Clone()
		if p.ID >= st.nextID {
			st.nextID = p.ID + 1
		}
	}
	return st, nil
}

// Load replaces the engine state with persisted vaults and compliance profiles.
func (e *Engine) Load(snaps []VaultSnapshot, profiles []models.ComplianceProfile, complianceHead audit.Head) error {
	vaults := make(map[string]*vault, len(snaps))
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	for _, snap := range snaps {
		st, err := e.restore(snap)
		if err != nil {
			return err
		}
		vaults[snap.ID] = &vault{st: st}
	}
	e.registry.Load(profiles, complianceHead)
	e.mu.Lock()
	e.vaults = vaults
	e.mu.Unlock()
	e.log.Info().Int("vaults", len(vaults)).Int("profiles", len(profiles)).Msg("engine state loaded")
	return nil
}
