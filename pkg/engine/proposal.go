package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"treasury/pkg/compliance"
	"treasury/pkg/governance"
	"treasury/pkg/lifecycle"
	"treasury/pkg/models"
	"treasury/pkg/notify"
)

type ProposeRequest struct {
	Amount    int64  `json:"amount"`
	Recipient string `json:"recipient"`
	Purpose   string `json:"purpose"`
	Urgency   int    `json:"urgency"`
	FeeRate   int64  `json:"fee_rate,omitempty"`
}

const maxUrgency = 10

// Propose opens a payment request. Funds are reserved before compliance runs;
// a compliance rejection rolls the reservation back with everything else.
func (e *Engine) Propose(ctx context.Context, vaultID string, req ProposeRequest, caller string) (*models.Proposal, error) {
	var out *models.Proposal
	err := e.mutate(ctx, vaultID, caller, "proposal.propose", "", func(tx *txn) error {
		st := tx.st
		if !st.gov.CanPropose(tx.actor) {
			return fmt.Errorf("%w: %s may not propose", ErrUnauthorized, tx.actor)
		}
		if st.emergency.Active {
			return ErrEmergencyModeActive
		}
		if limit := e.cfg.Lifecycle.MaxPendingProposals; st.liveCount() >= limit {
			return fmt.Errorf("%w: %d live proposals", ErrCapacityExceeded, limit)
		}
		if req.Urgency < 0 || req.Urgency > maxUrgency {
			return fmt.Errorf("%w: urgency %d outside [0, %d]", ErrPolicyViolation, req.Urgency, maxUrgency)
		}
		if req.FeeRate < 0 {
			return fmt.Errorf("%w: negative fee rate", ErrPolicyViolation)
		}
		recipient := strings.TrimSpace(req.Recipient)
		class := st.policies.Classify(req.Amount, req.Urgency, st.requireCompliance)
		if err := st.policies.Validate(req.Amount, recipient, class, tx.now, st.committed(class, 0, lifecycle.HoldsReservation)); err != nil {
			return err
		}
		pol, err := st.policies.Get(class)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPolicyViolation, err)
		}
		feeRate := req.FeeRate
		if feeRate == 0 {
			feeRate = e.cfg.UTXO.DefaultFeeRate
		}

		id := st.nextID
		sel, err := st.utxos.Reserve(id, req.Amount, feeRate)
		if err != nil {
			return err
		}
		st.nextID++

		p := &models.Proposal{
			ID:                id,
			VaultID:           st.id,
			Amount:            req.Amount,
			Fee:               sel.Fee,
			Change:            sel.Change,
			FeeRate:           feeRate,
			Recipient:         recipient,
			Purpose:           strings.TrimSpace(req.Purpose),
			Urgency:           req.Urgency,
			Proposer:          tx.actor,
			PolicyClass:       class,
			RequiredApprovals: pol.RequiredApprovals,
			TimeLockEnd:       tx.now.Add(pol.TimeLock()),
			CreatedAt:         tx.now,
			UpdatedAt:         tx.now,
			ExpiresAt:         tx.now.Add(e.cfg.Lifecycle.ProposalTTL.Duration),
			Status:            lifecycle.Created,
			ComplianceStatus:  models.ComplianceNotRequired,
			Inputs:            sel.Outpoints(),
		}

		next := lifecycle.PendingApproval
		switch {
		case pol.RequireCompliance || st.requireCompliance:
			next, err = tx.screenParties(p)
			if err != nil {
				return err
			}
		case pol.RequireRiskAssessment:
			if err := tx.assessRisk(p); err != nil {
				return err
			}
		}

		st.proposals[id] = p
		if err := tx.record(tx.actor, proposalSubject(id), "proposal.created", map[string]any{
			"amount":             p.Amount,
			"fee":                p.Fee,
			"recipient":          p.Recipient,
			"policy_class":       string(p.PolicyClass),
			"required_approvals": p.RequiredApprovals,
			"inputs":             len(p.Inputs),
			"compliance_status":  p.ComplianceStatus,
		}); err != nil {
			return err
		}
		tx.emit(notify.EventProposalCreated, fmt.Sprint(id), p)
		if err := tx.move(tx.actor, p, next, ""); err != nil {
			return err
		}
		out = p.Clone()
		return nil
	})
	return out, err
}

// screenParties applies the compliance gate to a new proposal and returns the
// state it enters. Missing or lapsed profiles trigger screening requests.
func (t *txn) screenParties(p *models.Proposal) (string, error) {
	reg := t.e.registry
	var stale []string
	for _, subject := range []string{p.Proposer, p.Recipient} {
		prof, ok := reg.Get(subject)
		if !ok || prof.ExpiredAt(t.now) {
			stale = append(stale, subject)
		}
	}
	if len(stale) > 0 {
		p.ComplianceStatus = models.CompliancePending
		t.screen = append(t.screen, stale...)
		return lifecycle.PendingCompliance, nil
	}
	check, err := reg.Evaluate(p.Proposer, p.Recipient, p.Amount)
	if err != nil {
		return "", err
	}
	t.e.countVerdict(check.Status)
	if err := complianceBlock(check); err != nil {
		return "", err
	}
	p.Risk = &check
	p.ComplianceStatus = check.Status
	if check.Status == models.VerdictUnderReview {
		return lifecycle.PendingCompliance, nil
	}
	return lifecycle.PendingApproval, nil
}

// assessRisk attaches an informational verdict when both profiles are known.
// Sanctioned parties are refused even without a compliance requirement.
func (t *txn) assessRisk(p *models.Proposal) error {
	check, err := t.e.registry.Evaluate(p.Proposer, p.Recipient, p.Amount)
	if err != nil {
		if errors.Is(err, compliance.ErrProfileNotFound) || errors.Is(err, compliance.ErrComplianceExpired) {
			return nil
		}
		return err
	}
	if hasIssue(check, compliance.IssueSanctionsMatch) {
		return fmt.Errorf("%w: risk score %d", ErrSanctionedParty, check.RiskScore)
	}
	p.Risk = &check
	return nil
}

func complianceBlock(check models.ComplianceCheck) error {
	if check.Status != models.VerdictRejected {
		return nil
	}
	if hasIssue(check, compliance.IssueSanctionsMatch) {
		return fmt.Errorf("%w: risk score %d", ErrSanctionedParty, check.RiskScore)
	}
	return fmt.Errorf("%w: risk score %d (%s)", ErrComplianceRejected, check.RiskScore, strings.Join(check.Issues, ","))
}

func hasIssue(check models.ComplianceCheck, issue string) bool {
	for _, i := range check.Issues {
		if i == issue {
			return true
		}
	}
	return false
}

// ReceiveComplianceVerdict applies an officer or screening verdict to a
// proposal awaiting compliance.
func (e *Engine) ReceiveComplianceVerdict(ctx context.Context, vaultID string, id uint64, verdict, note, caller string) (*models.Proposal, error) {
	verdict = strings.ToUpper(strings.TrimSpace(verdict))
	var out *models.Proposal
	err := e.mutate(ctx, vaultID, caller, "proposal.compliance_verdict", proposalSubject(id), func(tx *txn) error {
		if !tx.st.gov.CanRuleCompliance(tx.actor) {
			return fmt.Errorf("%w: %s is not a compliance officer", ErrUnauthorized, tx.actor)
		}
		p, err := tx.proposal(id)
		if err != nil {
			return err
		}
		if err := live(p); err != nil {
			return err
		}
		if p.Status != lifecycle.PendingCompliance {
			return fmt.Errorf("%w: proposal %d is %s", ErrInvalidState, id, p.Status)
		}
		var next, reason string
		switch verdict {
		case models.VerdictApproved:
			next = lifecycle.PendingApproval
		case models.VerdictRejected:
			next, reason = lifecycle.Rejected, "compliance rejected"
			if note = strings.TrimSpace(note); note != "" {
				reason += ": " + note
			}
		default:
			return fmt.Errorf("%w: verdict %q", ErrInvalidRequest, verdict)
		}
		p.ComplianceStatus = verdict
		detail := map[string]any{"verdict": verdict, "note": strings.TrimSpace(note)}
		if err := tx.record(tx.actor, proposalSubject(id), "compliance.verdict", detail); err != nil {
			return err
		}
		tx.emit(notify.EventComplianceReviewed, fmt.Sprint(id), detail)
		if err := tx.move(tx.actor, p, next, reason); err != nil {
			return err
		}
		out = p.Clone()
		return nil
	})
	return out, err
}

// ReevaluateCompliance re-runs the aggregator for a proposal awaiting
// compliance against the current profiles.
func (e *Engine) ReevaluateCompliance(ctx context.Context, vaultID string, id uint64, caller string) (*models.Proposal, error) {
	var out *models.Proposal
	err := e.mutate(ctx, vaultID, caller, "proposal.reevaluate", proposalSubject(id), func(tx *txn) error {
		if tx.actor != governance.SystemActor && !tx.st.gov.IsMember(tx.actor) && !tx.st.gov.CanRuleCompliance(tx.actor) {
			return fmt.Errorf("%w: %s", ErrUnauthorized, tx.actor)
		}
		p, err := tx.proposal(id)
		if err != nil {
			return err
		}
		if err := live(p); err != nil {
			return err
		}
		if p.Status != lifecycle.PendingCompliance {
			return fmt.Errorf("%w: proposal %d is %s", ErrInvalidState, id, p.Status)
		}
		if err := tx.reevaluate(p); err != nil {
			return err
		}
		out = p.Clone()
		return nil
	})
	return out, err
}

func (t *txn) reevaluate(p *models.Proposal) error {
	check, err := t.e.registry.Evaluate(p.Proposer, p.Recipient, p.Amount)
	if errors.Is(err, compliance.ErrProfileNotFound) {
		return fmt.Errorf("%w: %v", ErrComplianceExpired, err)
	}
	if err != nil {
		return err
	}
	t.e.countVerdict(check.Status)
	p.Risk = &check
	p.ComplianceStatus = check.Status
	detail := map[string]any{"status": check.Status, "risk_score": check.RiskScore, "issues": stringsAny(check.Issues)}
	if err := t.record(t.actor, proposalSubject(p.ID), "compliance.reevaluated", detail); err != nil {
		return err
	}
	switch check.Status {
	case models.VerdictApproved:
		return t.move(t.actor, p, lifecycle.PendingApproval, "")
	case models.VerdictRejected:
		reason := "compliance rejected"
		if hasIssue(check, compliance.IssueSanctionsMatch) {
			reason = "sanctioned party"
		}
		return t.move(t.actor, p, lifecycle.Rejected, reason)
	}
	p.UpdatedAt = t.now
	return nil
}

func stringsAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// Approve adds the caller's approval. Reaching quorum moves the proposal to
// TIME_LOCKED and releases it at once when its lock has already elapsed.
func (e *Engine) Approve(ctx context.Context, vaultID string, id uint64, caller string) (*models.Proposal, error) {
	var out *models.Proposal
	err := e.mutate(ctx, vaultID, caller, "proposal.approve", proposalSubject(id), func(tx *txn) error {
		p, err := tx.proposal(id)
		if err != nil {
			return err
		}
		if err := tx.st.gov.ApproverAllowed(tx.actor, p.Proposer); err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		if err := live(p); err != nil {
			return err
		}
		if p.HasApproved(tx.actor) {
			return fmt.Errorf("%w: %s already approved proposal %d", ErrDuplicateApproval, tx.actor, id)
		}
		if !lifecycle.CanApprove(p.Status) {
			return fmt.Errorf("%w: proposal %d is %s", ErrInvalidState, id, p.Status)
		}
		p.Approvals = append(p.Approvals, models.Approval{Approver: tx.actor, At: tx.now})
		p.UpdatedAt = tx.now
		detail := map[string]any{"approvals": len(p.Approvals), "required": p.RequiredApprovals}
		if err := tx.record(tx.actor, proposalSubject(id), "proposal.approved", detail); err != nil {
			return err
		}
		tx.emit(notify.EventProposalApproved, fmt.Sprint(id), detail)
		if p.Status == lifecycle.PendingApproval && lifecycle.QuorumReached(len(p.Approvals), p.RequiredApprovals) {
			if err := tx.move(tx.actor, p, lifecycle.TimeLocked, ""); err != nil {
				return err
			}
			if err := tx.unlockIfDue(tx.actor, p); err != nil {
				return err
			}
		}
		out = p.Clone()
		return nil
	})
	return out, err
}

// CheckTimeLock releases a time-locked proposal whose lock has elapsed.
// A lock still running leaves the proposal unchanged.
func (e *Engine) CheckTimeLock(ctx context.Context, vaultID string, id uint64, caller string) (*models.Proposal, error) {
	var out *models.Proposal
	err := e.mutate(ctx, vaultID, caller, "proposal.timelock", proposalSubject(id), func(tx *txn) error {
		p, err := tx.proposal(id)
		if err != nil {
			return err
		}
		if err := live(p); err != nil {
			return err
		}
		if p.Status != lifecycle.TimeLocked {
			return fmt.Errorf("%w: proposal %d is %s", ErrInvalidState, id, p.Status)
		}
		if err := tx.unlockIfDue(tx.actor, p); err != nil {
			return err
		}
		out = p.Clone()
		return nil
	})
	return out, err
}

// Cancel withdraws a proposal and releases its reservation. A proposal with
// the signer cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, vaultID string, id uint64, reason, caller string) (*models.Proposal, error) {
	var out *models.Proposal
	err := e.mutate(ctx, vaultID, caller, "proposal.cancel", proposalSubject(id), func(tx *txn) error {
		p, err := tx.proposal(id)
		if err != nil {
			return err
		}
		if tx.actor != p.Proposer && !tx.st.gov.IsMember(tx.actor) {
			return fmt.Errorf("%w: %s may not cancel proposal %d", ErrUnauthorized, tx.actor, id)
		}
		if err := live(p); err != nil {
			return err
		}
		if p.Status == lifecycle.Executing {
			return fmt.Errorf("%w: proposal %d is with the signer", ErrInvalidState, id)
		}
		reason = strings.TrimSpace(reason)
		if reason == "" {
			reason = "cancelled by " + tx.actor
		}
		if err := tx.move(tx.actor, p, lifecycle.Cancelled, reason); err != nil {
			return err
		}
		out = p.Clone()
		return nil
	})
	return out, err
}
