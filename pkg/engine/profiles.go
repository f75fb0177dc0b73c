package engine

import (
	"context"
	"fmt"
	"strings"

	"treasury/pkg/governance"
	"treasury/pkg/lifecycle"
	"treasury/pkg/models"
	"treasury/pkg/notify"
)

func (e *Engine) Profile(subject string) (models.ComplianceProfile, error) {
	p, ok := e.registry.Get(subject)
	if !ok {
		return models.ComplianceProfile{}, fmt.Errorf("%w: profile %s", ErrNotFound, subject)
	}
	return p, nil
}

// UpsertProfile replaces a whole profile and re-evaluates proposals waiting on it.
func (e *Engine) UpsertProfile(ctx context.Context, profile models.ComplianceProfile, caller string) (models.ComplianceProfile, error) {
	out, err := e.registry.Upsert(ctx, profile, identity(caller))
	if err != nil {
		e.countFailure(err)
		return out, err
	}
	e.profileChanged(ctx, out, "upsert")
	return out, nil
}

// ApplyScreening records one provider result verbatim.
func (e *Engine) ApplyScreening(ctx context.Context, res models.ScreeningResult, actor string) (models.ComplianceProfile, error) {
	actor = identity(actor)
	if actor == "" {
		actor = governance.SystemActor
	}
	var (
		out models.ComplianceProfile
		err error
	)
	switch strings.ToLower(strings.TrimSpace(res.Kind)) {
	case models.ScreeningKYC:
		if res.KYC == nil {
			return out, fmt.Errorf("%w: kyc record missing", ErrInvalidRequest)
		}
		out, err = e.registry.ApplyKYC(ctx, res.Subject, *res.KYC, actor)
	case models.ScreeningAML:
		if res.AML == nil {
			return out, fmt.Errorf("%w: aml record missing", ErrInvalidRequest)
		}
		out, err = e.registry.ApplyAML(ctx, res.Subject, *res.AML, actor)
	case models.ScreeningSanctions:
		if res.Sanctions == nil {
			return out, fmt.Errorf("%w: sanctions record missing", ErrInvalidRequest)
		}
		out, err = e.registry.ApplySanctions(ctx, res.Subject, *res.Sanctions, actor)
	default:
		return out, fmt.Errorf("%w: screening kind %q", ErrInvalidRequest, res.Kind)
	}
	if err != nil {
		e.countFailure(err)
		return out, err
	}
	e.profileChanged(ctx, out, res.Kind)
	return out, nil
}

func (e *Engine) profileChanged(ctx context.Context, p models.ComplianceProfile, kind string) {
	e.deliver(ctx, []notify.Event{notify.NewEvent(notify.EventComplianceUpdated, "", p.Subject, e.now(), map[string]any{
		"kind":       kind,
		"risk_score": p.RiskScore,
		"risk_level": p.RiskLevel,
	})})
	e.reevaluatePending(ctx, p.Subject)
}

// reevaluatePending retries every proposal awaiting compliance that involves
// subject once both of its parties hold a current profile.
func (e *Engine) reevaluatePending(ctx context.Context, subject string) {
	now := e.now()
	ready := func(s string) bool {
		p, ok := e.registry.Get(s)
		return ok && !p.ExpiredAt(now)
	}
	for _, vaultID := range e.VaultIDs() {
		var ids []uint64
		_ = e.read(ctx, vaultID, func(tx *txn) error {
			for _, id := range tx.st.sortedIDs() {
				p := tx.st.proposals[id]
				if p.Status != lifecycle.PendingCompliance || p.ComplianceStatus == models.VerdictUnderReview {
					continue
				}
				if !strings.EqualFold(p.Proposer, subject) && !strings.EqualFold(p.Recipient, subject) {
					continue
				}
				if ready(p.Proposer) && ready(p.Recipient) {
					ids = append(ids, id)
				}
			}
			return nil
		})
		for _, id := range ids {
			if _, err := e.ReevaluateCompliance(ctx, vaultID, id, governance.SystemActor); err != nil {
				e.log.Warn().Err(err).Str("vault_id", vaultID).Uint64("proposal_id", id).Msg("compliance re-evaluation failed")
			}
		}
	}
}
