package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"treasury/pkg/lifecycle"
	"treasury/pkg/models"
	"treasury/pkg/signer"
)

// Execute hands an executable proposal to the signer. The vault lock is
// released before the signer is called; a rejected submission returns the
// proposal to EXECUTABLE with its reservation intact.
func (e *Engine) Execute(ctx context.Context, vaultID string, id uint64, caller string) (*models.Proposal, error) {
	if e.signer == nil {
		return nil, ErrSignerUnavailable
	}
	var (
		req signer.Request
		out *models.Proposal
	)
	err := e.mutate(ctx, vaultID, caller, "proposal.execute", proposalSubject(id), func(tx *txn) error {
		p, err := tx.proposal(id)
		if err != nil {
			return err
		}
		if !tx.st.gov.CanApprove(tx.actor) && !tx.st.gov.IsMember(tx.actor) {
			return fmt.Errorf("%w: %s may not execute", ErrUnauthorized, tx.actor)
		}
		if err := live(p); err != nil {
			return err
		}
		if p.Status != lifecycle.Executable {
			return fmt.Errorf("%w: proposal %d is %s", ErrInvalidState, id, p.Status)
		}
		inFlight := tx.st.committed(p.PolicyClass, p.ID, func(s string) bool { return s == lifecycle.Executing })
		if err := tx.st.policies.CheckWindows(p.PolicyClass, p.Amount, inFlight, tx.now); err != nil {
			return err
		}
		desc := signer.Descriptor{
			VaultID:        tx.st.id,
			ProposalID:     p.ID,
			CustodyAddress: tx.st.custody,
			Recipient:      p.Recipient,
			Amount:         p.Amount,
			Fee:            p.Fee,
			FeeRate:        p.FeeRate,
			Change:         p.Change,
			Inputs:         append([]models.Outpoint(nil), p.Inputs...),
			Purpose:        p.Purpose,
		}
		digest, err := desc.Digest()
		if err != nil {
			return fmt.Errorf("descriptor digest: %w", err)
		}
		p.Digest = digest
		p.SignerRequestID = uuid.NewString()
		deadline := tx.now.Add(e.cfg.Lifecycle.SignerTimeout.Duration)
		p.SignerDeadline = &deadline
		if err := tx.move(tx.actor, p, lifecycle.Executing, ""); err != nil {
			return err
		}
		req = signer.Request{RequestID: p.SignerRequestID, Descriptor: desc, Digest: digest, RequestedAt: tx.now}
		out = p.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var submitErr error
	err = lifecycle.ExecuteWithCompensation(ctx,
		func(ctx context.Context) error {
			submitErr = e.signer.Request(ctx, req)
			return submitErr
		},
		func(ctx context.Context) error {
			_, cerr := e.CompleteExecution(context.WithoutCancel(ctx), signer.Result{
				RequestID:  req.RequestID,
				VaultID:    vaultID,
				ProposalID: id,
				Error:      "submit: " + submitErr.Error(),
			})
			if cerr != nil {
				e.log.Error().Err(cerr).Str("vault_id", vaultID).Uint64("proposal_id", id).Msg("signer compensation failed")
			}
			return cerr
		})
	if e.metrics != nil {
		e.metrics.ObserveSignerLatency(time.Since(start))
	}
	if err != nil {
		e.countFailure(ErrSignerFailed)
		return nil, fmt.Errorf("%w: %v", ErrSignerFailed, err)
	}
	e.log.Info().Str("vault_id", vaultID).Uint64("proposal_id", id).Str("request_id", req.RequestID).Msg("signer request accepted")
	return out, nil
}

// CompleteExecution applies the signer callback. Only the result for the
// outstanding request of an executing proposal is accepted.
func (e *Engine) CompleteExecution(ctx context.Context, res signer.Result) (*models.Proposal, error) {
	var out *models.Proposal
	err := e.mutate(ctx, res.VaultID, SignerActor, "proposal.complete", proposalSubject(res.ProposalID), func(tx *txn) error {
		p, err := tx.proposal(res.ProposalID)
		if err != nil {
			return err
		}
		if p.Status != lifecycle.Executing || res.RequestID == "" || p.SignerRequestID != res.RequestID {
			return fmt.Errorf("%w: request %s for proposal %d (%s)", ErrStaleResult, res.RequestID, p.ID, p.Status)
		}
		if !res.Success {
			reason := strings.TrimSpace(res.Error)
			if reason == "" {
				reason = "signer failure"
			}
			p.SignerRequestID = ""
			p.SignerDeadline = nil
			return tx.moveAndClone(p, lifecycle.Executable, reason, &out)
		}
		if strings.TrimSpace(res.Signature) == "" {
			return fmt.Errorf("%w: signature required on success", ErrInvalidRequest)
		}
		sel, err := tx.st.utxos.Finalize(p.ID)
		if err != nil {
			return fmt.Errorf("finalize proposal %d: %w", p.ID, err)
		}
		tx.st.policies.RecordSpend(p.PolicyClass, p.Amount, tx.now)
		executed := tx.now
		p.SignerDeadline = nil
		p.Signature = res.Signature
		p.ExecutedAt = &executed
		p.Reason = ""
		if err := tx.record(SignerActor, proposalSubject(p.ID), "proposal.finalized", map[string]any{
			"consumed":  sel.Total,
			"fee":       sel.Fee,
			"change":    sel.Change,
			"inputs":    len(sel.Fragments),
			"signature": res.Signature,
		}); err != nil {
			return err
		}
		return tx.moveAndClone(p, lifecycle.Executed, "", &out)
	})
	return out, err
}

func (t *txn) moveAndClone(p *models.Proposal, to, reason string, out **models.Proposal) error {
	if err := t.move(t.actor, p, to, reason); err != nil {
		return err
	}
	*out = p.Clone()
	return nil
}
