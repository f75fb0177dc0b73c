package engine

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"treasury/pkg/audit"
	"treasury/pkg/governance"
	"treasury/pkg/lifecycle"
	"treasury/pkg/models"
	"treasury/pkg/notify"
	"treasury/pkg/utxo"
)

func isTerminal(status string) bool {
	return lifecycle.IsTerminal(status)
}

// txn collects the effects of one operation on a working vault state.
type txn struct {
	e       *Engine
	st      *vaultState
	now     time.Time
	actor   string
	entries []models.AuditEntry
	events  []notify.Event
	screen  []string
}

type mark struct {
	st      *vaultState
	entries int
	events  int
	screen  int
}

func (t *txn) mark() mark {
	return mark{st: t.st.clone(), entries: len(t.entries), events: len(t.events), screen: len(t.screen)}
}

func (t *txn) rollback(m mark) {
	version := t.st.version
	t.st = m.st
	t.st.version = version
	t.entries = t.entries[:m.entries]
	t.events = t.events[:m.events]
	t.screen = t.screen[:m.screen]
}

func (t *txn) record(actor, subject, event string, detail any) error {
	entry, err := t.st.chain.Record(actor, subject, event, audit.OutcomeOK, t.now, detail)
	if err != nil {
		return err
	}
	t.entries = append(t.entries, entry)
	return nil
}

func (t *txn) recordFailure(op, subject string, opErr error) error {
	outcome := audit.OutcomeFailed
	if errors.Is(opErr, ErrUnauthorized) || errors.Is(opErr, governance.ErrSoDViolation) {
		outcome = audit.OutcomeDenied
	}
	if subject == "" {
		subject = "vault:" + t.st.id
	}
	entry, err := t.st.chain.Record(t.actor, subject, op, outcome, t.now, map[string]any{
		"code":  Code(opErr),
		"error": opErr.Error(),
	})
	if err != nil {
		return err
	}
	t.entries = append(t.entries, entry)
	return nil
}

func (t *txn) emit(eventType, subject string, data any) notify.Event {
	evt := notify.NewEvent(eventType, t.st.id, subject, t.now, data)
	t.events = append(t.events, evt)
	return evt
}

// proposal returns the working copy of a proposal.
func (t *txn) proposal(id uint64) (*models.Proposal, error) {
	p, ok := t.st.proposals[id]
	if !ok {
		return nil, fmt.Errorf("%w: proposal %d", ErrNotFound, id)
	}
	return p, nil
}

// live rejects proposals that can no longer be acted on.
func live(p *models.Proposal) error {
	switch {
	case p.Status == lifecycle.Expired:
		return fmt.Errorf("%w: proposal %d expired at %s", ErrExpired, p.ID, p.ExpiresAt.Format(time.RFC3339))
	case isTerminal(p.Status):
		return fmt.Errorf("%w: proposal %d is %s", ErrInvalidState, p.ID, p.Status)
	}
	return nil
}

// move advances a proposal. Entering Rejected, Expired or Cancelled
// releases its reservation.
func (t *txn) move(actor string, p *models.Proposal, to, reason string) error {
	from := p.Status
	if _, err := lifecycle.Transition(from, to); err != nil {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	var released int64
	if to != lifecycle.Executed && isTerminal(to) && lifecycle.HoldsReservation(from) {
		amount, err := t.st.utxos.Release(p.ID)
		if err != nil && !errors.Is(err, utxo.ErrNoReservation) {
			return fmt.Errorf("release reservation of proposal %d: %w", p.ID, err)
		}
		released = amount
	}
	p.Status = to
	p.UpdatedAt = t.now
	if reason != "" {
		p.Reason = reason
	}
	detail := map[string]any{"from": from, "to": to}
	if reason != "" {
		detail["reason"] = reason
	}
	if released > 0 {
		detail["released"] = released
	}
	subject := proposalSubject(p.ID)
	if err := t.record(actor, subject, "proposal.transition", detail); err != nil {
		return err
	}
	t.events = append(t.events, notify.NewEvent(notify.EventProposalState, t.st.id, fmt.Sprint(p.ID), t.now, detail).WithState(to))
	t.e.log.Debug().
		Str("vault_id", t.st.id).
		Uint64("proposal_id", p.ID).
		Str("from", from).
		Str("to", to).
		Msg("proposal transition")
	return nil
}

// unlockIfDue moves a time-locked proposal whose lock has elapsed.
func (t *txn) unlockIfDue(actor string, p *models.Proposal) error {
	if p.Status != lifecycle.TimeLocked || t.now.Before(p.TimeLockEnd) {
		return nil
	}
	return t.move(actor, p, lifecycle.Executable, "")
}

// sweep resolves staleness discovered on access: a signer that missed its
// deadline loses the proposal back to EXECUTABLE, overdue proposals expire
// and a lapsed emergency clears.
func (t *txn) sweep() error {
	em := t.st.emergency
	if limit := t.e.cfg.Lifecycle.EmergencyMaxDuration.Duration; em.Active && limit > 0 && !t.now.Before(em.ActivatedAt.Add(limit)) {
		t.st.emergency = models.EmergencyState{}
		if err := t.record(governance.SystemActor, "vault:"+t.st.id, "emergency.lapsed", map[string]any{
			"activated_at": em.ActivatedAt.Format(time.RFC3339Nano),
		}); err != nil {
			return err
		}
		t.emit(notify.EventEmergencyResolved, "", map[string]any{"lapsed": true})
	}
	for _, id := range t.st.sortedIDs() {
		p := t.st.proposals[id]
		if p.Status == lifecycle.Executing && p.SignerDeadline != nil && !t.now.Before(*p.SignerDeadline) {
			p.SignerRequestID = ""
			p.SignerDeadline = nil
			if err := t.move(governance.SystemActor, p, lifecycle.Executable, "signer deadline passed"); err != nil {
				return err
			}
		}
		if !lifecycle.Sweepable(p.Status) || !lifecycle.IsExpired(t.now, p.ExpiresAt) {
			continue
		}
		if err := t.move(governance.SystemActor, p, lifecycle.Expired, "deadline passed"); err != nil {
			return err
		}
	}
	return nil
}

// prune drops the oldest terminal proposals beyond the retention limit.
func (t *txn) prune() error {
	limit := t.e.cfg.Lifecycle.MaxRetainedProposals
	if limit <= 0 || len(t.st.proposals) <= limit {
		return nil
	}
	var terminal []*models.Proposal
	for _, p := range t.st.proposals {
		if isTerminal(p.Status) {
			terminal = append(terminal, p)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		if !terminal[i].UpdatedAt.Equal(terminal[j].UpdatedAt) {
			return terminal[i].UpdatedAt.Before(terminal[j].UpdatedAt)
		}
		return terminal[i].ID < terminal[j].ID
	})
	var pruned []uint64
	for _, p := range terminal {
		if len(t.st.proposals) <= limit {
			break
		}
		delete(t.st.proposals, p.ID)
		pruned = append(pruned, p.ID)
	}
	if len(pruned) == 0 {
		return nil
	}
	ids := make([]any, len(pruned))
	for i, id := range pruned {
		ids[i] = id
	}
	return t.record(governance.SystemActor, "vault:"+t.st.id, "proposal.pruned", map[string]any{"ids": ids})
}
