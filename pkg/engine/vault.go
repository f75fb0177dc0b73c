package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"treasury/pkg/audit"
	"treasury/pkg/governance"
	"treasury/pkg/models"
	"treasury/pkg/notify"
	"treasury/pkg/policy"
	"treasury/pkg/telemetry"
	"treasury/pkg/utxo"
)

type CreateVaultRequest struct {
	ID                string                                       `json:"id,omitempty"`
	CustodyAddress    string                                       `json:"custody_address"`
	Governance        models.GovernanceConfig                      `json:"governance"`
	RequireCompliance bool                                         `json:"require_compliance"`
	Policies          map[models.PolicyClass]models.SpendingPolicy `json:"policies,omitempty"`
}

// CreateVault registers a vault seeded with the configured policy templates.
// The caller must be one of the listed members.
func (e *Engine) CreateVault(ctx context.Context, req CreateVaultRequest, caller string) (out models.VaultInfo, err error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.create_vault", req.ID)
	defer func() { telemetry.EndSpan(span, err) }()
	defer func() {
		if err != nil {
			e.countFailure(err)
		}
	}()

	caller = identity(caller)
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if strings.TrimSpace(req.CustodyAddress) == "" {
		return out, fmt.Errorf("%w: custody address required", ErrInvalidRequest)
	}
	gov, err := governance.New(req.Governance)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !gov.IsMember(caller) {
		return out, fmt.Errorf("%w: %s is not a member of the new vault", ErrUnauthorized, caller)
	}
	store, err := e.seedPolicies(gov, req.Policies)
	if err != nil {
		return out, err
	}

	now := e.now().UTC()
	st := &vaultState{
		id:                id,
		custody:           strings.TrimSpace(req.CustodyAddress),
		createdAt:         now,
		createdBy:         caller,
		requireCompliance: req.RequireCompliance,
		gov:               gov,
		policies:          store,
		utxos:             utxo.NewManager(e.utxoOpts),
		proposals:         map[uint64]*models.Proposal{},
		nextID:            1,
		chain:             audit.NewChain(auditStream(id)),
		version:           1,
	}
	tx := &txn{e: e, st: st, now: now, actor: caller}
	if err := tx.record(caller, "vault:"+id, "vault.created", map[string]any{
		"custody_address":    st.custody,
		"require_compliance": st.requireCompliance,
		"members":            len(gov.Config().Members),
		"max_threshold":      gov.MaxThreshold(),
	}); err != nil {
		return out, err
	}
	tx.emit(notify.EventVaultCreated, "", map[string]any{"custody_address": st.custody})

	e.mu.Lock()
	if _, exists := e.vaults[id]; exists {
		e.mu.Unlock()
		return out, fmt.Errorf("%w: %s", ErrVaultExists, id)
	}
	if err := e.commit(ctx, st, tx.entries); err != nil {
		e.mu.Unlock()
		return out, fmt.Errorf("commit vault %s: %w", id, err)
	}
	e.vaults[id] = &vault{st: st}
	e.mu.Unlock()

	e.log.Info().Str("vault_id", id).Str("actor", caller).Msg("vault created")
	e.observe(id, st.utxos.Balance(), 0)
	e.deliver(ctx, tx.events)
	return st.info(), nil
}

// seedPolicies builds the initial store from the configured templates.
// Template approvals above the governance ceiling are clamped to it; explicit
// overrides must satisfy the bounds as given.
func (e *Engine) seedPolicies(gov *governance.Registry, overrides map[models.PolicyClass]models.SpendingPolicy) (*policy.Store, error) {
	initial := map[models.PolicyClass]models.SpendingPolicy{}
	ceiling := gov.MaxThreshold()
	for class, tpl := range e.cfg.Policies {
		p := tpl.Policy(class)
		if p.RequiredApprovals > ceiling {
			p.RequiredApprovals = ceiling
		}
		initial[class] = p
	}
	store := policy.NewStore(e.bounds, initial)
	for class, p := range overrides {
		p.Class = class
		if err := store.CheckParams(p, ceiling); err != nil {
			return nil, err
		}
		initial[class] = p
	}
	return policy.NewStore(e.bounds, initial), nil
}

func (s *vaultState) info() models.VaultInfo {
	b := s.utxos.Balance()
	pending := 0
	for _, p := range s.proposals {
		if !isTerminal(p.Status) {
			pending++
		}
	}
	return models.VaultInfo{
		ID:                s.id,
		CustodyAddress:    s.custody,
		CreatedAt:         s.createdAt,
		CreatedBy:         s.createdBy,
		RequireCompliance: s.requireCompliance,
		Emergency:         s.emergency,
		Balance:           b.Available + b.Reserved,
		PendingCount:      pending,
		ProposalCount:     len(s.proposals),
	}
}

func (t *txn) requireMemberOrSystem() error {
	if t.actor == governance.SystemActor || t.st.gov.IsMember(t.actor) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnauthorized, t.actor)
}

// Deposit adds received fragments to the vault.
func (e *Engine) Deposit(ctx context.Context, vaultID string, fragments []models.Fragment, caller string) (models.UTXOBalance, error) {
	var out models.UTXOBalance
	err := e.mutate(ctx, vaultID, caller, "vault.deposit", "", func(tx *txn) error {
		if err := tx.requireMemberOrSystem(); err != nil {
			return err
		}
		if len(fragments) == 0 {
			return fmt.Errorf("%w: no fragments", ErrInvalidRequest)
		}
		var total int64
		outpoints := make([]any, 0, len(fragments))
		for _, f := range fragments {
			if err := tx.st.utxos.Add(f); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			}
			total += f.Amount
			outpoints = append(outpoints, f.Outpoint().String())
		}
		detail := map[string]any{"count": len(fragments), "total": total, "outpoints": outpoints}
		if err := tx.record(tx.actor, "vault:"+vaultID, "vault.deposit", detail); err != nil {
			return err
		}
		tx.emit(notify.EventDeposit, "", detail)
		out = tx.st.utxos.Balance()
		return nil
	})
	return out, err
}

// UpdateConfirmations refreshes the confirmation count of known fragments.
func (e *Engine) UpdateConfirmations(ctx context.Context, vaultID string, updates map[models.Outpoint]int, caller string) error {
	return e.mutate(ctx, vaultID, caller, "vault.confirmations", "", func(tx *txn) error {
		if err := tx.requireMemberOrSystem(); err != nil {
			return err
		}
		changed := make(map[string]any, len(updates))
		for op, n := range updates {
			if n < 0 {
				return fmt.Errorf("%w: negative confirmations for %s", ErrInvalidRequest, op)
			}
			if err := tx.st.utxos.SetConfirmations(op, n); err != nil {
				return fmt.Errorf("%w: %v", ErrNotFound, err)
			}
			changed[op.String()] = n
		}
		if len(changed) == 0 {
			return nil
		}
		if err := tx.record(tx.actor, "vault:"+vaultID, "vault.confirmations", changed); err != nil {
			return err
		}
		tx.emit(notify.EventConfirmations, "", changed)
		return nil
	})
}

// UpdatePolicy atomically replaces the policy of one class.
func (e *Engine) UpdatePolicy(ctx context.Context, vaultID string, class models.PolicyClass, params models.SpendingPolicy, caller string) (models.SpendingPolicy, error) {
	var out models.SpendingPolicy
	err := e.mutate(ctx, vaultID, caller, "policy.update", "policy:"+string(class), func(tx *txn) error {
		if err := tx.st.policies.Update(class, params, tx.actor, tx.st.gov); err != nil {
			return err
		}
		updated, err := tx.st.policies.Get(class)
		if err != nil {
			return err
		}
		if err := tx.record(tx.actor, "policy:"+string(class), "policy.updated", updated); err != nil {
			return err
		}
		tx.emit(notify.EventPolicyUpdated, string(class), updated)
		out = updated
		return nil
	})
	return out, err
}

// DeclareEmergency blocks new proposals. In-flight proposals continue.
func (e *Engine) DeclareEmergency(ctx context.Context, vaultID, reason, caller string) (models.EmergencyState, error) {
	var out models.EmergencyState
	err := e.mutate(ctx, vaultID, caller, "emergency.declare", "", func(tx *txn) error {
		if !tx.st.gov.CanDeclareEmergency(tx.actor) {
			return fmt.Errorf("%w: %s may not declare an emergency", ErrUnauthorized, tx.actor)
		}
		if tx.st.emergency.Active {
			return ErrEmergencyModeActive
		}
		tx.st.emergency = models.EmergencyState{Active: true, ActivatedAt: tx.now, ActivatedBy: tx.actor, Reason: strings.TrimSpace(reason)}
		if err := tx.record(tx.actor, "vault:"+vaultID, "emergency.declared", map[string]any{"reason": tx.st.emergency.Reason}); err != nil {
			return err
		}
		tx.emit(notify.EventEmergencyDeclared, "", tx.st.emergency)
		out = tx.st.emergency
		return nil
	})
	return out, err
}

func (e *Engine) ResolveEmergency(ctx context.Context, vaultID, caller string) error {
	return e.mutate(ctx, vaultID, caller, "emergency.resolve", "", func(tx *txn) error {
		if !tx.st.gov.IsMember(tx.actor) {
			return fmt.Errorf("%w: %s", ErrUnauthorized, tx.actor)
		}
		if !tx.st.emergency.Active {
			return fmt.Errorf("%w: no emergency active", ErrInvalidState)
		}
		since := tx.st.emergency.ActivatedAt
		tx.st.emergency = models.EmergencyState{}
		if err := tx.record(tx.actor, "vault:"+vaultID, "emergency.resolved", map[string]any{"active_for_sec": int64(tx.now.Sub(since).Seconds())}); err != nil {
			return err
		}
		tx.emit(notify.EventEmergencyResolved, "", nil)
		return nil
	})
}
