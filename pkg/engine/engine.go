// Package engine is the treasury control engine. It owns every vault and
// orchestrates policy checks, fragment reservation, compliance screening,
// approvals, time locks and signer hand-off for outgoing payments.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"treasury/pkg/audit"
	"treasury/pkg/compliance"
	"treasury/pkg/config"
	"treasury/pkg/governance"
	"treasury/pkg/metrics"
	"treasury/pkg/models"
	"treasury/pkg/notify"
	"treasury/pkg/policy"
	"treasury/pkg/signer"
	"treasury/pkg/telemetry"
	"treasury/pkg/utxo"
)

// SignerActor is the audit identity of signer callbacks.
const SignerActor = "signer"

// Persister durably commits the mutations of one operation as a single batch.
type Persister interface {
	CommitVault(ctx context.Context, snap VaultSnapshot, entries []models.AuditEntry) error
	CommitProfile(ctx context.Context, profile models.ComplianceProfile, entries []models.AuditEntry) error
	AppendAudit(ctx context.Context, entries []models.AuditEntry) error
}

// ScreeningRequester asks the external providers to screen a subject.
// Results come back through ApplyScreening.
type ScreeningRequester interface {
	RequestScreening(ctx context.Context, subject string) error
}

type ScreeningFunc func(ctx context.Context, subject string) error

func (f ScreeningFunc) RequestScreening(ctx context.Context, subject string) error {
	return f(ctx, subject)
}

type Deps struct {
	Persister Persister
	Signer    signer.Signer
	Screening ScreeningRequester
	Notifier  notify.Notifier
	Metrics   *metrics.Registry
	Logger    zerolog.Logger
	Now       func() time.Time
}

type Engine struct {
	cfg       config.Config
	bounds    policy.Bounds
	utxoOpts  utxo.Options
	persister Persister
	signer    signer.Signer
	screening ScreeningRequester
	notifier  notify.Notifier
	metrics   *metrics.Registry
	log       zerolog.Logger
	now       func() time.Time

	registry *compliance.Registry

	mu     sync.RWMutex
	vaults map[string]*vault
}

func New(cfg config.Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		cfg: cfg,
		bounds: policy.Bounds{
			MinTimeLock:        cfg.Lifecycle.MinTimeLock.Duration,
			MaxTimeLock:        cfg.Lifecycle.MaxTimeLock.Duration,
			EmergencyUrgency:   cfg.Classification.EmergencyUrgency,
			HighValueThreshold: cfg.Classification.HighValueThreshold,
		},
		utxoOpts: utxo.Options{
			MinConfirmations: cfg.UTXO.MinConfirmations,
			Strategy:         utxo.Strategy(cfg.UTXO.Strategy),
			Seed:             cfg.UTXO.RandomSeed,
			Fees: utxo.FeeModel{
				Overhead:     cfg.UTXO.FeeOverhead,
				InputWeight:  cfg.UTXO.InputWeight,
				OutputWeight: cfg.UTXO.OutputWeight,
				DustFloor:    cfg.UTXO.DustFloor,
			},
		},
		persister: deps.Persister,
		signer:    deps.Signer,
		screening: deps.Screening,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		log:       deps.Logger,
		now:       now,
		vaults:    map[string]*vault{},
	}
	if e.notifier == nil {
		e.notifier = notify.Discard{}
	}
	var (
		commit compliance.CommitFunc
		record compliance.AuditFunc
	)
	if e.persister != nil {
		commit = e.persister.CommitProfile
		record = e.persister.AppendAudit
	}
	e.registry = compliance.NewRegistry(compliance.Thresholds{
		AMLHighRisk:        cfg.Compliance.AMLHighRisk,
		Medium:             cfg.Compliance.MediumThreshold,
		High:               cfg.Compliance.HighThreshold,
		HighValueThreshold: cfg.Compliance.HighValueThreshold,
	}, cfg.Compliance.ProfileValidity.Duration, now, commit, record)
	return e, nil
}

func (e *Engine) Config() config.Config {
	return e.cfg
}

// Registry exposes the compliance profile registry shared by all vaults.
func (e *Engine) Registry() *compliance.Registry {
	return e.registry
}

type vault struct {
	mu sync.Mutex
	st *vaultState
}

// vaultState is everything an operation may change. Operations work on a
// clone and swap it in only after the commit succeeded.
type vaultState struct {
	id                string
	custody           string
	createdAt         time.Time
	createdBy         string
	requireCompliance bool
	gov               *governance.Registry
	policies          *policy.Store
	utxos             *utxo.Manager
	proposals         map[uint64]*models.Proposal
	nextID            uint64
	emergency         models.EmergencyState
	chain             *audit.Chain
	version           uint64
}

func (s *vaultState) clone() *vaultState {
	out := *s
	out.policies = s.policies.Clone()
	out.utxos = s.utxos.Clone()
	out.chain = s.chain.Clone()
	out.proposals = make(map[uint64]*models.Proposal, len(s.proposals))
	for id, p := range s.proposals {
		out.proposals[id] = p.Clone()
	}
	return &out
}

func (s *vaultState) sortedIDs() []uint64 {
	ids := make([]uint64, 0, len(s.proposals))
	for id := range s.proposals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *vaultState) liveCount() int {
	n := 0
	for _, p := range s.proposals {
		if !isTerminal(p.Status) {
			n++
		}
	}
	return n
}

// committed sums the amounts of same-class proposals in the given states,
// skipping proposal skip.
func (s *vaultState) committed(class models.PolicyClass, skip uint64, holds func(string) bool) int64 {
	var total int64
	for id, p := range s.proposals {
		if id == skip || p.PolicyClass != class || !holds(p.Status) {
			continue
		}
		total += p.Amount
	}
	return total
}

func auditStream(vaultID string) string {
	return "vault:" + vaultID
}

func proposalSubject(id uint64) string {
	return fmt.Sprintf("proposal:%d", id)
}

func identity(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (e *Engine) lookup(vaultID string) (*vault, error) {
	e.mu.RLock()
	v, ok := e.vaults[vaultID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vault %s", ErrNotFound, vaultID)
	}
	return v, nil
}

// VaultIDs lists known vaults in lexical order.
func (e *Engine) VaultIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.vaults))
	for id := range e.vaults {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// mutate runs fn against a working copy of the vault. A failing fn still
// commits the lazy sweep and a failure audit record.
func (e *Engine) mutate(ctx context.Context, vaultID, actor, op, subject string, fn func(tx *txn) error) error {
	return e.run(ctx, vaultID, actor, op, subject, true, fn)
}

// read runs fn against a working copy of the vault. Only the lazy sweep is
// ever committed.
func (e *Engine) read(ctx context.Context, vaultID string, fn func(tx *txn) error) error {
	return e.run(ctx, vaultID, governance.SystemActor, "read", "", false, fn)
}

func (e *Engine) run(ctx context.Context, vaultID, actor, op, subject string, auditFailure bool, fn func(tx *txn) error) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "engine."+op, vaultID)
	defer func() { telemetry.EndSpan(span, err) }()

	v, err := e.lookup(vaultID)
	if err != nil {
		return err
	}
	v.mu.Lock()
	tx := &txn{e: e, st: v.st.clone(), now: e.now().UTC(), actor: identity(actor)}
	if err := tx.sweep(); err != nil {
		v.mu.Unlock()
		return err
	}
	checkpoint := tx.mark()

	opErr := fn(tx)
	if opErr == nil {
		opErr = tx.prune()
	}
	if opErr != nil {
		tx.rollback(checkpoint)
		if auditFailure {
			if rerr := tx.recordFailure(op, subject, opErr); rerr != nil {
				e.log.Error().Err(rerr).Str("vault_id", vaultID).Str("op", op).Msg("failure audit not recorded")
			}
		}
	}
	if len(tx.entries) > 0 {
		tx.st.version++
		if cerr := e.commit(ctx, tx.st, tx.entries); cerr != nil {
			v.mu.Unlock()
			e.countFailure(cerr)
			e.log.Warn().Err(cerr).Str("vault_id", vaultID).Str("op", op).Msg("vault commit failed, state restored")
			if opErr != nil {
				return opErr
			}
			return fmt.Errorf("commit vault %s: %w", vaultID, cerr)
		}
		v.st = tx.st
	}
	balance := v.st.utxos.Balance()
	live := v.st.liveCount()
	v.mu.Unlock()

	e.observe(vaultID, balance, live)
	e.deliver(ctx, tx.events)
	e.requestScreening(ctx, tx.screen)
	if opErr != nil {
		e.countFailure(opErr)
		e.log.Warn().Err(opErr).Str("vault_id", vaultID).Str("op", op).Str("actor", tx.actor).Msg("operation rejected")
	}
	return opErr
}

func (e *Engine) commit(ctx context.Context, st *vaultState, entries []models.AuditEntry) error {
	if e.persister == nil {
		return nil
	}
	return e.persister.CommitVault(ctx, st.snapshot(), entries)
}

func (e *Engine) deliver(ctx context.Context, events []notify.Event) {
	for _, evt := range events {
		if err := e.notifier.Notify(ctx, evt); err != nil {
			e.log.Warn().Err(err).Str("event_id", evt.ID).Str("type", evt.Type).Msg("event delivery failed")
		}
	}
}

func (e *Engine) requestScreening(ctx context.Context, subjects []string) {
	if e.screening == nil {
		return
	}
	seen := map[string]struct{}{}
	for _, s := range subjects {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if err := e.screening.RequestScreening(ctx, s); err != nil {
			e.log.Warn().Err(err).Str("subject", s).Msg("screening request failed")
		}
	}
}

func (e *Engine) observe(vaultID string, b models.UTXOBalance, live int) {
	if e.metrics == nil {
		return
	}
	e.metrics.SetGauge("vault."+vaultID+".available", float64(b.Available))
	e.metrics.SetGauge("vault."+vaultID+".reserved", float64(b.Reserved))
	e.metrics.SetGauge("vault."+vaultID+".live_proposals", float64(live))
}

func (e *Engine) countFailure(err error) {
	if e.metrics != nil {
		e.metrics.IncReason(Code(err))
	}
}

func (e *Engine) countVerdict(status string) {
	if e.metrics != nil {
		e.metrics.IncVerdict(status)
	}
}
