package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"treasury/pkg/config"
	"treasury/pkg/lifecycle"
	"treasury/pkg/metrics"
	"treasury/pkg/models"
	"treasury/pkg/notify"
	"treasury/pkg/signer"
)

const unit = int64(100_000_000)

const recipient = "bc1qrecipient0000"

var errCommit = errors.New("database unavailable")

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memPersister struct {
	mu       sync.Mutex
	fail     error
	vaults   map[string]VaultSnapshot
	entries  map[string][]models.AuditEntry
	profiles map[string]models.ComplianceProfile
}

func newMemPersister() *memPersister {
	return &memPersister{
		vaults:   map[string]VaultSnapshot{},
		entries:  map[string][]models.AuditEntry{},
		profiles: map[string]models.ComplianceProfile{},
	}
}

func (m *memPersister) CommitVault(_ context.Context, snap VaultSnapshot, entries []models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if prev, ok := m.vaults[snap.ID]; ok && snap.Version <= prev.Version {
		return fmt.Errorf("stale snapshot version %d <= %d", snap.Version, prev.Version)
	}
	m.vaults[snap.ID] = snap
	for _, e := range entries {
		m.entries[e.Stream] = append(m.entries[e.Stream], e)
	}
	return nil
}

func (m *memPersister) CommitProfile(_ context.Context, p models.ComplianceProfile, entries []models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.profiles[p.Subject] = p
	for _, e := range entries {
		m.entries[e.Stream] = append(m.entries[e.Stream], e)
	}
	return nil
}

func (m *memPersister) AppendAudit(_ context.Context, entries []models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	for _, e := range entries {
		m.entries[e.Stream] = append(m.entries[e.Stream], e)
	}
	return nil
}

func (m *memPersister) setFail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *memPersister) stream(name string) []models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditEntry(nil), m.entries[name]...)
}

type recordingSigner struct {
	mu   sync.Mutex
	err  error
	reqs []signer.Request
}

func (s *recordingSigner) Request(_ context.Context, req signer.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return s.err
}

func (s *recordingSigner) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *recordingSigner) last(t *testing.T) signer.Request {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reqs) == 0 {
		t.Fatalf("signer received no request")
	}
	return s.reqs[len(s.reqs)-1]
}

type harness struct {
	eng      *Engine
	clock    *testClock
	store    *memPersister
	signer   *recordingSigner
	metrics  *metrics.Registry
	mu       sync.Mutex
	events   []notify.Event
	screened []string
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		clock:   &testClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
		store:   newMemPersister(),
		signer:  &recordingSigner{},
		metrics: metrics.NewRegistry(),
	}
	eng, err := New(cfg, Deps{
		Persister: h.store,
		Signer:    h.signer,
		Screening: ScreeningFunc(func(_ context.Context, subject string) error {
			h.mu.Lock()
			h.screened = append(h.screened, subject)
			h.mu.Unlock()
			return nil
		}),
		Notifier: notify.Func(func(_ context.Context, evt notify.Event) error {
			h.mu.Lock()
			h.events = append(h.events, evt)
			h.mu.Unlock()
			return nil
		}),
		Metrics: h.metrics,
		Logger:  zerolog.Nop(),
		Now:     h.clock.Now,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.eng = eng
	return h
}

func testGovernance() models.GovernanceConfig {
	return models.GovernanceConfig{
		Members:            []string{"alice", "bob", "carol", "dave"},
		ComplianceOfficers: []string{"erin"},
		MaxThreshold:       3,
		SeparationOfDuties: true,
	}
}

// newVault creates a vault funded with confirmed fragments of the given amounts.
func (h *harness) newVault(t *testing.T, requireCompliance bool, amounts ...int64) string {
	t.Helper()
	ctx := context.Background()
	info, err := h.eng.CreateVault(ctx, CreateVaultRequest{
		CustodyAddress:    "bc1qcustody0000",
		Governance:        testGovernance(),
		RequireCompliance: requireCompliance,
	}, "alice")
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	if len(amounts) > 0 {
		fragments := make([]models.Fragment, 0, len(amounts))
		for i, a := range amounts {
			fragments = append(fragments, models.Fragment{
				TxID:          fmt.Sprintf("deposit%02d", i),
				Index:         uint32(i),
				Amount:        a,
				Confirmations: 6,
				Address:       "bc1qcustody0000",
			})
		}
		if _, err := h.eng.Deposit(ctx, info.ID, fragments, "system"); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
	return info.ID
}

func (h *harness) propose(t *testing.T, vaultID string, amount int64, urgency int) *models.Proposal {
	t.Helper()
	p, err := h.eng.Propose(context.Background(), vaultID, ProposeRequest{
		Amount:    amount,
		Recipient: recipient,
		Purpose:   "vendor payment",
		Urgency:   urgency,
	}, "alice")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	return p
}

func (h *harness) approve(t *testing.T, vaultID string, id uint64, approvers ...string) *models.Proposal {
	t.Helper()
	var p *models.Proposal
	for _, a := range approvers {
		var err error
		p, err = h.eng.Approve(context.Background(), vaultID, id, a)
		if err != nil {
			t.Fatalf("approve by %s: %v", a, err)
		}
	}
	return p
}

func (h *harness) unlock(t *testing.T, vaultID string, id uint64) {
	t.Helper()
	p, err := h.eng.CheckTimeLock(context.Background(), vaultID, id, "bob")
	if err != nil || p.Status != lifecycle.Executable {
		t.Fatalf("check time lock: %+v %v", p, err)
	}
}

func (h *harness) status(t *testing.T, vaultID string, id uint64) string {
	t.Helper()
	p, err := h.eng.Proposal(context.Background(), vaultID, id)
	if err != nil {
		t.Fatalf("proposal %d: %v", id, err)
	}
	return p.Status
}

func (h *harness) balance(t *testing.T, vaultID string) models.UTXOBalance {
	t.Helper()
	b, err := h.eng.UTXOBalance(context.Background(), vaultID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func (h *harness) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e.Type)
	}
	return out
}

func assertConserved(t *testing.T, b models.UTXOBalance) {
	t.Helper()
	if b.Available+b.Reserved+b.Finalized != b.TotalAdded {
		t.Fatalf("value not conserved: %+v", b)
	}
}

func cleanProfile(subject string) models.ComplianceProfile {
	return models.ComplianceProfile{
		Subject:   subject,
		KYC:       models.KYCRecord{Status: models.ScreeningApproved, Level: 2},
		AML:       models.AMLRecord{Status: models.ScreeningApproved, RiskScore: 10},
		Sanctions: models.SanctionsRecord{Status: models.SanctionsCleared},
	}
}
