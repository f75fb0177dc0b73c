package policy

import (
	"errors"
	"testing"
	"time"

	"treasury/pkg/governance"
	"treasury/pkg/models"
)

const unit = int64(100_000_000)

var testBounds = Bounds{
	MinTimeLock:        time.Hour,
	MaxTimeLock:        30 * 24 * time.Hour,
	EmergencyUrgency:   8,
	HighValueThreshold: 10 * unit,
}

func testStore() *Store {
	return NewStore(testBounds, map[models.PolicyClass]models.SpendingPolicy{
		models.PolicyStandard: {
			MaxAmountPerTx:    10 * unit,
			DailyLimit:        15 * unit,
			WeeklyLimit:       40 * unit,
			MonthlyLimit:      100 * unit,
			RequiredApprovals: 2,
			TimeLockSec:       int64((24 * time.Hour).Seconds()),
		},
		models.PolicyEmergency: {
			MaxAmountPerTx:    5 * unit,
			RequiredApprovals: 3,
		},
	})
}

func testGov(t *testing.T) *governance.Registry {
	t.Helper()
	gov, err := governance.New(models.GovernanceConfig{Members: []string{"alice", "bob", "carol"}, MaxThreshold: 3})
	if err != nil {
		t.Fatalf("governance: %v", err)
	}
	return gov
}

func TestClassifyCascade(t *testing.T) {
	cases := []struct {
		name       string
		amount     int64
		urgency    int
		compliance bool
		want       models.PolicyClass
	}{
		{"urgency wins over amount", 500 * unit, 9, true, models.PolicyEmergency},
		{"urgency boundary", unit, 8, false, models.PolicyEmergency},
		{"high value", 10*unit + 1, 7, true, models.PolicyHighValue},
		{"threshold itself is not high value", 10 * unit, 0, false, models.PolicyStandard},
		{"vault compliance", unit, 0, true, models.PolicyComplianceRequired},
		{"standard", unit, 3, false, models.PolicyStandard},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.amount, tc.urgency, tc.compliance, testBounds); got != tc.want {
				t.Fatalf("Classify=%s want %s", got, tc.want)
			}
		})
	}
}

func TestUpdateAuthorizationAndThresholds(t *testing.T) {
	s := testStore()
	gov := testGov(t)
	p := models.SpendingPolicy{RequiredApprovals: 2, TimeLockSec: 7200}

	if err := s.Update(models.PolicyStandard, p, "mallory", gov); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	bad := p
	bad.RequiredApprovals = 4
	if err := s.Update(models.PolicyStandard, bad, "alice", gov); !errors.Is(err, ErrInvalidThreshold) {
		t.Fatalf("expected invalid threshold above max, got %v", err)
	}
	bad.RequiredApprovals = 0
	if err := s.Update(models.PolicyStandard, bad, "alice", gov); !errors.Is(err, ErrInvalidThreshold) {
		t.Fatalf("expected invalid threshold at zero, got %v", err)
	}
	noLock := p
	noLock.TimeLockSec = 0
	if err := s.Update(models.PolicyStandard, noLock, "alice", gov); !errors.Is(err, ErrInvalidThreshold) {
		t.Fatalf("standard class must not accept a zero time lock, got %v", err)
	}
	if err := s.Update(models.PolicyEmergency, noLock, "alice", gov); err != nil {
		t.Fatalf("emergency class accepts zero time lock: %v", err)
	}
	if err := s.Update(models.PolicyStandard, p, "bob", gov); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.Get(models.PolicyStandard)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TimeLock() != 2*time.Hour || got.Class != models.PolicyStandard || got.MaxAmountPerTx != 0 {
		t.Fatalf("policy not replaced atomically: %+v", got)
	}
}

func TestValidate(t *testing.T) {
	s := testStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.Validate(0, "addr", models.PolicyStandard, now, 0); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected violation for zero amount, got %v", err)
	}
	if err := s.Validate(unit, " ", models.PolicyStandard, now, 0); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected violation for empty recipient, got %v", err)
	}
	if err := s.Validate(11*unit, "addr", models.PolicyStandard, now, 0); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected violation above max per tx, got %v", err)
	}
	if err := s.Validate(unit, "addr", models.PolicyHighValue, now, 0); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected violation for class without policy, got %v", err)
	}
	if err := s.Validate(10*unit, "addr", models.PolicyStandard, now, 0); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestValidateRespectsActivationWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(testBounds, map[models.PolicyClass]models.SpendingPolicy{
		models.PolicyStandard: {RequiredApprovals: 1, TimeLockSec: 3600, ActivatesAt: now.Add(time.Hour)},
	})
	if err := s.Validate(unit, "addr", models.PolicyStandard, now, 0); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected inactive policy violation, got %v", err)
	}
	if err := s.Validate(unit, "addr", models.PolicyStandard, now.Add(2*time.Hour), 0); err != nil {
		t.Fatalf("expected active policy, got %v", err)
	}
}

func TestRollingWindowsRejectBreach(t *testing.T) {
	s := testStore()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.RecordSpend(models.PolicyStandard, 10*unit, now.Add(-2*time.Hour))
	if err := s.Validate(6*unit, "addr", models.PolicyStandard, now, 0); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected daily limit breach, got %v", err)
	}
	if err := s.Validate(5*unit, "addr", models.PolicyStandard, now, 0); err != nil {
		t.Fatalf("expected exactly at daily limit to pass, got %v", err)
	}
	// other classes are counted separately
	if got := s.Spent(models.PolicyEmergency, Daily, now); got != 0 {
		t.Fatalf("emergency spend=%d want 0", got)
	}
	later := now.Add(25 * time.Hour)
	if err := s.Validate(10*unit, "addr", models.PolicyStandard, later, 0); err != nil {
		t.Fatalf("daily window should have rolled, got %v", err)
	}
	for i := 1; i <= 3; i++ {
		s.RecordSpend(models.PolicyStandard, 10*unit, later.Add(time.Duration(i)*time.Minute))
	}
	if err := s.Validate(unit, "addr", models.PolicyStandard, later.Add(2*Daily), 0); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected weekly limit breach, got %v", err)
	}
}

func TestSpendLedgerPrunesOldEntries(t *testing.T) {
	l := NewSpendLedger()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.Record(models.PolicyStandard, 5, start)
	l.Record(models.PolicyStandard, 0, start)
	l.Record(models.PolicyStandard, 7, start.Add(31*Daily))
	entries := l.Entries()
	if len(entries) != 1 || entries[0].Amount != 7 {
		t.Fatalf("expected only the recent entry, got %+v", entries)
	}
}

func TestSnapshotRestoreCloneIndependence(t *testing.T) {
	s := testStore()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.RecordSpend(models.PolicyStandard, unit, now)
	clone := s.Clone()
	clone.RecordSpend(models.PolicyStandard, unit, now)
	if got := s.Spent(models.PolicyStandard, Daily, now); got != unit {
		t.Fatalf("original spend mutated: %d", got)
	}
	if got := clone.Spent(models.PolicyStandard, Daily, now); got != 2*unit {
		t.Fatalf("clone spend=%d", got)
	}
	restored := Restore(testBounds, s.Snapshot())
	if len(restored.All()) != 2 || restored.All()[0].Class != models.PolicyEmergency {
		t.Fatalf("restored policies out of order: %+v", restored.All())
	}
}

func TestRollingWindowsCountCommittedPayments(t *testing.T) {
	s := testStore()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if err := s.Validate(8*unit, "addr", models.PolicyStandard, now, 8*unit); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected committed payments to count, got %v", err)
	}
	if err := s.Validate(7*unit, "addr", models.PolicyStandard, now, 8*unit); err != nil {
		t.Fatalf("expected room for 7 units, got %v", err)
	}
	s.RecordSpend(models.PolicyStandard, 8*unit, now)
	if err := s.CheckWindows(models.PolicyStandard, 8*unit, 0, now.Add(time.Hour)); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected breach at hand-off, got %v", err)
	}
	if err := s.CheckWindows(models.PolicyHighValue, unit, 0, now); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected unknown class violation, got %v", err)
	}
}
