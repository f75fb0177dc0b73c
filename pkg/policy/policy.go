// Package policy holds the per-class spending policies of a vault, the
// classification cascade, and the rolling spend windows those policies limit.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"treasury/pkg/governance"
	"treasury/pkg/models"
)

var (
	ErrUnauthorized     = governance.ErrUnauthorized
	ErrInvalidThreshold = errors.New("invalid threshold")
	ErrPolicyViolation  = errors.New("policy violation")
	ErrUnknownClass     = errors.New("unknown policy class")
)

// Rolling spend windows.
const (
	Daily   = 24 * time.Hour
	Weekly  = 7 * Daily
	Monthly = 30 * Daily
)

// Bounds are the vault-independent limits every policy update is checked against.
type Bounds struct {
	MinTimeLock        time.Duration
	MaxTimeLock        time.Duration
	EmergencyUrgency   int
	HighValueThreshold int64
}

// Classify runs the first-match cascade: urgency, then amount, then the vault compliance flag.
func Classify(amount int64, urgency int, vaultRequiresCompliance bool, b Bounds) models.PolicyClass {
	switch {
	case urgency >= b.EmergencyUrgency:
		return models.PolicyEmergency
	case amount > b.HighValueThreshold:
		return models.PolicyHighValue
	case vaultRequiresCompliance:
		return models.PolicyComplianceRequired
	default:
		return models.PolicyStandard
	}
}

// Store is owned by a single vault and guarded by the vault lock.
type Store struct {
	bounds   Bounds
	policies map[models.PolicyClass]models.SpendingPolicy
	spend    *SpendLedger
}

func NewStore(bounds Bounds, initial map[models.PolicyClass]models.SpendingPolicy) *Store {
	s := &Store{
		bounds:   bounds,
		policies: map[models.PolicyClass]models.SpendingPolicy{},
		spend:    NewSpendLedger(),
	}
	for class, p := range initial {
		p.Class = class
		s.policies[class] = p
	}
	return s
}

func (s *Store) Bounds() Bounds {
	return s.bounds
}

func (s *Store) Classify(amount int64, urgency int, vaultRequiresCompliance bool) models.PolicyClass {
	return Classify(amount, urgency, vaultRequiresCompliance, s.bounds)
}

func (s *Store) Get(class models.PolicyClass) (models.SpendingPolicy, error) {
	p, ok := s.policies[class]
	if !ok {
		return models.SpendingPolicy{}, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	return p, nil
}

// All returns the policies ordered by classification priority.
func (s *Store) All() []models.SpendingPolicy {
	out := make([]models.SpendingPolicy, 0, len(s.policies))
	for _, class := range models.PolicyClasses {
		if p, ok := s.policies[class]; ok {
			out = append(out, p)
		}
	}
	return out
}

// CheckParams validates a policy against the bounds and the governance threshold ceiling.
func (s *Store) CheckParams(p models.SpendingPolicy, maxThreshold int) error {
	if !p.Class.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownClass, p.Class)
	}
	if p.RequiredApprovals < 1 || p.RequiredApprovals > maxThreshold {
		return fmt.Errorf("%w: required approvals %d outside [1, %d]", ErrInvalidThreshold, p.RequiredApprovals, maxThreshold)
	}
	lock := p.TimeLock()
	if p.Class == models.PolicyEmergency {
		if lock < 0 || lock > s.bounds.MaxTimeLock {
			return fmt.Errorf("%w: emergency time lock %s outside [0, %s]", ErrInvalidThreshold, lock, s.bounds.MaxTimeLock)
		}
	} else if lock < s.bounds.MinTimeLock || lock > s.bounds.MaxTimeLock {
		return fmt.Errorf("%w: time lock %s outside [%s, %s]", ErrInvalidThreshold, lock, s.bounds.MinTimeLock, s.bounds.MaxTimeLock)
	}
	if p.MaxAmountPerTx < 0 || p.DailyLimit < 0 || p.WeeklyLimit < 0 || p.MonthlyLimit < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidThreshold)
	}
	if !p.ExpiresAt.IsZero() && !p.ActivatesAt.IsZero() && !p.ExpiresAt.After(p.ActivatesAt) {
		return fmt.Errorf("%w: policy expires before it activates", ErrInvalidThreshold)
	}
	return nil
}

// Update atomically replaces the policy of one class. Nothing changes on error.
func (s *Store) Update(class models.PolicyClass, params models.SpendingPolicy, caller string, gov *governance.Registry) error {
	if gov == nil || !gov.CanUpdatePolicy(caller) {
		return ErrUnauthorized
	}
	params.Class = class
	if err := s.CheckParams(params, gov.MaxThreshold()); err != nil {
		return err
	}
	s.policies[class] = params
	return nil
}

// Validate checks a payment against the policy of its class and the rolling
// windows. committed is the amount of live same-class payments not yet
// recorded as spend.
func (s *Store) Validate(amount int64, recipient string, class models.PolicyClass, now time.Time, committed int64) error {
	p, err := s.Get(class)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPolicyViolation, err)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrPolicyViolation)
	}
	if strings.TrimSpace(recipient) == "" {
		return fmt.Errorf("%w: recipient required", ErrPolicyViolation)
	}
	if p.MaxAmountPerTx > 0 && amount > p.MaxAmountPerTx {
		return fmt.Errorf("%w: amount %d exceeds per-transaction limit %d", ErrPolicyViolation, amount, p.MaxAmountPerTx)
	}
	if !p.ActiveAt(now) {
		return fmt.Errorf("%w: %s policy not active", ErrPolicyViolation, class)
	}
	return s.checkWindows(class, p, amount, committed, now)
}

// CheckWindows re-checks only the rolling windows of class, as done before a
// payment is handed to the signer.
func (s *Store) CheckWindows(class models.PolicyClass, amount, committed int64, now time.Time) error {
	p, err := s.Get(class)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPolicyViolation, err)
	}
	return s.checkWindows(class, p, amount, committed, now)
}

func (s *Store) checkWindows(class models.PolicyClass, p models.SpendingPolicy, amount, committed int64, now time.Time) error {
	windows := []struct {
		name   string
		window time.Duration
		limit  int64
	}{
		{"daily", Daily, p.DailyLimit},
		{"weekly", Weekly, p.WeeklyLimit},
		{"monthly", Monthly, p.MonthlyLimit},
	}
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		spent := s.spend.Spent(class, w.window, now)
		if spent+committed+amount > w.limit {
			return fmt.Errorf("%w: %s limit %d exceeded (spent %d, committed %d, requested %d)", ErrPolicyViolation, w.name, w.limit, spent, committed, amount)
		}
	}
	return nil
}

func (s *Store) RecordSpend(class models.PolicyClass, amount int64, at time.Time) {
	s.spend.Record(class, amount, at)
}

func (s *Store) Spent(class models.PolicyClass, window time.Duration, now time.Time) int64 {
	return s.spend.Spent(class, window, now)
}

// Snapshot is the persisted form of a Store.
type Snapshot struct {
	Policies []models.SpendingPolicy `json:"policies"`
	Spend    []SpendEntry            `json:"spend"`
}

func (s *Store) Snapshot() Snapshot {
	return Snapshot{Policies: s.All(), Spend: s.spend.Entries()}
}

func Restore(bounds Bounds, snap Snapshot) *Store {
	initial := map[models.PolicyClass]models.SpendingPolicy{}
	for _, p := range snap.Policies {
		initial[p.Class] = p
	}
	s := NewStore(bounds, initial)
	s.spend.entries = append([]SpendEntry(nil), snap.Spend...)
	sort.SliceStable(s.spend.entries, func(i, j int) bool { return s.spend.entries[i].At.Before(s.spend.entries[j].At) })
	return s
}

func (s *Store) Clone() *Store {
	return Restore(s.bounds, s.Snapshot())
}
