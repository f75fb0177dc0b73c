package compliance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"treasury/pkg/audit"
	"treasury/pkg/models"
)

// Stream is the audit stream name for profile changes.
const Stream = "compliance"

// CommitFunc persists a changed profile with the audit entries describing the change.
type CommitFunc func(ctx context.Context, profile models.ComplianceProfile, entries []models.AuditEntry) error

// AuditFunc persists audit entries that carry no profile change.
type AuditFunc func(ctx context.Context, entries []models.AuditEntry) error

// Registry holds one profile per party. A profile change becomes visible only
// after its commit succeeds.
type Registry struct {
	mu       sync.Mutex
	th       Thresholds
	validity time.Duration
	now      func() time.Time
	commit   CommitFunc
	record   AuditFunc
	profiles map[string]models.ComplianceProfile
	chain    *audit.Chain
}

// NewRegistry builds an empty registry. Rejected changes are recorded through
// record; a nil record keeps them on the in-memory chain only.
func NewRegistry(th Thresholds, validity time.Duration, now func() time.Time, commit CommitFunc, record AuditFunc) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		th:       th,
		validity: validity,
		now:      now,
		commit:   commit,
		record:   record,
		profiles: map[string]models.ComplianceProfile{},
		chain:    audit.NewChain(Stream),
	}
}

// Load replaces the registry contents with persisted state.
func (r *Registry) Load(profiles []models.ComplianceProfile, head audit.Head) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles = make(map[string]models.ComplianceProfile, len(profiles))
	for _, p := range profiles {
		r.profiles[key(p.Subject)] = p.Clone()
	}
	head.Stream = Stream
	r.chain = audit.ResumeChain(head)
}

func (r *Registry) Thresholds() Thresholds {
	return r.th
}

func (r *Registry) Get(subject string) (models.ComplianceProfile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[key(subject)]
	if !ok {
		return models.ComplianceProfile{}, false
	}
	return p.Clone(), true
}

// Snapshot returns every profile ordered by subject.
func (r *Registry) Snapshot() []models.ComplianceProfile {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ComplianceProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

func (r *Registry) AuditEntries() []models.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chain.Entries()
}

func (r *Registry) AuditHead() audit.Head {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chain.Head()
}

// Evaluate looks up both parties and scores the payment.
func (r *Registry) Evaluate(sender, recipient string, amount int64) (models.ComplianceCheck, error) {
	r.mu.Lock()
	s, okS := r.profiles[key(sender)]
	d, okD := r.profiles[key(recipient)]
	now := r.now()
	r.mu.Unlock()
	if !okS {
		return models.ComplianceCheck{}, fmt.Errorf("%w: %s", ErrProfileNotFound, sender)
	}
	if !okD {
		return models.ComplianceCheck{}, fmt.Errorf("%w: %s", ErrProfileNotFound, recipient)
	}
	return Evaluate(s, d, amount, now, r.th)
}

// Upsert replaces a whole profile.
func (r *Registry) Upsert(ctx context.Context, profile models.ComplianceProfile, actor string) (models.ComplianceProfile, error) {
	return r.apply(ctx, profile.Subject, actor, "profile.upsert", false, func(p *models.ComplianceProfile) {
		subject := p.Subject
		*p = profile.Clone()
		p.Subject = subject
	})
}

func (r *Registry) ApplyKYC(ctx context.Context, subject string, rec models.KYCRecord, actor string) (models.ComplianceProfile, error) {
	return r.apply(ctx, subject, actor, "profile.kyc", true, func(p *models.ComplianceProfile) {
		rec.Documents = append([]string(nil), rec.Documents...)
		p.KYC = rec
	})
}

func (r *Registry) ApplyAML(ctx context.Context, subject string, rec models.AMLRecord, actor string) (models.ComplianceProfile, error) {
	return r.apply(ctx, subject, actor, "profile.aml", true, func(p *models.ComplianceProfile) {
		p.AML = rec
	})
}

func (r *Registry) ApplySanctions(ctx context.Context, subject string, rec models.SanctionsRecord, actor string) (models.ComplianceProfile, error) {
	return r.apply(ctx, subject, actor, "profile.sanctions", true, func(p *models.ComplianceProfile) {
		rec.ListsChecked = append([]string(nil), rec.ListsChecked...)
		p.Sanctions = rec
	})
}

// apply runs one profile change. A screening result restarts the validity
// window; an upsert keeps the window it carries. A rejected change leaves
// the profile untouched and records a failure entry.
func (r *Registry) apply(ctx context.Context, subject, actor, event string, screening bool, mutate func(*models.ComplianceProfile)) (models.ComplianceProfile, error) {
	subject = strings.TrimSpace(subject)
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()

	out, err := r.change(ctx, subject, actor, event, screening, now, mutate)
	if err != nil {
		r.recordFailure(ctx, subject, actor, event, now, err)
		return models.ComplianceProfile{}, err
	}
	return out, nil
}

func (r *Registry) change(ctx context.Context, subject, actor, event string, screening bool, now time.Time, mutate func(*models.ComplianceProfile)) (models.ComplianceProfile, error) {
	if subject == "" {
		return models.ComplianceProfile{}, fmt.Errorf("%w: subject required", ErrInvalidRecord)
	}
	next, ok := r.profiles[key(subject)]
	if ok {
		next = next.Clone()
	} else {
		next = r.blank(subject, now)
	}
	mutate(&next)
	next.Subject = subject
	if screening {
		next.ValidFrom = now
		next.ValidUntil = now.Add(r.validity)
	}
	if next.ValidFrom.IsZero() {
		next.ValidFrom = now
	}
	if next.ValidUntil.IsZero() {
		next.ValidUntil = now.Add(r.validity)
	}
	if next.KYC.Status == "" {
		next.KYC.Status = models.ScreeningPending
	}
	if next.AML.Status == "" {
		next.AML.Status = models.ScreeningPending
	}
	if next.Sanctions.Status == "" {
		next.Sanctions.Status = models.SanctionsPending
	}
	if err := validate(next); err != nil {
		return models.ComplianceProfile{}, err
	}
	next.RiskScore, next.RiskLevel = ProfileRisk(next, r.th)
	next.UpdatedAt = now

	entry, err := r.chain.Next(actor, "profile:"+subject, event, audit.OutcomeOK, now, map[string]any{
		"kyc":         next.KYC.Status,
		"aml":         next.AML.Status,
		"aml_score":   next.AML.RiskScore,
		"sanctions":   next.Sanctions.Status,
		"risk_score":  next.RiskScore,
		"risk_level":  next.RiskLevel,
		"valid_until": next.ValidUntil.Format(time.RFC3339),
	})
	if err != nil {
		return models.ComplianceProfile{}, err
	}
	if r.commit != nil {
		if err := r.commit(ctx, next, []models.AuditEntry{entry}); err != nil {
			return models.ComplianceProfile{}, fmt.Errorf("commit profile %s: %w", subject, err)
		}
	}
	if err := r.chain.Append(entry); err != nil {
		return models.ComplianceProfile{}, err
	}
	r.profiles[key(subject)] = next
	return next.Clone(), nil
}

// recordFailure appends a failed entry for a rejected change. The entry joins
// the chain only once it is persisted.
func (r *Registry) recordFailure(ctx context.Context, subject, actor, event string, now time.Time, opErr error) {
	entry, err := r.chain.Next(actor, "profile:"+subject, event, audit.OutcomeFailed, now, map[string]any{
		"error": opErr.Error(),
	})
	if err != nil {
		return
	}
	if r.record != nil {
		if err := r.record(ctx, []models.AuditEntry{entry}); err != nil {
			return
		}
	}
	_ = r.chain.Append(entry)
}

func (r *Registry) blank(subject string, now time.Time) models.ComplianceProfile {
	return models.ComplianceProfile{
		Subject:    subject,
		KYC:        models.KYCRecord{Status: models.ScreeningPending},
		AML:        models.AMLRecord{Status: models.ScreeningPending},
		Sanctions:  models.SanctionsRecord{Status: models.SanctionsPending},
		ValidFrom:  now,
		ValidUntil: now.Add(r.validity),
	}
}

func validate(p models.ComplianceProfile) error {
	switch p.KYC.Status {
	case models.ScreeningPending, models.ScreeningApproved, models.ScreeningRejected:
	default:
		return fmt.Errorf("%w: kyc status %q", ErrInvalidRecord, p.KYC.Status)
	}
	switch p.AML.Status {
	case models.ScreeningPending, models.ScreeningApproved, models.ScreeningRejected:
	default:
		return fmt.Errorf("%w: aml status %q", ErrInvalidRecord, p.AML.Status)
	}
	switch p.Sanctions.Status {
	case models.SanctionsPending, models.SanctionsCleared, models.SanctionsMatched:
	default:
		return fmt.Errorf("%w: sanctions status %q", ErrInvalidRecord, p.Sanctions.Status)
	}
	if p.AML.RiskScore < 0 || p.AML.RiskScore > 100 {
		return fmt.Errorf("%w: aml risk score %d outside 0..100", ErrInvalidRecord, p.AML.RiskScore)
	}
	if p.Sanctions.Confidence < 0 || p.Sanctions.Confidence > 100 {
		return fmt.Errorf("%w: sanctions confidence %d outside 0..100", ErrInvalidRecord, p.Sanctions.Confidence)
	}
	if p.KYC.Level < 0 {
		return fmt.Errorf("%w: kyc level %d", ErrInvalidRecord, p.KYC.Level)
	}
	if !p.ValidUntil.After(p.ValidFrom) {
		return fmt.Errorf("%w: validity window is empty", ErrInvalidRecord)
	}
	return nil
}

func key(subject string) string {
	return strings.ToLower(strings.TrimSpace(subject))
}
