// Package compliance aggregates per-party screening state into transaction
// risk verdicts and keeps the registry of party profiles.
package compliance

import (
	"errors"
	"fmt"
	"time"

	"treasury/pkg/models"
)

var (
	ErrComplianceExpired = errors.New("compliance expired")
	ErrProfileNotFound   = errors.New("compliance profile not found")
	ErrInvalidRecord     = errors.New("invalid screening record")
)

// Score weights.
const (
	kycPenalty       = 30
	sanctionsPenalty = 100
	highValuePenalty = 20
)

// Issue and recommendation codes.
const (
	IssueKYCNotApproved   = "KYC_NOT_APPROVED"
	IssueAMLHighRisk      = "AML_HIGH_RISK"
	IssueSanctionsMatch   = "SANCTIONS_MATCH"
	IssueHighValue        = "HIGH_VALUE"
	RecommendEnhancedDD   = "ENHANCED_DUE_DILIGENCE"
	RecommendManualReview = "MANUAL_REVIEW"
)

type Thresholds struct {
	AMLHighRisk        int
	Medium             int
	High               int
	HighValueThreshold int64
}

// Evaluate scores a payment between two parties. Sanctions on either side force a rejection.
func Evaluate(sender, recipient models.ComplianceProfile, amount int64, now time.Time, th Thresholds) (models.ComplianceCheck, error) {
	if sender.ExpiredAt(now) {
		return models.ComplianceCheck{}, fmt.Errorf("%w: sender %s", ErrComplianceExpired, sender.Subject)
	}
	if recipient.ExpiredAt(now) {
		return models.ComplianceCheck{}, fmt.Errorf("%w: recipient %s", ErrComplianceExpired, recipient.Subject)
	}
	check := models.ComplianceCheck{
		Sender:      sender.Subject,
		Recipient:   recipient.Subject,
		Amount:      amount,
		EvaluatedAt: now.UTC(),
	}
	if sender.KYC.Status != models.ScreeningApproved || recipient.KYC.Status != models.ScreeningApproved {
		check.RiskScore += kycPenalty
		check.Issues = append(check.Issues, IssueKYCNotApproved)
	}
	for _, p := range []models.ComplianceProfile{sender, recipient} {
		if p.AML.RiskScore > th.AMLHighRisk {
			check.RiskScore += p.AML.RiskScore
			check.Issues = append(check.Issues, IssueAMLHighRisk+":"+p.Subject)
		}
	}
	sanctioned := sender.Sanctioned() || recipient.Sanctioned()
	if sanctioned {
		check.RiskScore += sanctionsPenalty
		check.Issues = append(check.Issues, IssueSanctionsMatch)
	}
	if amount > th.HighValueThreshold {
		check.RiskScore += highValuePenalty
		check.Issues = append(check.Issues, IssueHighValue)
		check.Recommendations = append(check.Recommendations, RecommendEnhancedDD)
	}
	switch {
	case sanctioned:
		check.Status = models.VerdictRejected
	case check.RiskScore <= th.Medium:
		check.Status = models.VerdictApproved
	case check.RiskScore <= th.High:
		check.Status = models.VerdictUnderReview
		check.Recommendations = append(check.Recommendations, RecommendManualReview)
	default:
		check.Status = models.VerdictRejected
	}
	return check, nil
}

// Risk levels stored on profiles.
const (
	RiskLow      = "LOW"
	RiskMedium   = "MEDIUM"
	RiskHigh     = "HIGH"
	RiskCritical = "CRITICAL"
)

// ProfileRisk is the party-level aggregate shown on a profile.
func ProfileRisk(p models.ComplianceProfile, th Thresholds) (int, string) {
	score := p.AML.RiskScore
	if p.KYC.Status != models.ScreeningApproved {
		score += kycPenalty
	}
	if p.Sanctioned() {
		score += sanctionsPenalty
	}
	switch {
	case p.Sanctioned():
		return score, RiskCritical
	case score <= th.Medium:
		return score, RiskLow
	case score <= th.High:
		return score, RiskMedium
	default:
		return score, RiskHigh
	}
}
