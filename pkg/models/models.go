package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// PolicyClass names a bundle of spending limits and approval requirements.
type PolicyClass string

const (
	PolicyStandard           PolicyClass = "STANDARD"
	PolicyHighValue          PolicyClass = "HIGH_VALUE"
	PolicyComplianceRequired PolicyClass = "COMPLIANCE_REQUIRED"
	PolicyEmergency          PolicyClass = "EMERGENCY"
)

// PolicyClasses lists every class in classification priority order.
var PolicyClasses = []PolicyClass{PolicyEmergency, PolicyHighValue, PolicyComplianceRequired, PolicyStandard}

func (c PolicyClass) Valid() bool {
	switch c {
	case PolicyStandard, PolicyHighValue, PolicyComplianceRequired, PolicyEmergency:
		return true
	default:
		return false
	}
}

// SpendingPolicy holds per-class limits. Amounts are base units; zero limits are unlimited.
type SpendingPolicy struct {
	Class                 PolicyClass `json:"class"`
	MaxAmountPerTx        int64       `json:"max_amount_per_tx"`
	DailyLimit            int64       `json:"daily_limit"`
	WeeklyLimit           int64       `json:"weekly_limit"`
	MonthlyLimit          int64       `json:"monthly_limit"`
	RequiredApprovals     int         `json:"required_approvals"`
	TimeLockSec           int64       `json:"time_lock_sec"`
	RequireCompliance     bool        `json:"require_compliance"`
	RequireRiskAssessment bool        `json:"require_risk_assessment"`
	ActivatesAt           time.Time   `json:"activates_at"`
	ExpiresAt             time.Time   `json:"expires_at"`
}

func (p SpendingPolicy) TimeLock() time.Duration {
	return time.Duration(p.TimeLockSec) * time.Second
}

// ActiveAt reports whether the policy window covers t. Zero bounds are open.
func (p SpendingPolicy) ActiveAt(t time.Time) bool {
	if !p.ActivatesAt.IsZero() && t.Before(p.ActivatesAt) {
		return false
	}
	if !p.ExpiresAt.IsZero() && !t.Before(p.ExpiresAt) {
		return false
	}
	return true
}

// GovernanceConfig is the authorization data consulted by every operation.
type GovernanceConfig struct {
	Members            []string `json:"members"`
	Proposers          []string `json:"proposers"`
	Approvers          []string `json:"approvers"`
	ComplianceOfficers []string `json:"compliance_officers"`
	EmergencyDeclarers []string `json:"emergency_declarers"`
	MaxThreshold       int      `json:"max_threshold"`
	SeparationOfDuties bool     `json:"separation_of_duties"`
}

type EmergencyState struct {
	Active      bool      `json:"active"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	ActivatedBy string    `json:"activated_by,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// Outpoint identifies a fragment by the transaction that created it.
type Outpoint struct {
	TxID  string `json:"txid"`
	Index uint32 `json:"index"`
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.Index)
}

// Fragment is a spendable unit of previously received funds.
type Fragment struct {
	TxID          string `json:"txid"`
	Index         uint32 `json:"index"`
	Amount        int64  `json:"amount"`
	Confirmations int    `json:"confirmations"`
	Address       string `json:"address"`
}

func (f Fragment) Outpoint() Outpoint {
	return Outpoint{TxID: f.TxID, Index: f.Index}
}

type UTXOBalance struct {
	Available      int64 `json:"available"`
	Reserved       int64 `json:"reserved"`
	Finalized      int64 `json:"finalized"`
	TotalAdded     int64 `json:"total_added"`
	AvailableCount int   `json:"available_count"`
	ReservedCount  int   `json:"reserved_count"`
}

type Approval struct {
	Approver string    `json:"approver"`
	At       time.Time `json:"at"`
}

// Proposal is a single payment request under evaluation.
type Proposal struct {
	ID                uint64           `json:"id"`
	VaultID           string           `json:"vault_id"`
	Amount            int64            `json:"amount"`
	Fee               int64            `json:"fee"`
	Change            int64            `json:"change"`
	FeeRate           int64            `json:"fee_rate"`
	Recipient         string           `json:"recipient"`
	Purpose           string           `json:"purpose"`
	Urgency           int              `json:"urgency"`
	Proposer          string           `json:"proposer"`
	PolicyClass       PolicyClass      `json:"policy_class"`
	RequiredApprovals int              `json:"required_approvals"`
	Approvals         []Approval       `json:"approvals"`
	TimeLockEnd       time.Time        `json:"time_lock_end"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	ExpiresAt         time.Time        `json:"expires_at"`
	Status            string           `json:"status"`
	ComplianceStatus  string           `json:"compliance_status"`
	Risk              *ComplianceCheck `json:"risk,omitempty"`
	Inputs            []Outpoint       `json:"inputs"`
	SignerRequestID   string           `json:"signer_request_id,omitempty"`
	SignerDeadline    *time.Time       `json:"signer_deadline,omitempty"`
	Digest            string           `json:"digest,omitempty"`
	Signature         string           `json:"signature,omitempty"`
	ExecutedAt        *time.Time       `json:"executed_at,omitempty"`
	Reason            string           `json:"reason,omitempty"`
}

func (p *Proposal) HasApproved(identity string) bool {
	for _, a := range p.Approvals {
		if a.Approver == identity {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate independently.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	out := *p
	out.Approvals = append([]Approval(nil), p.Approvals...)
	out.Inputs = append([]Outpoint(nil), p.Inputs...)
	if p.Risk != nil {
		risk := p.Risk.Clone()
		out.Risk = &risk
	}
	if p.ExecutedAt != nil {
		at := *p.ExecutedAt
		out.ExecutedAt = &at
	}
	if p.SignerDeadline != nil {
		at := *p.SignerDeadline
		out.SignerDeadline = &at
	}
	return &out
}

// Compliance verdict statuses.
const (
	VerdictApproved    = "APPROVED"
	VerdictUnderReview = "UNDER_REVIEW"
	VerdictRejected    = "REJECTED"
)

// Compliance status carried on a proposal.
const (
	ComplianceNotRequired = "NOT_REQUIRED"
	CompliancePending     = "PENDING"
)

// ComplianceCheck is the transaction-level risk verdict derived from two profiles.
type ComplianceCheck struct {
	Sender          string    `json:"sender"`
	Recipient       string    `json:"recipient"`
	Amount          int64     `json:"amount"`
	Status          string    `json:"status"`
	RiskScore       int       `json:"risk_score"`
	Issues          []string  `json:"issues"`
	Recommendations []string  `json:"recommendations"`
	EvaluatedAt     time.Time `json:"evaluated_at"`
}

func (c ComplianceCheck) Clone() ComplianceCheck {
	c.Issues = append([]string(nil), c.Issues...)
	c.Recommendations = append([]string(nil), c.Recommendations...)
	return c
}

// Screening statuses used by KYC and AML records.
const (
	ScreeningPending  = "PENDING"
	ScreeningApproved = "APPROVED"
	ScreeningRejected = "REJECTED"
)

// Sanctions screening statuses.
const (
	SanctionsPending = "PENDING"
	SanctionsCleared = "CLEARED"
	SanctionsMatched = "MATCHED"
)

type KYCRecord struct {
	Status     string    `json:"status"`
	Level      int       `json:"level"`
	Documents  []string  `json:"documents"`
	VerifiedAt time.Time `json:"verified_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type AMLRecord struct {
	Status            string    `json:"status"`
	RiskScore         int       `json:"risk_score"`
	PEP               bool      `json:"pep"`
	AdverseMedia      bool      `json:"adverse_media"`
	EnhancedDiligence bool      `json:"enhanced_diligence"`
	ScreenedAt        time.Time `json:"screened_at"`
}

type SanctionsRecord struct {
	Status       string    `json:"status"`
	Confidence   int       `json:"confidence"`
	ListsChecked []string  `json:"lists_checked"`
	ScreenedAt   time.Time `json:"screened_at"`
}

// ComplianceProfile is the per-party verification record.
type ComplianceProfile struct {
	Subject    string          `json:"subject"`
	KYC        KYCRecord       `json:"kyc"`
	AML        AMLRecord       `json:"aml"`
	Sanctions  SanctionsRecord `json:"sanctions"`
	RiskScore  int             `json:"risk_score"`
	RiskLevel  string          `json:"risk_level"`
	ValidFrom  time.Time       `json:"valid_from"`
	ValidUntil time.Time       `json:"valid_until"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (p ComplianceProfile) Sanctioned() bool {
	return p.Sanctions.Status == SanctionsMatched
}

// ExpiredAt reports whether the profile validity window or its KYC has lapsed at t.
func (p ComplianceProfile) ExpiredAt(t time.Time) bool {
	if p.ValidUntil.IsZero() || !t.Before(p.ValidUntil) {
		return true
	}
	if !p.KYC.ExpiresAt.IsZero() && !t.Before(p.KYC.ExpiresAt) {
		return true
	}
	return false
}

func (p ComplianceProfile) IsCompliant(t time.Time) bool {
	return p.KYC.Status == ScreeningApproved &&
		p.AML.Status == ScreeningApproved &&
		p.Sanctions.Status == SanctionsCleared &&
		!p.ExpiredAt(t) &&
		!p.Sanctioned()
}

func (p ComplianceProfile) Clone() ComplianceProfile {
	p.KYC.Documents = append([]string(nil), p.KYC.Documents...)
	p.Sanctions.ListsChecked = append([]string(nil), p.Sanctions.ListsChecked...)
	return p
}

// AuditEntry is one immutable link in a hash-chained audit trail.
type AuditEntry struct {
	Seq      uint64          `json:"seq"`
	Stream   string          `json:"stream"`
	Actor    string          `json:"actor"`
	Subject  string          `json:"subject"`
	Event    string          `json:"event"`
	At       time.Time       `json:"at"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	PrevHash string          `json:"prev_hash"`
	Digest   string          `json:"digest"`
}

// VaultInfo is the read-only vault metadata view.
type VaultInfo struct {
	ID                string         `json:"id"`
	CustodyAddress    string         `json:"custody_address"`
	CreatedAt         time.Time      `json:"created_at"`
	CreatedBy         string         `json:"created_by"`
	RequireCompliance bool           `json:"require_compliance"`
	Emergency         EmergencyState `json:"emergency"`
	Balance           int64          `json:"balance"`
	PendingCount      int            `json:"pending_count"`
	ProposalCount     int            `json:"proposal_count"`
}

// TransactionStatus is the compact status view of a proposal.
type TransactionStatus struct {
	ProposalID       uint64    `json:"proposal_id"`
	Status           string    `json:"status"`
	ComplianceStatus string    `json:"compliance_status"`
	Approvals        int       `json:"approvals"`
	Required         int       `json:"required_approvals"`
	TimeLockEnd      time.Time `json:"time_lock_end"`
	ExpiresAt        time.Time `json:"expires_at"`
	SignerRequestID  string    `json:"signer_request_id,omitempty"`
	Signature        string    `json:"signature,omitempty"`
}

// Screening result kinds.
const (
	ScreeningKYC       = "kyc"
	ScreeningAML       = "aml"
	ScreeningSanctions = "sanctions"
)

// ScreeningResult is one provider result for a subject. Exactly one record
// matching Kind is set.
type ScreeningResult struct {
	Subject    string           `json:"subject"`
	Kind       string           `json:"kind"`
	Provider   string           `json:"provider,omitempty"`
	KYC        *KYCRecord       `json:"kyc,omitempty"`
	AML        *AMLRecord       `json:"aml,omitempty"`
	Sanctions  *SanctionsRecord `json:"sanctions,omitempty"`
	ReceivedAt time.Time        `json:"received_at,omitempty"`
}
