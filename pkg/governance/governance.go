// Package governance answers who may propose, approve, update policy or declare
// an emergency on a vault.
package governance

import (
	"errors"
	"strings"

	"treasury/pkg/models"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSoDViolation  = errors.New("approver violates separation of duties")
	ErrInvalidConfig = errors.New("invalid governance config")
)

// SystemActor is the identity used by the host substrate for callbacks.
const SystemActor = "system"

type Role string

const (
	RoleMember            Role = "member"
	RoleProposer          Role = "proposer"
	RoleApprover          Role = "approver"
	RoleComplianceOfficer Role = "compliance_officer"
	RoleEmergency         Role = "emergency"
)

// Registry is an immutable lookup view over a GovernanceConfig.
type Registry struct {
	cfg   models.GovernanceConfig
	roles map[Role]map[string]struct{}
}

func New(cfg models.GovernanceConfig) (*Registry, error) {
	if len(normalize(cfg.Members)) == 0 {
		return nil, errors.Join(ErrInvalidConfig, errors.New("at least one member required"))
	}
	if cfg.MaxThreshold <= 0 {
		return nil, errors.Join(ErrInvalidConfig, errors.New("max_threshold must be positive"))
	}
	r := &Registry{cfg: cfg, roles: map[Role]map[string]struct{}{}}
	r.roles[RoleMember] = toSet(cfg.Members)
	r.roles[RoleProposer] = toSet(cfg.Proposers)
	r.roles[RoleApprover] = toSet(cfg.Approvers)
	r.roles[RoleComplianceOfficer] = toSet(cfg.ComplianceOfficers)
	r.roles[RoleEmergency] = toSet(cfg.EmergencyDeclarers)
	return r, nil
}

func (r *Registry) Config() models.GovernanceConfig {
	out := r.cfg
	out.Members = append([]string(nil), r.cfg.Members...)
	out.Proposers = append([]string(nil), r.cfg.Proposers...)
	out.Approvers = append([]string(nil), r.cfg.Approvers...)
	out.ComplianceOfficers = append([]string(nil), r.cfg.ComplianceOfficers...)
	out.EmergencyDeclarers = append([]string(nil), r.cfg.EmergencyDeclarers...)
	return out
}

func (r *Registry) MaxThreshold() int {
	return r.cfg.MaxThreshold
}

func (r *Registry) Has(role Role, identity string) bool {
	set, ok := r.roles[role]
	if !ok {
		return false
	}
	_, ok = set[key(identity)]
	return ok
}

func (r *Registry) IsMember(identity string) bool {
	return r.Has(RoleMember, identity)
}

// Members implicitly hold the proposer and approver roles when those lists are empty.
func (r *Registry) CanPropose(identity string) bool {
	if len(r.roles[RoleProposer]) == 0 {
		return r.IsMember(identity)
	}
	return r.Has(RoleProposer, identity)
}

func (r *Registry) CanApprove(identity string) bool {
	if len(r.roles[RoleApprover]) == 0 {
		return r.IsMember(identity)
	}
	return r.Has(RoleApprover, identity)
}

func (r *Registry) CanUpdatePolicy(identity string) bool {
	return r.IsMember(identity)
}

func (r *Registry) CanDeclareEmergency(identity string) bool {
	return r.IsMember(identity) || r.Has(RoleEmergency, identity)
}

func (r *Registry) CanRuleCompliance(identity string) bool {
	return identity == SystemActor || r.Has(RoleComplianceOfficer, identity)
}

// ApproverAllowed checks role membership and, when enabled, that the approver is not the proposer.
func (r *Registry) ApproverAllowed(approver, proposer string) error {
	if !r.CanApprove(approver) {
		return ErrUnauthorized
	}
	if r.cfg.SeparationOfDuties && strings.EqualFold(strings.TrimSpace(approver), strings.TrimSpace(proposer)) {
		return ErrSoDViolation
	}
	return nil
}

func key(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

func normalize(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if k := key(v); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, v := range normalize(values) {
		set[v] = struct{}{}
	}
	return set
}
