package usecase

import (
	"context"
	"slices"
	"sort"
	"strings"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/core/ports"
)

type PolicyOutcome struct {
	Allowed   []domain.FusedCandidate
	Decisions []domain.PolicyDecision
	Final     domain.ResponseDecision
}

// PolicyEngine gates candidates by the caller's roles and entitlements
// against each candidate's access tags.
type PolicyEngine struct {
	rules domain.PolicyRules
	tags  ports.AccessTagStore
}

// NewPolicyEngine builds an engine. A nil tag store makes the engine rely
// on the access tags carried by the index payload.
func NewPolicyEngine(rules domain.PolicyRules, tags ports.AccessTagStore) *PolicyEngine {
	normalized := domain.PolicyRules{
		MinimumEvidence: rules.MinimumEvidence,
		AllowUntagged:   rules.AllowUntagged,
		Roles:           make(map[string]domain.RoleRule, len(rules.Roles)),
	}
	if normalized.MinimumEvidence <= 0 {
		normalized.MinimumEvidence = 1
	}
	for name, rule := range rules.Roles {
		name = normalizeTag(name)
		if name == "" {
			continue
		}
		rule.Name = name
		rule.Grants = normalizeTags(rule.Grants)
		rule.DenyTags = normalizeTags(rule.DenyTags)
		normalized.Roles[name] = rule
	}
	return &PolicyEngine{rules: normalized, tags: tags}
}

// Decide evaluates one caller against one tag set. The caller is allowed
// when any of its roles allows.
func (p *PolicyEngine) Decide(caller domain.Caller, accessTags []string) (bool, string) {
	tags := normalizeTags(accessTags)
	entitlements := normalizeTags(caller.Entitlements)

	denyReason := domain.ReasonUnknownRole
	for _, roleName := range sortedRoles(caller.Roles) {
		rule, ok := p.rules.Roles[roleName]
		if !ok {
			continue
		}

		allowed, reason := p.decideForRole(rule, tags, entitlements)
		if allowed {
			return true, reason
		}
		denyReason = strongerDenyReason(denyReason, reason)
	}
	return false, denyReason
}

func (p *PolicyEngine) decideForRole(rule domain.RoleRule, tags, entitlements []string) (bool, string) {
	for _, tag := range tags {
		if slices.Contains(rule.DenyTags, tag) {
			return false, domain.ReasonTagDenied
		}
	}
	if rule.Unrestricted {
		return true, domain.ReasonRoleUnrestricted
	}
	if len(tags) == 0 {
		if p.rules.AllowUntagged {
			return true, domain.ReasonUntaggedAllowed
		}
		return false, domain.ReasonUntaggedDenied
	}
	for _, tag := range tags {
		if !slices.Contains(rule.Grants, tag) && !slices.Contains(entitlements, tag) {
			return false, domain.ReasonMissingEntitlement
		}
	}
	return true, domain.ReasonEntitled
}

// Filter evaluates candidates in ranked order and keeps at most limit
// allowed ones. Denied candidates only appear in the returned decisions.
func (p *PolicyEngine) Filter(ctx context.Context, caller domain.Caller, candidates []domain.FusedCandidate, limit int) PolicyOutcome {
	outcome := PolicyOutcome{
		Allowed:   make([]domain.FusedCandidate, 0, min(limit, len(candidates))),
		Decisions: make([]domain.PolicyDecision, 0, len(candidates)),
	}

	for _, candidate := range candidates {
		if limit > 0 && len(outcome.Allowed) >= limit {
			break
		}

		decision := domain.PolicyDecision{CandidateID: candidate.ID}
		tags, reason := p.resolveTags(ctx, candidate)
		if reason != "" {
			decision.Reason = reason
		} else {
			decision.Allowed, decision.Reason = p.Decide(caller, tags)
		}

		outcome.Decisions = append(outcome.Decisions, decision)
		if decision.Allowed {
			candidate.AccessTags = tags
			outcome.Allowed = append(outcome.Allowed, candidate)
		}
	}

	denied := len(outcome.Decisions) - len(outcome.Allowed)
	outcome.Final = domain.ResponseDecision{
		Allowed:      len(outcome.Allowed) >= p.rules.MinimumEvidence,
		Reason:       domain.ReasonSufficientEvidence,
		AllowedCount: len(outcome.Allowed),
		DeniedCount:  denied,
	}
	if !outcome.Final.Allowed {
		outcome.Final.Reason = domain.ReasonInsufficientEvidence
		outcome.Allowed = nil
	}
	return outcome
}

// resolveTags merges the authoritative store tags with the payload tags.
// A non-empty reason means the candidate is denied without evaluation.
func (p *PolicyEngine) resolveTags(ctx context.Context, candidate domain.FusedCandidate) ([]string, string) {
	tags := normalizeTags(candidate.AccessTags)
	if p.tags == nil {
		return tags, ""
	}
	if ctx.Err() != nil {
		return nil, domain.ReasonTagsUnavailable
	}

	stored, err := p.tags.AccessTags(ctx, candidate.ID)
	switch {
	case domain.IsKind(err, domain.ErrNotFound):
		return nil, domain.ReasonUnknownReference
	case err != nil:
		return nil, domain.ReasonTagsUnavailable
	}
	return normalizeTags(append(tags, stored...)), ""
}

var denyReasonStrength = map[string]int{
	domain.ReasonUnknownRole:        0,
	domain.ReasonUntaggedDenied:     1,
	domain.ReasonMissingEntitlement: 2,
	domain.ReasonTagDenied:          3,
}

func strongerDenyReason(current, candidate string) string {
	if denyReasonStrength[candidate] > denyReasonStrength[current] {
		return candidate
	}
	return current
}

func sortedRoles(roles []string) []string {
	out := normalizeTags(roles)
	sort.Strings(out)
	return out
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = normalizeTag(tag)
		if tag == "" || slices.Contains(out, tag) {
			continue
		}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
