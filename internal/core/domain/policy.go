package domain

// Policy reason codes.
const (
	ReasonRoleUnrestricted = "role_unrestricted"
	ReasonEntitled         = "entitled"
	ReasonUntaggedAllowed  = "untagged_allowed"

	ReasonUnknownRole        = "unknown_role"
	ReasonTagDenied          = "tag_denied"
	ReasonMissingEntitlement = "missing_entitlement"
	ReasonUntaggedDenied     = "untagged_denied"
	ReasonUnknownReference   = "unknown_reference"
	ReasonTagsUnavailable    = "tags_unavailable"

	ReasonSufficientEvidence   = "sufficient_evidence"
	ReasonInsufficientEvidence = "insufficient_evidence"
)

// PolicyDecision is the verdict for one caller and one candidate.
type PolicyDecision struct {
	CandidateID string `json:"candidate_id"`
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason"`
}

// ResponseDecision is the verdict for the whole response.
type ResponseDecision struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason"`
	AllowedCount int    `json:"allowed_count"`
	DeniedCount  int    `json:"denied_count"`
}

// RoleRule grants a role access to candidates by access tag.
type RoleRule struct {
	Name         string   `json:"name" yaml:"name"`
	Grants       []string `json:"grants,omitempty" yaml:"grants"`
	DenyTags     []string `json:"deny_tags,omitempty" yaml:"deny_tags"`
	Unrestricted bool     `json:"unrestricted,omitempty" yaml:"unrestricted"`
}

// PolicyRules is the entitlement model: role set against tag set.
type PolicyRules struct {
	MinimumEvidence int                 `json:"minimum_evidence" yaml:"minimum_evidence"`
	AllowUntagged   bool                `json:"allow_untagged" yaml:"allow_untagged"`
	Roles           map[string]RoleRule `json:"roles" yaml:"roles"`
}
