package yamlrules

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
)

type document struct {
	MinimumEvidence int               `yaml:"minimum_evidence"`
	AllowUntagged   bool              `yaml:"allow_untagged"`
	Roles           []domain.RoleRule `yaml:"roles"`
}

// Load reads the role/tag rules file.
func Load(path string) (domain.PolicyRules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.PolicyRules{}, fmt.Errorf("read policy file: %w", err)
	}
	rules, err := Parse(raw)
	if err != nil {
		return domain.PolicyRules{}, fmt.Errorf("policy file %s: %w", path, err)
	}
	return rules, nil
}

// Parse decodes rules strictly: unknown keys, duplicate or unnamed roles
// and roles that grant nothing are rejected.
func Parse(raw []byte) (domain.PolicyRules, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return domain.PolicyRules{}, domain.WrapError(domain.ErrInvalidInput, "decode policy", err)
	}
	if doc.MinimumEvidence < 0 {
		return domain.PolicyRules{}, domain.WrapError(domain.ErrInvalidInput, "decode policy",
			fmt.Errorf("minimum_evidence must not be negative"))
	}

	rules := domain.PolicyRules{
		MinimumEvidence: doc.MinimumEvidence,
		AllowUntagged:   doc.AllowUntagged,
		Roles:           make(map[string]domain.RoleRule, len(doc.Roles)),
	}
	for i, role := range doc.Roles {
		name := strings.ToLower(strings.TrimSpace(role.Name))
		if name == "" {
			return domain.PolicyRules{}, domain.WrapError(domain.ErrInvalidInput, "decode policy",
				fmt.Errorf("role %d has no name", i))
		}
		if _, dup := rules.Roles[name]; dup {
			return domain.PolicyRules{}, domain.WrapError(domain.ErrInvalidInput, "decode policy",
				fmt.Errorf("role %q defined twice", name))
		}
		if !role.Unrestricted && len(role.Grants) == 0 {
			return domain.PolicyRules{}, domain.WrapError(domain.ErrInvalidInput, "decode policy",
				fmt.Errorf("role %q grants nothing", name))
		}
		role.Name = name
		rules.Roles[name] = role
	}
	return rules, nil
}
