package main

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	httpadapter "github.com/kirillkom/kedb-orchestrator/internal/adapters/http"
)

const rulesFixture = `
minimum_evidence: 1
allow_untagged: false
roles:
  - name: engineer
    grants: [public, infra]
    deny_tags: [security]
`

func writeRules(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(rulesFixture), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newApp(&out).Run(append([]string{"kedbctl"}, args...))
	return out.String(), err
}

func TestPolicyCheckValidatesRules(t *testing.T) {
	out, err := run(t, "policy", "check", "--file", writeRules(t))
	if err != nil {
		t.Fatalf("policy check: %v", err)
	}
	if !strings.Contains(out, "rules ok: 1 roles") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestPolicyCheckDecidesCaller(t *testing.T) {
	path := writeRules(t)

	out, err := run(t, "policy", "check", "--file", path, "--role", "engineer", "--tag", "infra")
	if err != nil {
		t.Fatalf("policy check: %v", err)
	}
	if !strings.Contains(out, "allow") {
		t.Fatalf("expected allow verdict, got %q", out)
	}

	out, err = run(t, "policy", "check", "--file", path, "--role", "engineer", "--tag", "infra", "--tag", "security")
	if err != nil {
		t.Fatalf("policy check: %v", err)
	}
	if !strings.Contains(out, "deny (tag_denied)") {
		t.Fatalf("expected tag_denied verdict, got %q", out)
	}
}

func TestPolicyCheckFailsOnMissingFile(t *testing.T) {
	if _, err := run(t, "policy", "check", "--file", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing rules file")
	}
}

func TestTokenIsAcceptedByAuthenticator(t *testing.T) {
	out, err := run(t, "token", "--subject", "u-1", "--role", "sre", "--secret", "s3cret", "--issuer", "kedb")
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	req := httptest.NewRequest("POST", "/v1/query", nil)
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(out))
	caller, err := httpadapter.NewAuthenticator(true, "s3cret", "kedb").Authenticate(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if caller.ID != "u-1" || len(caller.Roles) != 1 || caller.Roles[0] != "sre" {
		t.Fatalf("unexpected caller %+v", caller)
	}
}
