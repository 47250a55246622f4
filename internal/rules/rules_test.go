package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	set, err := LoadDefaults()
	if err != nil {
		t.Fatalf("LoadDefaults() error: %v", err)
	}

	if len(set.Blocked.Prefixes) == 0 {
		t.Error("blocked table has no prefixes")
	}
	if len(set.Safelist.VerbPrefixes) == 0 {
		t.Error("safelist table has no verb prefixes")
	}
	if len(set.Danger.VerbPrefixes) == 0 || len(set.Danger.Flags) == 0 {
		t.Error("danger table incomplete")
	}
	if len(set.Compliance.Rules) == 0 {
		t.Error("compliance table has no rules")
	}
	for _, r := range set.Compliance.Rules {
		if r.Regexp() == nil {
			t.Errorf("compliance rule %s not compiled", r.ID)
		}
		if SeverityRank(r.Severity) < 0 {
			t.Errorf("compliance rule %s has bad severity %q", r.ID, r.Severity)
		}
	}
	if got := set.Risk.Weights.Verb + set.Risk.Weights.Params + set.Risk.Weights.Context + set.Risk.Weights.Account; got < 0.99 || got > 1.01 {
		t.Errorf("risk weights sum = %v, want 1.0", got)
	}
}

func TestLoadFromFileOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocked.toml")
	content := `
version = 7

[[prefix]]
id = "only-one"
match = "iam "
reason = "test"
suggestion = "test"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	set, err := Load(Paths{Blocked: path})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if set.Blocked.Version != 7 {
		t.Errorf("Version = %d, want 7", set.Blocked.Version)
	}
	if len(set.Blocked.Prefixes) != 1 {
		t.Errorf("Prefixes = %d entries, want 1", len(set.Blocked.Prefixes))
	}
	// Other tables still come from the embedded defaults.
	if len(set.Compliance.Rules) == 0 {
		t.Error("compliance defaults not loaded")
	}
}

func TestLoadRejectsBadRegex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "compliance.toml")
	content := `
version = 1

[[rule]]
id = "broken"
match = "(unclosed"
severity = "HIGH"
fail_closed = true
reason = "x"
remediation = "x"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(Paths{Compliance: path})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error should name the rule: %v", err)
	}
}

func TestLoadRejectsUnknownSeverity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "compliance.toml")
	content := `
version = 1

[[rule]]
id = "bad-sev"
match = "x"
severity = "URGENT"
fail_closed = true
reason = "x"
remediation = "x"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(Paths{Compliance: path}); err == nil {
		t.Fatal("expected severity error")
	}
}

func TestSeverityRank(t *testing.T) {
	if SeverityRank(SeverityCritical) <= SeverityRank(SeverityHigh) {
		t.Error("CRITICAL should outrank HIGH")
	}
	if SeverityRank("nope") != -1 {
		t.Error("unknown severity should rank -1")
	}
}
