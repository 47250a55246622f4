// Package rules loads the versioned rule tables that drive classification,
// compliance checking, and risk scoring. Tables are loaded once at startup
// and are immutable for the life of the process.
package rules

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

//go:embed defaults/*.toml
var defaultFS embed.FS

// Severity levels for compliance rules, ordered.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// SeverityRank returns an ordering value for a severity string, -1 if unknown.
func SeverityRank(s string) int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// BlockedTable lists command prefixes that are never executable.
type BlockedTable struct {
	Version  int           `toml:"version"`
	Prefixes []BlockedRule `toml:"prefix"`
	Patterns []BlockedRule `toml:"pattern"`
}

// BlockedRule is a single blocked prefix or regex.
type BlockedRule struct {
	ID         string `toml:"id"`
	Match      string `toml:"match"`
	Reason     string `toml:"reason"`
	Suggestion string `toml:"suggestion"`

	re *regexp.Regexp
}

// Regexp returns the compiled pattern for regex rules, nil for prefixes.
func (r *BlockedRule) Regexp() *regexp.Regexp { return r.re }

// SafelistTable lists read-only verb prefixes and explicit command prefixes.
type SafelistTable struct {
	Version          int      `toml:"version"`
	VerbPrefixes     []string `toml:"verb_prefixes"`
	ExplicitPrefixes []string `toml:"explicit_prefixes"`
	WriteMask        []string `toml:"write_mask"`
}

// DangerTable lists destructive verb prefixes and danger flags.
type DangerTable struct {
	Version      int      `toml:"version"`
	VerbPrefixes []string `toml:"verb_prefixes"`
	Flags        []string `toml:"flags"`
	Patterns     []DangerPattern `toml:"pattern"`
}

// DangerPattern is a regex rule for dangerous commands that plain verb
// prefixes cannot express (s3 rb, cloudformation delete-stack, ...).
type DangerPattern struct {
	ID     string `toml:"id"`
	Match  string `toml:"match"`
	Reason string `toml:"reason"`

	re *regexp.Regexp
}

// Regexp returns the compiled pattern.
func (p *DangerPattern) Regexp() *regexp.Regexp { return p.re }

// ComplianceTable holds the ordered compliance rule list.
type ComplianceTable struct {
	Version int              `toml:"version"`
	Rules   []ComplianceRule `toml:"rule"`
}

// ComplianceRule matches a policy violation in a command or template.
type ComplianceRule struct {
	ID          string `toml:"id"`
	Match       string `toml:"match"`
	Severity    string `toml:"severity"`
	FailClosed  bool   `toml:"fail_closed"`
	Reason      string `toml:"reason"`
	Remediation string `toml:"remediation"`

	re *regexp.Regexp
}

// Regexp returns the compiled matcher.
func (r *ComplianceRule) Regexp() *regexp.Regexp { return r.re }

// RiskTable drives the weighted risk scorer.
type RiskTable struct {
	Version    int          `toml:"version"`
	Weights    RiskWeights  `toml:"weights"`
	Thresholds RiskCutoffs  `toml:"thresholds"`
	Verbs      []RiskRule   `toml:"verb"`
	Params     []RiskRule   `toml:"param"`
	Context    []RiskRule   `toml:"context"`
	Accounts   []AccountTag `toml:"account"`
}

// RiskWeights are the dimension weights; they should sum to 1.
type RiskWeights struct {
	Verb    float64 `toml:"verb"`
	Params  float64 `toml:"params"`
	Context float64 `toml:"context"`
	Account float64 `toml:"account"`
}

// RiskCutoffs are the category boundaries on the 0..100 scale.
type RiskCutoffs struct {
	Auto    int `toml:"auto"`
	Log     int `toml:"log"`
	Confirm int `toml:"confirm"`
	Manual  int `toml:"manual"`
}

// RiskRule contributes a score within one dimension when its pattern matches.
type RiskRule struct {
	ID     string `toml:"id"`
	Match  string `toml:"match"`
	Score  int    `toml:"score"`
	Reason string `toml:"reason"`

	re *regexp.Regexp
}

// Regexp returns the compiled matcher.
func (r *RiskRule) Regexp() *regexp.Regexp { return r.re }

// AccountTag maps an account sensitivity tag to a score.
type AccountTag struct {
	Tag   string `toml:"tag"`
	Score int    `toml:"score"`
}

// Set is the full immutable rule set for one process.
type Set struct {
	Blocked    BlockedTable
	Safelist   SafelistTable
	Danger     DangerTable
	Compliance ComplianceTable
	Risk       RiskTable
}

// Paths names the five rule files.
type Paths struct {
	Blocked    string
	Safelist   string
	Danger     string
	Compliance string
	Risk       string
}

// Load reads and compiles all rule tables. A path whose file does not exist
// falls back to the embedded default table of the same name.
func Load(p Paths) (*Set, error) {
	set := &Set{}
	if err := loadTable(p.Blocked, "blocked.toml", &set.Blocked); err != nil {
		return nil, err
	}
	if err := loadTable(p.Safelist, "safelist.toml", &set.Safelist); err != nil {
		return nil, err
	}
	if err := loadTable(p.Danger, "danger.toml", &set.Danger); err != nil {
		return nil, err
	}
	if err := loadTable(p.Compliance, "compliance.toml", &set.Compliance); err != nil {
		return nil, err
	}
	if err := loadTable(p.Risk, "risk.toml", &set.Risk); err != nil {
		return nil, err
	}
	if err := set.compile(); err != nil {
		return nil, err
	}
	return set, nil
}

// LoadDefaults loads only the embedded tables.
func LoadDefaults() (*Set, error) {
	return Load(Paths{})
}

func loadTable(path, name string, out any) error {
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := toml.Unmarshal(data, out); err != nil {
				return fmt.Errorf("parse rule file %s: %w", path, err)
			}
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read rule file %s: %w", path, err)
		}
	}
	data, err := defaultFS.ReadFile("defaults/" + name)
	if err != nil {
		return fmt.Errorf("embedded rule table %s: %w", name, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse embedded table %s: %w", name, err)
	}
	return nil
}

func (s *Set) compile() error {
	for i := range s.Blocked.Patterns {
		re, err := regexp.Compile(s.Blocked.Patterns[i].Match)
		if err != nil {
			return fmt.Errorf("blocked rule %s: %w", s.Blocked.Patterns[i].ID, err)
		}
		s.Blocked.Patterns[i].re = re
	}
	for i := range s.Danger.Patterns {
		re, err := regexp.Compile(s.Danger.Patterns[i].Match)
		if err != nil {
			return fmt.Errorf("danger rule %s: %w", s.Danger.Patterns[i].ID, err)
		}
		s.Danger.Patterns[i].re = re
	}
	for i := range s.Compliance.Rules {
		r := &s.Compliance.Rules[i]
		if SeverityRank(r.Severity) < 0 {
			return fmt.Errorf("compliance rule %s: unknown severity %q", r.ID, r.Severity)
		}
		re, err := regexp.Compile(r.Match)
		if err != nil {
			return fmt.Errorf("compliance rule %s: %w", r.ID, err)
		}
		r.re = re
	}
	for _, group := range []struct {
		name  string
		rules []RiskRule
	}{{"verb", s.Risk.Verbs}, {"param", s.Risk.Params}, {"context", s.Risk.Context}} {
		for i := range group.rules {
			re, err := regexp.Compile(group.rules[i].Match)
			if err != nil {
				return fmt.Errorf("risk %s rule %s: %w", group.name, group.rules[i].ID, err)
			}
			group.rules[i].re = re
		}
	}
	return nil
}
