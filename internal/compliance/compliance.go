// Package compliance scans commands and deploy templates for policy
// violations using the ordered compliance rule table.
package compliance

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/clawdbot/bouncer/internal/rules"
)

// Finding is a single rule hit.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Severity    string `json:"severity"`
	Reason      string `json:"reason"`
	Remediation string `json:"remediation,omitempty"`
}

// Result is the outcome of a compliance scan.
type Result struct {
	Findings []Finding
	// MaxSeverity is the highest severity among findings, "" when clean.
	MaxSeverity string
	// ForceManual is set when a template could not be parsed. The scan is
	// inconclusive, so the request must go to a human.
	ForceManual bool
}

// Critical reports whether any finding is CRITICAL.
func (r Result) Critical() bool {
	return rules.SeverityRank(r.MaxSeverity) >= rules.SeverityRank(rules.SeverityCritical)
}

// HighOrWorse reports whether any finding is HIGH or CRITICAL.
func (r Result) HighOrWorse() bool {
	return rules.SeverityRank(r.MaxSeverity) >= rules.SeverityRank(rules.SeverityHigh)
}

// Checker runs the compliance rule table.
type Checker struct {
	table             *rules.ComplianceTable
	trustedAccountIDs map[string]bool
}

// New returns a checker over the given table. trustedAccountIDs are account
// ids allowed to appear in cross-account principals.
func New(table *rules.ComplianceTable, trustedAccountIDs []string) *Checker {
	trusted := make(map[string]bool, len(trustedAccountIDs))
	for _, id := range trustedAccountIDs {
		trusted[id] = true
	}
	return &Checker{table: table, trustedAccountIDs: trusted}
}

var crossAccountRe = regexp.MustCompile(`arn:aws:iam::(\d{12}):(root|role/)`)

// CheckCommand scans a normalized command string.
func (c *Checker) CheckCommand(normalized string) Result {
	canonical, ok := canonicalizeEmbeddedJSON(normalized)
	res := Result{ForceManual: !ok}
	res.Findings = c.match(normalized, canonical)
	res.Findings = append(res.Findings, c.crossAccount(normalized)...)
	res.MaxSeverity = maxSeverity(res.Findings)
	return res
}

// CheckTemplate scans a deploy template payload. An unparseable template
// never suppresses the check; it forces manual review instead.
func (c *Checker) CheckTemplate(payload []byte) Result {
	var parsed any
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return Result{ForceManual: true}
	}
	canonical, err := marshalCanonical(parsed)
	if err != nil {
		return Result{ForceManual: true}
	}
	res := Result{}
	res.Findings = c.match(string(payload), string(canonical))
	res.Findings = append(res.Findings, c.crossAccount(string(canonical))...)
	res.MaxSeverity = maxSeverity(res.Findings)
	return res
}

// match runs every rule against both the raw and canonical forms, deduped
// by rule id.
func (c *Checker) match(raw, canonical string) []Finding {
	var findings []Finding
	for i := range c.table.Rules {
		r := &c.table.Rules[i]
		if r.Regexp().MatchString(raw) || (canonical != "" && r.Regexp().MatchString(canonical)) {
			findings = append(findings, Finding{
				RuleID:      r.ID,
				Severity:    r.Severity,
				Reason:      r.Reason,
				Remediation: r.Remediation,
			})
		}
	}
	return findings
}

// crossAccount flags principals from accounts outside the trusted set.
func (c *Checker) crossAccount(s string) []Finding {
	var findings []Finding
	seen := map[string]bool{}
	for _, m := range crossAccountRe.FindAllStringSubmatch(s, -1) {
		id := m[1]
		if c.trustedAccountIDs[id] || seen[id] {
			continue
		}
		seen[id] = true
		findings = append(findings, Finding{
			RuleID:      "cross-account-trust",
			Severity:    rules.SeverityHigh,
			Reason:      "references principal from untrusted account " + id,
			Remediation: "add the account to trusted_account_ids if intended",
		})
	}
	return findings
}

func maxSeverity(findings []Finding) string {
	max := ""
	for _, f := range findings {
		if rules.SeverityRank(f.Severity) > rules.SeverityRank(max) {
			max = f.Severity
		}
	}
	return max
}

// canonicalizeEmbeddedJSON finds JSON object/array fragments inside the
// command and returns the command with each fragment re-serialized with
// sorted keys and no whitespace. Returns ok=false when a fragment that
// looks like JSON fails to parse.
func canonicalizeEmbeddedJSON(s string) (string, bool) {
	var b strings.Builder
	ok := true
	i := 0
	for i < len(s) {
		ch := s[i]
		if ch != '{' && ch != '[' {
			b.WriteByte(ch)
			i++
			continue
		}
		end := matchBracket(s, i)
		if end < 0 {
			// Unbalanced fragment that opened like JSON.
			b.WriteString(s[i:])
			return b.String(), false
		}
		fragment := s[i : end+1]
		var parsed any
		if err := json.Unmarshal([]byte(fragment), &parsed); err != nil {
			// Not JSON (shorthand syntax like Variables={KEY=val}); keep
			// the raw text, but flag fragments that clearly tried.
			if looksLikeJSON(fragment) {
				ok = false
			}
			b.WriteString(fragment)
			i = end + 1
			continue
		}
		canonical, err := marshalCanonical(parsed)
		if err != nil {
			ok = false
			b.WriteString(fragment)
			i = end + 1
			continue
		}
		b.Write(canonical)
		i = end + 1
	}
	return b.String(), ok
}

// matchBracket returns the index of the bracket closing s[open], or -1.
func matchBracket(s string, open int) int {
	var stack []byte
	inString := false
	for i := open; i < len(s); i++ {
		ch := s[i]
		if inString {
			if ch == '\\' {
				i++
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, ch)
		case '}', ']':
			if len(stack) == 0 {
				return -1
			}
			openCh := stack[len(stack)-1]
			if (ch == '}' && openCh != '{') || (ch == ']' && openCh != '[') {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}

func looksLikeJSON(fragment string) bool {
	trimmed := strings.TrimSpace(fragment)
	return strings.HasPrefix(trimmed, `{"`) || strings.HasPrefix(trimmed, `[{`) ||
		strings.HasPrefix(trimmed, `["`)
}

// marshalCanonical serializes with sorted keys and no extra whitespace.
// encoding/json already sorts map keys; compaction strips whitespace.
func marshalCanonical(v any) ([]byte, error) {
	sortKeys(v)
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// sortKeys exists for clarity; json.Marshal sorts map[string]any keys.
func sortKeys(v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sortKeys(t[k])
		}
	case []any:
		for _, e := range t {
			sortKeys(e)
		}
	}
}
