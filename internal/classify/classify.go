// Package classify assigns each normalized command to exactly one of the
// four admission classes. Classification is deterministic and pure.
package classify

import (
	"strings"

	"github.com/clawdbot/bouncer/internal/command"
	"github.com/clawdbot/bouncer/internal/rules"
)

// Class is the admission class of a command.
type Class string

const (
	Blocked   Class = "BLOCKED"
	Dangerous Class = "DANGEROUS"
	Safelist  Class = "SAFELIST"
	Approval  Class = "APPROVAL"
)

// Decision carries the class and the rule that produced it.
type Decision struct {
	Class      Class
	RuleID     string
	Reason     string
	Suggestion string
}

// Shell metacharacters are rejected outright. Argv is already split, so
// these can only appear inside argument values.
var metachars = []string{";", "|", "`", "$(", "&&", "||", "../", "file://"}

// Classifier evaluates commands against the loaded rule set.
type Classifier struct {
	set *rules.Set
}

// New returns a classifier over the given rule set.
func New(set *rules.Set) *Classifier {
	return &Classifier{set: set}
}

// Classify returns the first matching class in priority order:
// BLOCKED > DANGEROUS > SAFELIST > APPROVAL.
func (c *Classifier) Classify(cmd *command.Command) Decision {
	if d, ok := c.blocked(cmd); ok {
		return d
	}
	if d, ok := c.dangerous(cmd); ok {
		return d
	}
	if d, ok := c.safelisted(cmd); ok {
		return d
	}
	return Decision{Class: Approval, RuleID: "default", Reason: "requires approval"}
}

// tail is the normalized command with the CLI verb stripped.
func tail(cmd *command.Command) string {
	return command.Join(cmd.Argv[1:])
}

func (c *Classifier) blocked(cmd *command.Command) (Decision, bool) {
	// Query expressions carry JMESPath syntax that would trip the
	// metacharacter rule, so their values are masked before matching.
	masked := command.Join(maskQueryValues(cmd.Argv))
	for _, meta := range metachars {
		if strings.Contains(masked, meta) {
			return Decision{
				Class:      Blocked,
				RuleID:     "shell-metacharacters",
				Reason:     "command contains shell metacharacters",
				Suggestion: "submit a single plain command without shell syntax",
			}, true
		}
	}

	t := tail(cmd)
	maskedTail := command.Join(maskQueryValues(cmd.Argv)[1:])
	for i := range c.set.Blocked.Prefixes {
		r := &c.set.Blocked.Prefixes[i]
		if strings.HasPrefix(t, r.Match) {
			return Decision{Class: Blocked, RuleID: r.ID, Reason: r.Reason, Suggestion: r.Suggestion}, true
		}
	}
	for i := range c.set.Blocked.Patterns {
		r := &c.set.Blocked.Patterns[i]
		if r.Regexp().MatchString(maskedTail) {
			return Decision{Class: Blocked, RuleID: r.ID, Reason: r.Reason, Suggestion: r.Suggestion}, true
		}
	}
	return Decision{}, false
}

func (c *Classifier) dangerous(cmd *command.Command) (Decision, bool) {
	for _, prefix := range c.set.Danger.VerbPrefixes {
		if strings.HasPrefix(cmd.Action, prefix) {
			return Decision{Class: Dangerous, RuleID: "danger-verb", Reason: "destructive action verb " + cmd.Action}, true
		}
	}
	for _, flag := range c.set.Danger.Flags {
		if cmd.HasFlag(flag) {
			return Decision{Class: Dangerous, RuleID: "danger-flag", Reason: "danger flag " + flag}, true
		}
	}
	t := tail(cmd)
	for i := range c.set.Danger.Patterns {
		p := &c.set.Danger.Patterns[i]
		if p.Regexp().MatchString(t) {
			return Decision{Class: Dangerous, RuleID: p.ID, Reason: p.Reason}, true
		}
	}
	return Decision{}, false
}

func (c *Classifier) safelisted(cmd *command.Command) (Decision, bool) {
	matched := false
	ruleID := ""
	for _, prefix := range c.set.Safelist.VerbPrefixes {
		if strings.HasPrefix(cmd.Action, prefix) {
			matched = true
			ruleID = "safelist-verb"
			break
		}
	}
	if !matched {
		t := tail(cmd)
		for _, prefix := range c.set.Safelist.ExplicitPrefixes {
			if strings.HasPrefix(t, prefix) {
				matched = true
				ruleID = "safelist-prefix"
				break
			}
		}
	}
	if !matched {
		return Decision{}, false
	}
	for _, mask := range c.set.Safelist.WriteMask {
		if cmd.HasFlag(mask) {
			return Decision{}, false
		}
	}
	return Decision{Class: Safelist, RuleID: ruleID, Reason: "read-only command"}, true
}

// maskQueryValues replaces the value of every --query argument so JMESPath
// expressions are not matched by blocked rules.
func maskQueryValues(argv []string) []string {
	out := make([]string, len(argv))
	copy(out, argv)
	for i := 0; i < len(out); i++ {
		if out[i] == "--query" && i+1 < len(out) {
			out[i+1] = "<query>"
			i++
			continue
		}
		if strings.HasPrefix(out[i], "--query=") {
			out[i] = "--query=<query>"
		}
	}
	return out
}
