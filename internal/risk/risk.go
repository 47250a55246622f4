// Package risk computes a weighted 0..100 risk score for a command. The
// score is metadata and a coarse auto-approval gate; it never overrides
// compliance findings.
package risk

import (
	"fmt"

	"github.com/clawdbot/bouncer/internal/command"
	"github.com/clawdbot/bouncer/internal/rules"
)

// Category buckets a score against the configured thresholds.
type Category string

const (
	CategoryAuto    Category = "auto"
	CategoryLog     Category = "log"
	CategoryConfirm Category = "confirm"
	CategoryManual  Category = "manual"
	CategoryBlock   Category = "block"
)

// Score is the scorer output.
type Score struct {
	Value     int            `json:"value"`
	Category  Category       `json:"category"`
	Hits      []string       `json:"hits,omitempty"`
	Breakdown map[string]int `json:"breakdown,omitempty"`
}

// Scorer evaluates commands against the risk table.
type Scorer struct {
	table *rules.RiskTable
}

// New returns a scorer over the given table.
func New(table *rules.RiskTable) *Scorer {
	return &Scorer{table: table}
}

// FailClosed is the score produced when scoring itself fails.
func FailClosed() Score {
	return Score{Value: 100, Category: CategoryBlock, Hits: []string{"scorer failure"}}
}

// Evaluate scores a command. accountTag is the sensitivity tag of the
// target account ("" when unknown, which scores as the most sensitive
// configured tag).
func (s *Scorer) Evaluate(cmd *command.Command, context, accountTag string) Score {
	score := Score{Breakdown: map[string]int{}}

	verb := dimensionMax(s.table.Verbs, cmd.Action, &score.Hits)
	params := dimensionMax(s.table.Params, command.Join(cmd.Argv[1:]), &score.Hits)
	ctx := dimensionMax(s.table.Context, cmd.Normalized+" "+context, &score.Hits)
	account := s.accountScore(accountTag, &score.Hits)

	score.Breakdown["verb"] = verb
	score.Breakdown["params"] = params
	score.Breakdown["context"] = ctx
	score.Breakdown["account"] = account

	w := s.table.Weights
	total := float64(verb)*w.Verb + float64(params)*w.Params +
		float64(ctx)*w.Context + float64(account)*w.Account
	score.Value = clamp(int(total + 0.5))
	score.Category = s.categorize(score.Value)
	return score
}

func dimensionMax(rs []rules.RiskRule, input string, hits *[]string) int {
	best := 0
	for i := range rs {
		r := &rs[i]
		if r.Regexp().MatchString(input) {
			*hits = append(*hits, fmt.Sprintf("%s: %s", r.ID, r.Reason))
			if r.Score > best {
				best = r.Score
			}
		}
	}
	return best
}

// accountScore maps the account sensitivity tag. Unknown tags score as the
// highest configured value so an untagged account never looks safe.
func (s *Scorer) accountScore(tag string, hits *[]string) int {
	highest := 0
	for _, a := range s.table.Accounts {
		if a.Score > highest {
			highest = a.Score
		}
		if tag != "" && a.Tag == tag {
			*hits = append(*hits, fmt.Sprintf("account: %s", a.Tag))
			return a.Score
		}
	}
	if tag != "" {
		*hits = append(*hits, "account: unknown tag "+tag)
	}
	return highest
}

func (s *Scorer) categorize(v int) Category {
	t := s.table.Thresholds
	switch {
	case v <= t.Auto:
		return CategoryAuto
	case v <= t.Log:
		return CategoryLog
	case v <= t.Confirm:
		return CategoryConfirm
	case v <= t.Manual:
		return CategoryManual
	default:
		return CategoryBlock
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
