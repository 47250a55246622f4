package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clawdbot/bouncer/internal/config"
	"github.com/clawdbot/bouncer/internal/output"
	"github.com/clawdbot/bouncer/internal/rules"
)

func init() {
	rulesCmd.AddCommand(rulesCheckCmd)
	rootCmd.AddCommand(rulesCmd)
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Work with the classification rule tables",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load and compile the configured rule files",
	Long: `Load the configured rule files, compile every pattern, and report
table sizes. Fails when a file is unreadable or a pattern does not compile.
Missing files fall back to the embedded defaults.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.LoadOptions{ConfigPath: flagConfig})
		if err != nil {
			return err
		}
		set, err := rules.Load(rules.Paths{
			Blocked:    cfg.Rules.BlockedFile,
			Safelist:   cfg.Rules.SafelistFile,
			Danger:     cfg.Rules.DangerFile,
			Compliance: cfg.Rules.ComplianceFile,
			Risk:       cfg.Rules.RiskFile,
		})
		if err != nil {
			return err
		}

		summary := map[string]int{
			"blocked_patterns":       len(set.Blocked.Prefixes) + len(set.Blocked.Patterns),
			"safelist_verb_prefixes": len(set.Safelist.VerbPrefixes),
			"safelist_explicit":      len(set.Safelist.ExplicitPrefixes),
			"danger_verb_prefixes":   len(set.Danger.VerbPrefixes),
			"danger_patterns":        len(set.Danger.Patterns),
			"compliance_rules":       len(set.Compliance.Rules),
			"risk_rules":             len(set.Risk.Verbs) + len(set.Risk.Params) + len(set.Risk.Context),
		}
		if output.IsJSON() {
			return output.OutputJSON(summary)
		}
		for _, k := range []string{"blocked_patterns", "safelist_verb_prefixes", "safelist_explicit",
			"danger_verb_prefixes", "danger_patterns", "compliance_rules", "risk_rules"} {
			fmt.Printf("%-24s %d\n", k, summary[k])
		}
		fmt.Println("rule tables OK")
		return nil
	},
}
