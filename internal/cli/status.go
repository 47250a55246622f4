package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clawdbot/bouncer/internal/output"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "Show one request's decision trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var r map[string]any
		if _, err := c.do(cmd.Context(), "GET", "/v1/requests/"+args[0], nil, &r); err != nil {
			return err
		}
		if output.IsJSON() {
			return output.OutputJSON(r)
		}
		for _, key := range []string{"request_id", "kind", "status", "display_summary", "source",
			"decision_type", "approver_id", "risk_score", "exit_code", "result"} {
			v, ok := r[key]
			if !ok || v == nil || v == "" {
				continue
			}
			if key == "status" {
				if s, ok := v.(string); ok {
					v = output.StatusBadge(s)
				}
			}
			fmt.Printf("%-16s %v\n", key, v)
		}
		return nil
	},
}
