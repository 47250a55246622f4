package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawdbot/bouncer/internal/output"
)

var (
	flagPendingSource string
	flagPendingLimit  int
)

func init() {
	pendingCmd.Flags().StringVarP(&flagPendingSource, "source", "s", "", "filter by submitting agent")
	pendingCmd.Flags().IntVarP(&flagPendingLimit, "limit", "n", 50, "maximum rows")
	rootCmd.AddCommand(pendingCmd)
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List requests waiting for approval",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/v1/pending?limit=%d", flagPendingLimit)
		if flagPendingSource != "" {
			path += "&source=" + flagPendingSource
		}
		var out struct {
			Pending []pendingRow `json:"pending"`
		}
		if _, err := c.do(cmd.Context(), "GET", path, nil, &out); err != nil {
			return err
		}

		if output.IsJSON() {
			return output.OutputJSON(out)
		}
		if len(out.Pending) == 0 {
			fmt.Println("no pending requests")
			return nil
		}
		rows := make([][]string, len(out.Pending))
		for i, r := range out.Pending {
			rows[i] = []string{
				r.RequestID, r.Kind, r.Source, r.DisplaySummary,
				time.Until(r.ExpiresAt).Round(time.Second).String(),
			}
		}
		output.OutputTable([]string{"REQUEST", "KIND", "SOURCE", "SUMMARY", "EXPIRES IN"}, rows)
		return nil
	},
}

type pendingRow struct {
	RequestID      string    `json:"request_id"`
	Kind           string    `json:"kind"`
	Source         string    `json:"source"`
	DisplaySummary string    `json:"display_summary"`
	ExpiresAt      time.Time `json:"expires_at"`
}
