package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawdbot/bouncer/internal/output"
)

func init() {
	trustCmd.AddCommand(trustListCmd)
	trustCmd.AddCommand(trustRevokeCmd)
	rootCmd.AddCommand(trustCmd)
}

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Inspect and revoke trust sessions",
}

var trustListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trust sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var out struct {
			Sessions []trustRow `json:"sessions"`
		}
		if _, err := c.do(cmd.Context(), "GET", "/v1/trust", nil, &out); err != nil {
			return err
		}
		if output.IsJSON() {
			return output.OutputJSON(out)
		}
		if len(out.Sessions) == 0 {
			fmt.Println("no trust sessions")
			return nil
		}
		rows := make([][]string, len(out.Sessions))
		for i, t := range out.Sessions {
			rows[i] = []string{
				t.TrustID, t.TrustScope, t.AccountID, output.StatusBadge(t.Status),
				fmt.Sprintf("%d/%d cmds %d/%d uploads", t.CommandsUsed, t.CommandsMax, t.UploadsUsed, t.UploadsMax),
				time.Until(t.ExpiresAt).Round(time.Second).String(),
			}
		}
		output.OutputTable([]string{"TRUST", "SCOPE", "ACCOUNT", "STATUS", "BUDGET", "EXPIRES IN"}, rows)
		return nil
	},
}

var trustRevokeCmd = &cobra.Command{
	Use:   "revoke <trust-id>",
	Short: "Revoke an active trust session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if _, err := c.do(cmd.Context(), "DELETE", "/v1/trust/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Println("revoked")
		return nil
	},
}

type trustRow struct {
	TrustID      string    `json:"trust_id"`
	TrustScope   string    `json:"trust_scope"`
	AccountID    string    `json:"account_id"`
	Status       string    `json:"status"`
	ExpiresAt    time.Time `json:"expires_at"`
	CommandsUsed int       `json:"commands_used"`
	CommandsMax  int       `json:"commands_max"`
	UploadsUsed  int       `json:"uploads_used"`
	UploadsMax   int       `json:"uploads_max"`
}
