package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/clawdbot/bouncer/internal/output"
)

func init() {
	rootCmd.AddCommand(accountsCmd)
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List registered target accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var out struct {
			Accounts []accountRow `json:"accounts"`
		}
		if _, err := c.do(cmd.Context(), "GET", "/v1/accounts", nil, &out); err != nil {
			return err
		}
		if output.IsJSON() {
			return output.OutputJSON(out)
		}
		if len(out.Accounts) == 0 {
			fmt.Println("no accounts registered")
			return nil
		}
		rows := make([][]string, len(out.Accounts))
		for i, a := range out.Accounts {
			def := ""
			if a.IsDefault {
				def = "*"
			}
			rows[i] = []string{a.AccountID + def, a.Name, a.Sensitivity, strconv.FormatBool(a.Enabled), a.RoleARN}
		}
		output.OutputTable([]string{"ACCOUNT", "NAME", "SENSITIVITY", "ENABLED", "ROLE"}, rows)
		return nil
	},
}

type accountRow struct {
	AccountID   string `json:"account_id"`
	Name        string `json:"name"`
	RoleARN     string `json:"role_arn"`
	Sensitivity string `json:"sensitivity"`
	Enabled     bool   `json:"enabled"`
	IsDefault   bool   `json:"is_default"`
}
