package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawdbot/bouncer/internal/output"
)

var (
	flagSubmitReason   string
	flagSubmitSource   string
	flagSubmitScope    string
	flagSubmitAccount  string
	flagSubmitIdemKey  string
	flagSubmitWaitSecs int
)

func init() {
	submitCmd.Flags().StringVarP(&flagSubmitReason, "reason", "m", "", "why the command is needed (shown to the approver)")
	submitCmd.Flags().StringVarP(&flagSubmitSource, "source", "s", "", "submitting agent identity (required)")
	submitCmd.Flags().StringVar(&flagSubmitScope, "trust-scope", "", "trust scope for auto-approval windows")
	submitCmd.Flags().StringVar(&flagSubmitAccount, "account", "", "target account id")
	submitCmd.Flags().StringVar(&flagSubmitIdemKey, "idempotency-key", "", "dedupe key for safe retries")
	submitCmd.Flags().IntVar(&flagSubmitWaitSecs, "wait", 0, "poll for a decision up to this many seconds")
	rootCmd.AddCommand(submitCmd)
}

var submitCmd = &cobra.Command{
	Use:   "submit <command...>",
	Short: "Submit a command for admission",
	Long: `Submit a command through the gateway. Safelisted commands execute
immediately; everything else is classified, risk-scored, and either denied
or parked for human approval.

	Examples:
	  bouncer submit -s bot-a "aws s3 ls s3://my-bucket"
	  bouncer submit -s bot-a -m "restart api" aws ecs update-service --cluster c --service api
	  bouncer submit -s bot-a --wait 300 aws ec2 start-instances --instance-ids i-1`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagSubmitSource == "" {
			return fmt.Errorf("--source is required")
		}
		c, err := newClient()
		if err != nil {
			return err
		}

		body := map[string]string{
			"command":     strings.Join(args, " "),
			"reason":      flagSubmitReason,
			"source":      flagSubmitSource,
			"trust_scope": flagSubmitScope,
			"account_id":  flagSubmitAccount,
		}
		var header map[string]string
		if flagSubmitIdemKey != "" {
			header = map[string]string{"Idempotency-Key": flagSubmitIdemKey}
		}
		var d decisionView
		if _, err := c.doHeader(cmd.Context(), "POST", "/v1/submit", header, body, &d); err != nil {
			return err
		}

		if d.Status == "pending_approval" && flagSubmitWaitSecs > 0 {
			deadline := time.Now().Add(time.Duration(flagSubmitWaitSecs) * time.Second)
			for time.Now().Before(deadline) {
				time.Sleep(2 * time.Second)
				var rv requestStatusView
				if _, err := c.do(cmd.Context(), "GET", "/v1/requests/"+d.RequestID, nil, &rv); err != nil {
					return err
				}
				if rv.Status != "pending" {
					d.Status = rv.Status
					d.Result = rv.Result
					d.ExitCode = rv.ExitCode
					break
				}
			}
		}

		if output.IsJSON() {
			return output.OutputJSON(d)
		}
		printDecision(d)
		return nil
	},
}

type decisionView struct {
	Status         string `json:"status"`
	RequestID      string `json:"request_id"`
	DisplaySummary string `json:"display_summary"`
	Result         string `json:"result,omitempty"`
	ExitCode       *int   `json:"exit_code,omitempty"`
	BlockReason    string `json:"block_reason,omitempty"`
	Suggestion     string `json:"suggestion,omitempty"`
}

type requestStatusView struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

func printDecision(d decisionView) {
	switch d.Status {
	case "auto_approved", "trust_auto_approved", "grant_auto_approved":
		fmt.Println(d.Result)
	case "pending_approval":
		fmt.Printf("pending approval: %s\n", d.RequestID)
	case "blocked", "compliance_rejected":
		output.OutputError(d.Status, d.BlockReason)
		if d.Suggestion != "" {
			output.OutputError("suggestion", d.Suggestion)
		}
	default:
		fmt.Printf("%s: %s\n", output.StatusBadge(d.Status), d.RequestID)
		if d.Result != "" {
			fmt.Println(d.Result)
		}
	}
}
