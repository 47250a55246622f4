package output

import "github.com/charmbracelet/lipgloss"

var (
	styleApproved = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	styleDenied   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	stylePending  = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	styleMuted    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// StatusBadge colors a request or session status for human output.
// JSON mode never goes through here.
func StatusBadge(status string) string {
	switch status {
	case "auto_approved", "trust_auto_approved", "grant_auto_approved", "approved", "executed_ok", "active":
		return styleApproved.Render(status)
	case "denied", "blocked", "compliance_rejected", "executed_error", "revoked":
		return styleDenied.Render(status)
	case "pending", "pending_approval", "rate_limited":
		return stylePending.Render(status)
	case "expired":
		return styleMuted.Render(status)
	default:
		return status
	}
}
