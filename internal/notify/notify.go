// Package notify delivers approval messages to the approver channel and
// edits them as decisions land. The pipeline and dispatcher talk to the
// Notifier interface; the Slack adapter is the production implementation.
package notify

import (
	"context"
	"strings"
	"time"
)

// Button is one interactive element on an approval message. Value is the
// opaque callback token the dispatcher parses.
type Button struct {
	Label string
	Value string
	// Style is "primary", "danger", or "" for default.
	Style string
}

// Message is a channel-agnostic approval notification.
type Message struct {
	Title       string
	Source      string
	Reason      string
	AccountID   string
	AccountName string
	Summary     string
	RequestID   string
	ExpiresAt   time.Time
	Buttons     []Button
}

// Notifier posts and edits approval messages.
type Notifier interface {
	// PostApproval sends the message and returns an opaque message id used
	// for later edits.
	PostApproval(ctx context.Context, m *Message) (string, error)
	// UpdateResult replaces the message body, dropping the buttons.
	UpdateResult(ctx context.Context, messageID, text string) error
	// PostText sends a plain informational message with no buttons.
	PostText(ctx context.Context, text string) error
}

// Escape transforms user-controlled text for the chat markup. Values placed
// inside code entities must not be escaped.
func Escape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// CodeSummary renders a command for the message body: inline code when it
// fits on one line, a code block otherwise.
func CodeSummary(summary string) string {
	if len(summary) <= 80 && !strings.Contains(summary, "\n") {
		return "`" + summary + "`"
	}
	return "```\n" + summary + "\n```"
}
