package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/slack-go/slack"
	"github.com/sony/gobreaker"
)

// Slack posts approval messages as Block Kit messages to one channel. Sends
// go through a circuit breaker so a Slack outage degrades to fast failures
// instead of hanging every admission.
type Slack struct {
	client  *slack.Client
	channel string
	breaker *gobreaker.CircuitBreaker
	logger  *log.Logger
}

// NewSlack builds the adapter. channel is the channel id, not its name.
func NewSlack(botToken, channel string, logger *log.Logger) *Slack {
	return &Slack{
		client:  slack.New(botToken),
		channel: channel,
		logger:  logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "slack",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// PostApproval sends the approval message. The returned message id is
// "channel/timestamp" and addresses the message for edits.
func (s *Slack) PostApproval(ctx context.Context, m *Message) (string, error) {
	blocks := buildBlocks(m)
	v, err := s.breaker.Execute(func() (any, error) {
		ch, ts, err := s.client.PostMessageContext(ctx, s.channel,
			slack.MsgOptionText(m.Title+" "+m.Summary, false),
			slack.MsgOptionBlocks(blocks...))
		if err != nil {
			return nil, err
		}
		return ch + "/" + ts, nil
	})
	if err != nil {
		s.logger.Error("slack post failed", "request_id", m.RequestID, "error", err)
		return "", fmt.Errorf("post approval: %w", err)
	}
	return v.(string), nil
}

// UpdateResult replaces the message body with text and removes the buttons.
func (s *Slack) UpdateResult(ctx context.Context, messageID, text string) error {
	ch, ts, ok := strings.Cut(messageID, "/")
	if !ok {
		return fmt.Errorf("malformed message id %q", messageID)
	}
	_, err := s.breaker.Execute(func() (any, error) {
		_, _, _, err := s.client.UpdateMessageContext(ctx, ch, ts,
			slack.MsgOptionText(text, false),
			slack.MsgOptionBlocks(slack.NewSectionBlock(
				slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)))
		return nil, err
	})
	if err != nil {
		s.logger.Error("slack update failed", "message_id", messageID, "error", err)
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// PostText sends a plain message, used for silent audit notifications.
func (s *Slack) PostText(ctx context.Context, text string) error {
	_, err := s.breaker.Execute(func() (any, error) {
		_, _, err := s.client.PostMessageContext(ctx, s.channel,
			slack.MsgOptionText(text, false))
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("post text: %w", err)
	}
	return nil
}

func buildBlocks(m *Message) []slack.Block {
	var fields []*slack.TextBlockObject
	addField := func(label, value string) {
		fields = append(fields, slack.NewTextBlockObject(
			slack.MarkdownType, "*"+label+":* "+value, false, false))
	}
	addField("Source", Escape(m.Source))
	addField("Reason", Escape(m.Reason))
	if m.AccountID != "" {
		name := m.AccountID
		if m.AccountName != "" {
			name += " (" + Escape(m.AccountName) + ")"
		}
		addField("Account", name)
	}
	addField("Request", "`"+m.RequestID+"`")
	if !m.ExpiresAt.IsZero() {
		addField("Expires", m.ExpiresAt.UTC().Format(time.RFC3339))
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, m.Title, true, false)),
		slack.NewSectionBlock(nil, fields, nil),
		slack.NewSectionBlock(slack.NewTextBlockObject(
			slack.MarkdownType, CodeSummary(m.Summary), false, false), nil, nil),
	}

	if len(m.Buttons) > 0 {
		elems := make([]slack.BlockElement, 0, len(m.Buttons))
		for _, b := range m.Buttons {
			btn := slack.NewButtonBlockElement(b.Value, b.Value,
				slack.NewTextBlockObject(slack.PlainTextType, b.Label, true, false))
			if b.Style != "" {
				btn = btn.WithStyle(slack.Style(b.Style))
			}
			elems = append(elems, btn)
		}
		blocks = append(blocks, slack.NewActionBlock("decision", elems...))
	}
	return blocks
}
