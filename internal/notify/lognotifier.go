package notify

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// LogNotifier writes approval messages to the log instead of a chat
// channel. Used when no notifier is configured; approvals can still be
// decided over the HTTP callback surface.
type LogNotifier struct {
	logger *log.Logger
	seq    atomic.Int64
}

// NewLog returns a notifier backed by logger.
func NewLog(logger *log.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) PostApproval(ctx context.Context, m *Message) (string, error) {
	id := fmt.Sprintf("log/%d", l.seq.Add(1))
	l.logger.Info("approval needed",
		"message_id", id,
		"title", m.Title,
		"source", m.Source,
		"summary", m.Summary,
		"request_id", m.RequestID)
	for _, b := range m.Buttons {
		l.logger.Info("approval action", "message_id", id, "label", b.Label, "value", b.Value)
	}
	return id, nil
}

func (l *LogNotifier) UpdateResult(ctx context.Context, messageID, text string) error {
	l.logger.Info("approval update", "message_id", messageID, "text", text)
	return nil
}

func (l *LogNotifier) PostText(ctx context.Context, text string) error {
	l.logger.Info("notification", "text", text)
	return nil
}
