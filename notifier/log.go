package notifier

import (
	"context"
	"log/slog"

	"github.com/sodazone/xcmon/types"
)

// LogNotifier writes notifications to the structured log. It is the
// default channel for local development and smoke testing.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-channel notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// ChannelType implements Notifier.
func (n *LogNotifier) ChannelType() types.ChannelType { return types.ChannelLog }

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, sub types.Subscription, _ types.Channel, msg types.NotificationMessage) error {
	n.logger.Info("Notification",
		"subscription", sub.ID,
		"type", string(msg.Metadata.Type),
		"payload", msg.Payload)
	return nil
}
