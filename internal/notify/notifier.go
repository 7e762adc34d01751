// Package notify defines the notification contract. Delivery is someone
// else's problem: notifications are fire-and-forget and a delivery failure
// must never fail a job.
package notify

import (
	"context"

	"github.com/reseller-panel/internal/logging"
)

// Severity of a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is one user-facing message.
type Notification struct {
	UserID   string
	Title    string
	Message  string
	Severity Severity
	Link     string
}

// Notifier delivers notifications to users.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier writes notifications to the structured log. Used by the worker
// binary when no delivery backend is wired.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a notifier backed by the given logger.
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, notification Notification) {
	n.logger.WithFields(map[string]interface{}{
		"userId":   notification.UserID,
		"title":    notification.Title,
		"severity": string(notification.Severity),
		"link":     notification.Link,
	}).Info(notification.Message)
}
