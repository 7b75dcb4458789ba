package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patoruzuy/sysgrow/core/observability"
)

// Type classifies a notification for routing and throttling.
type Type string

const (
	TypeIrrigationConfirm  Type = "irrigation_confirm"
	TypeIrrigationFeedback Type = "irrigation_feedback"
	TypeIrrigationReminder Type = "irrigation_reminder"
	TypeDeviceOffline      Type = "device_offline"
	TypePlantAlert         Type = "plant_alert"
)

// Severity grades a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is the core-side view of a user notification. Rendering
// and transport live outside the core.
type Notification struct {
	UserID         int64
	UnitID         int64
	Type           Type
	Severity       Severity
	Title          string
	Message        string
	SourceType     string
	SourceID       string
	RequiresAction bool
	ActionType     string
	ActionData     map[string]any
}

// Notifier is the boundary to the notification subsystem.
type Notifier interface {
	// Send dispatches a notification and returns its id.
	Send(ctx context.Context, n Notification) (string, error)
	// SubmitFeedback records a feedback response against a feedback id.
	SubmitFeedback(ctx context.Context, feedbackID, response, notes string) error
}

// LogNotifier is the in-core fallback: it logs instead of delivering and
// remembers submitted feedback for tests.
type LogNotifier struct {
	logger *zap.Logger

	mu       sync.Mutex
	sent     []Notification
	feedback map[string]string
}

// NewLogNotifier creates the fallback notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{
		logger:   logger.Named("notify"),
		feedback: make(map[string]string),
	}
}

func (n *LogNotifier) Send(_ context.Context, notification Notification) (string, error) {
	id := uuid.NewString()
	n.mu.Lock()
	n.sent = append(n.sent, notification)
	n.mu.Unlock()

	observability.Notifications.WithLabelValues(string(notification.Type)).Inc()
	n.logger.Info("notification",
		zap.String("id", id),
		zap.String("type", string(notification.Type)),
		zap.String("severity", string(notification.Severity)),
		zap.Int64("user_id", notification.UserID),
		zap.Int64("unit_id", notification.UnitID),
		zap.String("title", notification.Title))
	return id, nil
}

func (n *LogNotifier) SubmitFeedback(_ context.Context, feedbackID, response, notes string) error {
	n.mu.Lock()
	n.feedback[feedbackID] = response
	n.mu.Unlock()
	n.logger.Info("feedback submitted",
		zap.String("feedback_id", feedbackID),
		zap.String("response", response))
	return nil
}

// Sent returns a copy of dispatched notifications. Test hook.
func (n *LogNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.sent))
	copy(out, n.sent)
	return out
}
