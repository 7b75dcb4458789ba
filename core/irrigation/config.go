package irrigation

import (
	"fmt"
	"strconv"
	"time"
)

// WorkflowConfig is the per-unit workflow policy. Round-trips losslessly
// through a string map for persistence.
type WorkflowConfig struct {
	WorkflowEnabled        bool
	AutoIrrigationEnabled  bool
	ManualModeEnabled      bool
	RequireApproval        bool
	DefaultScheduledTime   string // "HH:MM", interpreted in UTC
	DelayIncrementMinutes  int
	MaxDelayHours          int
	ExpirationHours        int
	SendReminderBeforeExec bool
	ReminderMinutesBefore  int
	RequestFeedbackEnabled bool
	FeedbackDelayMinutes   int
	MLLearningEnabled      bool
	MLThresholdAdjustment  bool
}

// DefaultWorkflowConfig returns the production defaults.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		WorkflowEnabled:        true,
		AutoIrrigationEnabled:  false,
		ManualModeEnabled:      false,
		RequireApproval:        true,
		DefaultScheduledTime:   "21:00",
		DelayIncrementMinutes:  60,
		MaxDelayHours:          24,
		ExpirationHours:        48,
		SendReminderBeforeExec: true,
		ReminderMinutesBefore:  30,
		RequestFeedbackEnabled: true,
		FeedbackDelayMinutes:   30,
		MLLearningEnabled:      true,
		MLThresholdAdjustment:  false,
	}
}

// ToMap flattens the config for persistence.
func (c WorkflowConfig) ToMap() map[string]string {
	return map[string]string{
		"workflow_enabled":              strconv.FormatBool(c.WorkflowEnabled),
		"auto_irrigation_enabled":       strconv.FormatBool(c.AutoIrrigationEnabled),
		"manual_mode_enabled":           strconv.FormatBool(c.ManualModeEnabled),
		"require_approval":              strconv.FormatBool(c.RequireApproval),
		"default_scheduled_time":        c.DefaultScheduledTime,
		"delay_increment_minutes":       strconv.Itoa(c.DelayIncrementMinutes),
		"max_delay_hours":               strconv.Itoa(c.MaxDelayHours),
		"expiration_hours":              strconv.Itoa(c.ExpirationHours),
		"send_reminder_before_execution": strconv.FormatBool(c.SendReminderBeforeExec),
		"reminder_minutes_before":       strconv.Itoa(c.ReminderMinutesBefore),
		"request_feedback_enabled":      strconv.FormatBool(c.RequestFeedbackEnabled),
		"feedback_delay_minutes":        strconv.Itoa(c.FeedbackDelayMinutes),
		"ml_learning_enabled":           strconv.FormatBool(c.MLLearningEnabled),
		"ml_threshold_adjustment_enabled": strconv.FormatBool(c.MLThresholdAdjustment),
	}
}

// WorkflowConfigFromMap rebuilds a config; missing keys take defaults.
func WorkflowConfigFromMap(m map[string]string) WorkflowConfig {
	c := DefaultWorkflowConfig()
	if len(m) == 0 {
		return c
	}
	boolInto(m, "workflow_enabled", &c.WorkflowEnabled)
	boolInto(m, "auto_irrigation_enabled", &c.AutoIrrigationEnabled)
	boolInto(m, "manual_mode_enabled", &c.ManualModeEnabled)
	boolInto(m, "require_approval", &c.RequireApproval)
	if v, ok := m["default_scheduled_time"]; ok && v != "" {
		c.DefaultScheduledTime = v
	}
	intInto(m, "delay_increment_minutes", &c.DelayIncrementMinutes)
	intInto(m, "max_delay_hours", &c.MaxDelayHours)
	intInto(m, "expiration_hours", &c.ExpirationHours)
	boolInto(m, "send_reminder_before_execution", &c.SendReminderBeforeExec)
	intInto(m, "reminder_minutes_before", &c.ReminderMinutesBefore)
	boolInto(m, "request_feedback_enabled", &c.RequestFeedbackEnabled)
	intInto(m, "feedback_delay_minutes", &c.FeedbackDelayMinutes)
	boolInto(m, "ml_learning_enabled", &c.MLLearningEnabled)
	boolInto(m, "ml_threshold_adjustment_enabled", &c.MLThresholdAdjustment)
	return c
}

func boolInto(m map[string]string, key string, dst *bool) {
	if v, ok := m[key]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func intInto(m map[string]string, key string, dst *int) {
	if v, ok := m[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// parseScheduledTime validates and splits an "HH:MM" string.
func parseScheduledTime(s string) (hour, minute int, err error) {
	if _, err := time.Parse("15:04", s); err != nil {
		return 0, 0, fmt.Errorf("irrigation: invalid scheduled time %q: %w", s, err)
	}
	fmt.Sscanf(s, "%d:%d", &hour, &minute)
	return hour, minute, nil
}

// Tunables are the env-driven execution parameters, read once at
// startup.
type Tunables struct {
	CompletionInterval        time.Duration
	PostCaptureInterval       time.Duration
	PostCaptureDelay          time.Duration
	MaxDurationSeconds        int
	HysteresisMargin          float64
	StaleReadingSeconds       int
	CooldownMinutes           int
	SensorMissingAlertMinutes int
}

// DefaultTunables returns the built-in defaults used when the
// environment does not override them.
func DefaultTunables() Tunables {
	return Tunables{
		CompletionInterval:        5 * time.Second,
		PostCaptureInterval:       60 * time.Second,
		PostCaptureDelay:          15 * time.Minute,
		MaxDurationSeconds:        900,
		HysteresisMargin:          5.0,
		StaleReadingSeconds:       30 * 60,
		CooldownMinutes:           60,
		SensorMissingAlertMinutes: 60,
	}
}
