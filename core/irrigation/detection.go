package irrigation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/patoruzuy/sysgrow/core/clock"
	"github.com/patoruzuy/sysgrow/core/notify"
	"github.com/patoruzuy/sysgrow/core/observability"
	"github.com/patoruzuy/sysgrow/core/store"
)

// DetectionService gates irrigation need, creates pending requests and
// dispatches approval notifications. Every pass leaves an eligibility
// trace, NOTIFY or SKIP.
type DetectionService struct {
	store     store.WorkflowStore
	notifier  notify.Notifier
	clk       clock.Clock
	logger    *zap.Logger
	getConfig func(ctx context.Context, unitID int64) WorkflowConfig
	tunables  Tunables

	// Sensor-missing alerts are throttled per (unit, sensor, plant,
	// reason) key so a dead sensor does not flood the user.
	mu            sync.Mutex
	alertLimiters map[string]*rate.Limiter
}

// NewDetectionService builds the detection stage.
func NewDetectionService(
	workflowStore store.WorkflowStore,
	notifier notify.Notifier,
	clk clock.Clock,
	getConfig func(ctx context.Context, unitID int64) WorkflowConfig,
	tunables Tunables,
	logger *zap.Logger,
) *DetectionService {
	return &DetectionService{
		store:         workflowStore,
		notifier:      notifier,
		clk:           clk,
		logger:        logger.Named("detection"),
		getConfig:     getConfig,
		tunables:      tunables,
		alertLimiters: make(map[string]*rate.Limiter),
	}
}

// Detect runs the gate chain and, when every gate passes, creates a
// PENDING request. Returns the new request id or empty when skipped;
// callers read the eligibility trace for the reason. Detection never
// returns an error to the event publisher.
func (s *DetectionService) Detect(ctx context.Context, d Detection) string {
	config := s.getConfig(ctx, d.UnitID)
	now := s.clk.Now()

	if !config.WorkflowEnabled {
		s.trace(ctx, d, DecisionSkip, SkipDisabled)
		return ""
	}
	if config.ManualModeEnabled {
		s.trace(ctx, d, DecisionSkip, SkipManualMode)
		return ""
	}
	if d.SensorID == "" {
		s.trace(ctx, d, DecisionSkip, SkipNoSensor)
		s.maybeNotifySensorMissing(ctx, d, SkipNoSensor)
		return ""
	}
	if d.ReadingTimestamp != nil && s.tunables.StaleReadingSeconds > 0 {
		age := now.Sub(time.Unix(*d.ReadingTimestamp, 0).UTC())
		if age > time.Duration(s.tunables.StaleReadingSeconds)*time.Second {
			s.logger.Debug("stale reading, skipping detection",
				zap.Int64("unit_id", d.UnitID),
				zap.Duration("age", age))
			s.trace(ctx, d, DecisionSkip, SkipStaleReading)
			s.maybeNotifySensorMissing(ctx, d, SkipStaleReading)
			return ""
		}
	}

	// One active request per scope: per plant/actuator when a plant-
	// assigned pump exists, otherwise per unit.
	var plantScope *int64
	var actuatorScope *string
	if d.PlantPumpAssigned && (d.PlantID != nil || d.ActuatorID != nil) {
		plantScope = d.PlantID
		actuatorScope = d.ActuatorID
	}
	active, err := s.store.HasActiveRequest(ctx, d.UnitID, plantScope, actuatorScope)
	if err != nil {
		s.logger.Error("active request check failed", zap.Error(err))
		return ""
	}
	if active {
		s.trace(ctx, d, DecisionSkip, SkipPendingRequest)
		return ""
	}

	if s.tunables.CooldownMinutes > 0 {
		last, err := s.store.GetLastCompletedIrrigation(ctx, d.UnitID, d.PlantID)
		if err == nil && last != nil {
			executedAt := last.TriggeredAt
			if last.ActualDurationS != nil {
				executedAt = executedAt.Add(time.Duration(*last.ActualDurationS) * time.Second)
			}
			if now.Sub(executedAt) < time.Duration(s.tunables.CooldownMinutes)*time.Minute {
				s.trace(ctx, d, DecisionSkip, SkipCooldownActive)
				return ""
			}
		}
	}

	scheduledAt := nextScheduledTime(now, config.DefaultScheduledTime)
	hoursSinceLast := s.hoursSinceLastIrrigation(ctx, d.UnitID)

	req := &store.IrrigationRequest{
		RequestID:             uuid.NewString(),
		UnitID:                d.UnitID,
		UserID:                d.UserID,
		PlantID:               d.PlantID,
		ActuatorID:            d.ActuatorID,
		SensorID:              d.SensorID,
		Status:                store.StatusPending,
		SoilMoistureDetected:  d.SoilMoisture,
		SoilMoistureThreshold: d.Threshold,
		DetectedAt:            now,
		ScheduledAt:           scheduledAt,
		ExpiresAt:             now.Add(time.Duration(config.ExpirationHours) * time.Hour),
		TemperatureAtDetection:  d.Temperature,
		HumidityAtDetection:     d.Humidity,
		VPDAtDetection:          d.VPD,
		LuxAtDetection:          d.Lux,
		HoursSinceLastIrrigated: hoursSinceLast,
		PlantType:               d.PlantType,
		GrowthStage:             d.GrowthStage,
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		s.logger.Error("failed to create irrigation request",
			zap.Int64("unit_id", d.UnitID), zap.Error(err))
		s.trace(ctx, d, DecisionSkip, SkipRequestCreateFailed)
		return ""
	}

	s.logger.Info("created pending irrigation request",
		zap.String("request_id", req.RequestID),
		zap.Int64("unit_id", d.UnitID),
		zap.Float64("moisture", d.SoilMoisture),
		zap.Float64("threshold", d.Threshold),
		zap.Time("scheduled_at", scheduledAt))

	s.trace(ctx, d, DecisionNotify, "")
	observability.WorkflowTransitions.WithLabelValues("", string(store.StatusPending)).Inc()

	if config.RequireApproval {
		s.sendApprovalNotification(ctx, req, d)
	} else {
		// No approval step: the request goes straight to the scheduler.
		if err := s.store.UpdateStatus(ctx, req.RequestID, store.StatusApproved, string(ResponseAuto), nil); err != nil {
			s.logger.Error("auto-approval failed", zap.Error(err))
		} else {
			observability.WorkflowTransitions.WithLabelValues(string(store.StatusPending), string(store.StatusApproved)).Inc()
		}
	}

	return req.RequestID
}

// RecordTrace appends an eligibility trace on behalf of callers outside
// the detection gate (the hysteresis check in the plant controller).
func (s *DetectionService) RecordTrace(ctx context.Context, d Detection, decision EligibilityDecision, reason SkipReason) {
	s.trace(ctx, d, decision, reason)
}

func (s *DetectionService) trace(ctx context.Context, d Detection, decision EligibilityDecision, reason SkipReason) {
	observability.DetectionDecisions.WithLabelValues(string(decision), string(reason)).Inc()
	moisture := d.SoilMoisture
	threshold := d.Threshold
	trace := &store.EligibilityTrace{
		TraceID:     uuid.NewString(),
		UnitID:      d.UnitID,
		PlantID:     d.PlantID,
		SensorID:    d.SensorID,
		Moisture:    &moisture,
		Threshold:   &threshold,
		Decision:    string(decision),
		SkipReason:  string(reason),
		EvaluatedAt: s.clk.Now(),
	}
	if err := s.store.AppendEligibilityTrace(ctx, trace); err != nil {
		s.logger.Debug("failed to record eligibility trace", zap.Error(err))
	}
}

// maybeNotifySensorMissing sends a throttled sensor alert: at most one
// per key per SensorMissingAlertMinutes.
func (s *DetectionService) maybeNotifySensorMissing(ctx context.Context, d Detection, reason SkipReason) {
	if s.notifier == nil || d.UserID == 0 {
		return
	}

	key := fmt.Sprintf("%d:%s:%v:%s", d.UnitID, d.SensorID, d.PlantID, reason)
	interval := time.Duration(s.tunables.SensorMissingAlertMinutes) * time.Minute
	if interval < time.Minute {
		interval = time.Minute
	}

	s.mu.Lock()
	limiter, ok := s.alertLimiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
		s.alertLimiters[key] = limiter
	}
	s.mu.Unlock()

	if !limiter.AllowN(s.clk.Now(), 1) {
		return
	}

	deviceName := "Soil moisture sensor"
	if d.PlantName != "" {
		deviceName = d.PlantName + " soil sensor"
	}
	message := "Soil moisture sensor is missing or offline."
	if reason == SkipStaleReading {
		message = "Soil moisture sensor data is stale and automation is paused."
	}

	if _, err := s.notifier.Send(ctx, notify.Notification{
		UserID:     d.UserID,
		UnitID:     d.UnitID,
		Type:       notify.TypeDeviceOffline,
		Severity:   notify.SeverityWarning,
		Title:      deviceName + " offline",
		Message:    message,
		SourceType: "sensor",
		SourceID:   d.SensorID,
	}); err != nil {
		s.logger.Warn("sensor missing alert failed", zap.Error(err))
	}
}

func (s *DetectionService) sendApprovalNotification(ctx context.Context, req *store.IrrigationRequest, d Detection) {
	displayName := fmt.Sprintf("Unit %d", d.UnitID)
	if d.PlantPumpAssigned && d.PlantName != "" {
		displayName = d.PlantName
	}

	notificationID, err := s.notifier.Send(ctx, notify.Notification{
		UserID:   d.UserID,
		UnitID:   d.UnitID,
		Type:     notify.TypeIrrigationConfirm,
		Severity: notify.SeverityWarning,
		Title:    "Irrigation Request: " + displayName,
		Message: fmt.Sprintf(
			"Soil moisture for '%s' is %.1f%% (threshold: %.1f%%). Irrigation is scheduled for %s. Would you like to approve, delay, or cancel?",
			displayName, d.SoilMoisture, d.Threshold, req.ScheduledAt.Format("15:04")),
		SourceType:     "irrigation_request",
		SourceID:       req.RequestID,
		RequiresAction: true,
		ActionType:     "irrigation_approval",
		ActionData: map[string]any{
			"request_id":     req.RequestID,
			"unit_id":        d.UnitID,
			"soil_moisture":  d.SoilMoisture,
			"threshold":      d.Threshold,
			"scheduled_time": req.ScheduledAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		s.logger.Warn("approval notification failed", zap.Error(err))
		return
	}
	if err := s.store.LinkNotification(ctx, req.RequestID, notificationID); err != nil {
		s.logger.Debug("failed to link notification", zap.Error(err))
	}
}

// hoursSinceLastIrrigation feeds the ML context snapshot; nil when the
// unit has never irrigated.
func (s *DetectionService) hoursSinceLastIrrigation(ctx context.Context, unitID int64) *float64 {
	last, err := s.store.GetLastCompletedIrrigation(ctx, unitID, nil)
	if err != nil || last == nil {
		return nil
	}
	hours := s.clk.Now().Sub(last.TriggeredAt).Hours()
	return &hours
}

// nextScheduledTime resolves "HH:MM" to its next UTC occurrence, rolling
// to tomorrow when the time has already passed today.
func nextScheduledTime(now time.Time, hhmm string) time.Time {
	hour, minute, err := parseScheduledTime(hhmm)
	if err != nil {
		hour, minute = 21, 0
	}
	scheduled := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !scheduled.After(now) {
		scheduled = scheduled.AddDate(0, 0, 1)
	}
	return scheduled
}
