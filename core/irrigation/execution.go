package irrigation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patoruzuy/sysgrow/core/actuator"
	"github.com/patoruzuy/sysgrow/core/bus"
	"github.com/patoruzuy/sysgrow/core/clock"
	"github.com/patoruzuy/sysgrow/core/notify"
	"github.com/patoruzuy/sysgrow/core/observability"
	"github.com/patoruzuy/sysgrow/core/predictor"
	"github.com/patoruzuy/sysgrow/core/store"
)

const (
	minDurationSeconds = 30
	claimBatchSize     = 10
	lockTTLMargin      = 2 * time.Minute
)

// MoistureReader supplies the latest soil moisture reading for a unit's
// sensor. The plant-sensor controller implements it from its live cache.
type MoistureReader interface {
	LatestMoisture(unitID int64, sensorID string) (value float64, at time.Time, ok bool)
}

// ExecutionService claims due requests, drives the pump/valve, completes
// runs and captures post-irrigation moisture.
type ExecutionService struct {
	store     store.WorkflowStore
	locker    store.UnitLocker
	registry  *actuator.Registry
	pred      predictor.Predictor
	notifier  notify.Notifier
	events    *bus.Bus
	moisture  MoistureReader
	clk       clock.Clock
	sched     *clock.Scheduler
	logger    *zap.Logger
	getConfig func(ctx context.Context, unitID int64) WorkflowConfig
	tunables  Tunables

	mu       sync.Mutex
	reminded map[string]bool
}

// NewExecutionService builds the execution stage.
func NewExecutionService(
	workflowStore store.WorkflowStore,
	locker store.UnitLocker,
	registry *actuator.Registry,
	pred predictor.Predictor,
	notifier notify.Notifier,
	events *bus.Bus,
	moisture MoistureReader,
	clk clock.Clock,
	sched *clock.Scheduler,
	getConfig func(ctx context.Context, unitID int64) WorkflowConfig,
	tunables Tunables,
	logger *zap.Logger,
) *ExecutionService {
	return &ExecutionService{
		store:     workflowStore,
		locker:    locker,
		registry:  registry,
		pred:      pred,
		notifier:  notifier,
		events:    events,
		moisture:  moisture,
		clk:       clk,
		sched:     sched,
		logger:    logger.Named("execution"),
		getConfig: getConfig,
		tunables:  tunables,
		reminded:  make(map[string]bool),
	}
}

// ExecuteDueRequests is the claim tick: it atomically claims due
// requests and starts each one.
func (s *ExecutionService) ExecuteDueRequests(ctx context.Context) []string {
	now := s.clk.Now()
	claimed, err := s.store.ClaimDueRequests(ctx, now, claimBatchSize)
	if err != nil {
		s.logger.Error("claim tick failed", zap.Error(err))
		return nil
	}

	var started []string
	for _, req := range claimed {
		observability.WorkflowTransitions.WithLabelValues(string(statusBeforeClaim(req)), string(store.StatusExecuting)).Inc()
		if s.startExecution(ctx, req) {
			started = append(started, req.RequestID)
		}
	}
	return started
}

// statusBeforeClaim infers the pre-claim status for metrics: delayed
// requests carry a delayed_until timestamp.
func statusBeforeClaim(req *store.IrrigationRequest) store.RequestStatus {
	if req.DelayedUntil != nil {
		return store.StatusDelayed
	}
	return store.StatusApproved
}

// startExecution acquires the unit lock, resolves the actuator, computes
// the duration and issues the on-command. A busy lock requeues the
// request unchanged for the next tick.
func (s *ExecutionService) startExecution(ctx context.Context, req *store.IrrigationRequest) bool {
	ttl := time.Duration(s.tunables.MaxDurationSeconds)*time.Second + lockTTLMargin
	acquired, err := s.locker.Acquire(ctx, req.UnitID, ttl)
	if err != nil {
		s.logger.Error("unit lock acquire failed", zap.Error(err))
		s.requeue(ctx, req)
		return false
	}
	if !acquired {
		observability.UnitLockContention.Inc()
		s.requeue(ctx, req)
		return false
	}

	handle, err := s.resolveActuator(req)
	if err != nil {
		s.logger.Error("no irrigation actuator available",
			zap.String("request_id", req.RequestID),
			zap.Int64("unit_id", req.UnitID),
			zap.Error(err))
		s.fail(ctx, req, "no irrigation actuator available: "+err.Error())
		s.releaseLock(ctx, req.UnitID)
		return false
	}

	plannedSeconds := s.plannedDuration(ctx, req)
	now := s.clk.Now()

	reading := handle.TurnOn(ctx)
	if reading.State == actuator.StateError {
		s.logger.Error("irrigation on-command failed",
			zap.String("request_id", req.RequestID),
			zap.Error(reading.Err))
		s.fail(ctx, req, fmt.Sprintf("on-command failed: %v", reading.Err))
		s.releaseLock(ctx, req.UnitID)
		return false
	}

	log := &store.ExecutionLog{
		LogID:              uuid.NewString(),
		RequestID:          &req.RequestID,
		UnitID:             req.UnitID,
		UserID:             &req.UserID,
		PlantID:            req.PlantID,
		SensorID:           req.SensorID,
		TriggerReason:      "scheduled_request",
		TriggerMoisture:    &req.SoilMoistureDetected,
		ThresholdAtTrigger: &req.SoilMoistureThreshold,
		TriggeredAt:        now,
		PlannedDurationS:   plannedSeconds,
		ExecutionStatus:    "running",
		PostMoistureDelayS: int(s.tunables.PostCaptureDelay.Seconds()),
		CreatedAt:          now,
	}
	switch handle.Kind {
	case actuator.KindValve:
		log.ValveActuatorID = handle.ID
	default:
		log.PumpActuatorID = handle.ID
	}
	if handle.FlowMlPerS > 0 {
		flow := handle.FlowMlPerS
		volume := float64(plannedSeconds) * flow
		log.AssumedFlowMlS = &flow
		log.EstimatedVolumeMl = &volume
	}
	if err := s.store.CreateExecutionLog(ctx, log); err != nil {
		s.logger.Error("failed to write execution log", zap.Error(err))
	}

	s.logger.Info("irrigation started",
		zap.String("request_id", req.RequestID),
		zap.Int64("unit_id", req.UnitID),
		zap.String("actuator_id", handle.ID),
		zap.Int("planned_duration_s", plannedSeconds))
	return true
}

// requeue undoes a claim when the unit lock is busy: the request goes
// back to its pre-claim status unchanged and the next tick retries it.
func (s *ExecutionService) requeue(ctx context.Context, req *store.IrrigationRequest) {
	if err := s.store.RestoreClaim(ctx, req.RequestID, statusBeforeClaim(req)); err != nil {
		s.logger.Error("failed to requeue claimed request",
			zap.String("request_id", req.RequestID), zap.Error(err))
	}
}

// resolveActuator picks the drive target: plant-assigned device first
// (valve preferred by the resolver that assigned it), then the unit
// pump.
func (s *ExecutionService) resolveActuator(req *store.IrrigationRequest) (*actuator.Handle, error) {
	if req.ActuatorID != nil && *req.ActuatorID != "" {
		if handle, err := s.registry.LookupID(*req.ActuatorID); err == nil {
			return handle, nil
		}
	}
	return s.registry.Lookup(req.UnitID, actuator.KindPump)
}

// plannedDuration consults the predictor and clamps to the allowed
// window. Confidence-0 predictions are ignored.
func (s *ExecutionService) plannedDuration(ctx context.Context, req *store.IrrigationRequest) int {
	defaultSeconds := s.tunables.MaxDurationSeconds / 3
	if defaultSeconds < minDurationSeconds {
		defaultSeconds = minDurationSeconds
	}

	seconds := defaultSeconds
	if s.pred != nil {
		pc := predictor.Context{PlantID: req.PlantID, UserID: &req.UserID, GrowthStage: req.GrowthStage}
		if dp, err := s.pred.PredictDuration(ctx, req.UnitID, req.SoilMoistureDetected, req.SoilMoistureThreshold, defaultSeconds, pc); err == nil && dp.Confidence > 0 {
			seconds = dp.RecommendedSeconds
		}
	}

	if seconds < minDurationSeconds {
		seconds = minDurationSeconds
	}
	if seconds > s.tunables.MaxDurationSeconds {
		seconds = s.tunables.MaxDurationSeconds
	}
	return seconds
}

// CompleteDueExecutions is the completion tick: it turns off actuators
// whose planned duration elapsed and flips requests to EXECUTED.
func (s *ExecutionService) CompleteDueExecutions(ctx context.Context) []string {
	executing, err := s.store.ListByStatus(ctx, store.StatusExecuting, claimBatchSize*5)
	if err != nil {
		s.logger.Error("completion tick failed", zap.Error(err))
		return nil
	}

	now := s.clk.Now()
	var completed []string
	for _, req := range executing {
		log, err := s.store.GetLatestExecutionLogForRequest(ctx, req.RequestID)
		if err != nil || log.ExecutionStatus != "running" {
			continue
		}
		endAt := log.TriggeredAt.Add(time.Duration(log.PlannedDurationS) * time.Second)
		if endAt.After(now) {
			continue
		}
		if s.completeExecution(ctx, req, log) {
			completed = append(completed, req.RequestID)
		}
	}
	return completed
}

func (s *ExecutionService) completeExecution(ctx context.Context, req *store.IrrigationRequest, log *store.ExecutionLog) bool {
	handle, err := s.resolveActuator(req)
	if err != nil {
		s.fail(ctx, req, "actuator lost before off-command: "+err.Error())
		s.releaseLock(ctx, req.UnitID)
		return false
	}

	reading := handle.TurnOff(ctx)
	if reading.State == actuator.StateError {
		// Safety retry: a stuck pump floods the unit.
		retry := handle.TurnOff(ctx)
		if retry.State == actuator.StateError {
			s.logger.Error("off-command failed twice",
				zap.String("request_id", req.RequestID),
				zap.Error(retry.Err))
			s.fail(ctx, req, fmt.Sprintf("off-command failed: %v", retry.Err))
			actual := int(s.clk.Now().Sub(log.TriggeredAt).Seconds())
			_ = s.store.UpdateExecutionLogStatus(ctx, log.LogID, "failed", &actual, fmt.Sprintf("off-command failed: %v", retry.Err))
			s.releaseLock(ctx, req.UnitID)
			return false
		}
	}

	actual := int(s.clk.Now().Sub(log.TriggeredAt).Seconds())
	if err := s.store.UpdateExecutionLogStatus(ctx, log.LogID, "completed", &actual, ""); err != nil {
		s.logger.Error("failed to complete execution log", zap.Error(err))
	}
	if err := s.store.UpdateStatus(ctx, req.RequestID, store.StatusExecuted, "", nil); err != nil {
		s.logger.Error("failed to mark request executed", zap.Error(err))
	}
	s.releaseLock(ctx, req.UnitID)

	observability.WorkflowTransitions.WithLabelValues(string(store.StatusExecuting), string(store.StatusExecuted)).Inc()
	observability.ExecutionDuration.Observe(float64(actual))

	s.events.Publish(bus.Event{
		Topic:  bus.TopicRequestExecuted,
		UnitID: req.UnitID,
		Fields: map[string]any{
			"request_id":        req.RequestID,
			"actual_duration_s": actual,
		},
	})

	s.logger.Info("irrigation completed",
		zap.String("request_id", req.RequestID),
		zap.Int64("unit_id", req.UnitID),
		zap.Int("actual_duration_s", actual))

	s.solicitFeedback(ctx, req)
	return true
}

// solicitFeedback links a feedback id to the request and schedules the
// feedback notification FeedbackDelayMinutes after completion.
func (s *ExecutionService) solicitFeedback(ctx context.Context, req *store.IrrigationRequest) {
	config := s.getConfig(ctx, req.UnitID)
	if !config.RequestFeedbackEnabled {
		return
	}
	feedbackID := uuid.NewString()
	if err := s.store.LinkFeedback(ctx, req.RequestID, feedbackID); err != nil {
		s.logger.Debug("failed to link feedback id", zap.Error(err))
		return
	}

	delay := time.Duration(config.FeedbackDelayMinutes) * time.Minute
	if s.sched != nil && delay > 0 {
		s.sched.After("irrigation.feedback_notification", delay, func(taskCtx context.Context) {
			s.sendFeedbackNotification(taskCtx, req, feedbackID, config)
		})
		return
	}
	s.sendFeedbackNotification(ctx, req, feedbackID, config)
}

func (s *ExecutionService) sendFeedbackNotification(ctx context.Context, req *store.IrrigationRequest, feedbackID string, config WorkflowConfig) {
	if _, err := s.notifier.Send(ctx, notify.Notification{
		UserID:         req.UserID,
		UnitID:         req.UnitID,
		Type:           notify.TypeIrrigationFeedback,
		Severity:       notify.SeverityInfo,
		Title:          "How was the watering?",
		Message:        "Tell us whether the last irrigation was too little, just right, or too much.",
		SourceType:     "irrigation_feedback",
		SourceID:       feedbackID,
		RequiresAction: true,
		ActionType:     "irrigation_feedback",
		ActionData: map[string]any{
			"request_id":  req.RequestID,
			"feedback_id": feedbackID,
			"delay_min":   config.FeedbackDelayMinutes,
		},
	}); err != nil {
		s.logger.Warn("feedback solicitation failed", zap.Error(err))
	}
}

// CapturePostMoisture is the post-capture tick: it records the settled
// moisture and derives a recommendation from the delta.
func (s *ExecutionService) CapturePostMoisture(ctx context.Context) []string {
	logs, err := s.store.ListLogsPendingPostCapture(ctx, s.clk.Now(), claimBatchSize*5)
	if err != nil {
		s.logger.Error("post-capture tick failed", zap.Error(err))
		return nil
	}

	var captured []string
	for _, log := range logs {
		if s.moisture == nil || log.SensorID == "" {
			continue
		}
		value, at, ok := s.moisture.LatestMoisture(log.UnitID, log.SensorID)
		if !ok {
			continue
		}
		// The reading must postdate the run; otherwise we would score
		// the irrigation with its own pre-water sample.
		if at.Before(log.TriggeredAt) {
			continue
		}

		var delta *float64
		if log.TriggerMoisture != nil {
			d := value - *log.TriggerMoisture
			delta = &d
		}
		recommendation := s.recommendFromDelta(delta)

		if err := s.store.UpdateExecutionLogPostMoisture(ctx, log.LogID, value, s.clk.Now(), delta, recommendation); err != nil {
			s.logger.Error("post-capture write failed", zap.Error(err))
			continue
		}
		captured = append(captured, log.LogID)
		s.logger.Info("post-irrigation moisture captured",
			zap.String("log_id", log.LogID),
			zap.Float64("post_moisture", value),
			zap.String("recommendation", recommendation))
	}
	return captured
}

// recommendFromDelta scores the irrigation outcome against the
// hysteresis margin.
func (s *ExecutionService) recommendFromDelta(delta *float64) string {
	if delta == nil {
		return RecommendationMaintain
	}
	switch {
	case *delta < s.tunables.HysteresisMargin:
		return RecommendationAdjustThreshold
	case *delta > 2*s.tunables.HysteresisMargin:
		return RecommendationReduceDuration
	default:
		return RecommendationMaintain
	}
}

// SendDueReminders notifies users shortly before an approved request
// executes. One reminder per request.
func (s *ExecutionService) SendDueReminders(ctx context.Context) {
	approved, err := s.store.ListByStatus(ctx, store.StatusApproved, claimBatchSize*5)
	if err != nil {
		return
	}
	now := s.clk.Now()
	for _, req := range approved {
		config := s.getConfig(ctx, req.UnitID)
		if !config.SendReminderBeforeExec {
			continue
		}
		window := time.Duration(config.ReminderMinutesBefore) * time.Minute
		if req.ScheduledAt.Sub(now) > window || req.ScheduledAt.Before(now) {
			continue
		}

		s.mu.Lock()
		sent := s.reminded[req.RequestID]
		if !sent {
			s.reminded[req.RequestID] = true
		}
		s.mu.Unlock()
		if sent {
			continue
		}

		if _, err := s.notifier.Send(ctx, notify.Notification{
			UserID:     req.UserID,
			UnitID:     req.UnitID,
			Type:       notify.TypeIrrigationReminder,
			Severity:   notify.SeverityInfo,
			Title:      "Irrigation starting soon",
			Message:    fmt.Sprintf("Approved irrigation runs at %s.", req.ScheduledAt.Format("15:04")),
			SourceType: "irrigation_request",
			SourceID:   req.RequestID,
		}); err != nil {
			s.logger.Warn("reminder failed", zap.Error(err))
		}
	}
}

// RecordManual logs a user-performed watering so it participates in
// cooldown and post-capture like scheduled runs do.
func (s *ExecutionService) RecordManual(ctx context.Context, unitID, userID int64, plantID *int64, sensorID string, amountMl *float64, preMoisture *float64) (string, error) {
	now := s.clk.Now()
	log := &store.ExecutionLog{
		LogID:              uuid.NewString(),
		UnitID:             unitID,
		UserID:             &userID,
		PlantID:            plantID,
		SensorID:           sensorID,
		TriggerReason:      "manual",
		TriggerMoisture:    preMoisture,
		TriggeredAt:        now,
		PlannedDurationS:   0,
		EstimatedVolumeMl:  amountMl,
		ExecutionStatus:    "completed",
		PostMoistureDelayS: int(s.tunables.PostCaptureDelay.Seconds()),
		CreatedAt:          now,
	}
	zero := 0
	log.ActualDurationS = &zero
	if err := s.store.CreateExecutionLog(ctx, log); err != nil {
		return "", err
	}
	return log.LogID, nil
}

func (s *ExecutionService) fail(ctx context.Context, req *store.IrrigationRequest, reason string) {
	if err := s.store.UpdateStatus(ctx, req.RequestID, store.StatusFailed, "", nil); err != nil {
		s.logger.Error("failed to mark request failed", zap.Error(err))
		return
	}
	observability.WorkflowTransitions.WithLabelValues(string(store.StatusExecuting), string(store.StatusFailed)).Inc()
	if log, err := s.store.GetLatestExecutionLogForRequest(ctx, req.RequestID); err == nil && log.ExecutionStatus == "running" {
		_ = s.store.UpdateExecutionLogStatus(ctx, log.LogID, "failed", nil, reason)
	}
}

func (s *ExecutionService) releaseLock(ctx context.Context, unitID int64) {
	if err := s.locker.Release(ctx, unitID); err != nil {
		s.logger.Error("unit lock release failed", zap.Int64("unit_id", unitID), zap.Error(err))
	}
}
