package irrigation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/patoruzuy/sysgrow/core/bayes"
	"github.com/patoruzuy/sysgrow/core/bus"
	"github.com/patoruzuy/sysgrow/core/clock"
	"github.com/patoruzuy/sysgrow/core/notify"
	"github.com/patoruzuy/sysgrow/core/observability"
	"github.com/patoruzuy/sysgrow/core/store"
)

const fixedFallbackAdjustment = 5.0

// ThresholdApplier applies a learned threshold change. Plant-scoped
// updates go to the plant record; unit-scoped changes go through the
// unit callback.
type ThresholdApplier interface {
	ApplyPlantThreshold(ctx context.Context, plantID int64, unitID int64, newThreshold float64) error
	ApplyUnitAdjustment(ctx context.Context, unitID int64, adjustment float64) error
}

// FeedbackService handles user responses (approve/delay/cancel) and
// post-irrigation feedback, and feeds the Bayesian learner.
type FeedbackService struct {
	store       store.WorkflowStore
	idempotency store.IdempotencyStore
	notifier    notify.Notifier
	adjuster    *bayes.Adjuster
	applier     ThresholdApplier
	events      *bus.Bus
	clk         clock.Clock
	logger      *zap.Logger
	getConfig   func(ctx context.Context, unitID int64) WorkflowConfig
	tunables    Tunables
}

// NewFeedbackService builds the feedback stage. adjuster and applier may
// be nil; the service falls back to fixed adjustments or no-ops.
func NewFeedbackService(
	workflowStore store.WorkflowStore,
	idempotency store.IdempotencyStore,
	notifier notify.Notifier,
	adjuster *bayes.Adjuster,
	applier ThresholdApplier,
	events *bus.Bus,
	clk clock.Clock,
	getConfig func(ctx context.Context, unitID int64) WorkflowConfig,
	tunables Tunables,
	logger *zap.Logger,
) *FeedbackService {
	return &FeedbackService{
		store:       workflowStore,
		idempotency: idempotency,
		notifier:    notifier,
		adjuster:    adjuster,
		applier:     applier,
		events:      events,
		clk:         clk,
		logger:      logger.Named("feedback"),
		getConfig:   getConfig,
		tunables:    tunables,
	}
}

// HandleUserResponse processes approve/delay/cancel. Only PENDING and
// DELAYED requests accept responses; duplicates are answered from the
// idempotency record.
func (s *FeedbackService) HandleUserResponse(ctx context.Context, requestID string, response UserResponse, userID int64, delayMinutes *int) Result {
	idemKey := fmt.Sprintf("response:%s:%s", requestID, response)
	if s.idempotency != nil {
		if _, err := s.idempotency.Get(ctx, idemKey); err == nil {
			return okResult("Response already recorded.")
		}
	}

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errResult("Request not found")
		}
		return errResult("Request lookup failed: %v", err)
	}
	if req.Status != store.StatusPending && req.Status != store.StatusDelayed {
		return errResult("Request cannot be modified (status: %s)", req.Status)
	}

	responseTime := s.clk.Now().Sub(req.DetectedAt).Seconds()
	config := s.getConfig(ctx, req.UnitID)

	var result Result
	switch response {
	case ResponseApprove:
		result = s.approve(ctx, req, config, userID, responseTime)
	case ResponseDelay:
		result = s.delay(ctx, req, config, userID, responseTime, delayMinutes)
	case ResponseCancel:
		result = s.cancel(ctx, req, config, userID, responseTime)
	default:
		return errResult("Invalid response: %s", response)
	}

	// Rejected responses (a delay past the cap) stay retryable; only a
	// committed response is remembered.
	if result.OK && s.idempotency != nil {
		if _, err := s.idempotency.SetNX(ctx, idemKey, string(response), time.Hour); err != nil {
			s.logger.Debug("idempotency record failed", zap.Error(err))
		}
	}
	return result
}

func (s *FeedbackService) approve(ctx context.Context, req *store.IrrigationRequest, config WorkflowConfig, userID int64, responseTime float64) Result {
	if err := s.store.UpdateStatus(ctx, req.RequestID, store.StatusApproved, string(ResponseApprove), nil); err != nil {
		return errResult("Approval failed: %v", err)
	}
	observability.WorkflowTransitions.WithLabelValues(string(req.Status), string(store.StatusApproved)).Inc()
	if config.MLLearningEnabled {
		s.updatePreference(ctx, userID, req.UnitID, ResponseApprove, responseTime, 1.0)
	}
	s.publish(bus.TopicRequestApproved, req)

	s.logger.Info("request approved",
		zap.String("request_id", req.RequestID), zap.Int64("user_id", userID))
	result := okResult("Irrigation approved. Will execute at scheduled time.")
	result.Extra = map[string]any{"scheduled_time": req.ScheduledAt.Format(time.RFC3339)}
	return result
}

func (s *FeedbackService) delay(ctx context.Context, req *store.IrrigationRequest, config WorkflowConfig, userID int64, responseTime float64, delayMinutes *int) Result {
	minutes := config.DelayIncrementMinutes
	if delayMinutes != nil {
		minutes = *delayMinutes
	}
	if minutes <= 0 {
		return errResult("Invalid delay: %d minutes", minutes)
	}

	now := s.clk.Now()
	newTime := now.Add(time.Duration(minutes) * time.Minute)
	maxDelay := req.DetectedAt.Add(time.Duration(config.MaxDelayHours) * time.Hour)
	if newTime.After(maxDelay) {
		return errResult("Cannot delay beyond %d hours from detection", config.MaxDelayHours)
	}

	if err := s.store.UpdateStatus(ctx, req.RequestID, store.StatusDelayed, string(ResponseDelay), &newTime); err != nil {
		return errResult("Delay failed: %v", err)
	}
	observability.WorkflowTransitions.WithLabelValues(string(req.Status), string(store.StatusDelayed)).Inc()
	if config.MLLearningEnabled {
		s.updatePreference(ctx, userID, req.UnitID, ResponseDelay, responseTime, 0.5)
	}
	s.publish(bus.TopicRequestDelayed, req)

	s.logger.Info("request delayed",
		zap.String("request_id", req.RequestID),
		zap.Time("delayed_until", newTime),
		zap.Int64("user_id", userID))
	result := okResult(fmt.Sprintf("Irrigation delayed by %d minutes.", minutes))
	result.Extra = map[string]any{"delayed_until": newTime.Format(time.RFC3339)}
	return result
}

func (s *FeedbackService) cancel(ctx context.Context, req *store.IrrigationRequest, config WorkflowConfig, userID int64, responseTime float64) Result {
	if err := s.store.UpdateStatus(ctx, req.RequestID, store.StatusCancelled, string(ResponseCancel), nil); err != nil {
		return errResult("Cancel failed: %v", err)
	}
	observability.WorkflowTransitions.WithLabelValues(string(req.Status), string(store.StatusCancelled)).Inc()
	if config.MLLearningEnabled {
		s.updatePreference(ctx, userID, req.UnitID, ResponseCancel, responseTime, -1.0)
	}
	s.publish(bus.TopicRequestCancelled, req)

	s.logger.Info("request cancelled",
		zap.String("request_id", req.RequestID), zap.Int64("user_id", userID))
	return okResult("Irrigation cancelled.")
}

func (s *FeedbackService) updatePreference(ctx context.Context, userID, unitID int64, response UserResponse, responseTime, score float64) {
	if err := s.store.UpdatePreferenceOnResponse(ctx, userID, unitID, string(response), responseTime, score); err != nil {
		s.logger.Warn("preference update failed", zap.Error(err))
	}
}

func (s *FeedbackService) publish(topic bus.Topic, req *store.IrrigationRequest) {
	s.events.Publish(bus.Event{
		Topic:  topic,
		UnitID: req.UnitID,
		Fields: map[string]any{"request_id": req.RequestID},
	})
}

// HandleFeedback processes post-irrigation feedback and drives the
// threshold learning path.
func (s *FeedbackService) HandleFeedback(ctx context.Context, requestID string, feedback Feedback, userID int64, notes string) Result {
	if !feedback.valid() {
		return errResult("Invalid feedback response")
	}

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return errResult("Request not found")
	}
	config := s.getConfig(ctx, req.UnitID)

	if req.FeedbackID != "" && s.notifier != nil {
		if err := s.notifier.SubmitFeedback(ctx, req.FeedbackID, string(feedback), notes); err != nil {
			s.logger.Debug("feedback submission failed", zap.Error(err))
		}
	}

	if config.MLLearningEnabled && isVolumeFeedback(feedback) {
		if err := s.store.UpdateMoistureFeedback(ctx, userID, req.UnitID, string(feedback)); err != nil {
			s.logger.Warn("moisture feedback counter update failed", zap.Error(err))
		}
	}

	execLog, _ := s.store.GetLatestExecutionLogForRequest(ctx, requestID)

	thresholdFeedback := s.resolveThresholdFeedback(feedback, execLog)
	if thresholdFeedback == "" && execLog != nil && execLog.Recommendation == RecommendationAdjustThreshold {
		if feedback == FeedbackTooMuch || feedback == FeedbackTooLittle {
			thresholdFeedback = bayes.Feedback(feedback)
		}
	}

	result := okResult("Thank you for your feedback!")
	applied := false
	if thresholdFeedback != "" && config.MLThresholdAdjustment {
		applied = s.applyThresholdLearning(ctx, req, thresholdFeedback, userID, &result)
	}
	result.Extra = mergeExtra(result.Extra, map[string]any{"adjustment_applied": applied})

	s.logger.Info("feedback received",
		zap.String("request_id", requestID),
		zap.String("feedback", string(feedback)),
		zap.Int64("user_id", userID))
	return result
}

// HandleFeedbackByFeedbackID resolves the request linked to a feedback
// row and delegates.
func (s *FeedbackService) HandleFeedbackByFeedbackID(ctx context.Context, feedbackID string, feedback Feedback, userID int64, notes string) Result {
	req, err := s.store.GetRequestByFeedbackID(ctx, feedbackID)
	if err != nil {
		return errResult("Request not found for feedback")
	}
	return s.HandleFeedback(ctx, req.RequestID, feedback, userID, notes)
}

// resolveThresholdFeedback maps user feedback onto the threshold axis.
// Timing feedback maps directly; volume feedback only counts when the
// post-irrigation moisture supports it.
func (s *FeedbackService) resolveThresholdFeedback(feedback Feedback, execLog *store.ExecutionLog) bayes.Feedback {
	switch feedback {
	case FeedbackTriggeredTooEarly:
		return bayes.FeedbackTooMuch
	case FeedbackTriggeredTooLate:
		return bayes.FeedbackTooLittle
	}
	if !isVolumeFeedback(feedback) || execLog == nil || execLog.PostMoisture == nil || execLog.ThresholdAtTrigger == nil {
		return ""
	}

	const epsilon = 0.01
	post := *execLog.PostMoisture
	threshold := *execLog.ThresholdAtTrigger
	targetHigh := threshold + s.tunables.HysteresisMargin

	switch feedback {
	case FeedbackTooMuch:
		// Post moisture already at or below target: watering volume was
		// fine, the trigger threshold is what ran too hot.
		if post <= targetHigh+epsilon {
			return bayes.FeedbackTooMuch
		}
	case FeedbackTooLittle:
		if post >= threshold-epsilon {
			return bayes.FeedbackTooLittle
		}
	}
	return ""
}

func (s *FeedbackService) applyThresholdLearning(ctx context.Context, req *store.IrrigationRequest, feedback bayes.Feedback, userID int64, result *Result) bool {
	currentThreshold := req.SoilMoistureThreshold

	if s.adjuster != nil {
		slot := bayes.Slot{PlantType: req.PlantType, GrowthStage: req.GrowthStage}
		adjustment, err := s.adjuster.UpdateFromFeedback(ctx, req.UnitID, userID, feedback, currentThreshold, slot)
		if err == nil {
			result.Extra = mergeExtra(result.Extra, map[string]any{
				"learning": map[string]any{
					"method":                "bayesian",
					"confidence":            adjustment.Confidence,
					"recommended_threshold": adjustment.RecommendedThreshold,
					"reasoning":             adjustment.Reasoning,
				},
			})
			if adjustment.Direction != bayes.DirectionMaintain && adjustment.AdjustmentAmount >= 1.0 {
				delta := adjustment.AdjustmentAmount
				if adjustment.Direction == bayes.DirectionDecrease {
					delta = -delta
				}
				s.applyAdjustment(ctx, req, currentThreshold, delta)
				s.logger.Info("applied bayesian threshold adjustment",
					zap.Float64("adjustment", delta),
					zap.Int64("unit_id", req.UnitID),
					zap.Float64("confidence", adjustment.Confidence))
				return true
			}
			return false
		}
		s.logger.Error("bayesian adjustment failed, falling back to fixed", zap.Error(err))
	}

	// Fixed fallback when no learner is wired or its update failed.
	var delta float64
	switch feedback {
	case bayes.FeedbackTooLittle:
		delta = fixedFallbackAdjustment
	case bayes.FeedbackTooMuch:
		delta = -fixedFallbackAdjustment
	default:
		return false
	}
	s.applyAdjustment(ctx, req, currentThreshold, delta)
	s.logger.Info("applied fixed threshold adjustment",
		zap.Float64("adjustment", delta), zap.Int64("unit_id", req.UnitID))
	return true
}

func (s *FeedbackService) applyAdjustment(ctx context.Context, req *store.IrrigationRequest, currentThreshold, delta float64) {
	if s.applier == nil {
		s.logger.Warn("no threshold adjustment handler available",
			zap.Int64("unit_id", req.UnitID))
		return
	}
	newThreshold := currentThreshold + delta
	if newThreshold < 0 {
		newThreshold = 0
	}
	if newThreshold > 100 {
		newThreshold = 100
	}
	if req.PlantID != nil {
		if err := s.applier.ApplyPlantThreshold(ctx, *req.PlantID, req.UnitID, newThreshold); err != nil {
			s.logger.Error("plant threshold update failed",
				zap.Int64("plant_id", *req.PlantID), zap.Error(err))
		}
		return
	}
	if err := s.applier.ApplyUnitAdjustment(ctx, req.UnitID, delta); err != nil {
		s.logger.Error("unit threshold adjustment failed",
			zap.Int64("unit_id", req.UnitID), zap.Error(err))
	}
}

func isVolumeFeedback(f Feedback) bool {
	return f == FeedbackTooLittle || f == FeedbackJustRight || f == FeedbackTooMuch
}

func mergeExtra(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
