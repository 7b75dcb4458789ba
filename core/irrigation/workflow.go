package irrigation

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patoruzuy/sysgrow/core/actuator"
	"github.com/patoruzuy/sysgrow/core/bayes"
	"github.com/patoruzuy/sysgrow/core/bus"
	"github.com/patoruzuy/sysgrow/core/clock"
	"github.com/patoruzuy/sysgrow/core/notify"
	"github.com/patoruzuy/sysgrow/core/observability"
	"github.com/patoruzuy/sysgrow/core/predictor"
	"github.com/patoruzuy/sysgrow/core/store"
)

const configCacheTTL = 5 * time.Minute

// Workflow is the façade over the detection, execution and feedback
// services plus the Bayesian learner. The request state machine is
// authoritative; the façade owns config caching and scheduler wiring.
type Workflow struct {
	Detection *DetectionService
	Execution *ExecutionService
	Feedback  *FeedbackService

	store    store.WorkflowStore
	clk      clock.Clock
	logger   *zap.Logger
	events   *bus.Bus
	tunables Tunables

	mu          sync.Mutex
	configCache map[int64]cachedConfig
}

type cachedConfig struct {
	config   WorkflowConfig
	cachedAt time.Time
}

// Deps bundles the workflow's collaborators.
type Deps struct {
	Store       store.WorkflowStore
	Locker      store.UnitLocker
	Idempotency store.IdempotencyStore
	Registry    *actuator.Registry
	Predictor   predictor.Predictor
	Notifier    notify.Notifier
	Adjuster    *bayes.Adjuster
	Applier     ThresholdApplier
	Events      *bus.Bus
	Moisture    MoistureReader
	Clock       clock.Clock
	// Scheduler delivers the delayed feedback notification; nil sends
	// it at completion time instead.
	Scheduler *clock.Scheduler
	Logger    *zap.Logger
}

// New wires the workflow. All collaborators are passed up front; there
// are no late-binding setters.
func New(deps Deps, tunables Tunables) *Workflow {
	w := &Workflow{
		store:       deps.Store,
		clk:         deps.Clock,
		logger:      deps.Logger.Named("workflow"),
		events:      deps.Events,
		tunables:    tunables,
		configCache: make(map[int64]cachedConfig),
	}

	w.Detection = NewDetectionService(deps.Store, deps.Notifier, deps.Clock, w.Config, tunables, deps.Logger)
	w.Execution = NewExecutionService(deps.Store, deps.Locker, deps.Registry, deps.Predictor, deps.Notifier, deps.Events, deps.Moisture, deps.Clock, deps.Scheduler, w.Config, tunables, deps.Logger)
	w.Feedback = NewFeedbackService(deps.Store, deps.Idempotency, deps.Notifier, deps.Adjuster, deps.Applier, deps.Events, deps.Clock, w.Config, tunables, deps.Logger)

	return w
}

// Config returns the unit's workflow config, cached for five minutes.
func (w *Workflow) Config(ctx context.Context, unitID int64) WorkflowConfig {
	now := w.clk.Now()
	w.mu.Lock()
	if cached, ok := w.configCache[unitID]; ok && now.Sub(cached.cachedAt) < configCacheTTL {
		w.mu.Unlock()
		return cached.config
	}
	w.mu.Unlock()

	raw, err := w.store.GetWorkflowConfig(ctx, unitID)
	if err != nil {
		w.logger.Warn("workflow config load failed, using defaults",
			zap.Int64("unit_id", unitID), zap.Error(err))
		return DefaultWorkflowConfig()
	}
	config := WorkflowConfigFromMap(raw)

	w.mu.Lock()
	w.configCache[unitID] = cachedConfig{config: config, cachedAt: now}
	w.mu.Unlock()
	return config
}

// SaveConfig persists and re-caches a unit's config.
func (w *Workflow) SaveConfig(ctx context.Context, unitID int64, config WorkflowConfig) error {
	if _, _, err := parseScheduledTime(config.DefaultScheduledTime); err != nil {
		return err
	}
	if err := w.store.SaveWorkflowConfig(ctx, unitID, config.ToMap()); err != nil {
		return err
	}
	w.mu.Lock()
	w.configCache[unitID] = cachedConfig{config: config, cachedAt: w.clk.Now()}
	w.mu.Unlock()
	return nil
}

// UpdateConfig applies a partial string-map update on top of the current
// config.
func (w *Workflow) UpdateConfig(ctx context.Context, unitID int64, updates map[string]string) error {
	current := w.Config(ctx, unitID).ToMap()
	for k, v := range updates {
		current[k] = v
	}
	return w.SaveConfig(ctx, unitID, WorkflowConfigFromMap(current))
}

// RegisterTasks hooks the workflow ticks into the scheduler.
func (w *Workflow) RegisterTasks(sched *clock.Scheduler) {
	sched.Every("irrigation.execute_due_requests", 5*time.Minute, func(ctx context.Context) {
		w.Execution.ExecuteDueRequests(ctx)
	})
	sched.Every("irrigation.complete_due_executions", w.tunables.CompletionInterval, func(ctx context.Context) {
		w.Execution.CompleteDueExecutions(ctx)
	})
	sched.Every("irrigation.capture_post_moisture", w.tunables.PostCaptureInterval, func(ctx context.Context) {
		w.Execution.CapturePostMoisture(ctx)
	})
	sched.Every("irrigation.expire_requests", time.Minute, func(ctx context.Context) {
		w.ExpireDueRequests(ctx)
	})
	sched.Every("irrigation.send_reminders", time.Minute, func(ctx context.Context) {
		w.Execution.SendDueReminders(ctx)
	})
	w.logger.Info("registered irrigation workflow scheduled tasks")
}

// ExpireDueRequests sweeps PENDING/DELAYED/APPROVED requests past their
// expiry into the EXPIRED terminal state.
func (w *Workflow) ExpireDueRequests(ctx context.Context) []string {
	expired, err := w.store.ExpireDueRequests(ctx, w.clk.Now())
	if err != nil {
		w.logger.Error("expiry sweep failed", zap.Error(err))
		return nil
	}
	var ids []string
	for _, req := range expired {
		ids = append(ids, req.RequestID)
		observability.WorkflowTransitions.WithLabelValues("", string(store.StatusExpired)).Inc()
		w.events.Publish(bus.Event{
			Topic:  bus.TopicRequestExpired,
			UnitID: req.UnitID,
			Fields: map[string]any{"request_id": req.RequestID},
		})
		w.logger.Info("request expired", zap.String("request_id", req.RequestID))
	}
	return ids
}

// GetRequest fetches one request.
func (w *Workflow) GetRequest(ctx context.Context, requestID string) (*store.IrrigationRequest, error) {
	return w.store.GetRequest(ctx, requestID)
}

// History lists a unit's recent requests.
func (w *Workflow) History(ctx context.Context, unitID int64, limit int) ([]*store.IrrigationRequest, error) {
	return w.store.GetHistory(ctx, unitID, limit)
}

// ExecutionLogs lists a unit's execution telemetry in a window.
func (w *Workflow) ExecutionLogs(ctx context.Context, unitID int64, since, until time.Time, limit int) ([]*store.ExecutionLog, error) {
	return w.store.ListExecutionLogs(ctx, unitID, since, until, limit)
}

// EligibilityTraces lists a unit's detection traces in a window.
func (w *Workflow) EligibilityTraces(ctx context.Context, unitID int64, since, until time.Time, limit int) ([]*store.EligibilityTrace, error) {
	return w.store.ListEligibilityTraces(ctx, unitID, since, until, limit)
}

// TunablesFromEnv reads the SYSGROW_IRRIGATION_* environment once at
// startup; unset or malformed values keep the defaults.
func TunablesFromEnv() Tunables {
	t := DefaultTunables()
	if v, ok := readIntEnv("SYSGROW_IRRIGATION_COMPLETION_INTERVAL_SECONDS"); ok {
		t.CompletionInterval = time.Duration(v) * time.Second
	}
	if v, ok := readIntEnv("SYSGROW_IRRIGATION_POST_CAPTURE_INTERVAL_SECONDS"); ok {
		t.PostCaptureInterval = time.Duration(v) * time.Second
	}
	if v, ok := readIntEnv("SYSGROW_IRRIGATION_POST_CAPTURE_DELAY_SECONDS"); ok {
		t.PostCaptureDelay = time.Duration(v) * time.Second
	}
	if v, ok := readIntEnv("SYSGROW_IRRIGATION_MAX_DURATION_SECONDS"); ok {
		t.MaxDurationSeconds = v
	}
	if v, ok := readFloatEnv("SYSGROW_IRRIGATION_HYSTERESIS"); ok {
		t.HysteresisMargin = v
	}
	if v, ok := readIntEnv("SYSGROW_IRRIGATION_STALE_READING_SECONDS"); ok {
		t.StaleReadingSeconds = v
	}
	if v, ok := readIntEnv("SYSGROW_IRRIGATION_COOLDOWN_MINUTES"); ok {
		t.CooldownMinutes = v
	}
	if v, ok := readIntEnv("SYSGROW_IRRIGATION_SENSOR_MISSING_ALERT_MINUTES"); ok {
		t.SensorMissingAlertMinutes = v
	}
	return t
}

func readIntEnv(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

func readFloatEnv(name string) (float64, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
