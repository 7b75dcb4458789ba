package irrigation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patoruzuy/sysgrow/core/actuator"
	"github.com/patoruzuy/sysgrow/core/bayes"
	"github.com/patoruzuy/sysgrow/core/bus"
	"github.com/patoruzuy/sysgrow/core/clock"
	"github.com/patoruzuy/sysgrow/core/notify"
	"github.com/patoruzuy/sysgrow/core/predictor"
	"github.com/patoruzuy/sysgrow/core/store"
)

type pumpDriver struct {
	mu       sync.Mutex
	commands []string
	failOn   bool
	failOff  int // fail the next N off-commands
}

func (d *pumpDriver) TurnOn(context.Context) actuator.Reading {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failOn {
		return actuator.Reading{State: actuator.StateError, Err: errors.New("pump jammed")}
	}
	d.commands = append(d.commands, "on")
	return actuator.Reading{State: actuator.StateOn}
}

func (d *pumpDriver) TurnOff(context.Context) actuator.Reading {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failOff > 0 {
		d.failOff--
		return actuator.Reading{State: actuator.StateError, Err: errors.New("valve stuck")}
	}
	d.commands = append(d.commands, "off")
	return actuator.Reading{State: actuator.StateOff}
}

func (d *pumpDriver) Available() bool { return true }
func (d *pumpDriver) Cleanup()        {}

func (d *pumpDriver) got() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.commands))
	copy(out, d.commands)
	return out
}

type fakeMoisture struct {
	mu      sync.Mutex
	value   float64
	at      time.Time
	present bool
}

func (f *fakeMoisture) set(value float64, at time.Time) {
	f.mu.Lock()
	f.value, f.at, f.present = value, at, true
	f.mu.Unlock()
}

func (f *fakeMoisture) LatestMoisture(int64, string) (float64, time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.at, f.present
}

type fakeApplier struct {
	mu     sync.Mutex
	plant  []float64
	unit   []float64
}

func (f *fakeApplier) ApplyPlantThreshold(_ context.Context, _, _ int64, newThreshold float64) error {
	f.mu.Lock()
	f.plant = append(f.plant, newThreshold)
	f.mu.Unlock()
	return nil
}

func (f *fakeApplier) ApplyUnitAdjustment(_ context.Context, _ int64, adjustment float64) error {
	f.mu.Lock()
	f.unit = append(f.unit, adjustment)
	f.mu.Unlock()
	return nil
}

type harness struct {
	workflow *Workflow
	mem      *store.MemoryStore
	fake     *clock.Fake
	pump     *pumpDriver
	notifier *notify.LogNotifier
	moisture *fakeMoisture
	applier  *fakeApplier
	events   *bus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemoryStore()
	mem.SetClock(fake.Now)

	registry := actuator.NewRegistry(logger)
	pump := &pumpDriver{}
	require.NoError(t, registry.Register(&actuator.Handle{
		ID: "pump-1", UnitID: 1, Kind: actuator.KindPump, Driver: pump, FlowMlPerS: 20,
	}))

	notifier := notify.NewLogNotifier(logger)
	moisture := &fakeMoisture{}
	applier := &fakeApplier{}
	events := bus.New(logger)
	t.Cleanup(events.Close)

	adjuster := bayes.NewAdjuster(mem, fake, bayes.DefaultDefaults(), logger)

	w := New(Deps{
		Store:       mem,
		Locker:      mem,
		Idempotency: mem,
		Registry:    registry,
		Predictor:   predictor.Noop{},
		Notifier:    notifier,
		Adjuster:    adjuster,
		Applier:     applier,
		Events:      events,
		Moisture:    moisture,
		Clock:       fake,
		Logger:      logger,
	}, DefaultTunables())

	return &harness{
		workflow: w,
		mem:      mem,
		fake:     fake,
		pump:     pump,
		notifier: notifier,
		moisture: moisture,
		applier:  applier,
		events:   events,
	}
}

func (h *harness) detect(t *testing.T, moisture, threshold float64) string {
	t.Helper()
	return h.workflow.Detection.Detect(context.Background(), Detection{
		UnitID:       1,
		UserID:       7,
		SoilMoisture: moisture,
		Threshold:    threshold,
		SensorID:     "soil-1",
	})
}

func (h *harness) lastTrace(t *testing.T) *store.EligibilityTrace {
	t.Helper()
	traces, err := h.mem.ListEligibilityTraces(context.Background(), 1,
		time.Time{}, h.fake.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	require.NotEmpty(t, traces)
	return traces[len(traces)-1]
}

func TestDetectionCreatesPendingRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.detect(t, 35, 40)
	require.NotEmpty(t, id)

	req, err := h.workflow.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, req.Status)

	// Detected at 12:00, default schedule 21:00: today.
	assert.Equal(t, 21, req.ScheduledAt.Hour())
	assert.Equal(t, h.fake.Now().Day(), req.ScheduledAt.Day())
	assert.Equal(t, h.fake.Now().Add(48*time.Hour), req.ExpiresAt)

	trace := h.lastTrace(t)
	assert.Equal(t, string(DecisionNotify), trace.Decision)

	// Approval notification was dispatched and linked.
	sent := h.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.TypeIrrigationConfirm, sent[0].Type)
	req, _ = h.workflow.GetRequest(ctx, id)
	assert.NotEmpty(t, req.NotificationID)
}

func TestDetectionRollsScheduleToTomorrow(t *testing.T) {
	h := newHarness(t)
	h.fake.Set(time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC))

	id := h.detect(t, 35, 40)
	require.NotEmpty(t, id)
	req, err := h.workflow.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, req.ScheduledAt.Day())
	assert.Equal(t, 21, req.ScheduledAt.Hour())
}

func TestDetectionSkipsWhenDisabled(t *testing.T) {
	h := newHarness(t)
	config := DefaultWorkflowConfig()
	config.WorkflowEnabled = false
	require.NoError(t, h.workflow.SaveConfig(context.Background(), 1, config))

	assert.Empty(t, h.detect(t, 35, 40))
	assert.Equal(t, string(SkipDisabled), h.lastTrace(t).SkipReason)
}

func TestDetectionSkipsManualMode(t *testing.T) {
	h := newHarness(t)
	config := DefaultWorkflowConfig()
	config.ManualModeEnabled = true
	require.NoError(t, h.workflow.SaveConfig(context.Background(), 1, config))

	assert.Empty(t, h.detect(t, 35, 40))
	assert.Equal(t, string(SkipManualMode), h.lastTrace(t).SkipReason)
}

func TestDetectionSkipsMissingSensor(t *testing.T) {
	h := newHarness(t)
	id := h.workflow.Detection.Detect(context.Background(), Detection{
		UnitID: 1, UserID: 7, SoilMoisture: 35, Threshold: 40,
	})
	assert.Empty(t, id)
	assert.Equal(t, string(SkipNoSensor), h.lastTrace(t).SkipReason)

	// Sensor-missing notification dispatched, and throttled on repeat.
	require.Len(t, h.notifier.Sent(), 1)
	h.workflow.Detection.Detect(context.Background(), Detection{
		UnitID: 1, UserID: 7, SoilMoisture: 35, Threshold: 40,
	})
	assert.Len(t, h.notifier.Sent(), 1)
}

func TestDetectionSkipsStaleReading(t *testing.T) {
	h := newHarness(t)
	staleTS := h.fake.Now().Add(-time.Hour).Unix()
	id := h.workflow.Detection.Detect(context.Background(), Detection{
		UnitID: 1, UserID: 7, SoilMoisture: 35, Threshold: 40,
		SensorID: "soil-1", ReadingTimestamp: &staleTS,
	})
	assert.Empty(t, id)
	assert.Equal(t, string(SkipStaleReading), h.lastTrace(t).SkipReason)
}

func TestDetectionSkipsPendingRequest(t *testing.T) {
	h := newHarness(t)
	require.NotEmpty(t, h.detect(t, 35, 40))

	assert.Empty(t, h.detect(t, 30, 40))
	assert.Equal(t, string(SkipPendingRequest), h.lastTrace(t).SkipReason)
}

func TestDetectionSkipsDuringCooldown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Completed irrigation 30 minutes ago with a 60 minute cooldown.
	executed := h.fake.Now().Add(-30 * time.Minute)
	zero := 0
	require.NoError(t, h.mem.CreateExecutionLog(ctx, &store.ExecutionLog{
		LogID:           "log-1",
		UnitID:          1,
		TriggerReason:   "scheduled_request",
		TriggeredAt:     executed,
		ActualDurationS: &zero,
		ExecutionStatus: "completed",
	}))

	assert.Empty(t, h.detect(t, 15, 40))
	assert.Equal(t, string(SkipCooldownActive), h.lastTrace(t).SkipReason)
}

func TestFullApprovePath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.detect(t, 35, 40)
	require.NotEmpty(t, id)

	// Approve.
	result := h.workflow.Feedback.HandleUserResponse(ctx, id, ResponseApprove, 7, nil)
	require.True(t, result.OK, result.Error)
	req, _ := h.workflow.GetRequest(ctx, id)
	assert.Equal(t, store.StatusApproved, req.Status)

	pref, err := h.mem.GetUserPreference(ctx, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, pref.ApproveCount)
	assert.InDelta(t, 1.0, pref.PreferenceScore, 1e-9)

	// Nothing executes before the scheduled time.
	assert.Empty(t, h.workflow.Execution.ExecuteDueRequests(ctx))

	// At 21:00 the claim tick starts the run.
	h.fake.Set(req.ScheduledAt.Add(time.Second))
	started := h.workflow.Execution.ExecuteDueRequests(ctx)
	require.Equal(t, []string{id}, started)
	assert.Equal(t, []string{"on"}, h.pump.got())

	req, _ = h.workflow.GetRequest(ctx, id)
	assert.Equal(t, store.StatusExecuting, req.Status)

	log, err := h.mem.GetLatestExecutionLogForRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "running", log.ExecutionStatus)
	assert.Equal(t, 300, log.PlannedDurationS)
	require.NotNil(t, log.EstimatedVolumeMl)
	assert.InDelta(t, 300*20.0, *log.EstimatedVolumeMl, 1e-9)

	// Completion is not due yet.
	assert.Empty(t, h.workflow.Execution.CompleteDueExecutions(ctx))

	// After the planned duration the completion tick turns it off.
	h.fake.Advance(time.Duration(log.PlannedDurationS)*time.Second + time.Second)
	completed := h.workflow.Execution.CompleteDueExecutions(ctx)
	require.Equal(t, []string{id}, completed)
	assert.Equal(t, []string{"on", "off"}, h.pump.got())

	req, _ = h.workflow.GetRequest(ctx, id)
	assert.Equal(t, store.StatusExecuted, req.Status)
	assert.NotEmpty(t, req.FeedbackID, "feedback solicitation links an id")

	// The unit lock is free again.
	acquired, err := h.mem.Acquire(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Post-capture records the settled moisture.
	h.moisture.set(47, h.fake.Now())
	h.fake.Advance(DefaultTunables().PostCaptureDelay + time.Minute)
	captured := h.workflow.Execution.CapturePostMoisture(ctx)
	require.Len(t, captured, 1)

	log, _ = h.mem.GetLatestExecutionLogForRequest(ctx, id)
	require.NotNil(t, log.PostMoisture)
	assert.InDelta(t, 47.0, *log.PostMoisture, 1e-9)
	require.NotNil(t, log.DeltaMoisture)
	assert.InDelta(t, 12.0, *log.DeltaMoisture, 1e-9)
	assert.Equal(t, RecommendationReduceDuration, log.Recommendation)
}

func TestDelayRespectsCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	config := DefaultWorkflowConfig()
	config.MaxDelayHours = 2
	require.NoError(t, h.workflow.SaveConfig(ctx, 1, config))

	id := h.detect(t, 35, 40)
	require.NotEmpty(t, id)

	h.fake.Advance(5 * time.Minute)
	minutes := 180
	result := h.workflow.Feedback.HandleUserResponse(ctx, id, ResponseDelay, 7, &minutes)
	require.False(t, result.OK)
	assert.Contains(t, result.Error, "Cannot delay beyond 2 hours")

	req, _ := h.workflow.GetRequest(ctx, id)
	assert.Equal(t, store.StatusPending, req.Status, "status unchanged on rejected delay")
}

func TestDelayThenExecuteFromDelayedUntil(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.detect(t, 35, 40)
	minutes := 30
	result := h.workflow.Feedback.HandleUserResponse(ctx, id, ResponseDelay, 7, &minutes)
	require.True(t, result.OK, result.Error)

	req, _ := h.workflow.GetRequest(ctx, id)
	require.Equal(t, store.StatusDelayed, req.Status)
	require.NotNil(t, req.DelayedUntil)

	h.fake.Set(req.DelayedUntil.Add(time.Second))
	started := h.workflow.Execution.ExecuteDueRequests(ctx)
	assert.Equal(t, []string{id}, started)
}

func TestCancelIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.detect(t, 35, 40)
	result := h.workflow.Feedback.HandleUserResponse(ctx, id, ResponseCancel, 7, nil)
	require.True(t, result.OK)

	// A second response is rejected.
	result = h.workflow.Feedback.HandleUserResponse(ctx, id, ResponseApprove, 7, nil)
	assert.False(t, result.OK)

	req, _ := h.workflow.GetRequest(ctx, id)
	assert.Equal(t, store.StatusCancelled, req.Status)
}

func TestDuplicateResponseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.detect(t, 35, 40)
	first := h.workflow.Feedback.HandleUserResponse(ctx, id, ResponseApprove, 7, nil)
	require.True(t, first.OK)

	second := h.workflow.Feedback.HandleUserResponse(ctx, id, ResponseApprove, 7, nil)
	require.True(t, second.OK)
	assert.Equal(t, "Response already recorded.", second.Message)

	pref, _ := h.mem.GetUserPreference(ctx, 7, 1)
	assert.Equal(t, 1, pref.ApproveCount, "duplicate must not double count")
}

func TestSingleFlightPerUnit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Two approved due requests for the same unit, created directly to
	// bypass the detection duplicate gate.
	now := h.fake.Now()
	for _, id := range []string{"req-a", "req-b"} {
		require.NoError(t, h.mem.CreateRequest(ctx, &store.IrrigationRequest{
			RequestID:             id,
			UnitID:                1,
			UserID:                7,
			SensorID:              "soil-1",
			Status:                store.StatusApproved,
			SoilMoistureDetected:  30,
			SoilMoistureThreshold: 40,
			DetectedAt:            now,
			ScheduledAt:           now,
			ExpiresAt:             now.Add(48 * time.Hour),
		}))
	}

	started := h.workflow.Execution.ExecuteDueRequests(ctx)
	require.Len(t, started, 1, "unit lock admits exactly one execution")

	executing, err := h.mem.ListByStatus(ctx, store.StatusExecuting, 0)
	require.NoError(t, err)
	assert.Len(t, executing, 1)

	// The loser went back to APPROVED for the next tick.
	approved, err := h.mem.ListByStatus(ctx, store.StatusApproved, 0)
	require.NoError(t, err)
	assert.Len(t, approved, 1)
}

func TestExpirySweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.detect(t, 35, 40)
	require.NotEmpty(t, id)

	h.fake.Advance(49 * time.Hour)
	expired := h.workflow.ExpireDueRequests(ctx)
	assert.Equal(t, []string{id}, expired)

	req, _ := h.workflow.GetRequest(ctx, id)
	assert.Equal(t, store.StatusExpired, req.Status)

	// Terminal states are sticky.
	result := h.workflow.Feedback.HandleUserResponse(ctx, id, ResponseApprove, 7, nil)
	assert.False(t, result.OK)
}

func TestOnCommandFailureMarksFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.detect(t, 35, 40)
	require.True(t, h.workflow.Feedback.HandleUserResponse(ctx, id, ResponseApprove, 7, nil).OK)
	req, _ := h.workflow.GetRequest(ctx, id)

	h.pump.failOn = true
	h.fake.Set(req.ScheduledAt.Add(time.Second))
	started := h.workflow.Execution.ExecuteDueRequests(ctx)
	assert.Empty(t, started)

	req, _ = h.workflow.GetRequest(ctx, id)
	assert.Equal(t, store.StatusFailed, req.Status)

	// Lock was released on failure.
	acquired, err := h.mem.Acquire(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestOffCommandRetriesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.detect(t, 35, 40)
	require.True(t, h.workflow.Feedback.HandleUserResponse(ctx, id, ResponseApprove, 7, nil).OK)
	req, _ := h.workflow.GetRequest(ctx, id)

	h.fake.Set(req.ScheduledAt.Add(time.Second))
	require.Len(t, h.workflow.Execution.ExecuteDueRequests(ctx), 1)

	log, _ := h.mem.GetLatestExecutionLogForRequest(ctx, id)
	h.fake.Advance(time.Duration(log.PlannedDurationS)*time.Second + time.Second)

	// First off-command fails; the safety retry succeeds.
	h.pump.failOff = 1
	completed := h.workflow.Execution.CompleteDueExecutions(ctx)
	require.Len(t, completed, 1)
	assert.Equal(t, []string{"on", "off"}, h.pump.got())

	req, _ = h.workflow.GetRequest(ctx, id)
	assert.Equal(t, store.StatusExecuted, req.Status)
}

func TestFeedbackTooLittleAdjustsThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	config := DefaultWorkflowConfig()
	config.MLThresholdAdjustment = true
	require.NoError(t, h.workflow.SaveConfig(ctx, 1, config))

	id := h.runToExecuted(t)

	// Post-capture with a post moisture at the threshold: volume
	// feedback too_little maps onto the threshold axis.
	h.moisture.set(41, h.fake.Now())
	h.fake.Advance(DefaultTunables().PostCaptureDelay + time.Minute)
	require.Len(t, h.workflow.Execution.CapturePostMoisture(ctx), 1)

	result := h.workflow.Feedback.HandleFeedback(ctx, id, FeedbackTooLittle, 7, "")
	require.True(t, result.OK, result.Error)
	assert.Equal(t, true, result.Extra["adjustment_applied"])

	h.applier.mu.Lock()
	defer h.applier.mu.Unlock()
	require.Len(t, h.applier.unit, 1, "no plant on the request routes to the unit callback")
	assert.Greater(t, h.applier.unit[0], 0.0, "too_little raises the threshold")

	pref, _ := h.mem.GetUserPreference(ctx, 7, 1)
	assert.Equal(t, 1, pref.TooLittleFeedbackCount)
}

func TestTimingFeedbackMapsDirectly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	config := DefaultWorkflowConfig()
	config.MLThresholdAdjustment = true
	require.NoError(t, h.workflow.SaveConfig(ctx, 1, config))

	id := h.runToExecuted(t)

	// triggered_too_early means the threshold ran too hot: decrease.
	result := h.workflow.Feedback.HandleFeedback(ctx, id, FeedbackTriggeredTooEarly, 7, "")
	require.True(t, result.OK, result.Error)

	h.applier.mu.Lock()
	defer h.applier.mu.Unlock()
	require.Len(t, h.applier.unit, 1)
	assert.Less(t, h.applier.unit[0], 0.0)
}

func TestFeedbackWithoutAdjustmentEnabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.runToExecuted(t)
	result := h.workflow.Feedback.HandleFeedback(ctx, id, FeedbackTooMuch, 7, "")
	require.True(t, result.OK)
	assert.Equal(t, false, result.Extra["adjustment_applied"])

	h.applier.mu.Lock()
	defer h.applier.mu.Unlock()
	assert.Empty(t, h.applier.unit)
}

func TestInvalidFeedbackRejected(t *testing.T) {
	h := newHarness(t)
	id := h.runToExecuted(t)

	result := h.workflow.Feedback.HandleFeedback(context.Background(), id, Feedback("meh"), 7, "")
	assert.False(t, result.OK)
}

func TestWorkflowConfigRoundTrip(t *testing.T) {
	config := DefaultWorkflowConfig()
	config.ManualModeEnabled = true
	config.DefaultScheduledTime = "06:30"
	config.MaxDelayHours = 6
	config.MLThresholdAdjustment = true

	got := WorkflowConfigFromMap(config.ToMap())
	assert.Equal(t, config, got)
}

func TestAutoApprovalWithoutApprovalStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	config := DefaultWorkflowConfig()
	config.RequireApproval = false
	require.NoError(t, h.workflow.SaveConfig(ctx, 1, config))

	id := h.detect(t, 35, 40)
	require.NotEmpty(t, id)

	req, err := h.workflow.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, req.Status)
	assert.Equal(t, string(ResponseAuto), req.UserResponse)
	assert.Empty(t, h.notifier.Sent(), "no approval notification without the approval step")

	h.fake.Set(req.ScheduledAt.Add(time.Second))
	assert.Equal(t, []string{id}, h.workflow.Execution.ExecuteDueRequests(ctx))
}

func TestSaveConfigRejectsBadTime(t *testing.T) {
	h := newHarness(t)
	config := DefaultWorkflowConfig()
	config.DefaultScheduledTime = "25:99"
	assert.Error(t, h.workflow.SaveConfig(context.Background(), 1, config))
}

// runToExecuted drives a request through detect -> approve -> execute ->
// complete and returns its id.
func (h *harness) runToExecuted(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	id := h.detect(t, 35, 40)
	require.NotEmpty(t, id)
	require.True(t, h.workflow.Feedback.HandleUserResponse(ctx, id, ResponseApprove, 7, nil).OK)

	req, err := h.workflow.GetRequest(ctx, id)
	require.NoError(t, err)
	h.fake.Set(req.ScheduledAt.Add(time.Second))
	require.Len(t, h.workflow.Execution.ExecuteDueRequests(ctx), 1)

	log, err := h.mem.GetLatestExecutionLogForRequest(ctx, id)
	require.NoError(t, err)
	h.fake.Advance(time.Duration(log.PlannedDurationS)*time.Second + time.Second)
	require.Len(t, h.workflow.Execution.CompleteDueExecutions(ctx), 1)
	return id
}
