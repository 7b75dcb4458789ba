package plantsense

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patoruzuy/sysgrow/core/bus"
	"github.com/patoruzuy/sysgrow/core/clock"
	"github.com/patoruzuy/sysgrow/core/irrigation"
	"github.com/patoruzuy/sysgrow/core/notify"
	"github.com/patoruzuy/sysgrow/core/store"
	"github.com/patoruzuy/sysgrow/core/throttle"
)

type mapResolver struct {
	contexts map[string]PlantContext
}

func (r *mapResolver) Resolve(_ context.Context, _ int64, sensorID string) (PlantContext, bool) {
	pc, ok := r.contexts[sensorID]
	return pc, ok
}

func newTestSetup(t *testing.T) (*Controller, *store.MemoryStore, *clock.Fake, *mapResolver) {
	t.Helper()
	logger := zap.NewNop()
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemoryStore()
	mem.SetClock(fake.Now)
	events := bus.New(logger)
	t.Cleanup(events.Close)

	resolver := &mapResolver{contexts: map[string]PlantContext{
		"soil-1": {
			PlantID:        10,
			UserID:         7,
			PlantName:      "Basil",
			PlantType:      "basil",
			GrowthStage:    "vegetative",
			TargetMoisture: 40,
		},
	}}

	getConfig := func(context.Context, int64) irrigation.WorkflowConfig {
		return irrigation.DefaultWorkflowConfig()
	}
	detection := irrigation.NewDetectionService(
		mem, notify.NewLogNotifier(logger), fake, getConfig,
		irrigation.DefaultTunables(), logger)

	gate := throttle.NewGate("plant", throttle.DefaultConfig(), logger)
	c := NewController(1, events, gate, mem, resolver, detection, fake, logger)
	return c, mem, fake, resolver
}

func plantEvent(moisture float64, ts time.Time) bus.Event {
	return bus.Event{
		Topic:     bus.TopicSensorPlantUpdate,
		UnitID:    1,
		SensorID:  "soil-1",
		Metrics:   map[string]float64{throttle.MetricSoilMoisture: moisture},
		Timestamp: ts,
	}
}

func TestHysteresisBlocksDetection(t *testing.T) {
	c, mem, fake, _ := newTestSetup(t)

	// Moisture at the target never creates a request.
	c.handlePlantUpdate(plantEvent(40, fake.Now()))

	pending, err := mem.ListByStatus(context.Background(), store.StatusPending, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	traces, err := mem.ListEligibilityTraces(context.Background(), 1, time.Time{}, fake.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, "SKIP", traces[0].Decision)
	assert.Equal(t, string(irrigation.SkipHysteresisNotMet), traces[0].SkipReason)
}

func TestLowMoistureCreatesRequest(t *testing.T) {
	c, mem, fake, _ := newTestSetup(t)

	c.handlePlantUpdate(plantEvent(30, fake.Now()))

	pending, err := mem.ListByStatus(context.Background(), store.StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	req := pending[0]
	assert.Equal(t, int64(7), req.UserID)
	require.NotNil(t, req.PlantID)
	assert.Equal(t, int64(10), *req.PlantID)
	assert.Equal(t, "basil", req.PlantType)
	assert.InDelta(t, 40.0, req.SoilMoistureThreshold, 1e-9)
}

func TestUnlinkedSensorIgnored(t *testing.T) {
	c, mem, fake, _ := newTestSetup(t)

	ev := plantEvent(10, fake.Now())
	ev.SensorID = "unlinked"
	c.handlePlantUpdate(ev)

	pending, _ := mem.ListByStatus(context.Background(), store.StatusPending, 0)
	assert.Empty(t, pending)
}

func TestPlantMetricsPersistToPlantTarget(t *testing.T) {
	c, mem, fake, _ := newTestSetup(t)

	ev := plantEvent(50, fake.Now())
	ev.Metrics[throttle.MetricPH] = 6.2
	c.handlePlantUpdate(ev)

	require.Len(t, mem.PlantRows(), 1)
	assert.Empty(t, mem.SensorRows(), "plant metrics go to the plant readings target")
	row := mem.PlantRows()[0]
	assert.Contains(t, row.Metrics, throttle.MetricSoilMoisture)
	assert.Contains(t, row.Metrics, throttle.MetricPH)
}

func TestDetectionSnapshotsEnvironment(t *testing.T) {
	c, mem, fake, _ := newTestSetup(t)

	c.trackEnvironment(bus.Event{
		Topic:  bus.TopicSensorEnvUpdate,
		UnitID: 1,
		Metrics: map[string]float64{
			throttle.MetricTemperature: 25.0,
			throttle.MetricHumidity:    60.0,
			throttle.MetricLux:         12000.0,
		},
	})
	c.handlePlantUpdate(plantEvent(30, fake.Now()))

	pending, _ := mem.ListByStatus(context.Background(), store.StatusPending, 0)
	require.Len(t, pending, 1)
	req := pending[0]
	require.NotNil(t, req.TemperatureAtDetection)
	assert.InDelta(t, 25.0, *req.TemperatureAtDetection, 1e-9)
	require.NotNil(t, req.VPDAtDetection)
	assert.InDelta(t, VPDkPa(25, 60), *req.VPDAtDetection, 1e-9)
	require.NotNil(t, req.LuxAtDetection)
}

func TestLatestMoistureCache(t *testing.T) {
	c, _, fake, _ := newTestSetup(t)

	_, _, ok := c.LatestMoisture(1, "soil-1")
	assert.False(t, ok)

	ts := fake.Now()
	c.handlePlantUpdate(plantEvent(44, ts))
	value, at, ok := c.LatestMoisture(1, "soil-1")
	require.True(t, ok)
	assert.InDelta(t, 44.0, value, 1e-9)
	assert.Equal(t, ts, at)

	_, _, ok = c.LatestMoisture(2, "soil-1")
	assert.False(t, ok, "other units are not served")
}

func TestVPDCalculation(t *testing.T) {
	// At 100% RH there is no deficit.
	assert.InDelta(t, 0.0, VPDkPa(25, 100), 1e-9)

	// Textbook value: ~25°C, 50% RH gives roughly 1.58 kPa.
	assert.InDelta(t, 1.58, VPDkPa(25, 50), 0.05)

	// Drier air has a larger deficit.
	assert.Greater(t, VPDkPa(25, 30), VPDkPa(25, 70))
}
