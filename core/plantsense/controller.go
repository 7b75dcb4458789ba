package plantsense

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patoruzuy/sysgrow/core/bus"
	"github.com/patoruzuy/sysgrow/core/clock"
	"github.com/patoruzuy/sysgrow/core/irrigation"
	"github.com/patoruzuy/sysgrow/core/observability"
	"github.com/patoruzuy/sysgrow/core/store"
	"github.com/patoruzuy/sysgrow/core/throttle"
)

// PlantContext is the per-sensor plant resolution: who owns the plant,
// what moisture it wants and which actuator waters it. At most one of
// AssignedPump/AssignedValve is set.
type PlantContext struct {
	PlantID        int64
	UserID         int64
	PlantName      string
	PlantType      string
	GrowthStage    string
	PlantVariety   string
	PotSizeLiters  float64
	TargetMoisture float64
	AssignedPump   string
	AssignedValve  string
}

// AssignedActuator returns the watering device id, valve preferred.
func (pc PlantContext) AssignedActuator() (id string, assigned bool) {
	if pc.AssignedValve != "" {
		return pc.AssignedValve, true
	}
	if pc.AssignedPump != "" {
		return pc.AssignedPump, true
	}
	return "", false
}

// ContextResolver resolves the plant context for a (unit, sensor) pair.
// Returns false when the sensor is not linked to a plant.
type ContextResolver interface {
	Resolve(ctx context.Context, unitID int64, sensorID string) (PlantContext, bool)
}

// plantMetrics are the metrics this controller persists.
var plantMetrics = map[string]bool{
	throttle.MetricSoilMoisture: true,
	throttle.MetricPH:           true,
	throttle.MetricEC:           true,
}

type reading struct {
	value float64
	at    time.Time
}

// Controller subscribes to plant sensor events for one unit, persists
// throttled plant samples, raises pH/EC alerts, and gates irrigation
// eligibility before delegating to detection.
type Controller struct {
	unitID    int64
	logger    *zap.Logger
	clk       clock.Clock
	events    *bus.Bus
	gate      *throttle.Gate
	analytics store.AnalyticsStore
	resolver  ContextResolver
	detection *irrigation.DetectionService

	// Latest environment snapshot for the detection ML context.
	mu          sync.Mutex
	latestEnv   map[string]float64
	latestMoist map[string]reading // sensorID -> latest soil moisture
	alerted     map[string]throttle.AlertLevel

	plantToken bus.Token
	envToken   bus.Token
}

// NewController builds the plant-sensor controller for one unit.
func NewController(
	unitID int64,
	events *bus.Bus,
	gate *throttle.Gate,
	analytics store.AnalyticsStore,
	resolver ContextResolver,
	detection *irrigation.DetectionService,
	clk clock.Clock,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		unitID:      unitID,
		logger:      logger.Named("plantsense").With(zap.Int64("unit_id", unitID)),
		clk:         clk,
		events:      events,
		gate:        gate,
		analytics:   analytics,
		resolver:    resolver,
		detection:   detection,
		latestEnv:   make(map[string]float64),
		latestMoist: make(map[string]reading),
		alerted:     make(map[string]throttle.AlertLevel),
	}
}

// Start subscribes the controller to plant and environment events.
func (c *Controller) Start() {
	c.plantToken = c.events.Subscribe(bus.TopicSensorPlantUpdate, c.handlePlantUpdate)
	c.envToken = c.events.Subscribe(bus.TopicSensorEnvUpdate, c.trackEnvironment)
	c.logger.Info("plant sensor controller started")
}

// Stop unsubscribes the controller.
func (c *Controller) Stop() {
	c.events.Unsubscribe(c.plantToken)
	c.events.Unsubscribe(c.envToken)
	c.logger.Info("plant sensor controller stopped")
}

// trackEnvironment keeps the latest environment values so detection can
// snapshot them without a store round trip.
func (c *Controller) trackEnvironment(ev bus.Event) {
	if ev.UnitID != c.unitID {
		return
	}
	c.mu.Lock()
	for metric, value := range ev.Metrics {
		c.latestEnv[metric] = value
	}
	c.mu.Unlock()
}

// LatestMoisture implements irrigation.MoistureReader from the live
// reading cache.
func (c *Controller) LatestMoisture(unitID int64, sensorID string) (float64, time.Time, bool) {
	if unitID != c.unitID {
		return 0, time.Time{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.latestMoist[sensorID]
	if !ok {
		return 0, time.Time{}, false
	}
	return r.value, r.at, true
}

func (c *Controller) handlePlantUpdate(ev bus.Event) {
	if ev.UnitID != c.unitID {
		return
	}

	c.persist(ev)
	c.checkAlerts(ev)

	if moisture, ok := ev.Metrics[throttle.MetricSoilMoisture]; ok {
		c.mu.Lock()
		c.latestMoist[ev.SensorID] = reading{value: moisture, at: ev.Timestamp}
		c.mu.Unlock()
		c.evaluateIrrigation(ev, moisture)
	}
}

// persist writes throttle-accepted plant metrics to the PlantReadings
// target.
func (c *Controller) persist(ev bus.Event) {
	if c.analytics == nil {
		return
	}
	managed := make(map[string]float64)
	for metric, value := range ev.Metrics {
		if plantMetrics[metric] {
			managed[metric] = value
		}
	}
	accepted := c.gate.Filter(managed, ev.Timestamp)
	if len(accepted) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.analytics.InsertPlantReadings(ctx, c.unitID, ev.SensorID, accepted, ev.Timestamp); err != nil {
		observability.StoreWriteFailures.WithLabelValues("plant_readings").Inc()
		c.logger.Warn("plant reading write failed, sample dropped", zap.Error(err))
	}
}

// checkAlerts surfaces pH/EC excursions as health events. Alerts fire on
// level changes only, not on every sample.
func (c *Controller) checkAlerts(ev bus.Event) {
	config := c.gate.Config()
	for _, metric := range []string{throttle.MetricPH, throttle.MetricEC} {
		value, ok := ev.Metrics[metric]
		if !ok {
			continue
		}
		level := config.Alert(metric, value)

		c.mu.Lock()
		prev := c.alerted[metric]
		changed := prev != level
		if changed {
			c.alerted[metric] = level
		}
		c.mu.Unlock()

		if !changed || level == throttle.AlertOK {
			continue
		}
		c.logger.Warn("plant sensor alert",
			zap.String("metric", metric),
			zap.Float64("value", value),
			zap.String("level", string(level)))
		c.events.Publish(bus.Event{
			Topic:  bus.TopicSystemHealth,
			UnitID: c.unitID,
			Fields: map[string]any{
				"component": "plant_sensor",
				"metric":    metric,
				"value":     value,
				"level":     string(level),
			},
		})
	}
}

// evaluateIrrigation applies the hysteresis gate and delegates eligible
// readings to detection.
func (c *Controller) evaluateIrrigation(ev bus.Event, moisture float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pc, ok := c.resolver.Resolve(ctx, c.unitID, ev.SensorID)
	if !ok {
		return
	}

	detection := c.buildDetection(ev, moisture, pc)

	if moisture >= pc.TargetMoisture {
		c.detection.RecordTrace(ctx, detection, irrigation.DecisionSkip, irrigation.SkipHysteresisNotMet)
		return
	}

	c.detection.Detect(ctx, detection)
}

func (c *Controller) buildDetection(ev bus.Event, moisture float64, pc PlantContext) irrigation.Detection {
	d := irrigation.Detection{
		UnitID:       c.unitID,
		UserID:       pc.UserID,
		SoilMoisture: moisture,
		Threshold:    pc.TargetMoisture,
		SensorID:     ev.SensorID,
		PlantName:    pc.PlantName,
		PlantType:    pc.PlantType,
		GrowthStage:  pc.GrowthStage,
	}
	if pc.PlantID != 0 {
		plantID := pc.PlantID
		d.PlantID = &plantID
	}
	if id, assigned := pc.AssignedActuator(); assigned {
		d.ActuatorID = &id
		d.PlantPumpAssigned = true
	}
	if !ev.Timestamp.IsZero() {
		ts := ev.Timestamp.Unix()
		d.ReadingTimestamp = &ts
	}

	c.mu.Lock()
	if t, ok := c.latestEnv[throttle.MetricTemperature]; ok {
		temp := t
		d.Temperature = &temp
		if h, ok := c.latestEnv[throttle.MetricHumidity]; ok {
			hum := h
			d.Humidity = &hum
			vpd := VPDkPa(temp, hum)
			d.VPD = &vpd
		}
	} else if h, ok := c.latestEnv[throttle.MetricHumidity]; ok {
		hum := h
		d.Humidity = &hum
	}
	if l, ok := c.latestEnv[throttle.MetricLux]; ok {
		lux := l
		d.Lux = &lux
	}
	c.mu.Unlock()

	return d
}
