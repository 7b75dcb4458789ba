package climate

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/patoruzuy/sysgrow/core/actuator"
	"github.com/patoruzuy/sysgrow/core/bus"
	"github.com/patoruzuy/sysgrow/core/clock"
	"github.com/patoruzuy/sysgrow/core/observability"
	"github.com/patoruzuy/sysgrow/core/store"
	"github.com/patoruzuy/sysgrow/core/throttle"
)

// managedMetrics are the environment metrics this controller persists.
var managedMetrics = map[string]bool{
	throttle.MetricTemperature: true,
	throttle.MetricHumidity:    true,
	throttle.MetricCO2:         true,
	throttle.MetricVOC:         true,
	throttle.MetricAirQuality:  true,
	throttle.MetricLux:         true,
	throttle.MetricPressure:    true,
}

// Controller drives four PID loops (temperature, humidity, CO2, lux) for
// one unit and persists throttled environment samples. Soil moisture is
// not PID-controlled; the irrigation workflow owns it.
type Controller struct {
	unitID    int64
	logger    *zap.Logger
	clk       clock.Clock
	events    *bus.Bus
	registry  *actuator.Registry
	gate      *throttle.Gate
	analytics store.AnalyticsStore
	metrics   *Metrics

	mu       sync.Mutex
	config   Config
	enabled  bool
	pids     map[string]*PID
	lastRun  map[string]time.Time
	limiters map[string]*rate.Limiter

	token bus.Token
}

// NewController builds a climate controller for one unit. Call Start to
// begin receiving events.
func NewController(
	unitID int64,
	config Config,
	events *bus.Bus,
	registry *actuator.Registry,
	gate *throttle.Gate,
	analytics store.AnalyticsStore,
	clk clock.Clock,
	logger *zap.Logger,
) *Controller {
	c := &Controller{
		unitID:    unitID,
		logger:    logger.Named("climate").With(zap.Int64("unit_id", unitID)),
		clk:       clk,
		events:    events,
		registry:  registry,
		gate:      gate,
		analytics: analytics,
		metrics:   NewMetrics(config.maxErrors()),
		config:    config,
		enabled:   true,
		lastRun:   make(map[string]time.Time),
		limiters:  make(map[string]*rate.Limiter),
	}
	c.pids = map[string]*PID{
		throttle.MetricTemperature: newLoopPID(config.Temperature),
		throttle.MetricHumidity:    newLoopPID(config.Humidity),
		throttle.MetricCO2:         newLoopPID(config.CO2),
		throttle.MetricLux:         newLoopPID(config.Lux),
	}
	return c
}

func newLoopPID(lc LoopConfig) *PID {
	p := NewPID(lc.Kp, lc.Ki, lc.Kd, lc.Setpoint)
	p.OutputRange = 100
	return p
}

// Start subscribes the controller to environment events.
func (c *Controller) Start() {
	c.token = c.events.Subscribe(bus.TopicSensorEnvUpdate, c.handleEnvUpdate)
	c.logger.Info("climate controller started")
}

// Stop unsubscribes the controller.
func (c *Controller) Stop() {
	c.events.Unsubscribe(c.token)
	c.logger.Info("climate controller stopped")
}

// handleEnvUpdate reacts to one environment sample: persist the
// throttled metrics, then run the control loops present in the event.
func (c *Controller) handleEnvUpdate(ev bus.Event) {
	if ev.UnitID != c.unitID {
		return
	}

	c.persist(ev)

	if v, ok := ev.Metrics[throttle.MetricTemperature]; ok {
		c.ControlTemperature(v)
	}
	if v, ok := ev.Metrics[throttle.MetricHumidity]; ok {
		c.ControlHumidity(v)
	}
	if v, ok := ev.Metrics[throttle.MetricCO2]; ok {
		c.ControlCO2(v)
	}
	if v, ok := ev.Metrics[throttle.MetricLux]; ok {
		c.ControlLux(v)
	}
}

// persist writes the throttle-accepted subset of the event's metrics.
// Write failures log and drop; controllers never retry inline.
func (c *Controller) persist(ev bus.Event) {
	if c.analytics == nil {
		return
	}
	managed := make(map[string]float64)
	for metric, value := range ev.Metrics {
		if managedMetrics[metric] {
			managed[metric] = value
		}
	}
	accepted := c.gate.Filter(managed, ev.Timestamp)
	if len(accepted) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.analytics.InsertSensorReadings(ctx, c.unitID, ev.SensorID, accepted, ev.Timestamp); err != nil {
		observability.StoreWriteFailures.WithLabelValues("sensor_readings").Inc()
		c.logger.Warn("sensor reading write failed, sample dropped", zap.Error(err))
	}
}

// ControlTemperature runs the temperature loop. Returns true when the
// loop completed (including the deadband no-op).
func (c *Controller) ControlTemperature(current float64) bool {
	c.mu.Lock()
	cfg := c.config
	if !c.enabled {
		c.mu.Unlock()
		return false
	}
	if abs(current-cfg.Temperature.Setpoint) < cfg.Temperature.Deadband {
		c.mu.Unlock()
		return true
	}
	output := c.compute(throttle.MetricTemperature, current)
	c.mu.Unlock()

	if output > 0 {
		ok := c.command(actuator.KindHeater, "on", StrategyHeating)
		c.command(actuator.KindFan, "off", StrategyCooling)
		return ok
	}
	ok := c.command(actuator.KindFan, "on", StrategyCooling)
	c.command(actuator.KindHeater, "off", StrategyHeating)
	return ok
}

// ControlHumidity runs the humidity loop.
func (c *Controller) ControlHumidity(current float64) bool {
	c.mu.Lock()
	cfg := c.config
	if !c.enabled {
		c.mu.Unlock()
		return false
	}
	if abs(current-cfg.Humidity.Setpoint) < cfg.Humidity.Deadband {
		c.mu.Unlock()
		return true
	}
	output := c.compute(throttle.MetricHumidity, current)
	c.mu.Unlock()

	if output > 0 {
		ok := c.command(actuator.KindHumidifier, "on", StrategyHumidifying)
		c.command(actuator.KindDehumidifier, "off", StrategyDehumidifying)
		return ok
	}
	ok := c.command(actuator.KindDehumidifier, "on", StrategyDehumidifying)
	c.command(actuator.KindHumidifier, "off", StrategyHumidifying)
	return ok
}

// ControlCO2 runs the CO2 enrichment loop.
func (c *Controller) ControlCO2(current float64) bool {
	c.mu.Lock()
	cfg := c.config
	if !c.enabled {
		c.mu.Unlock()
		return false
	}
	if abs(current-cfg.CO2.Setpoint) < cfg.CO2.Deadband {
		c.mu.Unlock()
		return true
	}
	output := c.compute(throttle.MetricCO2, current)
	c.mu.Unlock()

	if output > 0 {
		return c.command(actuator.KindCO2Injector, "on", StrategyCO2Enrichment)
	}
	return c.command(actuator.KindCO2Injector, "off", StrategyCO2Enrichment)
}

// ControlLux runs the light loop; the PID output is clamped to [0,100]
// and written as a dimmer level.
func (c *Controller) ControlLux(current float64) bool {
	c.mu.Lock()
	cfg := c.config
	if !c.enabled {
		c.mu.Unlock()
		return false
	}
	if abs(current-cfg.Lux.Setpoint) < cfg.Lux.Deadband {
		c.mu.Unlock()
		return true
	}
	output := c.compute(throttle.MetricLux, current)
	c.mu.Unlock()

	level := output
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	return c.commandLevel(actuator.KindLight, level, StrategyLightControl)
}

// compute runs the metric's PID with dt derived from the previous run.
// Caller holds c.mu.
func (c *Controller) compute(metric string, current float64) float64 {
	now := c.clk.Now()
	dt := 1.0
	if last, ok := c.lastRun[metric]; ok {
		dt = now.Sub(last).Seconds()
	}
	c.lastRun[metric] = now

	output := c.pids[metric].Compute(current, dt)
	observability.PIDOutput.WithLabelValues(strconv.FormatInt(c.unitID, 10), metric).Set(output)
	return output
}

// command drives an on/off actuator with cycle-time enforcement and
// strategy health tracking. Missing actuators are not an error: units
// are not required to carry every device.
func (c *Controller) command(kind actuator.Kind, cmd string, strategy Strategy) bool {
	handle, err := c.registry.Lookup(c.unitID, kind)
	if err != nil {
		return true
	}
	if !c.metrics.Enabled(strategy) {
		return false
	}
	if !c.canAct(handle.ID) {
		return false
	}
	return c.execute(handle, strategy, func(ctx context.Context) actuator.Reading {
		if cmd == "on" {
			return handle.TurnOn(ctx)
		}
		return handle.TurnOff(ctx)
	}, cmd)
}

func (c *Controller) commandLevel(kind actuator.Kind, level float64, strategy Strategy) bool {
	handle, err := c.registry.Lookup(c.unitID, kind)
	if err != nil {
		return true
	}
	if !c.metrics.Enabled(strategy) {
		return false
	}
	if !c.canAct(handle.ID) {
		return false
	}
	return c.execute(handle, strategy, func(ctx context.Context) actuator.Reading {
		return handle.SetLevel(ctx, level)
	}, "set_level")
}

// canAct enforces the minimum cycle time per actuator: one token per
// cycle period, so back-to-back commands to the same device are
// suppressed even when the PID asks for them.
func (c *Controller) canAct(actuatorID string) bool {
	c.mu.Lock()
	limiter, ok := c.limiters[actuatorID]
	if !ok {
		cycle := c.config.cycleTime()
		limiter = rate.NewLimiter(rate.Every(cycle), 1)
		c.limiters[actuatorID] = limiter
	}
	c.mu.Unlock()
	return limiter.AllowN(c.clk.Now(), 1)
}

func (c *Controller) execute(handle *actuator.Handle, strategy Strategy, run func(context.Context) actuator.Reading, cmd string) bool {
	start := c.clk.Now()
	ctx := context.Background()
	reading := run(ctx)
	elapsed := c.clk.Now().Sub(start)

	success := reading.State != actuator.StateError
	outcome := "success"
	if !success {
		outcome = "error"
		c.logger.Error("actuator command failed",
			zap.String("actuator_id", handle.ID),
			zap.String("command", cmd),
			zap.Error(reading.Err))
	}
	observability.ActuatorCommands.WithLabelValues(string(handle.Kind), cmd, outcome).Inc()

	tripped := c.metrics.RecordResult(strategy, success, elapsed, c.clk.Now())
	if tripped {
		c.logger.Error("control strategy disabled after consecutive errors",
			zap.String("strategy", string(strategy)))
	}

	c.events.Publish(bus.Event{
		Topic:  bus.TopicActuatorStateChange,
		UnitID: c.unitID,
		Fields: map[string]any{
			"actuator_id": handle.ID,
			"command":     cmd,
			"state":       string(reading.State),
			"strategy":    string(strategy),
		},
	})

	return success
}

// UpdateSetpoints moves loop targets; changed setpoints reset their PID.
func (c *Controller) UpdateSetpoints(setpoints map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for metric, sp := range setpoints {
		pid, ok := c.pids[metric]
		if !ok {
			continue
		}
		pid.SetSetpoint(sp)
		switch metric {
		case throttle.MetricTemperature:
			c.config.Temperature.Setpoint = sp
		case throttle.MetricHumidity:
			c.config.Humidity.Setpoint = sp
		case throttle.MetricCO2:
			c.config.CO2.Setpoint = sp
		case throttle.MetricLux:
			c.config.Lux.Setpoint = sp
		}
		c.logger.Info("setpoint updated", zap.String("metric", metric), zap.Float64("setpoint", sp))
	}
}

// UpdatePIDParameters retunes one loop's gains.
func (c *Controller) UpdatePIDParameters(metric string, kp, ki, kd float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	pid, ok := c.pids[metric]
	if !ok {
		return fmt.Errorf("climate: unknown control loop %q", metric)
	}
	pid.Kp, pid.Ki, pid.Kd = kp, ki, kd
	c.logger.Info("pid parameters updated",
		zap.String("metric", metric),
		zap.Float64("kp", kp), zap.Float64("ki", ki), zap.Float64("kd", kd))
	return nil
}

// Enable re-enables the whole controller.
func (c *Controller) Enable() {
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
}

// Disable stops all control actions (persistence keeps running).
func (c *Controller) Disable() {
	c.mu.Lock()
	c.enabled = false
	c.mu.Unlock()
}

// EnableStrategy re-arms a strategy disabled by consecutive errors.
func (c *Controller) EnableStrategy(s Strategy) {
	c.metrics.Enable(s)
}

// Status is a point-in-time view of the controller for diagnostics.
type Status struct {
	UnitID    int64                 `json:"unit_id"`
	Enabled   bool                  `json:"enabled"`
	Config    Config                `json:"config"`
	Strategies map[Strategy]Snapshot `json:"strategies"`
}

// Status reports controller state and per-strategy health.
func (c *Controller) Status() Status {
	c.mu.Lock()
	cfg := c.config
	enabled := c.enabled
	c.mu.Unlock()
	return Status{
		UnitID:     c.unitID,
		Enabled:    enabled,
		Config:     cfg,
		Strategies: c.metrics.Snapshots(),
	}
}
