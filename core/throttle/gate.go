package throttle

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patoruzuy/sysgrow/core/observability"
)

type metricState struct {
	lastPersist time.Time
	baseline    float64
	hasBaseline bool
}

// Gate decides per metric whether an incoming sample should be written
// to the analytics store. The baseline is the last stored value, not the
// last seen one, so a slow drift accumulates across the threshold.
type Gate struct {
	target string
	logger *zap.Logger

	mu     sync.Mutex
	config Config
	state  map[string]*metricState
}

// NewGate creates a throttle gate. Target labels the metrics stream
// ("sensor" or "plant") for observability.
func NewGate(target string, config Config, logger *zap.Logger) *Gate {
	return &Gate{
		target: target,
		logger: logger.Named("throttle"),
		config: config,
		state:  make(map[string]*metricState),
	}
}

// Config returns the current configuration.
func (g *Gate) Config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.config
}

// UpdateConfig swaps the configuration at runtime. Throttle state is
// kept so baselines survive a config change.
func (g *Gate) UpdateConfig(config Config) {
	g.mu.Lock()
	g.config = config
	g.mu.Unlock()
}

// ShouldStore applies the decision algorithm for one value.
func (g *Gate) ShouldStore(metric string, value float64, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shouldStore(metric, value, now)
}

func (g *Gate) shouldStore(metric string, value float64, now time.Time) bool {
	if !g.config.ThrottlingEnabled {
		return true
	}

	st := g.state[metric]
	interval := time.Duration(g.config.IntervalMinutes[metric]) * time.Minute
	timeElapsed := st == nil || st.lastPersist.IsZero() || now.Sub(st.lastPersist) >= interval

	if !g.config.UseHybridStrategy {
		return timeElapsed
	}

	significant := st == nil || !st.hasBaseline
	if !significant {
		threshold := g.config.ChangeThreshold[metric]
		significant = math.Abs(value-st.baseline) >= threshold
	}

	if g.config.DebugLogging {
		g.logger.Debug("throttle decision",
			zap.String("target", g.target),
			zap.String("metric", metric),
			zap.Bool("time_elapsed", timeElapsed),
			zap.Bool("significant", significant),
			zap.Float64("value", value))
	}

	return timeElapsed || significant
}

// RecordStored updates the persist timestamp and baseline after a STORE.
func (g *Gate) RecordStored(metric string, value float64, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state[metric]
	if st == nil {
		st = &metricState{}
		g.state[metric] = st
	}
	st.lastPersist = now
	st.baseline = value
	st.hasBaseline = true
}

// Filter returns the subset of metrics that should be stored right now
// and records them as stored. NaN and infinite values bypass throttling
// (the caller decides whether to persist them as null markers).
func (g *Gate) Filter(metrics map[string]float64, now time.Time) map[string]float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]float64, len(metrics))
	for metric, value := range metrics {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			out[metric] = value
			observability.SamplesPersisted.WithLabelValues(g.target, metric).Inc()
			continue
		}
		if g.shouldStore(metric, value, now) {
			out[metric] = value
			st := g.state[metric]
			if st == nil {
				st = &metricState{}
				g.state[metric] = st
			}
			st.lastPersist = now
			st.baseline = value
			st.hasBaseline = true
			observability.SamplesPersisted.WithLabelValues(g.target, metric).Inc()
		} else {
			observability.SamplesThrottled.WithLabelValues(g.target, metric).Inc()
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Baseline returns the current baseline for a metric. Test hook.
func (g *Gate) Baseline(metric string) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state[metric]
	if st == nil || !st.hasBaseline {
		return 0, false
	}
	return st.baseline, true
}
