package climate

import (
	"sync"
	"time"

	"github.com/patoruzuy/sysgrow/core/observability"
)

// Strategy names a control action family for metrics and failure
// isolation. Disabling one strategy leaves the others live.
type Strategy string

const (
	StrategyHeating        Strategy = "heating"
	StrategyCooling        Strategy = "cooling"
	StrategyHumidifying    Strategy = "humidifying"
	StrategyDehumidifying  Strategy = "dehumidifying"
	StrategyCO2Enrichment  Strategy = "co2_enrichment"
	StrategyLightControl   Strategy = "light_control"
)

// Metrics tracks per-strategy control health. A strategy that fails
// maxErrors times in a row trips to disabled and stays there until an
// operator re-enables it; one success resets the error streak.
type Metrics struct {
	mu sync.Mutex

	maxErrors int
	perStrat  map[Strategy]*strategyState
}

type strategyState struct {
	totalActions      int
	successfulActions int
	failedActions     int
	consecutiveErrors int
	avgResponseTimeS  float64
	lastActionTime    time.Time
	disabled          bool
}

// NewMetrics creates the health tracker.
func NewMetrics(maxErrors int) *Metrics {
	return &Metrics{
		maxErrors: maxErrors,
		perStrat:  make(map[Strategy]*strategyState),
	}
}

func (m *Metrics) state(s Strategy) *strategyState {
	st, ok := m.perStrat[s]
	if !ok {
		st = &strategyState{}
		m.perStrat[s] = st
	}
	return st
}

// Enabled reports whether the strategy may act.
func (m *Metrics) Enabled(s Strategy) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.state(s).disabled
}

// Enable re-arms a disabled strategy (operator action).
func (m *Metrics) Enable(s Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(s)
	st.disabled = false
	st.consecutiveErrors = 0
	observability.StrategyDisabled.WithLabelValues(string(s)).Set(0)
}

// RecordResult folds one command outcome into the strategy health.
// Returns true when this result tripped the strategy into disabled.
func (m *Metrics) RecordResult(s Strategy, success bool, responseTime time.Duration, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(s)
	st.totalActions++
	st.lastActionTime = now

	// EMA with alpha 0.2; first sample is taken as-is.
	rt := responseTime.Seconds()
	if st.avgResponseTimeS == 0 {
		st.avgResponseTimeS = rt
	} else {
		st.avgResponseTimeS = 0.8*st.avgResponseTimeS + 0.2*rt
	}

	if success {
		st.successfulActions++
		st.consecutiveErrors = 0
		return false
	}

	st.failedActions++
	st.consecutiveErrors++
	if !st.disabled && st.consecutiveErrors >= m.maxErrors {
		st.disabled = true
		observability.StrategyDisabled.WithLabelValues(string(s)).Set(1)
		return true
	}
	return false
}

// Snapshot is the externally visible health of one strategy.
type Snapshot struct {
	TotalActions      int       `json:"total_actions"`
	SuccessfulActions int       `json:"successful_actions"`
	FailedActions     int       `json:"failed_actions"`
	SuccessRate       float64   `json:"success_rate"`
	AvgResponseTimeS  float64   `json:"average_response_time"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastActionTime    time.Time `json:"last_action_time"`
	Disabled          bool      `json:"disabled"`
}

// Snapshots returns a copy of every strategy's health.
func (m *Metrics) Snapshots() map[Strategy]Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[Strategy]Snapshot, len(m.perStrat))
	for s, st := range m.perStrat {
		rate := 100.0
		if st.totalActions > 0 {
			rate = float64(st.successfulActions) / float64(st.totalActions) * 100.0
		}
		out[s] = Snapshot{
			TotalActions:      st.totalActions,
			SuccessfulActions: st.successfulActions,
			FailedActions:     st.failedActions,
			SuccessRate:       rate,
			AvgResponseTimeS:  st.avgResponseTimeS,
			ConsecutiveErrors: st.consecutiveErrors,
			LastActionTime:    st.lastActionTime,
			Disabled:          st.disabled,
		}
	}
	return out
}
