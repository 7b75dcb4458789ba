package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func t0() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestHybridStoresFirstThenThrottles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IntervalMinutes[MetricTemperature] = 30
	cfg.ChangeThreshold[MetricTemperature] = 1.0
	g := NewGate("sensor", cfg, zap.NewNop())

	// First sample always stores.
	now := t0()
	require.True(t, g.ShouldStore(MetricTemperature, 22.0, now))
	g.RecordStored(MetricTemperature, 22.0, now)

	// 60s later, 0.3 degrees of drift: neither time nor change.
	now = now.Add(60 * time.Second)
	assert.False(t, g.ShouldStore(MetricTemperature, 22.3, now))

	// One second later, the change against the stored baseline crosses
	// the threshold.
	now = now.Add(time.Second)
	require.True(t, g.ShouldStore(MetricTemperature, 23.2, now))
	g.RecordStored(MetricTemperature, 23.2, now)

	baseline, ok := g.Baseline(MetricTemperature)
	require.True(t, ok)
	assert.Equal(t, 23.2, baseline)
}

func TestBaselineIsLastStoredValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChangeThreshold[MetricTemperature] = 1.0
	g := NewGate("sensor", cfg, zap.NewNop())

	now := t0()
	g.RecordStored(MetricTemperature, 22.0, now)

	// A slow drift of 0.3-0.4 per sample never crosses against the last
	// seen value, but accumulates against the stored baseline.
	now = now.Add(time.Minute)
	assert.False(t, g.ShouldStore(MetricTemperature, 22.4, now))
	now = now.Add(time.Minute)
	assert.False(t, g.ShouldStore(MetricTemperature, 22.8, now))
	now = now.Add(time.Minute)
	assert.True(t, g.ShouldStore(MetricTemperature, 23.1, now))

	baseline, _ := g.Baseline(MetricTemperature)
	assert.Equal(t, 22.0, baseline, "skipped samples must not move the baseline")
}

func TestTimeOnlyIgnoresChange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseHybridStrategy = false
	cfg.IntervalMinutes[MetricHumidity] = 30
	g := NewGate("sensor", cfg, zap.NewNop())

	now := t0()
	g.RecordStored(MetricHumidity, 50.0, now)

	assert.False(t, g.ShouldStore(MetricHumidity, 99.0, now.Add(time.Minute)))
	assert.True(t, g.ShouldStore(MetricHumidity, 50.0, now.Add(31*time.Minute)))
}

func TestThrottlingDisabledStoresEverything(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThrottlingEnabled = false
	g := NewGate("sensor", cfg, zap.NewNop())

	now := t0()
	g.RecordStored(MetricTemperature, 22.0, now)
	assert.True(t, g.ShouldStore(MetricTemperature, 22.0, now))
}

func TestFilterRecordsStores(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChangeThreshold[MetricTemperature] = 1.0
	g := NewGate("sensor", cfg, zap.NewNop())

	now := t0()
	out := g.Filter(map[string]float64{MetricTemperature: 22.0}, now)
	require.Contains(t, out, MetricTemperature)

	// The same value immediately after is throttled: Filter recorded
	// the first store.
	out = g.Filter(map[string]float64{MetricTemperature: 22.0}, now.Add(time.Second))
	assert.NotContains(t, out, MetricTemperature)
}

func TestConfigRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseHybridStrategy = false
	cfg.DebugLogging = true
	cfg.IntervalMinutes[MetricPH] = 15
	cfg.ChangeThreshold[MetricEC] = 200.0
	cfg.ECWarningMax = 2.5

	got := FromMap(cfg.ToMap())
	assert.Equal(t, cfg, got)
}

func TestAlertLevels(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, AlertOK, cfg.Alert(MetricPH, 6.0))
	assert.Equal(t, AlertWarning, cfg.Alert(MetricPH, 5.0))
	assert.Equal(t, AlertCritical, cfg.Alert(MetricPH, 4.0))
	assert.Equal(t, AlertCritical, cfg.Alert(MetricPH, 8.5))

	assert.Equal(t, AlertOK, cfg.Alert(MetricEC, 1.5))
	assert.Equal(t, AlertWarning, cfg.Alert(MetricEC, 3.5))
	assert.Equal(t, AlertCritical, cfg.Alert(MetricEC, 5.0))

	assert.Equal(t, AlertOK, cfg.Alert(MetricTemperature, 99.0))
}
