package bayes

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patoruzuy/sysgrow/core/clock"
	"github.com/patoruzuy/sysgrow/core/store"
)

func newTestAdjuster(t *testing.T) (*Adjuster, *store.MemoryStore, *clock.Fake) {
	t.Helper()
	mem := store.NewMemoryStore()
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	a := NewAdjuster(mem, fake, DefaultDefaults(), zap.NewNop())
	return a, mem, fake
}

// seedBelief plants a known belief for the default slot.
func seedBelief(t *testing.T, a *Adjuster, unitID, userID int64, belief Belief) {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.beliefs[cacheKey{unitID: unitID, userID: userID, slot: (Slot{}).Key()}] = belief
}

func TestUpdateFromTooLittleFeedback(t *testing.T) {
	a, mem, _ := newTestAdjuster(t)
	ctx := context.Background()

	seedBelief(t, a, 1, 7, Belief{Mean: 50, Variance: 25, SampleCount: 4})

	// Consistency defaults to 0.5 (no feedback history), so the
	// observation variance is base * (2.5 - 1.0) = 6.
	// A = (8 - 0.08*6) * min(1.5, 1 + 5/20) = 7.52 * 1.25 = 9.4,
	// but the numbers below only assume the posterior algebra.
	adj, err := a.UpdateFromFeedback(ctx, 1, 7, FeedbackTooLittle, 50, Slot{})
	require.NoError(t, err)

	// tau0 = 1/25 = 0.04, tau = 1/6 ~= 0.1667
	tau0 := 1.0 / 25.0
	tau := 1.0 / 6.0
	wantVariance := 1.0 / (tau0 + tau)
	magnitude := a.adjustmentMagnitude(Belief{Mean: 50, Variance: 25, SampleCount: 4})
	wantMean := (tau0*50 + tau*(50+magnitude)) / (tau0 + tau)

	assert.InDelta(t, wantVariance, adj.Belief.Variance, 1e-6)
	assert.InDelta(t, wantMean, adj.Belief.Mean, 1e-6)
	assert.Equal(t, DirectionIncrease, adj.Direction)
	assert.Equal(t, 5, adj.Belief.SampleCount)
	assert.InDelta(t, 0.10, adj.Confidence, 1e-9)

	// The belief is persisted as a keyed map.
	pref, err := mem.GetUserPreference(ctx, 7, 1)
	require.NoError(t, err)
	require.NotNil(t, pref)
	var persisted map[string]Belief
	require.NoError(t, json.Unmarshal([]byte(pref.ThresholdBeliefJSON), &persisted))
	stored, ok := persisted[(Slot{}).Key()]
	require.True(t, ok)
	assert.InDelta(t, wantMean, stored.Mean, 1e-6)
}

func TestJustRightReinforces(t *testing.T) {
	a, _, _ := newTestAdjuster(t)
	seedBelief(t, a, 1, 7, Belief{Mean: 50, Variance: 25, SampleCount: 10})

	adj, err := a.UpdateFromFeedback(context.Background(), 1, 7, FeedbackJustRight, 50, Slot{})
	require.NoError(t, err)
	assert.Equal(t, DirectionMaintain, adj.Direction)
	assert.InDelta(t, 50.0, adj.Belief.Mean, 1e-9)
	assert.Less(t, adj.Belief.Variance, 25.0, "every observation shrinks variance")
}

func TestVarianceNeverBelowFloor(t *testing.T) {
	a, _, _ := newTestAdjuster(t)
	ctx := context.Background()
	seedBelief(t, a, 1, 7, Belief{Mean: 50, Variance: 25, SampleCount: 0})

	prev := 25.0
	for i := 0; i < 100; i++ {
		adj, err := a.UpdateFromFeedback(ctx, 1, 7, FeedbackJustRight, 50, Slot{})
		require.NoError(t, err)
		assert.LessOrEqual(t, adj.Belief.Variance, prev, "variance is non-increasing")
		prev = adj.Belief.Variance
	}
	assert.GreaterOrEqual(t, prev, DefaultDefaults().MinVariance)
}

func TestMeanConvergesTowardObservations(t *testing.T) {
	a, _, _ := newTestAdjuster(t)
	ctx := context.Background()
	seedBelief(t, a, 1, 7, Belief{Mean: 40, Variance: 25, SampleCount: 0})

	var last Adjustment
	for i := 0; i < 40; i++ {
		var err error
		last, err = a.UpdateFromFeedback(ctx, 1, 7, FeedbackTooLittle, last.nextThreshold(40), Slot{})
		require.NoError(t, err)
	}
	assert.Greater(t, last.Belief.Mean, 45.0, "persistent too_little pulls the mean up")
	assert.LessOrEqual(t, last.Belief.Mean, 80.0, "mean stays clamped")
}

// nextThreshold chases the recommendation like the workflow does.
func (adj Adjustment) nextThreshold(initial float64) float64 {
	if adj.Belief.SampleCount == 0 {
		return initial
	}
	return adj.RecommendedThreshold
}

func TestMeanClampedToRange(t *testing.T) {
	a, _, _ := newTestAdjuster(t)
	ctx := context.Background()
	seedBelief(t, a, 1, 7, Belief{Mean: 78, Variance: 25, SampleCount: 0})

	for i := 0; i < 30; i++ {
		adj, err := a.UpdateFromFeedback(ctx, 1, 7, FeedbackTooLittle, 79, Slot{})
		require.NoError(t, err)
		assert.LessOrEqual(t, adj.Belief.Mean, 80.0)
	}
}

func TestInvalidFeedbackRejected(t *testing.T) {
	a, _, _ := newTestAdjuster(t)
	_, err := a.UpdateFromFeedback(context.Background(), 1, 7, Feedback("sideways"), 50, Slot{})
	assert.Error(t, err)
}

func TestPriorFromPlantTypeAndStage(t *testing.T) {
	a, _, _ := newTestAdjuster(t)

	prior := a.Prior(Slot{PlantType: "lettuce", GrowthStage: "seedling"})
	assert.InDelta(t, 65.0, prior.Mean, 1e-9)

	prior = a.Prior(Slot{PlantType: "unheard-of", GrowthStage: "flowering"})
	assert.InDelta(t, 35.0, prior.Mean, 1e-9, "unknown types use the default row")
}

func TestLegacyPayloadMigratesOnWrite(t *testing.T) {
	a, mem, _ := newTestAdjuster(t)
	ctx := context.Background()

	legacy := Belief{Mean: 42, Variance: 9, SampleCount: 12}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, mem.UpdateThresholdBelief(ctx, 7, 1, string(data)))

	// Reading picks up the legacy belief for the default slot.
	belief := a.Belief(ctx, 1, 7, Slot{})
	assert.InDelta(t, 42.0, belief.Mean, 1e-9)

	// The next write converts to the keyed form.
	_, err = a.UpdateFromFeedback(ctx, 1, 7, FeedbackJustRight, 42, Slot{})
	require.NoError(t, err)

	pref, err := mem.GetUserPreference(ctx, 7, 1)
	require.NoError(t, err)
	var keyed map[string]Belief
	require.NoError(t, json.Unmarshal([]byte(pref.ThresholdBeliefJSON), &keyed))
	assert.Contains(t, keyed, "default")
	assert.Contains(t, keyed, (Slot{}).Key())
}

func TestBeliefRoundTrip(t *testing.T) {
	belief := Belief{
		Mean:        54.3,
		Variance:    4.21,
		SampleCount: 17,
		LastUpdated: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		PlantType:   "tomato",
		GrowthStage: "flowering",
	}
	data, err := json.Marshal(belief)
	require.NoError(t, err)
	var got Belief
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, belief, got)
}

func TestResetReturnsToPrior(t *testing.T) {
	a, _, _ := newTestAdjuster(t)
	ctx := context.Background()

	_, err := a.UpdateFromFeedback(ctx, 1, 7, FeedbackTooMuch, 50, Slot{})
	require.NoError(t, err)

	prior := a.Reset(ctx, 1, 7, Slot{})
	assert.Zero(t, prior.SampleCount)
	assert.InDelta(t, DefaultDefaults().PriorVariance, prior.Variance, 1e-9)

	belief := a.Belief(ctx, 1, 7, Slot{})
	assert.Zero(t, belief.SampleCount)
}

func TestConsistencyFromCounters(t *testing.T) {
	a, mem, _ := newTestAdjuster(t)
	ctx := context.Background()

	// Fewer than 5 samples: default.
	assert.InDelta(t, 0.5, a.userConsistency(ctx, 1, 7), 1e-9)

	// Mostly just_right: consistent user.
	for i := 0; i < 8; i++ {
		require.NoError(t, mem.UpdateMoistureFeedback(ctx, 7, 1, "just_right"))
	}
	require.NoError(t, mem.UpdateMoistureFeedback(ctx, 7, 1, "too_much"))
	c := a.userConsistency(ctx, 1, 7)
	assert.Greater(t, c, 0.8)

	// Alternating extremes: erratic user.
	for i := 0; i < 10; i++ {
		feedback := "too_little"
		if i%2 == 0 {
			feedback = "too_much"
		}
		require.NoError(t, mem.UpdateMoistureFeedback(ctx, 8, 1, feedback))
	}
	c = a.userConsistency(ctx, 1, 8)
	assert.LessOrEqual(t, c, 0.3)
}

func TestCredibleInterval(t *testing.T) {
	belief := Belief{Mean: 50, Variance: 4}
	lower, upper := belief.CredibleInterval(0.95)
	assert.InDelta(t, 50-1.96*2, lower, 1e-9)
	assert.InDelta(t, 50+1.96*2, upper, 1e-9)
}

func TestRecommendDoesNotMutate(t *testing.T) {
	a, _, _ := newTestAdjuster(t)
	ctx := context.Background()
	seedBelief(t, a, 1, 7, Belief{Mean: 55, Variance: 9, SampleCount: 20})

	adj := a.Recommend(ctx, 1, 7, 50, Slot{})
	assert.Equal(t, DirectionIncrease, adj.Direction)
	assert.InDelta(t, 5.0, adj.AdjustmentAmount, 1e-9)

	belief := a.Belief(ctx, 1, 7, Slot{})
	assert.Equal(t, 20, belief.SampleCount, "recommend must not consume a sample")
}
