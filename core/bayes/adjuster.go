package bayes

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patoruzuy/sysgrow/core/clock"
	"github.com/patoruzuy/sysgrow/core/observability"
	"github.com/patoruzuy/sysgrow/core/store"
)

// Feedback is categorical user feedback reduced to the threshold axis.
type Feedback string

const (
	FeedbackTooLittle Feedback = "too_little"
	FeedbackJustRight Feedback = "just_right"
	FeedbackTooMuch   Feedback = "too_much"
)

// Defaults configure the learner.
type Defaults struct {
	PriorVariance       float64
	MinVariance         float64
	ObservationVariance float64
	MaxAdjustment       float64
	MinAdjustment       float64
}

// DefaultDefaults returns the production parameters.
func DefaultDefaults() Defaults {
	return Defaults{
		PriorVariance:       25.0,
		MinVariance:         1.0,
		ObservationVariance: 4.0,
		MaxAdjustment:       8.0,
		MinAdjustment:       2.0,
	}
}

// plantTypePriors maps plant types to default thresholds. The default
// row covers unknown types.
var plantTypePriors = map[string]float64{
	"default":    40.0,
	"tomato":     45.0,
	"pepper":     40.0,
	"lettuce":    55.0,
	"basil":      50.0,
	"strawberry": 50.0,
	"cannabis":   40.0,
	"succulent":  25.0,
}

// growthStageAdjustments shift the prior by growth stage.
var growthStageAdjustments = map[string]float64{
	"seedling":   10.0,
	"vegetative": 0.0,
	"flowering":  -5.0,
	"fruiting":   -5.0,
	"harvest":    -10.0,
}

// Slot addresses one belief within a user's belief map.
type Slot struct {
	PlantType     string
	GrowthStage   string
	PlantVariety  string
	StrainVariety string
	PotSizeLiters float64
}

// Key flattens the slot into the persisted map key.
func (s Slot) Key() string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(defaultIfEmpty(s.PlantType, "default"))),
		strings.ToLower(strings.TrimSpace(defaultIfEmpty(s.GrowthStage, "vegetative"))),
	}
	if s.PlantVariety != "" {
		parts = append(parts, "variety:"+strings.ToLower(strings.TrimSpace(s.PlantVariety)))
	}
	if s.StrainVariety != "" {
		parts = append(parts, "strain:"+strings.ToLower(strings.TrimSpace(s.StrainVariety)))
	}
	if s.PotSizeLiters > 0 {
		parts = append(parts, fmt.Sprintf("pot:%.2f", s.PotSizeLiters))
	}
	return strings.Join(parts, "|")
}

func defaultIfEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

type cacheKey struct {
	unitID int64
	userID int64
	slot   string
}

// Adjuster learns per-user soil-moisture thresholds with a Normal-Normal
// conjugate update. All mutation goes through UpdateFromFeedback or
// Reset, both of which serialize on the internal mutex.
type Adjuster struct {
	store    store.WorkflowStore
	clk      clock.Clock
	logger   *zap.Logger
	defaults Defaults

	mu      sync.Mutex
	beliefs map[cacheKey]Belief
}

// NewAdjuster creates the learner.
func NewAdjuster(workflowStore store.WorkflowStore, clk clock.Clock, defaults Defaults, logger *zap.Logger) *Adjuster {
	return &Adjuster{
		store:    workflowStore,
		clk:      clk,
		logger:   logger.Named("bayes"),
		defaults: defaults,
		beliefs:  make(map[cacheKey]Belief),
	}
}

// Prior builds the initial belief for a slot from the plant-type and
// growth-stage defaults.
func (a *Adjuster) Prior(slot Slot) Belief {
	plantType := strings.ToLower(defaultIfEmpty(slot.PlantType, "default"))
	mean, ok := plantTypePriors[plantType]
	if !ok {
		mean = plantTypePriors["default"]
	}
	mean += growthStageAdjustments[strings.ToLower(defaultIfEmpty(slot.GrowthStage, "vegetative"))]
	return Belief{
		Mean:        mean,
		Variance:    a.defaults.PriorVariance,
		SampleCount: 0,
		LastUpdated: a.clk.Now(),
		PlantType:   slot.PlantType,
		GrowthStage: slot.GrowthStage,
	}
}

// Belief returns the current belief for a slot, loading it from the
// user-preference record or falling back to the prior.
func (a *Adjuster) Belief(ctx context.Context, unitID, userID int64, slot Slot) Belief {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.beliefLocked(ctx, unitID, userID, slot)
}

func (a *Adjuster) beliefLocked(ctx context.Context, unitID, userID int64, slot Slot) Belief {
	key := cacheKey{unitID: unitID, userID: userID, slot: slot.Key()}
	if belief, ok := a.beliefs[key]; ok {
		return belief
	}

	if belief, ok := a.loadBelief(ctx, unitID, userID, slot.Key()); ok {
		a.beliefs[key] = belief
		return belief
	}

	prior := a.Prior(slot)
	a.beliefs[key] = prior
	return prior
}

// loadBelief reads the keyed belief map from the preference row. Legacy
// payloads holding a single flat belief are read as the "default" slot.
func (a *Adjuster) loadBelief(ctx context.Context, unitID, userID int64, slotKey string) (Belief, bool) {
	pref, err := a.store.GetUserPreference(ctx, userID, unitID)
	if err != nil || pref == nil || pref.ThresholdBeliefJSON == "" {
		return Belief{}, false
	}

	payload := []byte(pref.ThresholdBeliefJSON)

	var legacy Belief
	if err := json.Unmarshal(payload, &legacy); err == nil && legacy.Mean != 0 {
		// Legacy single-belief payload; treated as the default slot.
		if slotKey == (Slot{}).Key() || slotKey == "default" {
			return legacy, true
		}
	}

	var keyed map[string]Belief
	if err := json.Unmarshal(payload, &keyed); err != nil {
		a.logger.Warn("unreadable threshold belief payload", zap.Error(err))
		return Belief{}, false
	}
	if belief, ok := keyed[slotKey]; ok {
		return belief, true
	}
	if belief, ok := keyed["default"]; ok {
		return belief, true
	}
	return Belief{}, false
}

// Recommend reports the belief's recommendation without mutating state.
func (a *Adjuster) Recommend(ctx context.Context, unitID, userID int64, currentThreshold float64, slot Slot) Adjustment {
	belief := a.Belief(ctx, unitID, userID, slot)

	amount := belief.Mean - currentThreshold
	direction := DirectionMaintain
	reasoning := "Current threshold is optimal"
	switch {
	case math.Abs(amount) < 1.0:
	case amount > 0:
		direction = DirectionIncrease
		reasoning = fmt.Sprintf("Recommend increasing threshold to %.1f%%", belief.Mean)
	default:
		direction = DirectionDecrease
		reasoning = fmt.Sprintf("Recommend decreasing threshold to %.1f%%", belief.Mean)
	}

	lower, upper := belief.CredibleInterval(0.95)
	return Adjustment{
		RecommendedThreshold: belief.Mean,
		AdjustmentAmount:     math.Abs(amount),
		Direction:            direction,
		Confidence:           belief.Confidence(),
		Uncertainty:          belief.StdDev(),
		CredibleLower95:      lower,
		CredibleUpper95:      upper,
		Reasoning:            reasoning,
		Belief:               belief,
	}
}

// UpdateFromFeedback performs the conjugate update for one feedback
// observation and persists the new belief.
func (a *Adjuster) UpdateFromFeedback(ctx context.Context, unitID, userID int64, feedback Feedback, currentThreshold float64, slot Slot) (Adjustment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	belief := a.beliefLocked(ctx, unitID, userID, slot)

	// Observation: shift the current threshold by the explore/exploit
	// magnitude in the direction the feedback implies.
	magnitude := a.adjustmentMagnitude(belief)
	var observed float64
	switch feedback {
	case FeedbackTooLittle:
		observed = currentThreshold + magnitude
	case FeedbackTooMuch:
		observed = currentThreshold - magnitude
	case FeedbackJustRight:
		observed = currentThreshold
	default:
		return Adjustment{}, fmt.Errorf("bayes: invalid feedback %q", feedback)
	}

	consistency := a.userConsistency(ctx, unitID, userID)
	obsVariance := a.observationVariance(consistency)

	priorPrecision := belief.Precision()
	obsPrecision := 1.0 / obsVariance
	posteriorPrecision := priorPrecision + obsPrecision
	posteriorVariance := math.Max(a.defaults.MinVariance, 1.0/posteriorPrecision)
	posteriorMean := (priorPrecision*belief.Mean + obsPrecision*observed) / posteriorPrecision
	posteriorMean = math.Max(20.0, math.Min(80.0, posteriorMean))

	updated := Belief{
		Mean:        posteriorMean,
		Variance:    posteriorVariance,
		SampleCount: belief.SampleCount + 1,
		LastUpdated: a.clk.Now(),
		PlantType:   slot.PlantType,
		GrowthStage: slot.GrowthStage,
	}

	key := cacheKey{unitID: unitID, userID: userID, slot: slot.Key()}
	a.beliefs[key] = updated
	if err := a.persistLocked(ctx, unitID, userID, slot.Key(), updated); err != nil {
		a.logger.Error("failed to persist threshold belief", zap.Error(err))
	}

	amount := posteriorMean - currentThreshold
	direction := DirectionMaintain
	switch {
	case math.Abs(amount) < 1.0:
	case amount > 0:
		direction = DirectionIncrease
	default:
		direction = DirectionDecrease
	}
	observability.BeliefUpdates.WithLabelValues(string(direction)).Inc()

	var reasoning string
	switch {
	case math.Abs(amount) < 1.0:
		reasoning = fmt.Sprintf("Threshold optimal (confidence: %.0f%%)", updated.Confidence()*100)
	case feedback == FeedbackJustRight:
		reasoning = fmt.Sprintf("Reinforced current threshold (confidence: %.0f%%)", updated.Confidence()*100)
	default:
		reasoning = fmt.Sprintf("Adjusted for %q feedback: %.1f%% -> %.1f%% (confidence: %.0f%%)",
			feedback, currentThreshold, posteriorMean, updated.Confidence()*100)
	}

	a.logger.Info("threshold belief updated",
		zap.Int64("unit_id", unitID),
		zap.Int64("user_id", userID),
		zap.String("feedback", string(feedback)),
		zap.Float64("mean", posteriorMean),
		zap.Int("samples", updated.SampleCount))

	lower, upper := updated.CredibleInterval(0.95)
	return Adjustment{
		RecommendedThreshold: posteriorMean,
		AdjustmentAmount:     math.Abs(amount),
		Direction:            direction,
		Confidence:           updated.Confidence(),
		Uncertainty:          updated.StdDev(),
		CredibleLower95:      lower,
		CredibleUpper95:      upper,
		Reasoning:            reasoning,
		Belief:               updated,
	}, nil
}

// Reset discards the slot's learning and returns the prior.
func (a *Adjuster) Reset(ctx context.Context, unitID, userID int64, slot Slot) Belief {
	a.mu.Lock()
	defer a.mu.Unlock()

	prior := a.Prior(slot)
	key := cacheKey{unitID: unitID, userID: userID, slot: slot.Key()}
	a.beliefs[key] = prior
	if err := a.persistLocked(ctx, unitID, userID, slot.Key(), prior); err != nil {
		a.logger.Error("failed to persist reset belief", zap.Error(err))
	}
	return prior
}

// adjustmentMagnitude scales exploration by confidence and uncertainty:
// uncertain beliefs move in bigger steps.
func (a *Adjuster) adjustmentMagnitude(belief Belief) float64 {
	adj := a.defaults.MaxAdjustment - belief.Confidence()*(a.defaults.MaxAdjustment-a.defaults.MinAdjustment)
	uncertaintyFactor := math.Min(1.5, 1.0+belief.StdDev()/20.0)
	return adj * uncertaintyFactor
}

// userConsistency scores feedback reliability from the preference
// counters; 0.5 until at least 5 samples exist.
func (a *Adjuster) userConsistency(ctx context.Context, unitID, userID int64) float64 {
	pref, err := a.store.GetUserPreference(ctx, userID, unitID)
	if err != nil || pref == nil {
		return 0.5
	}
	total := pref.MoistureFeedbackCount
	if total < 5 {
		return 0.5
	}

	justRightRate := float64(pref.JustRightFeedbackCount) / float64(total)

	extreme := pref.TooLittleFeedbackCount + pref.TooMuchFeedbackCount
	balance := 1.0
	if extreme > 0 {
		balance = math.Abs(float64(pref.TooLittleFeedbackCount-pref.TooMuchFeedbackCount)) / float64(extreme)
	}

	consistency := justRightRate*0.6 + balance*0.4
	return math.Max(0.2, math.Min(1.0, consistency))
}

// observationVariance weights observations by user consistency:
// consistent users get lower variance and therefore more pull.
func (a *Adjuster) observationVariance(consistency float64) float64 {
	return a.defaults.ObservationVariance * (2.5 - consistency*2.0)
}

// persistLocked merges the slot into the keyed belief map and writes it
// back. Legacy single-belief payloads migrate into the keyed form here.
func (a *Adjuster) persistLocked(ctx context.Context, unitID, userID int64, slotKey string, belief Belief) error {
	existing := make(map[string]Belief)
	if pref, err := a.store.GetUserPreference(ctx, userID, unitID); err == nil && pref != nil && pref.ThresholdBeliefJSON != "" {
		payload := []byte(pref.ThresholdBeliefJSON)
		var legacy Belief
		if err := json.Unmarshal(payload, &legacy); err == nil && legacy.Mean != 0 {
			existing["default"] = legacy
		} else if err := json.Unmarshal(payload, &existing); err != nil {
			existing = make(map[string]Belief)
		}
	}

	existing[slotKey] = belief
	data, err := json.Marshal(existing)
	if err != nil {
		return err
	}
	return a.store.UpdateThresholdBelief(ctx, userID, unitID, string(data))
}

// Statistics summarizes one slot's learning for diagnostics.
type Statistics struct {
	CurrentEstimate    float64   `json:"current_estimate"`
	Uncertainty        float64   `json:"uncertainty"`
	Confidence         float64   `json:"confidence"`
	SampleCount        int       `json:"sample_count"`
	CredibleLower95    float64   `json:"credible_lower_95"`
	CredibleUpper95    float64   `json:"credible_upper_95"`
	LastUpdated        time.Time `json:"last_updated"`
}

// Stats reports the slot's learning state.
func (a *Adjuster) Stats(ctx context.Context, unitID, userID int64, slot Slot) Statistics {
	belief := a.Belief(ctx, unitID, userID, slot)
	lower, upper := belief.CredibleInterval(0.95)
	return Statistics{
		CurrentEstimate: belief.Mean,
		Uncertainty:     belief.StdDev(),
		Confidence:      belief.Confidence(),
		SampleCount:     belief.SampleCount,
		CredibleLower95: lower,
		CredibleUpper95: upper,
		LastUpdated:     belief.LastUpdated,
	}
}
