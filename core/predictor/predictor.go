package predictor

import (
	"context"
	"time"
)

// DurationPrediction recommends an irrigation run time.
type DurationPrediction struct {
	RecommendedSeconds       int     `json:"recommended_seconds"`
	CurrentDefaultSeconds    int     `json:"current_default_seconds"`
	ExpectedMoistureIncrease float64 `json:"expected_moisture_increase"`
	Confidence               float64 `json:"confidence"`
	Reasoning                string  `json:"reasoning"`
}

// UserResponsePrediction forecasts how the user will answer a request.
type UserResponsePrediction struct {
	ApproveProbability float64 `json:"approve_probability"`
	DelayProbability   float64 `json:"delay_probability"`
	CancelProbability  float64 `json:"cancel_probability"`
	MostLikely         string  `json:"most_likely"`
	Confidence         float64 `json:"confidence"`
}

// ThresholdPrediction recommends a soil-moisture threshold.
type ThresholdPrediction struct {
	OptimalThreshold    float64 `json:"optimal_threshold"`
	CurrentThreshold    float64 `json:"current_threshold"`
	AdjustmentDirection string  `json:"adjustment_direction"`
	AdjustmentAmount    float64 `json:"adjustment_amount"`
	Confidence          float64 `json:"confidence"`
	Reasoning           string  `json:"reasoning"`
}

// TimingPrediction recommends when the user prefers irrigation to run.
type TimingPrediction struct {
	PreferredTime   string   `json:"preferred_time"` // "HH:MM"
	PreferredHour   int      `json:"preferred_hour"`
	PreferredMinute int      `json:"preferred_minute"`
	AvoidTimes      []string `json:"avoid_times"`
	Confidence      float64  `json:"confidence"`
	Reasoning       string   `json:"reasoning"`
}

// Context is the feature bundle handed to the predictor. Nil maps are
// valid: the predictor works from whatever is available.
type Context struct {
	PlantID            *int64
	UserID             *int64
	CurrentConditions  map[string]float64
	UserPreferences    map[string]float64
	DrydownRatePerHour *float64
	PlantAgeDays       int
	GrowthStage        string
}

// Predictor is the irrigation ML collaborator contract. Every prediction
// carries a confidence in [0,1]; the workflow ignores confidence-0
// results, so a Noop predictor is a valid implementation.
type Predictor interface {
	PredictDuration(ctx context.Context, unitID int64, currentMoisture, targetMoisture float64, defaultSeconds int, pc Context) (DurationPrediction, error)
	PredictUserResponse(ctx context.Context, unitID int64, currentMoisture, threshold float64, hour, dayOfWeek int, pc Context) (UserResponsePrediction, error)
	PredictThreshold(ctx context.Context, unitID int64, plantType, growthStage string, currentThreshold float64, pc Context) (ThresholdPrediction, error)
	PredictTiming(ctx context.Context, unitID int64, dayOfWeek time.Weekday, pc Context) (TimingPrediction, error)
}

// Noop returns zero-confidence predictions everywhere. Used when no
// model is wired.
type Noop struct{}

func (Noop) PredictDuration(_ context.Context, _ int64, _, _ float64, defaultSeconds int, _ Context) (DurationPrediction, error) {
	return DurationPrediction{
		RecommendedSeconds:    defaultSeconds,
		CurrentDefaultSeconds: defaultSeconds,
		Reasoning:             "no prediction model available",
	}, nil
}

func (Noop) PredictUserResponse(_ context.Context, _ int64, _, _ float64, _, _ int, _ Context) (UserResponsePrediction, error) {
	return UserResponsePrediction{MostLikely: "approve"}, nil
}

func (Noop) PredictThreshold(_ context.Context, _ int64, _, _ string, currentThreshold float64, _ Context) (ThresholdPrediction, error) {
	return ThresholdPrediction{
		OptimalThreshold:    currentThreshold,
		CurrentThreshold:    currentThreshold,
		AdjustmentDirection: "maintain",
		Reasoning:           "no prediction model available",
	}, nil
}

func (Noop) PredictTiming(_ context.Context, _ int64, _ time.Weekday, _ Context) (TimingPrediction, error) {
	return TimingPrediction{Reasoning: "no prediction model available"}, nil
}
