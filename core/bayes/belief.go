package bayes

import (
	"math"
	"time"
)

// Belief is a Normal posterior over the optimal soil-moisture threshold
// for one (plant type, growth stage, variety, pot) slot.
type Belief struct {
	Mean        float64   `json:"mean"`
	Variance    float64   `json:"variance"`
	SampleCount int       `json:"sample_count"`
	LastUpdated time.Time `json:"last_updated"`

	PlantType   string `json:"plant_type,omitempty"`
	GrowthStage string `json:"growth_stage,omitempty"`
}

// confidenceSaturation is the sample count at which confidence reaches 1.
const confidenceSaturation = 50

// Confidence grows linearly with samples and saturates at 1.
func (b Belief) Confidence() float64 {
	return math.Min(1.0, float64(b.SampleCount)/confidenceSaturation)
}

// StdDev is the belief's uncertainty.
func (b Belief) StdDev() float64 {
	if b.Variance <= 0 {
		return 0
	}
	return math.Sqrt(b.Variance)
}

// Precision is the inverse variance.
func (b Belief) Precision() float64 {
	if b.Variance <= 0 {
		return math.Inf(1)
	}
	return 1.0 / b.Variance
}

// CredibleInterval returns the central interval at the given coverage
// (0.90, 0.95 or 0.99; anything else uses the 95% z-score).
func (b Belief) CredibleInterval(coverage float64) (lower, upper float64) {
	z := 1.96
	switch coverage {
	case 0.90:
		z = 1.645
	case 0.99:
		z = 2.576
	}
	margin := z * b.StdDev()
	return b.Mean - margin, b.Mean + margin
}

// Direction of a recommended threshold move.
type Direction string

const (
	DirectionIncrease Direction = "increase"
	DirectionDecrease Direction = "decrease"
	DirectionMaintain Direction = "maintain"
)

// Adjustment is the outcome of a recommendation or feedback update.
type Adjustment struct {
	RecommendedThreshold float64   `json:"recommended_threshold"`
	AdjustmentAmount     float64   `json:"adjustment_amount"`
	Direction            Direction `json:"direction"`
	Confidence           float64   `json:"confidence"`
	Uncertainty          float64   `json:"uncertainty"`
	CredibleLower95      float64   `json:"credible_lower_95"`
	CredibleUpper95      float64   `json:"credible_upper_95"`
	Reasoning            string    `json:"reasoning"`
	Belief               Belief    `json:"belief"`
}
