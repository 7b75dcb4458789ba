package recommend

import (
	"context"
	"sort"

	"github.com/patoruzuy/sysgrow/core/predictor"
)

// Priority orders recommendations for the user.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityUrgent: 0,
	PriorityHigh:   1,
	PriorityMedium: 2,
	PriorityLow:    3,
}

// Recommendation is one actionable suggestion.
type Recommendation struct {
	Action     string   `json:"action"`
	Priority   Priority `json:"priority"`
	Category   string   `json:"category"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale,omitempty"`
	Source     string   `json:"source"`
}

// Context carries the plant state a provider reasons over.
type Context struct {
	PlantID       int64
	UnitID        int64
	PlantType     string
	GrowthStage   string
	Symptoms      []string
	HealthStatus  string
	SeverityLevel int
	Environmental map[string]float64

	// Predictions from the irrigation predictor, when available.
	ThresholdPrediction *predictor.ThresholdPrediction
	DurationPrediction  *predictor.DurationPrediction
	ResponsePrediction  *predictor.UserResponsePrediction
	TimingPrediction    *predictor.TimingPrediction
}

// Provider generates plant care recommendations. Implementations may use
// rules, ML output or LLMs; callers rely on the interface only.
type Provider interface {
	Recommendations(ctx context.Context, rc Context) []Recommendation
	TreatmentSuggestions(ctx context.Context, symptoms []string, rc *Context) []Recommendation
	Name() string
	Available() bool
}

// sortByPriority orders recommendations urgent-first, then by
// confidence.
func sortByPriority(recs []Recommendation) {
	sort.SliceStable(recs, func(i, j int) bool {
		ri, rj := priorityRank[recs[i].Priority], priorityRank[recs[j].Priority]
		if ri != rj {
			return ri < rj
		}
		return recs[i].Confidence > recs[j].Confidence
	})
}
