package recommend

import (
	"context"
	"fmt"
	"strings"
)

// symptomInfo pairs likely causes with the environmental factors worth
// checking.
type symptomInfo struct {
	likelyCauses []string
	factors      []string
}

var symptomDatabase = map[string]symptomInfo{
	"yellowing_leaves": {
		likelyCauses: []string{"overwatering", "nitrogen_deficiency", "root_rot"},
		factors:      []string{"soil_moisture", "drainage", "nutrition"},
	},
	"brown_spots": {
		likelyCauses: []string{"fungal_infection", "bacterial_spot", "nutrient_burn"},
		factors:      []string{"humidity", "air_circulation", "nutrition"},
	},
	"wilting": {
		likelyCauses: []string{"underwatering", "root_damage", "heat_stress"},
		factors:      []string{"soil_moisture", "temperature", "humidity"},
	},
	"stunted_growth": {
		likelyCauses: []string{"poor_lighting", "nutrient_deficiency", "root_bound"},
		factors:      []string{"lux", "nutrition", "space"},
	},
	"leaf_curl": {
		likelyCauses: []string{"heat_stress", "pest_damage", "overwatering"},
		factors:      []string{"temperature", "humidity", "soil_moisture"},
	},
	"white_powdery_coating": {
		likelyCauses: []string{"powdery_mildew", "high_humidity"},
		factors:      []string{"humidity", "air_circulation", "temperature"},
	},
	"webbing_on_leaves": {
		likelyCauses: []string{"spider_mites", "low_humidity"},
		factors:      []string{"humidity", "temperature", "air_circulation"},
	},
	"holes_in_leaves": {
		likelyCauses: []string{"caterpillars", "beetles", "slugs"},
		factors:      []string{"pest_control", "cleanliness"},
	},
	"drooping_leaves": {
		likelyCauses: []string{"underwatering", "overwatering", "temperature_stress"},
		factors:      []string{"soil_moisture", "temperature", "root_health"},
	},
	"pale_leaves": {
		likelyCauses: []string{"iron_deficiency", "low_light", "nutrient_lockout"},
		factors:      []string{"nutrition", "lux", "ph"},
	},
	"crispy_leaf_edges": {
		likelyCauses: []string{"low_humidity", "salt_buildup", "underwatering"},
		factors:      []string{"humidity", "nutrition", "soil_moisture"},
	},
	"black_spots": {
		likelyCauses: []string{"fungal_disease", "overwatering", "poor_drainage"},
		factors:      []string{"humidity", "drainage", "air_circulation"},
	},
}

var treatmentMap = map[string][]string{
	"yellowing_leaves": {
		"Check drainage and reduce watering if overwatered",
		"Apply nitrogen fertilizer if deficiency suspected",
		"Inspect roots for rot and trim if necessary",
	},
	"brown_spots": {
		"Improve air circulation",
		"Reduce humidity if too high",
		"Apply fungicide if fungal infection suspected",
	},
	"wilting": {
		"Check soil moisture and water if dry",
		"Reduce temperature if heat stress suspected",
		"Inspect roots for damage",
	},
	"stunted_growth": {
		"Increase light intensity or duration",
		"Check and adjust nutrient levels",
		"Repot if plant is root-bound",
	},
	"leaf_curl": {
		"Check for pest infestation",
		"Reduce temperature if heat stressed",
		"Adjust watering schedule",
	},
	"white_powdery_coating": {
		"Reduce humidity below 60%",
		"Improve air circulation with fans",
		"Remove and dispose of affected leaves",
	},
	"webbing_on_leaves": {
		"Increase humidity to discourage spider mites",
		"Apply miticide or neem oil treatment",
		"Improve air circulation",
	},
	"holes_in_leaves": {
		"Inspect for caterpillars and remove manually",
		"Apply organic pest control (BT spray)",
		"Set up slug traps if slugs suspected",
	},
	"drooping_leaves": {
		"Check soil moisture - water if dry",
		"Reduce watering if soil is soggy",
		"Provide temperature stability",
	},
	"pale_leaves": {
		"Apply iron supplement or chelated micronutrients",
		"Increase light exposure",
		"Check and adjust pH levels",
	},
	"crispy_leaf_edges": {
		"Increase humidity with humidifier or misting",
		"Flush soil to remove salt buildup",
		"Increase watering frequency slightly",
	},
	"black_spots": {
		"Remove affected leaves immediately",
		"Reduce watering frequency",
		"Improve drainage in container",
	},
}

const maxRecommendations = 6

// RuleBased is the always-available provider backed by the symptom and
// treatment tables plus environmental threshold checks.
type RuleBased struct{}

// NewRuleBased creates the rule-based provider.
func NewRuleBased() *RuleBased { return &RuleBased{} }

func (r *RuleBased) Name() string    { return "rule_based" }
func (r *RuleBased) Available() bool { return true }

// Recommendations generates rule-based recommendations from symptoms,
// environmental data and predictor output.
func (r *RuleBased) Recommendations(ctx context.Context, rc Context) []Recommendation {
	var recs []Recommendation

	recs = append(recs, r.irrigationRecommendations(rc)...)

	for _, symptom := range rc.Symptoms {
		key := normalizeSymptom(symptom)
		info, ok := symptomDatabase[key]
		if !ok {
			continue
		}
		priority := PriorityMedium
		if rc.SeverityLevel >= 3 {
			priority = PriorityHigh
		}
		causes := info.likelyCauses
		if len(causes) > 2 {
			causes = causes[:2]
		}
		for _, cause := range causes {
			recs = append(recs, Recommendation{
				Action:     "Investigate " + strings.ReplaceAll(cause, "_", " "),
				Priority:   priority,
				Category:   "diagnosis",
				Confidence: 0.6,
				Rationale:  fmt.Sprintf("Symptom %q is often caused by %s", symptom, strings.ReplaceAll(cause, "_", " ")),
				Source:     "rule_based",
			})
		}
	}

	if len(rc.Symptoms) > 0 {
		recs = append(recs, r.TreatmentSuggestions(ctx, rc.Symptoms, &rc)...)
	}

	recs = append(recs, r.environmentalChecks(rc)...)

	if len(recs) == 0 {
		if rc.HealthStatus == "healthy" {
			recs = append(recs, Recommendation{
				Action:     "Continue current care routine",
				Priority:   PriorityLow,
				Category:   "maintenance",
				Confidence: 0.8,
				Rationale:  "No issues detected",
				Source:     "rule_based",
			})
		} else {
			recs = append(recs, Recommendation{
				Action:     "Monitor plant closely for changes",
				Priority:   PriorityMedium,
				Category:   "monitoring",
				Confidence: 0.7,
				Rationale:  "Status requires attention",
				Source:     "rule_based",
			})
		}
	}

	sortByPriority(recs)
	if len(recs) > maxRecommendations {
		recs = recs[:maxRecommendations]
	}
	return recs
}

// TreatmentSuggestions maps symptoms to their treatment table entries.
func (r *RuleBased) TreatmentSuggestions(_ context.Context, symptoms []string, _ *Context) []Recommendation {
	var out []Recommendation
	for _, symptom := range symptoms {
		treatments, ok := treatmentMap[normalizeSymptom(symptom)]
		if !ok {
			continue
		}
		for idx, treatment := range treatments {
			priority := PriorityMedium
			if idx == 0 {
				priority = PriorityHigh
			}
			out = append(out, Recommendation{
				Action:     treatment,
				Priority:   priority,
				Category:   "treatment",
				Confidence: 0.7 - float64(idx)*0.1,
				Rationale:  "Recommended treatment for " + strings.ReplaceAll(symptom, "_", " "),
				Source:     "rule_based",
			})
		}
	}
	return out
}

// irrigationRecommendations translates predictor output into actionable
// suggestions, gated on confidence and materiality.
func (r *RuleBased) irrigationRecommendations(rc Context) []Recommendation {
	var recs []Recommendation

	if tp := rc.ThresholdPrediction; tp != nil &&
		tp.AdjustmentDirection != "maintain" && tp.AdjustmentAmount > 2.0 && tp.Confidence >= 0.5 {
		priority := PriorityMedium
		if tp.AdjustmentAmount >= 5.0 {
			priority = PriorityHigh
		}
		recs = append(recs, Recommendation{
			Action:     fmt.Sprintf("Adjust soil moisture threshold to %.1f%%", tp.OptimalThreshold),
			Priority:   priority,
			Category:   "watering",
			Confidence: clamp01(tp.Confidence),
			Rationale:  fmt.Sprintf("Model suggests %s by %.1f%%", tp.AdjustmentDirection, tp.AdjustmentAmount),
			Source:     "ml",
		})
	}

	if rp := rc.ResponsePrediction; rp != nil {
		if rp.MostLikely == "cancel" && rp.CancelProbability > 0.3 {
			recs = append(recs, Recommendation{
				Action:     "Review irrigation settings to reduce cancellations",
				Priority:   PriorityMedium,
				Category:   "watering",
				Confidence: clamp01(maxFloat(rp.Confidence, rp.CancelProbability)),
				Rationale:  fmt.Sprintf("Cancel probability is %.2f", rp.CancelProbability),
				Source:     "ml",
			})
		} else if rp.MostLikely == "delay" && rp.DelayProbability > 0.4 {
			recs = append(recs, Recommendation{
				Action:     "Adjust irrigation timing to match user preferences",
				Priority:   PriorityMedium,
				Category:   "watering",
				Confidence: clamp01(maxFloat(rp.Confidence, rp.DelayProbability)),
				Rationale:  fmt.Sprintf("Delay probability is %.2f", rp.DelayProbability),
				Source:     "ml",
			})
		}
	}

	if dp := rc.DurationPrediction; dp != nil && dp.Confidence > 0.5 {
		diff := dp.RecommendedSeconds - dp.CurrentDefaultSeconds
		if diff < 0 {
			diff = -diff
		}
		if diff > 30 {
			verb := "Reduce"
			if dp.RecommendedSeconds > dp.CurrentDefaultSeconds {
				verb = "Increase"
			}
			priority := PriorityMedium
			if diff >= 60 {
				priority = PriorityHigh
			}
			recs = append(recs, Recommendation{
				Action:     fmt.Sprintf("%s irrigation duration to %ds", verb, dp.RecommendedSeconds),
				Priority:   priority,
				Category:   "watering",
				Confidence: clamp01(dp.Confidence),
				Rationale:  fmt.Sprintf("Recommended change is %ds", diff),
				Source:     "ml",
			})
		}
	}

	if tp := rc.TimingPrediction; tp != nil && tp.Confidence > 0.5 && tp.PreferredTime != "" && len(tp.AvoidTimes) > 0 {
		avoid := tp.AvoidTimes
		if len(avoid) > 3 {
			avoid = avoid[:3]
		}
		recs = append(recs, Recommendation{
			Action:     fmt.Sprintf("Schedule irrigation near %s and avoid %s", tp.PreferredTime, strings.Join(avoid, ", ")),
			Priority:   PriorityMedium,
			Category:   "watering",
			Confidence: clamp01(tp.Confidence),
			Rationale:  "Timing model suggests preferred hours",
			Source:     "ml",
		})
	}

	return recs
}

// environmentalChecks maps out-of-range conditions to recommendations.
// Inside the optimal ranges nothing is emitted, urgent included.
func (r *RuleBased) environmentalChecks(rc Context) []Recommendation {
	var recs []Recommendation
	env := rc.Environmental

	if temp, ok := env["temperature"]; ok {
		if temp > 32 {
			recs = append(recs, Recommendation{
				Action:     "Reduce temperature - risk of heat stress",
				Priority:   PriorityHigh,
				Category:   "environment",
				Confidence: 0.8,
				Rationale:  fmt.Sprintf("Temperature (%.1f°C) exceeds safe limit", temp),
				Source:     "rule_based",
			})
		} else if temp < 15 {
			recs = append(recs, Recommendation{
				Action:     "Increase temperature - risk of cold stress",
				Priority:   PriorityHigh,
				Category:   "environment",
				Confidence: 0.8,
				Rationale:  fmt.Sprintf("Temperature (%.1f°C) below optimal range", temp),
				Source:     "rule_based",
			})
		}
	}

	if humidity, ok := env["humidity"]; ok {
		if humidity > 80 {
			recs = append(recs, Recommendation{
				Action:     "Reduce humidity to prevent fungal issues",
				Priority:   PriorityMedium,
				Category:   "environment",
				Confidence: 0.7,
				Rationale:  fmt.Sprintf("Humidity (%.0f%%) is too high", humidity),
				Source:     "rule_based",
			})
		} else if humidity < 30 {
			recs = append(recs, Recommendation{
				Action:     "Increase humidity to prevent leaf damage",
				Priority:   PriorityMedium,
				Category:   "environment",
				Confidence: 0.7,
				Rationale:  fmt.Sprintf("Humidity (%.0f%%) is too low", humidity),
				Source:     "rule_based",
			})
		}
	}

	if moisture, ok := env["soil_moisture"]; ok {
		if moisture < 25 {
			recs = append(recs, Recommendation{
				Action:     "Water immediately - soil is very dry",
				Priority:   PriorityUrgent,
				Category:   "watering",
				Confidence: 0.9,
				Rationale:  fmt.Sprintf("Soil moisture (%.0f%%) critically low", moisture),
				Source:     "rule_based",
			})
		} else if moisture > 85 {
			recs = append(recs, Recommendation{
				Action:     "Reduce watering - risk of root rot",
				Priority:   PriorityHigh,
				Category:   "watering",
				Confidence: 0.8,
				Rationale:  fmt.Sprintf("Soil moisture (%.0f%%) too high", moisture),
				Source:     "rule_based",
			})
		}
	}

	return recs
}

func normalizeSymptom(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
