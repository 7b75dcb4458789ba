package irrigation

import "fmt"

// EligibilityDecision is the outcome of one detection gate pass.
type EligibilityDecision string

const (
	DecisionNotify EligibilityDecision = "NOTIFY"
	DecisionSkip   EligibilityDecision = "SKIP"
)

// SkipReason explains a SKIP decision.
type SkipReason string

const (
	SkipDisabled            SkipReason = "DISABLED"
	SkipManualMode          SkipReason = "MANUAL_MODE_NO_AUTO"
	SkipNoSensor            SkipReason = "NO_SENSOR"
	SkipStaleReading        SkipReason = "STALE_READING"
	SkipPendingRequest      SkipReason = "PENDING_REQUEST"
	SkipCooldownActive      SkipReason = "COOLDOWN_ACTIVE"
	SkipHysteresisNotMet    SkipReason = "HYSTERESIS_NOT_MET"
	SkipRequestCreateFailed SkipReason = "REQUEST_CREATE_FAILED"
)

// UserResponse is a user's answer to an irrigation request.
type UserResponse string

const (
	ResponseApprove UserResponse = "approve"
	ResponseDelay   UserResponse = "delay"
	ResponseCancel  UserResponse = "cancel"
	// ResponseAuto marks requests approved without user interaction,
	// which detection does when RequireApproval is false.
	ResponseAuto UserResponse = "auto"
)

// Feedback is the user's judgement of a completed irrigation.
type Feedback string

const (
	FeedbackTooLittle         Feedback = "too_little"
	FeedbackJustRight         Feedback = "just_right"
	FeedbackTooMuch           Feedback = "too_much"
	FeedbackTriggeredTooEarly Feedback = "triggered_too_early"
	FeedbackTriggeredTooLate  Feedback = "triggered_too_late"
	FeedbackSkipped           Feedback = "skipped"
)

// valid reports whether the feedback value is known.
func (f Feedback) valid() bool {
	switch f {
	case FeedbackTooLittle, FeedbackJustRight, FeedbackTooMuch,
		FeedbackTriggeredTooEarly, FeedbackTriggeredTooLate, FeedbackSkipped:
		return true
	}
	return false
}

// Recommendation values derived from post-irrigation moisture capture.
const (
	RecommendationAdjustThreshold = "adjust_threshold"
	RecommendationReduceDuration  = "reduce_duration"
	RecommendationMaintain        = "maintain"
)

// Result is the structured outcome of a user-facing call.
type Result struct {
	OK      bool           `json:"ok"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

func okResult(message string) Result {
	return Result{OK: true, Message: message}
}

func errResult(format string, args ...any) Result {
	return Result{OK: false, Error: fmt.Sprintf(format, args...)}
}

// Detection is the input bundle for one detection pass.
type Detection struct {
	UnitID       int64
	UserID       int64
	SoilMoisture float64
	Threshold    float64

	PlantID            *int64
	ActuatorID         *string
	SensorID           string
	ReadingTimestamp   *int64 // unix seconds of the sensor reading
	PlantName          string
	PlantPumpAssigned  bool

	// Environment snapshot carried into the request for ML context.
	Temperature *float64
	Humidity    *float64
	VPD         *float64
	Lux         *float64
	PlantType   string
	GrowthStage string
}
