package store

import (
	"time"
)

// RequestStatus is the irrigation request lifecycle state.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusApproved  RequestStatus = "approved"
	StatusDelayed   RequestStatus = "delayed"
	StatusExecuting RequestStatus = "executing"
	StatusExecuted  RequestStatus = "executed"
	StatusExpired   RequestStatus = "expired"
	StatusCancelled RequestStatus = "cancelled"
	StatusFailed    RequestStatus = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusExecuted, StatusExpired, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// transitions is the closed edge set of the request state machine.
var transitions = map[RequestStatus][]RequestStatus{
	StatusPending:   {StatusApproved, StatusDelayed, StatusCancelled, StatusExpired},
	StatusDelayed:   {StatusApproved, StatusDelayed, StatusExecuting, StatusCancelled, StatusExpired},
	StatusApproved:  {StatusExecuting, StatusExpired},
	StatusExecuting: {StatusExecuted, StatusFailed},
}

// CanTransition reports whether from → to is a legal edge. Terminal
// states are sticky.
func CanTransition(from, to RequestStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IrrigationRequest is one pass through the irrigation workflow.
type IrrigationRequest struct {
	RequestID    string        `json:"request_id" db:"request_id"`
	UnitID       int64         `json:"unit_id" db:"unit_id"`
	UserID       int64         `json:"user_id" db:"user_id"`
	PlantID      *int64        `json:"plant_id,omitempty" db:"plant_id"`
	ActuatorID   *string       `json:"actuator_id,omitempty" db:"actuator_id"`
	SensorID     string        `json:"sensor_id" db:"sensor_id"`
	Status       RequestStatus `json:"status" db:"status"`
	UserResponse string        `json:"user_response,omitempty" db:"user_response"`

	SoilMoistureDetected  float64 `json:"soil_moisture_detected" db:"soil_moisture_detected"`
	SoilMoistureThreshold float64 `json:"soil_moisture_threshold" db:"soil_moisture_threshold"`

	DetectedAt   time.Time  `json:"detected_at" db:"detected_at"`
	ScheduledAt  time.Time  `json:"scheduled_at" db:"scheduled_at"`
	ExpiresAt    time.Time  `json:"expires_at" db:"expires_at"`
	DelayedUntil *time.Time `json:"delayed_until,omitempty" db:"delayed_until"`

	// Detection-time environment snapshot.
	TemperatureAtDetection  *float64 `json:"temperature_at_detection,omitempty" db:"temperature_at_detection"`
	HumidityAtDetection     *float64 `json:"humidity_at_detection,omitempty" db:"humidity_at_detection"`
	VPDAtDetection          *float64 `json:"vpd_at_detection,omitempty" db:"vpd_at_detection"`
	LuxAtDetection          *float64 `json:"lux_at_detection,omitempty" db:"lux_at_detection"`
	HoursSinceLastIrrigated *float64 `json:"hours_since_last_irrigation,omitempty" db:"hours_since_last_irrigation"`
	PlantType               string   `json:"plant_type,omitempty" db:"plant_type"`
	GrowthStage             string   `json:"growth_stage,omitempty" db:"growth_stage"`

	NotificationID string `json:"notification_id,omitempty" db:"notification_id"`
	FeedbackID     string `json:"feedback_id,omitempty" db:"feedback_id"`
}

// ExecutionLog records one execution attempt, scheduled or manual.
type ExecutionLog struct {
	LogID     string  `json:"log_id" db:"log_id"`
	RequestID *string `json:"request_id,omitempty" db:"request_id"`
	UnitID    int64   `json:"unit_id" db:"unit_id"`
	UserID    *int64  `json:"user_id,omitempty" db:"user_id"`
	PlantID   *int64  `json:"plant_id,omitempty" db:"plant_id"`
	SensorID  string  `json:"sensor_id,omitempty" db:"sensor_id"`

	TriggerReason      string   `json:"trigger_reason" db:"trigger_reason"`
	TriggerMoisture    *float64 `json:"trigger_moisture,omitempty" db:"trigger_moisture"`
	ThresholdAtTrigger *float64 `json:"threshold_at_trigger,omitempty" db:"threshold_at_trigger"`

	TriggeredAt       time.Time `json:"triggered_at_utc" db:"triggered_at_utc"`
	PlannedDurationS  int       `json:"planned_duration_s" db:"planned_duration_s"`
	ActualDurationS   *int      `json:"actual_duration_s,omitempty" db:"actual_duration_s"`
	PumpActuatorID    string    `json:"pump_actuator_id,omitempty" db:"pump_actuator_id"`
	ValveActuatorID   string    `json:"valve_actuator_id,omitempty" db:"valve_actuator_id"`
	AssumedFlowMlS    *float64  `json:"assumed_flow_ml_s,omitempty" db:"assumed_flow_ml_s"`
	EstimatedVolumeMl *float64  `json:"estimated_volume_ml,omitempty" db:"estimated_volume_ml"`

	ExecutionStatus string `json:"execution_status" db:"execution_status"`
	ExecutionError  string `json:"execution_error,omitempty" db:"execution_error"`

	PostMoistureDelayS int        `json:"post_moisture_delay_s" db:"post_moisture_delay_s"`
	PostMoisture       *float64   `json:"post_moisture,omitempty" db:"post_moisture"`
	PostMeasuredAt     *time.Time `json:"post_measured_at_utc,omitempty" db:"post_measured_at_utc"`
	DeltaMoisture      *float64   `json:"delta_moisture,omitempty" db:"delta_moisture"`
	Recommendation     string     `json:"recommendation,omitempty" db:"recommendation"`

	CreatedAt time.Time `json:"created_at_utc" db:"created_at_utc"`
}

// EligibilityTrace is one append-only record of a detection gate pass.
type EligibilityTrace struct {
	TraceID    string    `json:"trace_id" db:"trace_id"`
	UnitID     int64     `json:"unit_id" db:"unit_id"`
	PlantID    *int64    `json:"plant_id,omitempty" db:"plant_id"`
	SensorID   string    `json:"sensor_id,omitempty" db:"sensor_id"`
	Moisture   *float64  `json:"moisture,omitempty" db:"moisture"`
	Threshold  *float64  `json:"threshold,omitempty" db:"threshold"`
	Decision   string    `json:"decision" db:"decision"`
	SkipReason string    `json:"skip_reason,omitempty" db:"skip_reason"`
	EvaluatedAt time.Time `json:"evaluated_at" db:"evaluated_at"`
}

// UserPreference aggregates a user's irrigation behaviour per unit.
type UserPreference struct {
	UserID int64 `json:"user_id" db:"user_id"`
	UnitID int64 `json:"unit_id" db:"unit_id"`

	ApproveCount int `json:"approve_count" db:"approve_count"`
	DelayCount   int `json:"delay_count" db:"delay_count"`
	CancelCount  int `json:"cancel_count" db:"cancel_count"`

	// Exponential moving average of response latency, alpha 0.2.
	AvgResponseTimeS float64 `json:"avg_response_time_s" db:"avg_response_time_s"`
	PreferenceScore  float64 `json:"preference_score" db:"preference_score"`

	MoistureFeedbackCount  int `json:"moisture_feedback_count" db:"moisture_feedback_count"`
	TooLittleFeedbackCount int `json:"too_little_feedback_count" db:"too_little_feedback_count"`
	JustRightFeedbackCount int `json:"just_right_feedback_count" db:"just_right_feedback_count"`
	TooMuchFeedbackCount   int `json:"too_much_feedback_count" db:"too_much_feedback_count"`

	// Keyed Bayesian belief map, serialized by the learner.
	ThresholdBeliefJSON string `json:"threshold_belief_json,omitempty" db:"threshold_belief_json"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// PlantIrrigationModel holds the learned dry-down model per plant.
type PlantIrrigationModel struct {
	PlantID           int64     `json:"plant_id" db:"plant_id"`
	DrydownRatePerHour *float64 `json:"drydown_rate_per_hour,omitempty" db:"drydown_rate_per_hour"`
	SampleCount       int       `json:"sample_count" db:"sample_count"`
	Confidence        *float64  `json:"confidence,omitempty" db:"confidence"`
	UpdatedAt         time.Time `json:"updated_at_utc" db:"updated_at_utc"`
}
