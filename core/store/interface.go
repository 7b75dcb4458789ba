package store

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned when a guarded update lost a race (claim or
// status transition already taken by another worker).
var ErrConflict = errors.New("store: conflicting update")

// ErrNotFound is returned when the addressed row does not exist.
var ErrNotFound = errors.New("store: not found")

// WorkflowStore is the persistence contract for the irrigation workflow.
// Postgres is the durable backend; the memory implementation backs tests
// and single-node development.
type WorkflowStore interface {
	// Request operations.
	CreateRequest(ctx context.Context, req *IrrigationRequest) error
	GetRequest(ctx context.Context, requestID string) (*IrrigationRequest, error)
	GetRequestByFeedbackID(ctx context.Context, feedbackID string) (*IrrigationRequest, error)
	// UpdateStatus enforces the state-machine edge set; illegal
	// transitions return ErrConflict and leave the row unchanged.
	UpdateStatus(ctx context.Context, requestID string, status RequestStatus, userResponse string, delayedUntil *time.Time) error
	// ClaimDueRequests atomically flips due APPROVED/DELAYED requests to
	// EXECUTING and returns them. A request claimed here cannot be
	// claimed by a concurrent caller.
	ClaimDueRequests(ctx context.Context, now time.Time, limit int) ([]*IrrigationRequest, error)
	// RestoreClaim undoes a ClaimDueRequests flip, returning an
	// EXECUTING row to its pre-claim status. Only valid while no
	// execution log is running for the request.
	RestoreClaim(ctx context.Context, requestID string, prev RequestStatus) error
	ListByStatus(ctx context.Context, status RequestStatus, limit int) ([]*IrrigationRequest, error)
	// ExpireDueRequests moves PENDING/DELAYED/APPROVED requests past
	// their expiry to EXPIRED and returns them.
	ExpireDueRequests(ctx context.Context, now time.Time) ([]*IrrigationRequest, error)
	HasActiveRequest(ctx context.Context, unitID int64, plantID *int64, actuatorID *string) (bool, error)
	GetLastCompletedIrrigation(ctx context.Context, unitID int64, plantID *int64) (*ExecutionLog, error)
	GetHistory(ctx context.Context, unitID int64, limit int) ([]*IrrigationRequest, error)
	LinkNotification(ctx context.Context, requestID, notificationID string) error
	LinkFeedback(ctx context.Context, requestID, feedbackID string) error

	// Execution logs.
	CreateExecutionLog(ctx context.Context, log *ExecutionLog) error
	UpdateExecutionLogStatus(ctx context.Context, logID string, status string, actualDurationS *int, execError string) error
	GetLatestExecutionLogForRequest(ctx context.Context, requestID string) (*ExecutionLog, error)
	// ListLogsPendingPostCapture returns completed logs whose
	// post-moisture has not been captured and whose delay has elapsed.
	ListLogsPendingPostCapture(ctx context.Context, now time.Time, limit int) ([]*ExecutionLog, error)
	UpdateExecutionLogPostMoisture(ctx context.Context, logID string, postMoisture float64, measuredAt time.Time, delta *float64, recommendation string) error
	ListExecutionLogs(ctx context.Context, unitID int64, since, until time.Time, limit int) ([]*ExecutionLog, error)

	// Eligibility traces (append-only).
	AppendEligibilityTrace(ctx context.Context, trace *EligibilityTrace) error
	ListEligibilityTraces(ctx context.Context, unitID int64, since, until time.Time, limit int) ([]*EligibilityTrace, error)

	// Per-unit configuration, round-tripped through string maps.
	GetWorkflowConfig(ctx context.Context, unitID int64) (map[string]string, error)
	SaveWorkflowConfig(ctx context.Context, unitID int64, config map[string]string) error
	GetThrottleConfig(ctx context.Context, unitID int64) (map[string]string, error)
	SaveThrottleConfig(ctx context.Context, unitID int64, config map[string]string) error

	// User preferences.
	GetUserPreference(ctx context.Context, userID, unitID int64) (*UserPreference, error)
	UpdatePreferenceOnResponse(ctx context.Context, userID, unitID int64, response string, responseTimeS float64, scoreDelta float64) error
	UpdateMoistureFeedback(ctx context.Context, userID, unitID int64, feedback string) error
	UpdateThresholdBelief(ctx context.Context, userID, unitID int64, beliefJSON string) error

	// Plant irrigation model.
	GetPlantIrrigationModel(ctx context.Context, plantID int64) (*PlantIrrigationModel, error)
	UpsertPlantIrrigationModel(ctx context.Context, model *PlantIrrigationModel) error
}

// AnalyticsStore receives throttled sensor samples. Writes are
// fire-and-forget from the controllers' point of view: failures log and
// the sample is dropped rather than retried inline.
type AnalyticsStore interface {
	InsertSensorReadings(ctx context.Context, unitID int64, sensorID string, metrics map[string]float64, ts time.Time) error
	InsertPlantReadings(ctx context.Context, unitID int64, sensorID string, metrics map[string]float64, ts time.Time) error
}

// UnitLocker guards the one-in-flight-irrigation invariant per unit.
// Acquire is non-reentrant; a second acquire for the same unit fails
// until Release or TTL expiry.
type UnitLocker interface {
	Acquire(ctx context.Context, unitID int64, ttl time.Duration) (bool, error)
	Release(ctx context.Context, unitID int64) error
}

// IdempotencyStore caches request-scoped results so duplicate user
// responses are answered once.
type IdempotencyStore interface {
	// SetNX stores the value only if the key is absent; returns false
	// when the key already existed.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
}
