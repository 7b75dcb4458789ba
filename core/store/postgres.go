package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements WorkflowStore and AnalyticsStore on a
// PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const requestColumns = `request_id, unit_id, user_id, plant_id, actuator_id, sensor_id, status, user_response,
	soil_moisture_detected, soil_moisture_threshold, detected_at, scheduled_at, expires_at, delayed_until,
	temperature_at_detection, humidity_at_detection, vpd_at_detection, lux_at_detection,
	hours_since_last_irrigation, plant_type, growth_stage, notification_id, feedback_id`

func scanRequest(row pgx.Row) (*IrrigationRequest, error) {
	var r IrrigationRequest
	err := row.Scan(
		&r.RequestID, &r.UnitID, &r.UserID, &r.PlantID, &r.ActuatorID, &r.SensorID, &r.Status, &r.UserResponse,
		&r.SoilMoistureDetected, &r.SoilMoistureThreshold, &r.DetectedAt, &r.ScheduledAt, &r.ExpiresAt, &r.DelayedUntil,
		&r.TemperatureAtDetection, &r.HumidityAtDetection, &r.VPDAtDetection, &r.LuxAtDetection,
		&r.HoursSinceLastIrrigated, &r.PlantType, &r.GrowthStage, &r.NotificationID, &r.FeedbackID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) CreateRequest(ctx context.Context, req *IrrigationRequest) error {
	query := `
		INSERT INTO irrigation_requests (` + requestColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	`
	_, err := s.pool.Exec(ctx, query,
		req.RequestID, req.UnitID, req.UserID, req.PlantID, req.ActuatorID, req.SensorID, req.Status, req.UserResponse,
		req.SoilMoistureDetected, req.SoilMoistureThreshold, req.DetectedAt, req.ScheduledAt, req.ExpiresAt, req.DelayedUntil,
		req.TemperatureAtDetection, req.HumidityAtDetection, req.VPDAtDetection, req.LuxAtDetection,
		req.HoursSinceLastIrrigated, req.PlantType, req.GrowthStage, req.NotificationID, req.FeedbackID,
	)
	return err
}

func (s *PostgresStore) GetRequest(ctx context.Context, requestID string) (*IrrigationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM irrigation_requests WHERE request_id = $1`
	return scanRequest(s.pool.QueryRow(ctx, query, requestID))
}

func (s *PostgresStore) GetRequestByFeedbackID(ctx context.Context, feedbackID string) (*IrrigationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM irrigation_requests WHERE feedback_id = $1`
	return scanRequest(s.pool.QueryRow(ctx, query, feedbackID))
}

// UpdateStatus guards the transition in SQL: the row only changes when
// the current status admits the target status.
func (s *PostgresStore) UpdateStatus(ctx context.Context, requestID string, status RequestStatus, userResponse string, delayedUntil *time.Time) error {
	froms := legalSources(status)
	query := `
		UPDATE irrigation_requests
		SET status = $2,
			user_response = CASE WHEN $3 = '' THEN user_response ELSE $3 END,
			delayed_until = COALESCE($4, delayed_until)
		WHERE request_id = $1 AND status = ANY($5)
	`
	tag, err := s.pool.Exec(ctx, query, requestID, status, userResponse, delayedUntil, froms)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from an illegal transition.
		if _, getErr := s.GetRequest(ctx, requestID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// legalSources returns the statuses from which `to` is reachable.
func legalSources(to RequestStatus) []string {
	var out []string
	for from, tos := range transitions {
		for _, t := range tos {
			if t == to {
				out = append(out, string(from))
			}
		}
	}
	return out
}

// ClaimDueRequests flips due rows to EXECUTING in one statement; the
// RETURNING clause hands back exactly the rows this caller claimed, so
// two workers can never drive the same request.
func (s *PostgresStore) ClaimDueRequests(ctx context.Context, now time.Time, limit int) ([]*IrrigationRequest, error) {
	query := `
		UPDATE irrigation_requests
		SET status = 'executing'
		WHERE request_id IN (
			SELECT request_id FROM irrigation_requests
			WHERE (status = 'approved' AND scheduled_at <= $1)
			   OR (status = 'delayed' AND delayed_until IS NOT NULL AND delayed_until <= $1)
			ORDER BY scheduled_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + requestColumns
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (s *PostgresStore) RestoreClaim(ctx context.Context, requestID string, prev RequestStatus) error {
	if prev != StatusApproved && prev != StatusDelayed {
		return ErrConflict
	}
	query := `UPDATE irrigation_requests SET status = $2 WHERE request_id = $1 AND status = 'executing'`
	tag, err := s.pool.Exec(ctx, query, requestID, prev)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status RequestStatus, limit int) ([]*IrrigationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM irrigation_requests WHERE status = $1 ORDER BY detected_at LIMIT $2`
	rows, err := s.pool.Query(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (s *PostgresStore) ExpireDueRequests(ctx context.Context, now time.Time) ([]*IrrigationRequest, error) {
	query := `
		UPDATE irrigation_requests
		SET status = 'expired'
		WHERE status IN ('pending','delayed','approved') AND expires_at <= $1
		RETURNING ` + requestColumns
	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (s *PostgresStore) HasActiveRequest(ctx context.Context, unitID int64, plantID *int64, actuatorID *string) (bool, error) {
	var query string
	var args []any
	if plantID != nil || actuatorID != nil {
		query = `
			SELECT COUNT(*) FROM irrigation_requests
			WHERE unit_id = $1
			  AND status NOT IN ('executed','expired','cancelled','failed')
			  AND (($2::bigint IS NOT NULL AND plant_id = $2) OR ($3::text IS NOT NULL AND actuator_id = $3))
		`
		args = []any{unitID, plantID, actuatorID}
	} else {
		query = `
			SELECT COUNT(*) FROM irrigation_requests
			WHERE unit_id = $1 AND status NOT IN ('executed','expired','cancelled','failed')
		`
		args = []any{unitID}
	}
	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *PostgresStore) GetHistory(ctx context.Context, unitID int64, limit int) ([]*IrrigationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM irrigation_requests WHERE unit_id = $1 ORDER BY detected_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, unitID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (s *PostgresStore) LinkNotification(ctx context.Context, requestID, notificationID string) error {
	return s.linkColumn(ctx, requestID, "notification_id", notificationID)
}

func (s *PostgresStore) LinkFeedback(ctx context.Context, requestID, feedbackID string) error {
	return s.linkColumn(ctx, requestID, "feedback_id", feedbackID)
}

func (s *PostgresStore) linkColumn(ctx context.Context, requestID, column, value string) error {
	query := `UPDATE irrigation_requests SET ` + column + ` = $2 WHERE request_id = $1`
	tag, err := s.pool.Exec(ctx, query, requestID, value)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectRequests(rows pgx.Rows) ([]*IrrigationRequest, error) {
	var out []*IrrigationRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// --- Execution logs ---

const logColumns = `log_id, request_id, unit_id, user_id, plant_id, sensor_id, trigger_reason, trigger_moisture,
	threshold_at_trigger, triggered_at_utc, planned_duration_s, actual_duration_s, pump_actuator_id,
	valve_actuator_id, assumed_flow_ml_s, estimated_volume_ml, execution_status, execution_error,
	post_moisture_delay_s, post_moisture, post_measured_at_utc, delta_moisture, recommendation, created_at_utc`

func scanLog(row pgx.Row) (*ExecutionLog, error) {
	var l ExecutionLog
	err := row.Scan(
		&l.LogID, &l.RequestID, &l.UnitID, &l.UserID, &l.PlantID, &l.SensorID, &l.TriggerReason, &l.TriggerMoisture,
		&l.ThresholdAtTrigger, &l.TriggeredAt, &l.PlannedDurationS, &l.ActualDurationS, &l.PumpActuatorID,
		&l.ValveActuatorID, &l.AssumedFlowMlS, &l.EstimatedVolumeMl, &l.ExecutionStatus, &l.ExecutionError,
		&l.PostMoistureDelayS, &l.PostMoisture, &l.PostMeasuredAt, &l.DeltaMoisture, &l.Recommendation, &l.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) CreateExecutionLog(ctx context.Context, log *ExecutionLog) error {
	query := `
		INSERT INTO irrigation_execution_logs (` + logColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
	`
	_, err := s.pool.Exec(ctx, query,
		log.LogID, log.RequestID, log.UnitID, log.UserID, log.PlantID, log.SensorID, log.TriggerReason, log.TriggerMoisture,
		log.ThresholdAtTrigger, log.TriggeredAt, log.PlannedDurationS, log.ActualDurationS, log.PumpActuatorID,
		log.ValveActuatorID, log.AssumedFlowMlS, log.EstimatedVolumeMl, log.ExecutionStatus, log.ExecutionError,
		log.PostMoistureDelayS, log.PostMoisture, log.PostMeasuredAt, log.DeltaMoisture, log.Recommendation, log.CreatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateExecutionLogStatus(ctx context.Context, logID string, status string, actualDurationS *int, execError string) error {
	query := `
		UPDATE irrigation_execution_logs
		SET execution_status = $2,
			actual_duration_s = COALESCE($3, actual_duration_s),
			execution_error = CASE WHEN $4 = '' THEN execution_error ELSE $4 END
		WHERE log_id = $1
	`
	tag, err := s.pool.Exec(ctx, query, logID, status, actualDurationS, execError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetLatestExecutionLogForRequest(ctx context.Context, requestID string) (*ExecutionLog, error) {
	query := `SELECT ` + logColumns + ` FROM irrigation_execution_logs WHERE request_id = $1 ORDER BY triggered_at_utc DESC LIMIT 1`
	return scanLog(s.pool.QueryRow(ctx, query, requestID))
}

func (s *PostgresStore) GetLastCompletedIrrigation(ctx context.Context, unitID int64, plantID *int64) (*ExecutionLog, error) {
	query := `
		SELECT ` + logColumns + ` FROM irrigation_execution_logs
		WHERE unit_id = $1 AND execution_status = 'completed' AND ($2::bigint IS NULL OR plant_id = $2)
		ORDER BY triggered_at_utc DESC LIMIT 1
	`
	log, err := scanLog(s.pool.QueryRow(ctx, query, unitID, plantID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return log, err
}

func (s *PostgresStore) ListLogsPendingPostCapture(ctx context.Context, now time.Time, limit int) ([]*ExecutionLog, error) {
	query := `
		SELECT ` + logColumns + ` FROM irrigation_execution_logs
		WHERE execution_status = 'completed'
		  AND post_moisture IS NULL
		  AND triggered_at_utc
			+ make_interval(secs => COALESCE(actual_duration_s, planned_duration_s))
			+ make_interval(secs => post_moisture_delay_s) <= $1
		ORDER BY triggered_at_utc
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLogs(rows)
}

func (s *PostgresStore) UpdateExecutionLogPostMoisture(ctx context.Context, logID string, postMoisture float64, measuredAt time.Time, delta *float64, recommendation string) error {
	query := `
		UPDATE irrigation_execution_logs
		SET post_moisture = $2, post_measured_at_utc = $3, delta_moisture = $4, recommendation = $5
		WHERE log_id = $1
	`
	tag, err := s.pool.Exec(ctx, query, logID, postMoisture, measuredAt, delta, recommendation)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListExecutionLogs(ctx context.Context, unitID int64, since, until time.Time, limit int) ([]*ExecutionLog, error) {
	query := `
		SELECT ` + logColumns + ` FROM irrigation_execution_logs
		WHERE unit_id = $1 AND triggered_at_utc BETWEEN $2 AND $3
		ORDER BY triggered_at_utc DESC LIMIT $4
	`
	rows, err := s.pool.Query(ctx, query, unitID, since, until, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLogs(rows)
}

func collectLogs(rows pgx.Rows) ([]*ExecutionLog, error) {
	var out []*ExecutionLog
	for rows.Next() {
		log, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, log)
	}
	return out, rows.Err()
}

// --- Eligibility traces ---

func (s *PostgresStore) AppendEligibilityTrace(ctx context.Context, trace *EligibilityTrace) error {
	query := `
		INSERT INTO irrigation_eligibility_traces
			(trace_id, unit_id, plant_id, sensor_id, moisture, threshold, decision, skip_reason, evaluated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`
	_, err := s.pool.Exec(ctx, query,
		trace.TraceID, trace.UnitID, trace.PlantID, trace.SensorID, trace.Moisture,
		trace.Threshold, trace.Decision, trace.SkipReason, trace.EvaluatedAt,
	)
	return err
}

func (s *PostgresStore) ListEligibilityTraces(ctx context.Context, unitID int64, since, until time.Time, limit int) ([]*EligibilityTrace, error) {
	query := `
		SELECT trace_id, unit_id, plant_id, sensor_id, moisture, threshold, decision, skip_reason, evaluated_at
		FROM irrigation_eligibility_traces
		WHERE unit_id = $1 AND evaluated_at BETWEEN $2 AND $3
		ORDER BY evaluated_at DESC LIMIT $4
	`
	rows, err := s.pool.Query(ctx, query, unitID, since, until, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EligibilityTrace
	for rows.Next() {
		var t EligibilityTrace
		if err := rows.Scan(&t.TraceID, &t.UnitID, &t.PlantID, &t.SensorID, &t.Moisture, &t.Threshold, &t.Decision, &t.SkipReason, &t.EvaluatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// --- Per-unit configuration ---

func (s *PostgresStore) GetWorkflowConfig(ctx context.Context, unitID int64) (map[string]string, error) {
	return s.getConfig(ctx, "workflow_configs", unitID)
}

func (s *PostgresStore) SaveWorkflowConfig(ctx context.Context, unitID int64, config map[string]string) error {
	return s.saveConfig(ctx, "workflow_configs", unitID, config)
}

func (s *PostgresStore) GetThrottleConfig(ctx context.Context, unitID int64) (map[string]string, error) {
	return s.getConfig(ctx, "throttle_configs", unitID)
}

func (s *PostgresStore) SaveThrottleConfig(ctx context.Context, unitID int64, config map[string]string) error {
	return s.saveConfig(ctx, "throttle_configs", unitID, config)
}

func (s *PostgresStore) getConfig(ctx context.Context, table string, unitID int64) (map[string]string, error) {
	query := `SELECT config FROM ` + table + ` WHERE unit_id = $1`
	var config map[string]string
	err := s.pool.QueryRow(ctx, query, unitID).Scan(&config)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return config, nil
}

func (s *PostgresStore) saveConfig(ctx context.Context, table string, unitID int64, config map[string]string) error {
	query := `
		INSERT INTO ` + table + ` (unit_id, config, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (unit_id) DO UPDATE SET config = EXCLUDED.config, updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query, unitID, config)
	return err
}

// --- User preferences ---

func (s *PostgresStore) GetUserPreference(ctx context.Context, userID, unitID int64) (*UserPreference, error) {
	query := `
		SELECT user_id, unit_id, approve_count, delay_count, cancel_count, avg_response_time_s,
			preference_score, moisture_feedback_count, too_little_feedback_count,
			just_right_feedback_count, too_much_feedback_count, threshold_belief_json, updated_at
		FROM irrigation_user_preferences WHERE user_id = $1 AND unit_id = $2
	`
	var p UserPreference
	err := s.pool.QueryRow(ctx, query, userID, unitID).Scan(
		&p.UserID, &p.UnitID, &p.ApproveCount, &p.DelayCount, &p.CancelCount, &p.AvgResponseTimeS,
		&p.PreferenceScore, &p.MoistureFeedbackCount, &p.TooLittleFeedbackCount,
		&p.JustRightFeedbackCount, &p.TooMuchFeedbackCount, &p.ThresholdBeliefJSON, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) UpdatePreferenceOnResponse(ctx context.Context, userID, unitID int64, response string, responseTimeS float64, scoreDelta float64) error {
	query := `
		INSERT INTO irrigation_user_preferences
			(user_id, unit_id, approve_count, delay_count, cancel_count, avg_response_time_s, preference_score, updated_at)
		VALUES ($1, $2,
			CASE WHEN $3 = 'approve' THEN 1 ELSE 0 END,
			CASE WHEN $3 = 'delay' THEN 1 ELSE 0 END,
			CASE WHEN $3 = 'cancel' THEN 1 ELSE 0 END,
			$4, $5, NOW())
		ON CONFLICT (user_id, unit_id) DO UPDATE SET
			approve_count = irrigation_user_preferences.approve_count + CASE WHEN $3 = 'approve' THEN 1 ELSE 0 END,
			delay_count = irrigation_user_preferences.delay_count + CASE WHEN $3 = 'delay' THEN 1 ELSE 0 END,
			cancel_count = irrigation_user_preferences.cancel_count + CASE WHEN $3 = 'cancel' THEN 1 ELSE 0 END,
			avg_response_time_s = CASE
				WHEN irrigation_user_preferences.avg_response_time_s = 0 THEN $4
				ELSE 0.8 * irrigation_user_preferences.avg_response_time_s + 0.2 * $4
			END,
			preference_score = irrigation_user_preferences.preference_score + $5,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query, userID, unitID, response, responseTimeS, scoreDelta)
	return err
}

func (s *PostgresStore) UpdateMoistureFeedback(ctx context.Context, userID, unitID int64, feedback string) error {
	query := `
		INSERT INTO irrigation_user_preferences
			(user_id, unit_id, moisture_feedback_count, too_little_feedback_count, just_right_feedback_count, too_much_feedback_count, updated_at)
		VALUES ($1, $2, 1,
			CASE WHEN $3 = 'too_little' THEN 1 ELSE 0 END,
			CASE WHEN $3 = 'just_right' THEN 1 ELSE 0 END,
			CASE WHEN $3 = 'too_much' THEN 1 ELSE 0 END,
			NOW())
		ON CONFLICT (user_id, unit_id) DO UPDATE SET
			moisture_feedback_count = irrigation_user_preferences.moisture_feedback_count + 1,
			too_little_feedback_count = irrigation_user_preferences.too_little_feedback_count + CASE WHEN $3 = 'too_little' THEN 1 ELSE 0 END,
			just_right_feedback_count = irrigation_user_preferences.just_right_feedback_count + CASE WHEN $3 = 'just_right' THEN 1 ELSE 0 END,
			too_much_feedback_count = irrigation_user_preferences.too_much_feedback_count + CASE WHEN $3 = 'too_much' THEN 1 ELSE 0 END,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query, userID, unitID, feedback)
	return err
}

func (s *PostgresStore) UpdateThresholdBelief(ctx context.Context, userID, unitID int64, beliefJSON string) error {
	query := `
		INSERT INTO irrigation_user_preferences (user_id, unit_id, threshold_belief_json, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, unit_id) DO UPDATE SET
			threshold_belief_json = EXCLUDED.threshold_belief_json,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query, userID, unitID, beliefJSON)
	return err
}

// --- Plant irrigation model ---

func (s *PostgresStore) GetPlantIrrigationModel(ctx context.Context, plantID int64) (*PlantIrrigationModel, error) {
	query := `
		SELECT plant_id, drydown_rate_per_hour, sample_count, confidence, updated_at_utc
		FROM plant_irrigation_models WHERE plant_id = $1
	`
	var m PlantIrrigationModel
	err := s.pool.QueryRow(ctx, query, plantID).Scan(&m.PlantID, &m.DrydownRatePerHour, &m.SampleCount, &m.Confidence, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) UpsertPlantIrrigationModel(ctx context.Context, model *PlantIrrigationModel) error {
	query := `
		INSERT INTO plant_irrigation_models (plant_id, drydown_rate_per_hour, sample_count, confidence, updated_at_utc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (plant_id) DO UPDATE SET
			drydown_rate_per_hour = EXCLUDED.drydown_rate_per_hour,
			sample_count = EXCLUDED.sample_count,
			confidence = EXCLUDED.confidence,
			updated_at_utc = EXCLUDED.updated_at_utc
	`
	_, err := s.pool.Exec(ctx, query, model.PlantID, model.DrydownRatePerHour, model.SampleCount, model.Confidence, model.UpdatedAt)
	return err
}

// --- Analytics ---

func (s *PostgresStore) InsertSensorReadings(ctx context.Context, unitID int64, sensorID string, metrics map[string]float64, ts time.Time) error {
	return s.insertReadings(ctx, "sensor_readings", unitID, sensorID, metrics, ts)
}

func (s *PostgresStore) InsertPlantReadings(ctx context.Context, unitID int64, sensorID string, metrics map[string]float64, ts time.Time) error {
	return s.insertReadings(ctx, "plant_readings", unitID, sensorID, metrics, ts)
}

func (s *PostgresStore) insertReadings(ctx context.Context, table string, unitID int64, sensorID string, metrics map[string]float64, ts time.Time) error {
	batch := &pgx.Batch{}
	query := `INSERT INTO ` + table + ` (unit_id, sensor_id, metric, value, recorded_at) VALUES ($1, $2, $3, $4, $5)`
	for metric, value := range metrics {
		batch.Queue(query, unitID, sensorID, metric, value, ts)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range metrics {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
