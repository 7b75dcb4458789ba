package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements WorkflowStore, AnalyticsStore, UnitLocker and
// IdempotencyStore in process memory. It backs the test suite and
// single-node development without Postgres/Redis.
type MemoryStore struct {
	mu sync.RWMutex

	requests map[string]*IrrigationRequest
	logs     map[string]*ExecutionLog
	traces   []*EligibilityTrace

	workflowConfigs map[int64]map[string]string
	throttleConfigs map[int64]map[string]string

	prefs  map[prefKey]*UserPreference
	models map[int64]*PlantIrrigationModel

	sensorRows []AnalyticsRow
	plantRows  []AnalyticsRow

	locks       map[int64]time.Time
	idempotency map[string]idemRecord

	clock func() time.Time
}

type prefKey struct {
	userID int64
	unitID int64
}

type idemRecord struct {
	value     string
	expiresAt time.Time
}

// AnalyticsRow is one persisted sample batch; exported for test
// assertions.
type AnalyticsRow struct {
	UnitID    int64
	SensorID  string
	Metrics   map[string]float64
	Timestamp time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:        make(map[string]*IrrigationRequest),
		logs:            make(map[string]*ExecutionLog),
		workflowConfigs: make(map[int64]map[string]string),
		throttleConfigs: make(map[int64]map[string]string),
		prefs:           make(map[prefKey]*UserPreference),
		models:          make(map[int64]*PlantIrrigationModel),
		locks:           make(map[int64]time.Time),
		idempotency:     make(map[string]idemRecord),
		clock:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) { s.clock = now }

// --- Request operations ---

func (s *MemoryStore) CreateRequest(ctx context.Context, req *IrrigationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.requests[req.RequestID] = &cp
	return nil
}

func (s *MemoryStore) GetRequest(ctx context.Context, requestID string) (*IrrigationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *MemoryStore) GetRequestByFeedbackID(ctx context.Context, feedbackID string) (*IrrigationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, req := range s.requests {
		if req.FeedbackID == feedbackID {
			cp := *req
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, requestID string, status RequestStatus, userResponse string, delayedUntil *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(req.Status, status) {
		return ErrConflict
	}
	req.Status = status
	if userResponse != "" {
		req.UserResponse = userResponse
	}
	if delayedUntil != nil {
		req.DelayedUntil = delayedUntil
	}
	return nil
}

func (s *MemoryStore) ClaimDueRequests(ctx context.Context, now time.Time, limit int) ([]*IrrigationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []*IrrigationRequest
	for _, req := range s.requests {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		due := false
		switch req.Status {
		case StatusApproved:
			due = !req.ScheduledAt.After(now)
		case StatusDelayed:
			due = req.DelayedUntil != nil && !req.DelayedUntil.After(now)
		}
		if !due {
			continue
		}
		req.Status = StatusExecuting
		cp := *req
		claimed = append(claimed, &cp)
	}
	sort.Slice(claimed, func(i, j int) bool {
		return claimed[i].ScheduledAt.Before(claimed[j].ScheduledAt)
	})
	return claimed, nil
}

func (s *MemoryStore) RestoreClaim(ctx context.Context, requestID string, prev RequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	if req.Status != StatusExecuting {
		return ErrConflict
	}
	if prev != StatusApproved && prev != StatusDelayed {
		return ErrConflict
	}
	req.Status = prev
	return nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status RequestStatus, limit int) ([]*IrrigationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*IrrigationRequest
	for _, req := range s.requests {
		if req.Status == status {
			cp := *req
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ExpireDueRequests(ctx context.Context, now time.Time) ([]*IrrigationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []*IrrigationRequest
	for _, req := range s.requests {
		switch req.Status {
		case StatusPending, StatusDelayed, StatusApproved:
			if !req.ExpiresAt.After(now) {
				req.Status = StatusExpired
				cp := *req
				expired = append(expired, &cp)
			}
		}
	}
	return expired, nil
}

func (s *MemoryStore) HasActiveRequest(ctx context.Context, unitID int64, plantID *int64, actuatorID *string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, req := range s.requests {
		if req.UnitID != unitID || req.Status.Terminal() {
			continue
		}
		if plantID != nil || actuatorID != nil {
			// Scoped check: only collide on the same plant or actuator.
			samePlant := plantID != nil && req.PlantID != nil && *req.PlantID == *plantID
			sameActuator := actuatorID != nil && req.ActuatorID != nil && *req.ActuatorID == *actuatorID
			if samePlant || sameActuator {
				return true, nil
			}
			continue
		}
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) GetLastCompletedIrrigation(ctx context.Context, unitID int64, plantID *int64) (*ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *ExecutionLog
	for _, log := range s.logs {
		if log.UnitID != unitID || log.ExecutionStatus != "completed" {
			continue
		}
		if plantID != nil && (log.PlantID == nil || *log.PlantID != *plantID) {
			continue
		}
		if latest == nil || log.TriggeredAt.After(latest.TriggeredAt) {
			latest = log
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) GetHistory(ctx context.Context, unitID int64, limit int) ([]*IrrigationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*IrrigationRequest
	for _, req := range s.requests {
		if req.UnitID == unitID {
			cp := *req
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) LinkNotification(ctx context.Context, requestID, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	req.NotificationID = notificationID
	return nil
}

func (s *MemoryStore) LinkFeedback(ctx context.Context, requestID, feedbackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	req.FeedbackID = feedbackID
	return nil
}

// --- Execution logs ---

func (s *MemoryStore) CreateExecutionLog(ctx context.Context, log *ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *log
	s.logs[log.LogID] = &cp
	return nil
}

func (s *MemoryStore) UpdateExecutionLogStatus(ctx context.Context, logID string, status string, actualDurationS *int, execError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[logID]
	if !ok {
		return ErrNotFound
	}
	log.ExecutionStatus = status
	if actualDurationS != nil {
		log.ActualDurationS = actualDurationS
	}
	if execError != "" {
		log.ExecutionError = execError
	}
	return nil
}

func (s *MemoryStore) GetLatestExecutionLogForRequest(ctx context.Context, requestID string) (*ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *ExecutionLog
	for _, log := range s.logs {
		if log.RequestID == nil || *log.RequestID != requestID {
			continue
		}
		if latest == nil || log.TriggeredAt.After(latest.TriggeredAt) {
			latest = log
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) ListLogsPendingPostCapture(ctx context.Context, now time.Time, limit int) ([]*ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ExecutionLog
	for _, log := range s.logs {
		if log.ExecutionStatus != "completed" || log.PostMoisture != nil {
			continue
		}
		finished := log.TriggeredAt.Add(time.Duration(log.PlannedDurationS) * time.Second)
		if log.ActualDurationS != nil {
			finished = log.TriggeredAt.Add(time.Duration(*log.ActualDurationS) * time.Second)
		}
		if finished.Add(time.Duration(log.PostMoistureDelayS) * time.Second).After(now) {
			continue
		}
		cp := *log
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateExecutionLogPostMoisture(ctx context.Context, logID string, postMoisture float64, measuredAt time.Time, delta *float64, recommendation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[logID]
	if !ok {
		return ErrNotFound
	}
	log.PostMoisture = &postMoisture
	log.PostMeasuredAt = &measuredAt
	log.DeltaMoisture = delta
	log.Recommendation = recommendation
	return nil
}

func (s *MemoryStore) ListExecutionLogs(ctx context.Context, unitID int64, since, until time.Time, limit int) ([]*ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ExecutionLog
	for _, log := range s.logs {
		if log.UnitID != unitID {
			continue
		}
		if log.TriggeredAt.Before(since) || log.TriggeredAt.After(until) {
			continue
		}
		cp := *log
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Eligibility traces ---

func (s *MemoryStore) AppendEligibilityTrace(ctx context.Context, trace *EligibilityTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *trace
	s.traces = append(s.traces, &cp)
	return nil
}

func (s *MemoryStore) ListEligibilityTraces(ctx context.Context, unitID int64, since, until time.Time, limit int) ([]*EligibilityTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*EligibilityTrace
	for _, trace := range s.traces {
		if trace.UnitID != unitID {
			continue
		}
		if trace.EvaluatedAt.Before(since) || trace.EvaluatedAt.After(until) {
			continue
		}
		cp := *trace
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- Per-unit configuration ---

func (s *MemoryStore) GetWorkflowConfig(ctx context.Context, unitID int64) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMap(s.workflowConfigs[unitID]), nil
}

func (s *MemoryStore) SaveWorkflowConfig(ctx context.Context, unitID int64, config map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflowConfigs[unitID] = copyMap(config)
	return nil
}

func (s *MemoryStore) GetThrottleConfig(ctx context.Context, unitID int64) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMap(s.throttleConfigs[unitID]), nil
}

func (s *MemoryStore) SaveThrottleConfig(ctx context.Context, unitID int64, config map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.throttleConfigs[unitID] = copyMap(config)
	return nil
}

// --- User preferences ---

func (s *MemoryStore) GetUserPreference(ctx context.Context, userID, unitID int64) (*UserPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pref, ok := s.prefs[prefKey{userID, unitID}]
	if !ok {
		return nil, nil
	}
	cp := *pref
	return &cp, nil
}

func (s *MemoryStore) UpdatePreferenceOnResponse(ctx context.Context, userID, unitID int64, response string, responseTimeS float64, scoreDelta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pref := s.pref(userID, unitID)
	switch response {
	case "approve":
		pref.ApproveCount++
	case "delay":
		pref.DelayCount++
	case "cancel":
		pref.CancelCount++
	}
	// EMA with alpha 0.2; the first sample is taken as-is.
	if pref.AvgResponseTimeS == 0 {
		pref.AvgResponseTimeS = responseTimeS
	} else {
		pref.AvgResponseTimeS = 0.8*pref.AvgResponseTimeS + 0.2*responseTimeS
	}
	pref.PreferenceScore += scoreDelta
	pref.UpdatedAt = s.clock()
	return nil
}

func (s *MemoryStore) UpdateMoistureFeedback(ctx context.Context, userID, unitID int64, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pref := s.pref(userID, unitID)
	pref.MoistureFeedbackCount++
	switch feedback {
	case "too_little":
		pref.TooLittleFeedbackCount++
	case "just_right":
		pref.JustRightFeedbackCount++
	case "too_much":
		pref.TooMuchFeedbackCount++
	}
	pref.UpdatedAt = s.clock()
	return nil
}

func (s *MemoryStore) UpdateThresholdBelief(ctx context.Context, userID, unitID int64, beliefJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pref := s.pref(userID, unitID)
	pref.ThresholdBeliefJSON = beliefJSON
	pref.UpdatedAt = s.clock()
	return nil
}

// pref returns the preference row, creating it on first touch. Caller
// holds the write lock.
func (s *MemoryStore) pref(userID, unitID int64) *UserPreference {
	key := prefKey{userID, unitID}
	pref, ok := s.prefs[key]
	if !ok {
		pref = &UserPreference{UserID: userID, UnitID: unitID}
		s.prefs[key] = pref
	}
	return pref
}

// --- Plant irrigation model ---

func (s *MemoryStore) GetPlantIrrigationModel(ctx context.Context, plantID int64) (*PlantIrrigationModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	model, ok := s.models[plantID]
	if !ok {
		return nil, nil
	}
	cp := *model
	return &cp, nil
}

func (s *MemoryStore) UpsertPlantIrrigationModel(ctx context.Context, model *PlantIrrigationModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *model
	s.models[model.PlantID] = &cp
	return nil
}

// --- Analytics ---

func (s *MemoryStore) InsertSensorReadings(ctx context.Context, unitID int64, sensorID string, metrics map[string]float64, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sensorRows = append(s.sensorRows, AnalyticsRow{UnitID: unitID, SensorID: sensorID, Metrics: copyFloats(metrics), Timestamp: ts})
	return nil
}

func (s *MemoryStore) InsertPlantReadings(ctx context.Context, unitID int64, sensorID string, metrics map[string]float64, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plantRows = append(s.plantRows, AnalyticsRow{UnitID: unitID, SensorID: sensorID, Metrics: copyFloats(metrics), Timestamp: ts})
	return nil
}

// SensorRows returns persisted environment samples. Test hook.
func (s *MemoryStore) SensorRows() []AnalyticsRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AnalyticsRow, len(s.sensorRows))
	copy(out, s.sensorRows)
	return out
}

// PlantRows returns persisted plant samples. Test hook.
func (s *MemoryStore) PlantRows() []AnalyticsRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AnalyticsRow, len(s.plantRows))
	copy(out, s.plantRows)
	return out
}

// --- Unit lock ---

func (s *MemoryStore) Acquire(ctx context.Context, unitID int64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if expiry, held := s.locks[unitID]; held && expiry.After(now) {
		return false, nil
	}
	s.locks[unitID] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Release(ctx context.Context, unitID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, unitID)
	return nil
}

// --- Idempotency ---

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if rec, ok := s.idempotency[key]; ok && rec.expiresAt.After(now) {
		return false, nil
	}
	s.idempotency[key] = idemRecord{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idempotency[key]
	if !ok || !rec.expiresAt.After(s.clock()) {
		return "", ErrNotFound
	}
	return rec.value, nil
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyFloats(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
