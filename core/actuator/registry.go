package actuator

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrUnknownActuator is returned when no handle matches the lookup.
var ErrUnknownActuator = errors.New("actuator: unknown actuator")

// Registry maps logical actuator kinds to driver handles. Lookups are
// read-mostly; register/unregister take the write lock.
type Registry struct {
	logger *zap.Logger

	mu      sync.RWMutex
	byID    map[string]*Handle
	byUnit  map[int64]map[Kind]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger.Named("registry"),
		byID:   make(map[string]*Handle),
		byUnit: make(map[int64]map[Kind]*Handle),
	}
}

// Register adds a handle. Registering the same (unit, kind) twice
// replaces the previous handle and cleans it up.
func (r *Registry) Register(h *Handle) error {
	if h.ID == "" {
		return fmt.Errorf("actuator: handle needs an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byUnit[h.UnitID] == nil {
		r.byUnit[h.UnitID] = make(map[Kind]*Handle)
	}
	if prev, ok := r.byUnit[h.UnitID][h.Kind]; ok && prev.ID != h.ID {
		delete(r.byID, prev.ID)
		prev.Driver.Cleanup()
	}
	r.byUnit[h.UnitID][h.Kind] = h
	r.byID[h.ID] = h

	r.logger.Info("registered actuator",
		zap.String("id", h.ID),
		zap.Int64("unit_id", h.UnitID),
		zap.String("kind", string(h.Kind)))
	return nil
}

// Unregister removes a handle by id and calls its driver cleanup.
// Idempotent.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	h, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		if kinds := r.byUnit[h.UnitID]; kinds != nil && kinds[h.Kind] == h {
			delete(kinds, h.Kind)
		}
	}
	r.mu.Unlock()

	if ok {
		h.Driver.Cleanup()
		r.logger.Info("unregistered actuator", zap.String("id", id))
	}
}

// Lookup resolves the handle for a unit's actuator kind.
func (r *Registry) Lookup(unitID int64, kind Kind) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byUnit[unitID][kind]
	if !ok {
		return nil, fmt.Errorf("%w: unit %d kind %s", ErrUnknownActuator, unitID, kind)
	}
	return h, nil
}

// LookupID resolves a handle by actuator id.
func (r *Registry) LookupID(id string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %s", ErrUnknownActuator, id)
	}
	return h, nil
}

// Close unregisters every handle.
func (r *Registry) Close() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.byID))
	for _, h := range r.byID {
		handles = append(handles, h)
	}
	r.byID = make(map[string]*Handle)
	r.byUnit = make(map[int64]map[Kind]*Handle)
	r.mu.Unlock()

	for _, h := range handles {
		h.Driver.Cleanup()
	}
}
