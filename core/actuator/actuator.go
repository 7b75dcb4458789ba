package actuator

import (
	"context"
	"time"
)

// Kind is the logical role of an actuator within a unit.
type Kind string

const (
	KindHeater       Kind = "heater"
	KindFan          Kind = "fan"
	KindHumidifier   Kind = "humidifier"
	KindDehumidifier Kind = "dehumidifier"
	KindCO2Injector  Kind = "co2_injector"
	KindLight        Kind = "light"
	KindPump         Kind = "pump"
	KindValve        Kind = "valve"
)

// State is the reported actuator state.
type State string

const (
	StateOn      State = "on"
	StateOff     State = "off"
	StateUnknown State = "unknown"
	StateError   State = "error"
)

// Reading is the result of every actuator command. Err is set only when
// State is StateError.
type Reading struct {
	ActuatorID string
	State      State
	Level      *float64
	RuntimeS   float64
	Err        error
}

// Driver is the uniform command interface every hardware adapter
// satisfies. Levelable and Stateful are optional capabilities; callers
// probe with type assertions and fall back to on/off.
type Driver interface {
	TurnOn(ctx context.Context) Reading
	TurnOff(ctx context.Context) Reading
	Available() bool
	Cleanup()
}

// Levelable drivers accept a 0-100 output level (dimming, PWM).
type Levelable interface {
	SetLevel(ctx context.Context, level float64) Reading
}

// Stateful drivers can report their current state.
type Stateful interface {
	State(ctx context.Context) State
}

// SetLevel drives the actuator to a 0-100 level, falling back to on/off
// for drivers without level support (level > 0 means on).
func SetLevel(ctx context.Context, d Driver, level float64) Reading {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	if lv, ok := d.(Levelable); ok {
		return lv.SetLevel(ctx, level)
	}
	if level > 0 {
		return d.TurnOn(ctx)
	}
	return d.TurnOff(ctx)
}

// Handle binds a registered driver to its identity and calibration.
type Handle struct {
	ID     string
	UnitID int64
	Kind   Kind
	Driver Driver

	// FlowMlPerS is the calibrated pump flow rate, zero when unknown.
	FlowMlPerS float64
	// CommandTimeout bounds every driver call; expiry reports StateError.
	CommandTimeout time.Duration
}

const defaultCommandTimeout = 10 * time.Second

// TurnOn issues the on-command under the handle's timeout.
func (h *Handle) TurnOn(ctx context.Context) Reading {
	ctx, cancel := h.commandContext(ctx)
	defer cancel()
	r := h.Driver.TurnOn(ctx)
	return h.checkTimeout(ctx, r)
}

// TurnOff issues the off-command under the handle's timeout.
func (h *Handle) TurnOff(ctx context.Context) Reading {
	ctx, cancel := h.commandContext(ctx)
	defer cancel()
	r := h.Driver.TurnOff(ctx)
	return h.checkTimeout(ctx, r)
}

// SetLevel drives the actuator level under the handle's timeout.
func (h *Handle) SetLevel(ctx context.Context, level float64) Reading {
	ctx, cancel := h.commandContext(ctx)
	defer cancel()
	r := SetLevel(ctx, h.Driver, level)
	return h.checkTimeout(ctx, r)
}

func (h *Handle) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := h.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (h *Handle) checkTimeout(ctx context.Context, r Reading) Reading {
	if ctx.Err() != nil && r.State != StateError {
		r.State = StateError
		r.Err = ctx.Err()
	}
	if r.ActuatorID == "" {
		r.ActuatorID = h.ID
	}
	return r
}
