package climate

// PID is a classic proportional-integral-derivative controller for one
// environmental metric. Not safe for concurrent use; each control loop
// owns its PID and runs on the unit's subscriber goroutine.
type PID struct {
	Kp       float64
	Ki       float64
	Kd       float64
	Setpoint float64

	// OutputRange bounds |Ki·integral| for anti-windup. Zero disables
	// the clamp.
	OutputRange float64

	integral  float64
	prevError float64
}

// NewPID creates a controller with the given gains and setpoint.
func NewPID(kp, ki, kd, setpoint float64) *PID {
	return &PID{Kp: kp, Ki: ki, Kd: kd, Setpoint: setpoint}
}

// Compute returns the control output for the current value. dt is the
// elapsed time since the previous compute in seconds; callers pass 1
// when unknown.
func (p *PID) Compute(current float64, dt float64) float64 {
	if dt <= 0 {
		dt = 1
	}

	err := p.Setpoint - current
	p.integral += err * dt

	// Anti-windup: keep the integral contribution inside the actuator's
	// authority.
	if p.OutputRange > 0 && p.Ki != 0 {
		limit := p.OutputRange / abs(p.Ki)
		if p.integral > limit {
			p.integral = limit
		} else if p.integral < -limit {
			p.integral = -limit
		}
	}

	derivative := (err - p.prevError) / dt
	p.prevError = err

	return p.Kp*err + p.Ki*p.integral + p.Kd*derivative
}

// SetSetpoint moves the target and resets accumulated state so the loop
// does not kick from stale integral windup.
func (p *PID) SetSetpoint(setpoint float64) {
	if setpoint != p.Setpoint {
		p.Setpoint = setpoint
		p.Reset()
	}
}

// Reset zeroes the integral and previous error.
func (p *PID) Reset() {
	p.integral = 0
	p.prevError = 0
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
