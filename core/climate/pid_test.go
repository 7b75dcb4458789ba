package climate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeProportional(t *testing.T) {
	p := NewPID(2.0, 0, 0, 24.0)
	out := p.Compute(22.0, 1)
	assert.InDelta(t, 4.0, out, 1e-9)

	out = p.Compute(26.0, 1)
	assert.InDelta(t, -4.0, out, 1e-9)
}

func TestComputeIntegralAccumulates(t *testing.T) {
	p := NewPID(0, 1.0, 0, 24.0)
	out := p.Compute(23.0, 1)
	assert.InDelta(t, 1.0, out, 1e-9)
	out = p.Compute(23.0, 1)
	assert.InDelta(t, 2.0, out, 1e-9)
}

func TestComputeDerivative(t *testing.T) {
	p := NewPID(0, 0, 1.0, 24.0)
	p.Compute(22.0, 1) // error 2, prev 0 -> derivative 2
	out := p.Compute(23.0, 1)
	assert.InDelta(t, -1.0, out, 1e-9, "error shrank from 2 to 1")
}

func TestComputeUsesDT(t *testing.T) {
	p := NewPID(0, 1.0, 0, 24.0)
	out := p.Compute(23.0, 10)
	assert.InDelta(t, 10.0, out, 1e-9, "integral scales with dt")

	p2 := NewPID(0, 1.0, 0, 24.0)
	out = p2.Compute(23.0, 0)
	assert.InDelta(t, 1.0, out, 1e-9, "unknown dt falls back to 1")
}

func TestAntiWindupClampsIntegral(t *testing.T) {
	p := NewPID(0, 1.0, 0, 24.0)
	p.OutputRange = 100

	for i := 0; i < 1000; i++ {
		p.Compute(0.0, 1)
	}
	out := p.Compute(0.0, 1)
	assert.LessOrEqual(t, out, 100.0+24.0, "integral term must stay inside output range")
}

func TestSetSetpointResetsState(t *testing.T) {
	p := NewPID(0, 1.0, 0, 24.0)
	p.Compute(20.0, 1)
	p.Compute(20.0, 1)

	p.SetSetpoint(26.0)
	out := p.Compute(25.0, 1)
	assert.InDelta(t, 1.0, out, 1e-9, "integral restarts after setpoint change")
}

func TestResetZeroesState(t *testing.T) {
	p := NewPID(1.0, 1.0, 1.0, 24.0)
	p.Compute(20.0, 1)
	p.Reset()

	out := p.Compute(23.0, 1)
	// kp*1 + ki*1 + kd*(1-0)/1
	assert.InDelta(t, 3.0, out, 1e-9)
}
