package climate

import "time"

// LoopConfig holds PID gains, setpoint and deadband for one metric.
type LoopConfig struct {
	Setpoint float64
	Kp       float64
	Ki       float64
	Kd       float64
	Deadband float64
}

// Config configures the climate controller for one unit.
type Config struct {
	Temperature LoopConfig
	Humidity    LoopConfig
	CO2         LoopConfig
	Lux         LoopConfig

	// MinCycleTime is the minimum interval between commands to the same
	// actuator. Zero means unset and falls back to the 60s default.
	MinCycleTime time.Duration

	// MaxConsecutiveErrors disables a strategy after this many failed
	// commands in a row.
	MaxConsecutiveErrors int
}

// DefaultConfig returns production defaults for a vegetative-stage unit.
func DefaultConfig() Config {
	return Config{
		Temperature: LoopConfig{Setpoint: 24.0, Kp: 1.0, Ki: 0.1, Kd: 0.05, Deadband: 0.5},
		Humidity:    LoopConfig{Setpoint: 60.0, Kp: 1.0, Ki: 0.1, Kd: 0.05, Deadband: 2.0},
		CO2:         LoopConfig{Setpoint: 1200.0, Kp: 0.5, Ki: 0.05, Kd: 0.01, Deadband: 50.0},
		Lux:         LoopConfig{Setpoint: 30000.0, Kp: 0.2, Ki: 0.02, Kd: 0.01, Deadband: 500.0},

		MinCycleTime:         60 * time.Second,
		MaxConsecutiveErrors: 3,
	}
}

// cycleTime resolves the effective minimum cycle time.
func (c Config) cycleTime() time.Duration {
	if c.MinCycleTime <= 0 {
		return 60 * time.Second
	}
	return c.MinCycleTime
}

func (c Config) maxErrors() int {
	if c.MaxConsecutiveErrors <= 0 {
		return 3
	}
	return c.MaxConsecutiveErrors
}
