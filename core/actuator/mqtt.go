package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// MQTTPublisher is the slice of an MQTT client the adapters need. The
// concrete client lives outside the core.
type MQTTPublisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// MQTTDriver publishes on/off/level commands as JSON to a device command
// topic. Payload shapes follow the Zigbee2MQTT/Tasmota convention:
// {"state":"ON"}, {"state":"OFF"}, and for dimmables
// {"state":"ON","brightness":0-255}.
type MQTTDriver struct {
	deviceName string
	topic      string
	client     MQTTPublisher
	logger     *zap.Logger
}

// NewMQTTDriver creates a driver for one MQTT device.
func NewMQTTDriver(deviceName, topic string, client MQTTPublisher, logger *zap.Logger) *MQTTDriver {
	return &MQTTDriver{
		deviceName: deviceName,
		topic:      topic,
		client:     client,
		logger:     logger.Named("mqtt"),
	}
}

type mqttState struct {
	State      string `json:"state"`
	Brightness *int   `json:"brightness,omitempty"`
}

func (d *MQTTDriver) publish(ctx context.Context, payload mqttState) Reading {
	data, err := json.Marshal(payload)
	if err != nil {
		return Reading{State: StateError, Err: err}
	}
	if err := d.client.Publish(ctx, d.topic, data); err != nil {
		return Reading{State: StateError, Err: fmt.Errorf("mqtt publish %s: %w", d.topic, err)}
	}
	state := StateOff
	if payload.State == "ON" {
		state = StateOn
	}
	d.logger.Debug("published command",
		zap.String("device", d.deviceName),
		zap.String("topic", d.topic),
		zap.String("state", payload.State))
	return Reading{State: state}
}

func (d *MQTTDriver) TurnOn(ctx context.Context) Reading {
	return d.publish(ctx, mqttState{State: "ON"})
}

func (d *MQTTDriver) TurnOff(ctx context.Context) Reading {
	return d.publish(ctx, mqttState{State: "OFF"})
}

// SetLevel maps 0-100 to the 0-255 brightness range.
func (d *MQTTDriver) SetLevel(ctx context.Context, level float64) Reading {
	state := "OFF"
	if level > 0 {
		state = "ON"
	}
	// level*255/100 is exact for whole percentages, so 50 rounds to 128;
	// level*2.55 would give 127.4999... in float64 and round down.
	brightness := int(math.Round(level * 255 / 100))
	r := d.publish(ctx, mqttState{State: state, Brightness: &brightness})
	if r.State != StateError {
		r.Level = &level
	}
	return r
}

func (d *MQTTDriver) Available() bool { return d.client != nil }

func (d *MQTTDriver) Cleanup() {}
