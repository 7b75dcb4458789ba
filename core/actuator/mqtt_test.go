package actuator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type capturePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads []string
}

func (p *capturePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, string(payload))
	return nil
}

func (p *capturePublisher) last(t *testing.T) (string, map[string]any) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.payloads)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(p.payloads[len(p.payloads)-1]), &decoded))
	return p.topics[len(p.topics)-1], decoded
}

func TestMQTTOnOffPayloads(t *testing.T) {
	pub := &capturePublisher{}
	d := NewMQTTDriver("grow-light", "devices/grow-light/set", pub, zap.NewNop())

	r := d.TurnOn(context.Background())
	assert.Equal(t, StateOn, r.State)
	topic, payload := pub.last(t)
	assert.Equal(t, "devices/grow-light/set", topic)
	assert.Equal(t, map[string]any{"state": "ON"}, payload)

	r = d.TurnOff(context.Background())
	assert.Equal(t, StateOff, r.State)
	_, payload = pub.last(t)
	assert.Equal(t, map[string]any{"state": "OFF"}, payload)
}

func TestMQTTLevelMapsToBrightness(t *testing.T) {
	pub := &capturePublisher{}
	d := NewMQTTDriver("dimmer", "devices/dimmer/set", pub, zap.NewNop())

	r := d.SetLevel(context.Background(), 50)
	require.NotNil(t, r.Level)
	_, payload := pub.last(t)
	assert.Equal(t, "ON", payload["state"])
	assert.EqualValues(t, 128, payload["brightness"], "50% maps to round(50*2.55)")

	d.SetLevel(context.Background(), 0)
	_, payload = pub.last(t)
	assert.Equal(t, "OFF", payload["state"])
	assert.EqualValues(t, 0, payload["brightness"])

	d.SetLevel(context.Background(), 100)
	_, payload = pub.last(t)
	assert.EqualValues(t, 255, payload["brightness"])
}

func TestZigbeeBridgeOperations(t *testing.T) {
	pub := &capturePublisher{}
	d := NewZigbeeDriver("pump", "0xabc", pub, zap.NewNop())

	require.NoError(t, d.Rename(context.Background(), "pump-front"))
	topic, payload := pub.last(t)
	assert.Equal(t, "zigbee2mqtt/bridge/request/device/rename", topic)
	assert.Equal(t, map[string]any{
		"from":                 "0xabc",
		"to":                   "pump-front",
		"homeassistant_rename": false,
	}, payload)

	require.NoError(t, d.Remove(context.Background()))
	topic, payload = pub.last(t)
	assert.Equal(t, "zigbee2mqtt/bridge/request/device/remove", topic)
	assert.Equal(t, map[string]any{"id": "pump-front"}, payload)
}

func TestZigbeeCommandTopic(t *testing.T) {
	pub := &capturePublisher{}
	d := NewZigbeeDriver("pump", "0xabc", pub, zap.NewNop())

	d.TurnOn(context.Background())
	topic, _ := pub.last(t)
	assert.Equal(t, "zigbee2mqtt/0xabc/set", topic)
}

func TestSetLevelFallsBackToOnOff(t *testing.T) {
	on := false
	d := driverFunc{onFn: func() { on = true }}

	r := SetLevel(context.Background(), d, 60)
	assert.Equal(t, StateOn, r.State)
	assert.True(t, on)

	r = SetLevel(context.Background(), d, 0)
	assert.Equal(t, StateOff, r.State)
}

type driverFunc struct {
	onFn func()
}

func (d driverFunc) TurnOn(context.Context) Reading {
	if d.onFn != nil {
		d.onFn()
	}
	return Reading{State: StateOn}
}
func (d driverFunc) TurnOff(context.Context) Reading { return Reading{State: StateOff} }
func (d driverFunc) Available() bool                 { return true }
func (d driverFunc) Cleanup()                        {}
