package actuator

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// ZigbeeDriver is an MQTT driver for Zigbee2MQTT devices plus the bridge
// device operations (rename, remove) that plain MQTT devices lack.
type ZigbeeDriver struct {
	*MQTTDriver

	zigbeeID    string
	bridgeTopic string
	client      MQTTPublisher
	logger      *zap.Logger
}

// NewZigbeeDriver creates a driver for one Zigbee2MQTT device. The
// command topic is `zigbee2mqtt/{friendly name}/set`.
func NewZigbeeDriver(deviceName, zigbeeID string, client MQTTPublisher, logger *zap.Logger) *ZigbeeDriver {
	topic := fmt.Sprintf("zigbee2mqtt/%s/set", zigbeeID)
	return &ZigbeeDriver{
		MQTTDriver:  NewMQTTDriver(deviceName, topic, client, logger),
		zigbeeID:    zigbeeID,
		bridgeTopic: "zigbee2mqtt",
		client:      client,
		logger:      logger.Named("zigbee"),
	}
}

// Rename renames the device through the Zigbee2MQTT bridge.
func (d *ZigbeeDriver) Rename(ctx context.Context, newName string) error {
	payload, err := json.Marshal(map[string]any{
		"from":                 d.zigbeeID,
		"to":                   newName,
		"homeassistant_rename": false,
	})
	if err != nil {
		return err
	}
	topic := d.bridgeTopic + "/bridge/request/device/rename"
	if err := d.client.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("zigbee rename %s: %w", d.zigbeeID, err)
	}
	d.logger.Info("requested device rename",
		zap.String("from", d.zigbeeID),
		zap.String("to", newName))
	d.zigbeeID = newName
	return nil
}

// Remove removes the device from the Zigbee network via the bridge.
func (d *ZigbeeDriver) Remove(ctx context.Context) error {
	payload, err := json.Marshal(map[string]any{"id": d.zigbeeID})
	if err != nil {
		return err
	}
	topic := d.bridgeTopic + "/bridge/request/device/remove"
	if err := d.client.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("zigbee remove %s: %w", d.zigbeeID, err)
	}
	d.logger.Info("requested device removal", zap.String("id", d.zigbeeID))
	return nil
}
