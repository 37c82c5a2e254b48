//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"tydom-go/internal/tydom"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	// AlarmPIN authorizes alarm commands arriving over MQTT.
	AlarmPIN string
	// LegacyZones splits comma-separated alarm zones into per-zone frames.
	LegacyZones bool
}

// Gateway is the client surface the bridge drives.
type Gateway interface {
	Events() *tydom.EventBus
	SetDeviceData(ctx context.Context, deviceID, endpointID int, name string, value any) error
	SetAlarm(ctx context.Context, deviceID, endpointID int, pin, value, zoneID string, legacyZones bool) error
}

// Bridge connects the Tydom client to MQTT with HA autodiscovery.
type Bridge struct {
	client pahomqtt.Client
	gw     Gateway
	cfg    Config
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	// Per-device state accumulator; discovery is published once per device.
	mu         sync.Mutex
	states     map[string]map[string]any // unique_id -> property map
	discovered map[string]bool
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(gw Gateway, cfg Config, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		gw:         gw,
		cfg:        cfg,
		prefix:     cfg.TopicPrefix,
		logger:     logger.With("component", "mqtt"),
		states:     make(map[string]map[string]any),
		discovered: make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("tydom-go").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to client events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.gw.Events().On("devices", b.handleDevices)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleDevices(msg tydom.Message) {
	devs, ok := msg.(*tydom.Devices)
	if !ok {
		return
	}
	for _, dev := range devs.Devices {
		b.updateAndPublishState(dev)
	}
}

func (b *Bridge) updateAndPublishState(dev tydom.Device) {
	b.mu.Lock()
	state, ok := b.states[dev.UniqueID]
	if !ok {
		state = make(map[string]any)
		b.states[dev.UniqueID] = state
	}
	for k, v := range dev.Data {
		state[k] = v
	}
	state["last_seen"] = time.Now().Format(time.RFC3339)
	payload := mustJSON(state)

	publishDiscovery := dev.Name != "" && !b.discovered[dev.UniqueID]
	if publishDiscovery {
		b.discovered[dev.UniqueID] = true
	}
	b.mu.Unlock()

	if publishDiscovery {
		for _, msg := range buildDiscovery(&dev, b.prefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		b.logger.Info("published HA discovery", "unique_id", dev.UniqueID, "name", dev.Name)
	}

	b.publish(stateTopic(b.prefix, dev.UniqueID), payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/set/+"
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, m pahomqtt.Message) {
		b.handleSetCommand(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		b.logger.Error("subscribe timeout", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		b.logger.Error("subscribe", "topic", topic, "err", err)
	}
}

func (b *Bridge) handleSetCommand(topic string, payload []byte) {
	cmd, err := parseSetTopic(b.prefix, topic)
	if err != nil {
		b.logger.Warn("bad command topic", "topic", topic, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()

	if cmd.Property == "alarm" {
		if b.cfg.AlarmPIN == "" {
			b.logger.Warn("alarm command without configured pin", "topic", topic)
			return
		}
		value, zone := parseAlarmPayload(payload)
		err = b.gw.SetAlarm(ctx, cmd.DeviceID, cmd.EndpointID, b.cfg.AlarmPIN, value, zone, b.cfg.LegacyZones)
	} else {
		err = b.gw.SetDeviceData(ctx, cmd.DeviceID, cmd.EndpointID, cmd.Property, parseValue(payload))
	}
	if err != nil {
		b.logger.Error("forward command", "topic", topic, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retain bool) {
	token := b.client.Publish(topic, 1, retain, payload)
	go func() {
		if token.WaitTimeout(10*time.Second) && token.Error() != nil {
			b.logger.Error("publish", "topic", topic, "err", token.Error())
		}
	}()
}

// setCommand is a parsed <prefix>/<unique_id>/set/<property> topic.
type setCommand struct {
	DeviceID   int
	EndpointID int
	Property   string
}

func parseSetTopic(prefix, topic string) (setCommand, error) {
	rest, found := strings.CutPrefix(topic, prefix+"/")
	if !found {
		return setCommand{}, fmt.Errorf("topic %q outside prefix %q", topic, prefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "set" {
		return setCommand{}, fmt.Errorf("topic %q is not a set command", topic)
	}

	var endpointID, deviceID int
	if _, err := fmt.Sscanf(parts[0], "%d_%d", &endpointID, &deviceID); err != nil {
		return setCommand{}, fmt.Errorf("bad unique id %q: %w", parts[0], err)
	}
	return setCommand{DeviceID: deviceID, EndpointID: endpointID, Property: parts[2]}, nil
}

// parseValue decodes a command payload: JSON when it parses, raw string
// otherwise ("ON" and "OFF" arrive unquoted from Home Assistant).
func parseValue(payload []byte) any {
	var v any
	if err := json.Unmarshal(payload, &v); err == nil {
		return v
	}
	return string(payload)
}

// parseAlarmPayload accepts either a bare value ("ON") or {"value":...,
// "zone":"1,2"}.
func parseAlarmPayload(payload []byte) (value, zone string) {
	var obj struct {
		Value string `json:"value"`
		Zone  string `json:"zone"`
	}
	if err := json.Unmarshal(payload, &obj); err == nil && obj.Value != "" {
		return obj.Value, obj.Zone
	}
	return string(payload), ""
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
