//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"tydom-go/internal/tydom"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/cover/tydom_2_1/shutter/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PositionTopic     string   `json:"position_topic,omitempty"`
	SetPositionTopic  string   `json:"set_position_topic,omitempty"`
	CodeArmRequired   bool     `json:"code_arm_required,omitempty"`
	Device            haDevice `json:"device"`
}

func deviceIdentifier(dev *tydom.Device) string {
	return "tydom_" + dev.UniqueID
}

func stateTopic(prefix, uniqueID string) string {
	return prefix + "/" + uniqueID + "/state"
}

func commandTopic(prefix, uniqueID, property string) string {
	return prefix + "/" + uniqueID + "/set/" + property
}

// haComponent maps a device kind to the Home Assistant component and, for
// commandable kinds, the property the command topic drives.
func haComponent(kind tydom.Kind) (component, commandProperty string) {
	switch kind {
	case tydom.KindShutter, tydom.KindGate, tydom.KindGarage:
		return "cover", "position"
	case tydom.KindLight:
		return "light", "level"
	case tydom.KindAlarm:
		return "alarm_control_panel", "alarm"
	case tydom.KindDoor, tydom.KindWindow, tydom.KindSmoke, tydom.KindWater:
		return "binary_sensor", ""
	case tydom.KindBoiler:
		return "climate", "setpoint"
	default:
		return "sensor", ""
	}
}

// primaryProperty names the state field HA templates read per kind.
func primaryProperty(kind tydom.Kind) string {
	switch kind {
	case tydom.KindShutter, tydom.KindGate, tydom.KindGarage:
		return "position"
	case tydom.KindLight:
		return "level"
	case tydom.KindDoor, tydom.KindWindow:
		return "openState"
	case tydom.KindSmoke:
		return "techSmokeDefect"
	case tydom.KindBoiler:
		return "temperature"
	case tydom.KindEnergy:
		return "energyInstantTotElec"
	case tydom.KindWeather:
		return "outTemperature"
	default:
		return ""
	}
}

// buildDiscovery builds the HA discovery messages for one device.
func buildDiscovery(dev *tydom.Device, prefix string) []discoveryMsg {
	component, commandProp := haComponent(dev.Kind)

	payload := haDiscovery{
		Name:              dev.Name,
		UniqueID:          deviceIdentifier(dev),
		StateTopic:        stateTopic(prefix, dev.UniqueID),
		AvailabilityTopic: prefix + "/bridge/state",
		Device: haDevice{
			Identifiers:  []string{deviceIdentifier(dev)},
			Manufacturer: "Delta Dore",
			Model:        dev.Usage,
			Name:         dev.Name,
		},
	}
	if prop := primaryProperty(dev.Kind); prop != "" {
		payload.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", prop)
	}
	if commandProp != "" {
		payload.CommandTopic = commandTopic(prefix, dev.UniqueID, commandProp)
	}

	switch component {
	case "cover":
		payload.PositionTopic = payload.StateTopic
		payload.SetPositionTopic = payload.CommandTopic
	case "binary_sensor":
		payload.PayloadOn = "OPEN"
		payload.PayloadOff = "LOCKED"
		if dev.Kind == tydom.KindSmoke || dev.Kind == tydom.KindWater {
			payload.PayloadOn = "true"
			payload.PayloadOff = "false"
			payload.DeviceClass = map[tydom.Kind]string{
				tydom.KindSmoke: "smoke",
				tydom.KindWater: "moisture",
			}[dev.Kind]
		}
	case "alarm_control_panel":
		payload.CodeArmRequired = false
	case "sensor":
		if dev.Kind == tydom.KindEnergy {
			payload.DeviceClass = "energy"
			payload.StateClass = "total_increasing"
			payload.UnitOfMeasurement = "Wh"
		}
	}

	topic := fmt.Sprintf("homeassistant/%s/%s/%s/config",
		component, deviceIdentifier(dev), strings.ToLower(string(dev.Kind)))
	return []discoveryMsg{{Topic: topic, Payload: mustJSON(payload)}}
}
