package tydom

import "fmt"

// Kind classifies a device by its declared usage.
type Kind string

const (
	KindShutter Kind = "shutter"
	KindWindow  Kind = "window"
	KindDoor    Kind = "door"
	KindGarage  Kind = "garage"
	KindGate    Kind = "gate"
	KindLight   Kind = "light"
	KindEnergy  Kind = "energy"
	KindSmoke   Kind = "smoke"
	KindBoiler  Kind = "boiler"
	KindAlarm   Kind = "alarm"
	KindWeather Kind = "weather"
	KindWater   Kind = "water"
	KindThermo  Kind = "thermo"
	KindOther   Kind = "other"
)

// usageKinds maps the gateway's usage strings to kinds. Unknown usages map
// to KindOther; the original usage stays available on the device.
var usageKinds = map[string]Kind{
	"shutter":            KindShutter,
	"klineShutter":       KindShutter,
	"awning":             KindShutter,
	"swingShutter":       KindShutter,
	"window":             KindWindow,
	"windowFrench":       KindWindow,
	"windowSliding":      KindWindow,
	"klineWindowFrench":  KindWindow,
	"klineWindowSliding": KindWindow,
	"belmDoor":           KindDoor,
	"klineDoor":          KindDoor,
	"garage_door":        KindGarage,
	"gate":               KindGate,
	"light":              KindLight,
	"conso":              KindEnergy,
	"sensorDFR":          KindSmoke,
	"boiler":             KindBoiler,
	"sh_hvac":            KindBoiler,
	"electric":           KindBoiler,
	"aeraulic":           KindBoiler,
	"alarm":              KindAlarm,
	"weather":            KindWeather,
	"sensorDF":           KindWater,
	"sensorThermo":       KindThermo,
}

// KindForUsage maps a usage string to its Kind.
func KindForUsage(usage string) Kind {
	if k, ok := usageKinds[usage]; ok {
		return k
	}
	return KindOther
}

// UniqueID builds the catalog key for an endpoint/device pair.
func UniqueID(endpointID, deviceID int) string {
	return fmt.Sprintf("%d_%d", endpointID, deviceID)
}

// Device is one hydrated endpoint as carried in a Devices message.
type Device struct {
	ID         int                       `json:"id"`
	EndpointID int                       `json:"endpoint_id"`
	UniqueID   string                    `json:"unique_id"`
	Name       string                    `json:"name,omitempty"`
	Usage      string                    `json:"usage,omitempty"`
	Kind       Kind                      `json:"kind,omitempty"`
	Data       map[string]any            `json:"data,omitempty"`
	Metadata   map[string]map[string]any `json:"metadata,omitempty"`
}

// Message is a decoded gateway message. The concrete types below form a
// closed set; Type() names the variant for event routing.
type Message interface {
	Type() string
	TransacID() string
}

// GatewayInfo carries the /info payload.
type GatewayInfo struct {
	Payload map[string]any
	TxID    string
}

func (m *GatewayInfo) Type() string      { return "gateway_info" }
func (m *GatewayInfo) TransacID() string { return m.TxID }

// Devices carries hydrated endpoint data.
type Devices struct {
	Devices []Device
	TxID    string
}

func (m *Devices) Type() string      { return "devices" }
func (m *Devices) TransacID() string { return m.TxID }

// ItemList carries one of the gateway's list files (scenarios, groups,
// moments, areas).
type ItemList struct {
	Kind  string // "scenarios", "groups", "moments", "areas"
	Items []map[string]any
	TxID  string
}

func (m *ItemList) Type() string      { return m.Kind }
func (m *ItemList) TransacID() string { return m.TxID }

// Raw is the fallback for anything the decoder does not understand, and for
// frames absorbed as catalog updates. The library always prefers emitting a
// Raw message over dropping data.
type Raw struct {
	Payload    []byte
	Frame      *Frame
	UriOrigin  string
	TxID       string
	ParseError error
}

func (m *Raw) Type() string      { return "raw" }
func (m *Raw) TransacID() string { return m.TxID }
