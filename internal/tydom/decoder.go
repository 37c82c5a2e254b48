package tydom

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// Decoder routes parsed frames, by Uri-Origin, into typed messages, catalog
// updates and side-effect instructions.
type Decoder struct {
	catalog      *Catalog
	logger       *slog.Logger
	pollTargets  []string
	pollInterval time.Duration
}

// NewDecoder creates a decoder over the given catalog. pollTargets and
// pollInterval parameterize the SchedulePoll effect emitted once the gateway
// has introduced itself on /info; a zero interval disables it.
func NewDecoder(catalog *Catalog, pollTargets []string, pollInterval time.Duration, logger *slog.Logger) *Decoder {
	return &Decoder{
		catalog:      catalog,
		logger:       logger.With("component", "decoder"),
		pollTargets:  pollTargets,
		pollInterval: pollInterval,
	}
}

// Decode parses one incoming payload and returns the resulting message plus
// any effects it implies. Decode never fails: payloads that cannot be parsed
// come back as Raw messages.
func (d *Decoder) Decode(payload []byte) (Message, []Effect) {
	frame, err := ParseFrame(payload)
	if err != nil {
		d.logger.Debug("unparseable frame", "err", err)
		return &Raw{Payload: payload, ParseError: err}, nil
	}

	uri := frame.UriOrigin()
	if uri == "" && frame.Request {
		// Unsolicited gateway pushes name the resource in the request line.
		uri = frame.Path
	}
	tx := frame.TransacID()

	raw := func() *Raw {
		return &Raw{Payload: payload, Frame: frame, UriOrigin: uri, TxID: tx}
	}

	switch {
	case uri == "/ping":
		return raw(), []Effect{PongReceived{}}

	case uri == "/info":
		var info map[string]any
		if err := json.Unmarshal(frame.Body, &info); err != nil {
			return raw(), nil
		}
		var effects []Effect
		if d.pollInterval > 0 && len(d.pollTargets) > 0 {
			effects = append(effects, SchedulePoll{URLs: d.pollTargets, Interval: d.pollInterval})
		}
		return &GatewayInfo{Payload: info, TxID: tx}, effects

	case uri == "/configs/file":
		d.decodeConfigsFile(frame.Body)
		return raw(), nil

	case uri == "/devices/meta":
		d.decodeDevicesMeta(frame.Body)
		return raw(), nil

	case strings.Contains(uri, "/cdata"):
		effects := []Effect{CDataReplyChunk{Chunk: CDataChunk{
			TxID: tx,
			Body: append([]byte(nil), frame.Body...),
			// Multi-chunk cdata replies arrive as 206 partials; the final
			// chunk closes the transaction.
			EOR: frame.Status != 206,
		}}}
		if devices := d.decodeCData(frame.Body); len(devices) > 0 {
			return &Devices{Devices: devices, TxID: tx}, effects
		}
		return raw(), effects

	case uri == "/devices/data" || isDeviceDataURI(uri):
		if devices := d.decodeDevicesData(frame.Body); len(devices) > 0 {
			return &Devices{Devices: devices, TxID: tx}, nil
		}
		return raw(), nil

	case uri == "/scenarios/file":
		return d.decodeItemList("scenarios", frame, raw, tx)
	case uri == "/groups/file":
		return d.decodeItemList("groups", frame, raw, tx)
	case uri == "/moments/file":
		return d.decodeItemList("moments", frame, raw, tx)
	case uri == "/areas/data":
		return d.decodeItemList("areas", frame, raw, tx)

	default:
		return raw(), nil
	}
}

func isDeviceDataURI(uri string) bool {
	return strings.HasPrefix(uri, "/devices/") && strings.HasSuffix(uri, "/data")
}

// configsFile is the /configs/file body.
type configsFile struct {
	Endpoints []struct {
		IDEndpoint int    `json:"id_endpoint"`
		IDDevice   int    `json:"id_device"`
		Name       string `json:"name"`
		LastUsage  string `json:"last_usage"`
	} `json:"endpoints"`
}

func (d *Decoder) decodeConfigsFile(body []byte) {
	var cfg configsFile
	if err := json.Unmarshal(body, &cfg); err != nil {
		d.logger.Debug("configs file decode", "err", err)
		return
	}
	for _, ep := range cfg.Endpoints {
		name := ep.Name
		if ep.LastUsage == "alarm" {
			// The alarm endpoint reports a user-chosen label; the panel is
			// always a Tyxal and downstream automations key on that name.
			name = "Tyxal Alarm"
		}
		d.catalog.Upsert(CacheEntry{
			UniqueID: UniqueID(ep.IDEndpoint, ep.IDDevice),
			Name:     name,
			Usage:    ep.LastUsage,
		})
	}
	d.logger.Debug("configs file absorbed", "endpoints", len(cfg.Endpoints))
}

// devicesMeta is the /devices/meta body.
type devicesMeta []struct {
	ID        int `json:"id"`
	Endpoints []struct {
		ID       int              `json:"id"`
		Metadata []map[string]any `json:"metadata"`
	} `json:"endpoints"`
}

func (d *Decoder) decodeDevicesMeta(body []byte) {
	var meta devicesMeta
	if err := json.Unmarshal(body, &meta); err != nil {
		d.logger.Debug("devices meta decode", "err", err)
		return
	}
	for _, dev := range meta {
		for _, ep := range dev.Endpoints {
			metadata := make(map[string]map[string]any, len(ep.Metadata))
			for _, m := range ep.Metadata {
				name, _ := m["name"].(string)
				if name == "" {
					continue
				}
				attrs := make(map[string]any, len(m)-1)
				for k, v := range m {
					if k != "name" {
						attrs[k] = v
					}
				}
				metadata[name] = attrs
			}
			d.catalog.Upsert(CacheEntry{
				UniqueID: UniqueID(ep.ID, dev.ID),
				Metadata: metadata,
			})
		}
	}
}

// devicesData is the /devices/data body. The same envelope carries cdata.
type devicesData []struct {
	ID        int `json:"id"`
	Endpoints []struct {
		ID    int  `json:"id"`
		Error *int `json:"error"`
		Data  []struct {
			Name     string `json:"name"`
			Value    any    `json:"value"`
			Validity string `json:"validity"`
		} `json:"data"`
		CData []struct {
			Name       string         `json:"name"`
			Parameters map[string]any `json:"parameters"`
			Values     map[string]any `json:"values"`
		} `json:"cdata"`
	} `json:"endpoints"`
}

func (d *Decoder) decodeDevicesData(body []byte) []Device {
	var payload devicesData
	if err := json.Unmarshal(body, &payload); err != nil {
		d.logger.Debug("devices data decode", "err", err)
		return nil
	}

	var devices []Device
	for _, dev := range payload {
		for _, ep := range dev.Endpoints {
			if ep.Error != nil && *ep.Error != 0 {
				continue
			}
			uniqueID := UniqueID(ep.ID, dev.ID)
			entry, ok := d.catalog.Lookup(uniqueID)
			if !ok {
				// Data for an endpoint the gateway never introduced.
				continue
			}
			data := make(map[string]any)
			for _, item := range ep.Data {
				if item.Validity == "upToDate" {
					data[item.Name] = item.Value
				}
			}
			if len(data) == 0 {
				continue
			}
			devices = append(devices, Device{
				ID:         dev.ID,
				EndpointID: ep.ID,
				UniqueID:   uniqueID,
				Name:       entry.Name,
				Usage:      entry.Usage,
				Kind:       KindForUsage(entry.Usage),
				Data:       data,
				Metadata:   entry.Metadata,
			})
		}
	}
	return devices
}

func (d *Decoder) decodeCData(body []byte) []Device {
	var payload devicesData
	if err := json.Unmarshal(body, &payload); err != nil {
		d.logger.Debug("cdata decode", "err", err)
		return nil
	}

	var devices []Device
	for _, dev := range payload {
		for _, ep := range dev.Endpoints {
			if ep.Error != nil && *ep.Error != 0 {
				continue
			}
			uniqueID := UniqueID(ep.ID, dev.ID)
			entry, ok := d.catalog.Lookup(uniqueID)
			if !ok || entry.Usage != "conso" {
				continue
			}
			data := make(map[string]any)
			for _, item := range ep.CData {
				dest, hasDest := item.Parameters["dest"]
				counter, hasCounter := item.Values["counter"]
				switch {
				case hasDest && hasCounter:
					data[item.Name+"_"+toString(dest)] = counter
				case item.Parameters["period"] != nil:
					for k, v := range item.Values {
						data[item.Name+"_"+strings.ToUpper(k)] = v
					}
				}
			}
			if len(data) == 0 {
				continue
			}
			devices = append(devices, Device{
				ID:         dev.ID,
				EndpointID: ep.ID,
				UniqueID:   uniqueID,
				Name:       entry.Name,
				Usage:      entry.Usage,
				Kind:       KindForUsage(entry.Usage),
				Data:       data,
				Metadata:   entry.Metadata,
			})
		}
	}
	return devices
}

func (d *Decoder) decodeItemList(kind string, frame *Frame, raw func() *Raw, tx string) (Message, []Effect) {
	items, ok := decodeItems(frame.Body, kind)
	if !ok {
		return raw(), nil
	}
	return &ItemList{Kind: kind, Items: items, TxID: tx}, nil
}

// decodeItems accepts either a bare JSON array or an object wrapping the
// list under its own name ({"scenarios": [...]}); firmware versions differ.
func decodeItems(body []byte, key string) ([]map[string]any, bool) {
	var items []map[string]any
	if err := json.Unmarshal(body, &items); err == nil {
		return items, true
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, false
	}
	inner, ok := wrapped[key]
	if !ok {
		return nil, false
	}
	if err := json.Unmarshal(inner, &items); err != nil {
		return nil, false
	}
	return items, true
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}
