package tydom

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Command is a ready-to-send request frame. Transac-Ids are chosen by the
// caller; the builders never allocate them.
type Command []byte

// Ping asks the gateway for a pong.
func Ping(tx string) Command {
	return marshalRequest("GET", "/ping", tx, nil)
}

// RefreshAll asks the gateway to push fresh data for every endpoint.
func RefreshAll(tx string) Command {
	return marshalRequest("POST", "/refresh/all", tx, nil)
}

// GetInfo requests gateway information.
func GetInfo(tx string) Command {
	return marshalRequest("GET", "/info", tx, nil)
}

// GetGeoloc requests the gateway's geolocation configuration.
func GetGeoloc(tx string) Command {
	return marshalRequest("GET", "/configs/gateway/geoloc", tx, nil)
}

// GetLocalClaim requests the local API claim state.
func GetLocalClaim(tx string) Command {
	return marshalRequest("GET", "/configs/gateway/local_claim", tx, nil)
}

// GetDevicesMeta requests metadata for all devices.
func GetDevicesMeta(tx string) Command {
	return marshalRequest("GET", "/devices/meta", tx, nil)
}

// GetDevicesData requests current data for all devices.
func GetDevicesData(tx string) Command {
	return marshalRequest("GET", "/devices/data", tx, nil)
}

// GetDevicesCmeta requests computed-data metadata for all devices.
func GetDevicesCmeta(tx string) Command {
	return marshalRequest("GET", "/devices/cmeta", tx, nil)
}

// GetConfigsFile requests the endpoint naming configuration.
func GetConfigsFile(tx string) Command {
	return marshalRequest("GET", "/configs/file", tx, nil)
}

// GetAreasMeta requests metadata for all areas.
func GetAreasMeta(tx string) Command {
	return marshalRequest("GET", "/areas/meta", tx, nil)
}

// GetAreasCmeta requests computed-data metadata for all areas.
func GetAreasCmeta(tx string) Command {
	return marshalRequest("GET", "/areas/cmeta", tx, nil)
}

// GetAreasData requests current data for all areas.
func GetAreasData(tx string) Command {
	return marshalRequest("GET", "/areas/data", tx, nil)
}

// GetMomentsFile requests the moments configuration.
func GetMomentsFile(tx string) Command {
	return marshalRequest("GET", "/moments/file", tx, nil)
}

// GetScenariosFile requests the scenarios configuration.
func GetScenariosFile(tx string) Command {
	return marshalRequest("GET", "/scenarios/file", tx, nil)
}

// GetGroupsFile requests the groups configuration.
func GetGroupsFile(tx string) Command {
	return marshalRequest("GET", "/groups/file", tx, nil)
}

// PutApiMode switches the gateway to API mode.
func PutApiMode(tx string) Command {
	return marshalRequest("PUT", "/configs/gateway/api_mode", tx, nil)
}

// UpdateFirmware triggers a gateway firmware update.
func UpdateFirmware(tx string) Command {
	return marshalRequest("PUT", "/configs/gateway/update_firmware", tx, nil)
}

// GetDeviceData requests data for a single device. Legacy firmware expects
// the same id in both path segments; do not "fix" this.
func GetDeviceData(tx string, deviceID int) Command {
	return marshalRequest("GET", fmt.Sprintf("/devices/%d/endpoints/%d/data", deviceID, deviceID), tx, nil)
}

// PollDeviceData re-requests a previously seen data URL.
func PollDeviceData(tx, url string) Command {
	return marshalRequest("GET", url, tx, nil)
}

// ActivateScenario triggers a scenario by id.
func ActivateScenario(tx string, scenarioID int) Command {
	return marshalRequest("PUT", fmt.Sprintf("/scenarios/%d", scenarioID), tx, nil)
}

// PutData writes a single named value to an arbitrary path. This legacy
// surface stringifies every scalar: true becomes "true", 42 becomes "42",
// nil becomes "null". PutDevicesData is the typed variant; the asymmetry
// matches the vendor protocol.
func PutData(tx, path, name string, value any) Command {
	body := fmt.Sprintf(`{"%s":"%s"}`, name, stringifyValue(value))
	return marshalRequest("PUT", path, tx, []byte(body))
}

// PutDevicesData writes one endpoint value, preserving JSON types.
func PutDevicesData(tx string, deviceID, endpointID int, name string, value any) Command {
	raw, err := json.Marshal(value)
	if err != nil {
		raw = []byte("null")
	}
	body := fmt.Sprintf(`[{"name":"%s","value":%s}]`, name, raw)
	path := fmt.Sprintf("/devices/%d/endpoints/%d/data", deviceID, endpointID)
	return marshalRequest("PUT", path, tx, []byte(body))
}

// AlarmCdata builds the alarm command frame(s). With legacyZones set and a
// comma-separated zoneID, one partCmd frame is produced per zone; otherwise
// a single alarmCmd frame carries the value and pin.
func AlarmCdata(tx string, deviceID, endpointID int, pin, value, zoneID string, legacyZones bool) []Command {
	if legacyZones && strings.Contains(zoneID, ",") {
		var cmds []Command
		for _, zone := range strings.Split(zoneID, ",") {
			zone = strings.TrimSpace(zone)
			if zone == "" {
				continue
			}
			path := fmt.Sprintf("/devices/%d/endpoints/%d/cdata?name=partCmd", deviceID, endpointID)
			body := fmt.Sprintf(`{"part":"%s","value":"%s","pwd":"%s"}`, zone, value, pin)
			cmds = append(cmds, marshalRequest("PUT", path, tx, []byte(body)))
		}
		return cmds
	}

	path := fmt.Sprintf("/devices/%d/endpoints/%d/cdata?name=alarmCmd", deviceID, endpointID)
	body := fmt.Sprintf(`{"value":"%s","pwd":"%s"}`, value, pin)
	return []Command{marshalRequest("PUT", path, tx, []byte(body))}
}

// AckEventsCdata acknowledges pending alarm events.
func AckEventsCdata(tx string, deviceID, endpointID int, pin string) Command {
	path := fmt.Sprintf("/devices/%d/endpoints/%d/cdata?name=ackEventCmd", deviceID, endpointID)
	body := fmt.Sprintf(`{"pwd":"%s"}`, pin)
	return marshalRequest("PUT", path, tx, []byte(body))
}

func stringifyValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		// JSON numbers arrive as float64; keep integers free of a ".0" tail.
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
