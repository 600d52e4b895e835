//go:build !no_mqtt

package mqtt

import (
	"fmt"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/zstack_00124B.../channel/config"
	Payload []byte
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Device            haDevice `json:"device"`
}

// nodeIdentifier names the coordinator in the HA device registry.
func nodeIdentifier(info map[string]interface{}) string {
	if ieee, ok := info["coordinator_ieee"].(string); ok && ieee != "" {
		return "zstack_" + ieee
	}
	return "zstack_coordinator"
}

// buildDiscovery generates HA discovery messages describing the
// coordinator: network state, backup status and a backup button.
func buildDiscovery(info map[string]interface{}, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	nodeID := nodeIdentifier(info)
	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "Texas Instruments",
		Model:        "Z-Stack coordinator",
		Name:         "Zigbee Coordinator",
	}
	if fw, ok := info["fw_version"].(string); ok {
		haDev.SWVersion = fw
	}

	network := prefix + "/bridge/network"
	backups := prefix + "/bridge/backup"
	return []discoveryMsg{
		buildSensor(nodeID, avail, haDev, network, "network_state", "Network State", "", "",
			"{{ value_json.state }}"),
		buildSensor(nodeID, avail, haDev, backups, "last_backup", "Last Backup", "timestamp", "",
			"{{ value_json.created_at }}"),
		buildSensor(nodeID, avail, haDev, backups, "backup_devices", "Backed Up Devices", "", "measurement",
			"{{ value_json.devices }}"),
		buildSensor(nodeID, avail, haDev, backups, "frame_counter", "Network Frame Counter", "", "total_increasing",
			"{{ value_json.frame_counter }}"),
		buildButton(nodeID, avail, haDev, prefix+"/bridge/request/backup", "backup", "Backup"),
	}
}

func buildSensor(nodeID, avail string, haDev haDevice, stateTopic,
	objectID, name, deviceClass, stateClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              name,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		EntityCategory:    "diagnostic",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildButton(nodeID, avail string, haDev haDevice, cmdTopic, objectID, name string) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/button/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              name,
		UniqueID:          nodeID + "_" + objectID,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		PayloadPress:      "{}",
		EntityCategory:    "config",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}
