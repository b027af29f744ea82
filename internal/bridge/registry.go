package bridge

import (
	"encoding/json"
	"fmt"
	"time"
)

// DeviceKind classifies a device's role in the mesh radio network.
type DeviceKind string

const (
	KindCoordinator DeviceKind = "coordinator"
	KindRouter      DeviceKind = "router"
	KindEndDevice   DeviceKind = "end-device"
)

// Device is one entry in the bridge's registry. The registry is rebuilt
// wholesale from each device-list snapshot; entries are never merged
// incrementally.
type Device struct {
	Address        string     `json:"address"`
	Name           string     `json:"name"`
	Kind           DeviceKind `json:"kind"`
	NetworkAddress int        `json:"network_address"`
	Manufacturer   string     `json:"manufacturer,omitempty"`
	Model          string     `json:"model,omitempty"`
	PowerSource    string     `json:"power_source,omitempty"`
	LastSeen       time.Time  `json:"last_seen"`
}

// wireDevice is the vendor shape of a device-list snapshot entry.
type wireDevice struct {
	IEEEAddress    string `json:"ieee_address"`
	FriendlyName   string `json:"friendly_name"`
	Type           string `json:"type"`
	NetworkAddress int    `json:"network_address"`
	PowerSource    string `json:"power_source"`
	Definition     *struct {
		Vendor string `json:"vendor"`
		Model  string `json:"model"`
	} `json:"definition"`
}

// parseDeviceList decodes a device-list snapshot payload.
func parseDeviceList(payload []byte) ([]Device, error) {
	var wire []wireDevice
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("parse device list: %w", err)
	}

	now := time.Now().UTC()
	devices := make([]Device, 0, len(wire))
	for _, w := range wire {
		if w.IEEEAddress == "" {
			continue
		}
		d := Device{
			Address:        w.IEEEAddress,
			Name:           w.FriendlyName,
			Kind:           kindFromWire(w.Type),
			NetworkAddress: w.NetworkAddress,
			PowerSource:    w.PowerSource,
			LastSeen:       now,
		}
		if d.Name == "" {
			d.Name = w.IEEEAddress
		}
		if w.Definition != nil {
			d.Manufacturer = w.Definition.Vendor
			d.Model = w.Definition.Model
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func kindFromWire(t string) DeviceKind {
	switch t {
	case "Coordinator":
		return KindCoordinator
	case "Router":
		return KindRouter
	default:
		return KindEndDevice
	}
}
