// Package bridge translates the Zigbee gateway's topic space into
// canonical sensor events and maintains the registry of mesh radio
// devices behind it. The bridge never talks to radios directly; it
// consumes and publishes bridge-control topics over the mesh broker.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petalacloud/roomsense/internal/config"
	"github.com/petalacloud/roomsense/internal/mesh"
	"github.com/petalacloud/roomsense/internal/metrics"
	"github.com/petalacloud/roomsense/internal/sensor"
)

// sourceTag identifies this bridge in event metadata.
const sourceTag = "zigbee-bridge"

// Conn is the slice of the mesh client the bridge needs. Narrowing to
// an interface keeps the bridge testable without a live broker.
type Conn interface {
	SubscribeMultiple(ctx context.Context, topics map[string]byte) error
	Publish(ctx context.Context, topic string, payload any, opts mesh.PublishOptions) error
	OnMessage(fn func(mesh.Message))
}

// Bridge consumes the Zigbee gateway's topic space, maintains the
// device registry, and emits canonical sensor events for device updates
// it can translate.
type Bridge struct {
	conn     Conn
	base     string
	tenantID string
	vertical string
	logger   *slog.Logger

	mu          sync.RWMutex
	initialized bool
	devices     map[string]*Device // by address
	byName      map[string]*Device // by advertised friendly name
	rooms       map[string]string  // device address → room id
	generation  uint64

	lmu            sync.RWMutex
	sensorFns      []func(sensor.Event)
	updateFns      []func(deviceName string, payload map[string]any)
	joinedFns      []func(name, address string)
	leftFns        []func(name, address string)
	interviewFns   []func(name, address, status string)
	bridgeEventFns []func(eventType string, data map[string]any)
}

// New creates a Bridge over an existing mesh connection. The device→room
// mapping seeds from cfg.DeviceRooms and can be extended at runtime via
// MapDeviceToRoom. Call [Bridge.Initialize] once the mesh is connected.
func New(conn Conn, cfg config.BridgeConfig, tenantID, vertical string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}

	base := strings.TrimSuffix(cfg.BaseTopic, "/")
	if base == "" {
		base = "zigbee2mqtt"
	}

	rooms := make(map[string]string, len(cfg.DeviceRooms))
	for addr, room := range cfg.DeviceRooms {
		rooms[addr] = room
	}

	return &Bridge{
		conn:     conn,
		base:     base,
		tenantID: tenantID,
		vertical: vertical,
		logger:   logger,
		devices:  make(map[string]*Device),
		byName:   make(map[string]*Device),
		rooms:    rooms,
	}
}

// Initialize subscribes to the bridge-control topics and the per-device
// wildcard, hooks into the mesh message stream, and requests an initial
// device-list snapshot. Idempotent: re-invocation after a successful
// initialization is a no-op.
func (b *Bridge) Initialize(ctx context.Context) error {
	b.mu.Lock()
	if b.initialized {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	topics := map[string]byte{
		b.base + "/bridge/state":   1,
		b.base + "/bridge/devices": 1,
		b.base + "/bridge/event":   1,
		b.base + "/+":              0,
	}
	if err := b.conn.SubscribeMultiple(ctx, topics); err != nil {
		return err
	}

	b.conn.OnMessage(b.handleMessage)

	b.mu.Lock()
	b.initialized = true
	b.mu.Unlock()

	return b.requestDevices(ctx)
}

// handleMessage is the bridge's tap on the mesh message stream. Traffic
// outside the bridge base topic is ignored.
func (b *Bridge) handleMessage(m mesh.Message) {
	prefix := b.base + "/"
	if !strings.HasPrefix(m.Topic, prefix) {
		return
	}
	rest := strings.TrimPrefix(m.Topic, prefix)

	switch {
	case rest == "bridge/state":
		b.logger.Info("zigbee bridge state", "state", strings.TrimSpace(string(m.Raw)))
	case rest == "bridge/devices":
		b.handleDeviceList(m.Raw)
	case rest == "bridge/event":
		b.handleBridgeEvent(m.Raw)
	case strings.HasPrefix(rest, "bridge/"):
		// Control-plane request/response echoes; nothing to do.
	case strings.Contains(rest, "/"):
		// Per-device set/get command topics, not state updates.
	default:
		b.handleDeviceUpdate(rest, m)
	}
}

// handleDeviceList replaces the registry wholesale from a snapshot. The
// registry is generation-numbered: each snapshot clears and rebuilds it,
// never merges.
func (b *Bridge) handleDeviceList(payload []byte) {
	devices, err := parseDeviceList(payload)
	if err != nil {
		b.logger.Warn("zigbee device list unreadable", "error", err)
		return
	}

	b.mu.Lock()
	b.devices = make(map[string]*Device, len(devices))
	b.byName = make(map[string]*Device, len(devices))
	for i := range devices {
		d := &devices[i]
		b.devices[d.Address] = d
		b.byName[d.Name] = d
	}
	b.generation++
	gen := b.generation
	b.mu.Unlock()

	metrics.BridgeDevices.Set(float64(len(devices)))
	b.logger.Info("zigbee device registry rebuilt",
		"devices", len(devices),
		"generation", gen,
	)
}

// handleBridgeEvent classifies control-plane events. Join/leave/
// interview are re-emitted as typed notifications; anything else passes
// through as a generic bridge event.
func (b *Bridge) handleBridgeEvent(payload []byte) {
	var ev struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.logger.Warn("zigbee bridge event unreadable", "error", err)
		return
	}

	name, _ := ev.Data["friendly_name"].(string)
	address, _ := ev.Data["ieee_address"].(string)

	switch ev.Type {
	case "device_joined":
		b.logger.Info("zigbee device joined", "device", name, "address", address)
		b.notifyJoined(name, address)
	case "device_leave":
		b.logger.Info("zigbee device left", "device", name, "address", address)
		b.notifyLeft(name, address)
	case "device_interview":
		status, _ := ev.Data["status"].(string)
		b.logger.Debug("zigbee device interview", "device", name, "status", status)
		b.notifyInterview(name, address, status)
	default:
		b.notifyBridgeEvent(ev.Type, ev.Data)
	}
}

// handleDeviceUpdate translates a per-device state update. Updates from
// devices absent from the registry are dropped with a warning — the
// device is not yet trusted, and silently losing its readings is the
// intended behavior.
func (b *Bridge) handleDeviceUpdate(name string, m mesh.Message) {
	b.mu.Lock()
	dev, known := b.byName[name]
	if !known {
		b.mu.Unlock()
		metrics.BridgeUnknownDevices.Inc()
		b.logger.Warn("zigbee update from unknown device, dropping", "device", name)
		return
	}
	dev.LastSeen = time.Now().UTC()
	address := dev.Address
	room, mapped := b.rooms[address]
	b.mu.Unlock()

	if !mapped {
		room = "unknown"
	}

	payload, isObject := m.Payload.(map[string]any)

	// The raw update is re-emitted unmodified for observers that want
	// vendor fields the translator does not cover.
	b.notifyDeviceUpdate(name, payload)

	if !isObject {
		return
	}

	evType, value, unit, ok := Translate(payload)
	if !ok {
		return
	}

	ev := sensor.Event{
		ID:        uuid.NewString(),
		Type:      evType,
		DeviceID:  address,
		TenantID:  b.tenantID,
		Vertical:  b.vertical,
		Timestamp: time.Now().UTC(),
		Value:     value,
		Unit:      unit,
		Metadata: sensor.Metadata{
			Room:   room,
			Source: sourceTag,
		},
	}

	metrics.BridgeTranslations.WithLabelValues(string(evType)).Inc()
	metrics.SensorEvents.WithLabelValues(string(evType)).Inc()
	b.notifySensor(ev)
}

// SendCommand publishes a command to a device's command topic.
func (b *Bridge) SendCommand(ctx context.Context, deviceName string, command any) error {
	return b.conn.Publish(ctx, b.base+"/"+deviceName+"/set", command, mesh.PublishOptions{QoS: 1})
}

// RequestDeviceState asks a device to publish its current state.
func (b *Bridge) RequestDeviceState(ctx context.Context, deviceName string) error {
	return b.conn.Publish(ctx, b.base+"/"+deviceName+"/get", map[string]any{"state": ""}, mesh.PublishOptions{QoS: 1})
}

// EnablePairing opens the network for new devices to join for the given
// number of seconds.
func (b *Bridge) EnablePairing(ctx context.Context, timeoutSeconds int) error {
	return b.conn.Publish(ctx, b.base+"/bridge/request/permit_join",
		map[string]any{"value": true, "time": timeoutSeconds},
		mesh.PublishOptions{QoS: 1})
}

// DisablePairing closes the network to new devices.
func (b *Bridge) DisablePairing(ctx context.Context) error {
	return b.conn.Publish(ctx, b.base+"/bridge/request/permit_join",
		map[string]any{"value": false},
		mesh.PublishOptions{QoS: 1})
}

// requestDevices asks the gateway for a device-list snapshot.
func (b *Bridge) requestDevices(ctx context.Context) error {
	return b.conn.Publish(ctx, b.base+"/bridge/request/devices", "", mesh.PublishOptions{QoS: 1})
}

// Devices returns a copy of the registry, sorted by name.
func (b *Bridge) Devices() []Device {
	b.mu.RLock()
	out := make([]Device, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, *d)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Device looks up a registry entry by address.
func (b *Bridge) Device(address string) (Device, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.devices[address]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// MapDeviceToRoom associates a device address with a room so translated
// events carry the owning room. The mapping is in-memory only; it is
// not persisted by the bridge.
func (b *Bridge) MapDeviceToRoom(address, roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms[address] = roomID
}

// Generation returns the registry snapshot generation counter.
func (b *Bridge) Generation() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.generation
}

// OnSensorEvent registers a callback for translated canonical events.
func (b *Bridge) OnSensorEvent(fn func(sensor.Event)) {
	b.lmu.Lock()
	defer b.lmu.Unlock()
	b.sensorFns = append(b.sensorFns, fn)
}

// OnDeviceUpdate registers a callback for raw per-device updates,
// fired for every update from a known device whether or not it
// translates to a canonical event.
func (b *Bridge) OnDeviceUpdate(fn func(deviceName string, payload map[string]any)) {
	b.lmu.Lock()
	defer b.lmu.Unlock()
	b.updateFns = append(b.updateFns, fn)
}

// OnDeviceJoined registers a callback for device-joined bridge events.
func (b *Bridge) OnDeviceJoined(fn func(name, address string)) {
	b.lmu.Lock()
	defer b.lmu.Unlock()
	b.joinedFns = append(b.joinedFns, fn)
}

// OnDeviceLeft registers a callback for device-leave bridge events.
func (b *Bridge) OnDeviceLeft(fn func(name, address string)) {
	b.lmu.Lock()
	defer b.lmu.Unlock()
	b.leftFns = append(b.leftFns, fn)
}

// OnDeviceInterview registers a callback for interview-progress events.
func (b *Bridge) OnDeviceInterview(fn func(name, address, status string)) {
	b.lmu.Lock()
	defer b.lmu.Unlock()
	b.interviewFns = append(b.interviewFns, fn)
}

// OnBridgeEvent registers a callback for control-plane events that are
// not join/leave/interview.
func (b *Bridge) OnBridgeEvent(fn func(eventType string, data map[string]any)) {
	b.lmu.Lock()
	defer b.lmu.Unlock()
	b.bridgeEventFns = append(b.bridgeEventFns, fn)
}

func (b *Bridge) notifySensor(ev sensor.Event) {
	b.lmu.RLock()
	fns := b.sensorFns
	b.lmu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (b *Bridge) notifyDeviceUpdate(name string, payload map[string]any) {
	b.lmu.RLock()
	fns := b.updateFns
	b.lmu.RUnlock()
	for _, fn := range fns {
		fn(name, payload)
	}
}

func (b *Bridge) notifyJoined(name, address string) {
	b.lmu.RLock()
	fns := b.joinedFns
	b.lmu.RUnlock()
	for _, fn := range fns {
		fn(name, address)
	}
}

func (b *Bridge) notifyLeft(name, address string) {
	b.lmu.RLock()
	fns := b.leftFns
	b.lmu.RUnlock()
	for _, fn := range fns {
		fn(name, address)
	}
}

func (b *Bridge) notifyInterview(name, address, status string) {
	b.lmu.RLock()
	fns := b.interviewFns
	b.lmu.RUnlock()
	for _, fn := range fns {
		fn(name, address, status)
	}
}

func (b *Bridge) notifyBridgeEvent(eventType string, data map[string]any) {
	b.lmu.RLock()
	fns := b.bridgeEventFns
	b.lmu.RUnlock()
	for _, fn := range fns {
		fn(eventType, data)
	}
}
