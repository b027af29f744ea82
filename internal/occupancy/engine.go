// Package occupancy implements the authoritative per-room presence
// state machine: timeout-based eviction, persistence through an
// external store, and fan-out notification of every mutation.
//
// Deployment note: the engine assumes a single writer per tenant. The
// store is read-then-written with no concurrency token, so two engine
// instances mutating the same room would race; run one writer per
// tenant and let other instances observe via SubscribeToUpdates.
package occupancy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/petalacloud/roomsense/internal/mesh"
	"github.com/petalacloud/roomsense/internal/metrics"
	"github.com/petalacloud/roomsense/internal/sensor"
)

// ErrUnknownRoom is returned for operations naming a room that was
// never registered with this engine.
var ErrUnknownRoom = errors.New("occupancy: unknown room")

// persistTimeout bounds each store write. Writes are fire-and-forget
// with respect to the caller; a timed-out write is logged and dropped.
const persistTimeout = 5 * time.Second

// Broadcaster is the optional mesh fan-out for room state. Satisfied by
// *mesh.Client.
type Broadcaster interface {
	Publish(ctx context.Context, topic string, payload any, opts mesh.PublishOptions) error
}

// Config scopes the engine to one tenant/vertical and sets its timing.
type Config struct {
	Namespace string
	TenantID  string
	Vertical  string

	// InactivityTimeout is the eviction window: an occupied room with
	// no sensor activity for this long is auto-vacated.
	InactivityTimeout time.Duration

	// CacheTTL bounds the in-memory cache of store-backed reads for
	// rooms this instance does not own.
	CacheTTL time.Duration
}

// Engine owns room state for one tenant/vertical scope.
type Engine struct {
	cfg       Config
	store     Store
	broadcast Broadcaster // optional
	logger    *slog.Logger

	mu       sync.Mutex
	rooms    map[string]*Room
	timers   map[string]*time.Timer
	timerGen map[string]uint64
	cache    *gocache.Cache

	lmu          sync.RWMutex
	occupiedFns  []func(Room)
	availableFns []func(Room)
	updatedFns   []func(Room)
	countFns     []func(room Room, oldCount, newCount int)
}

// New creates an Engine. broadcast may be nil when mesh fan-out of room
// state is not wanted (e.g. in tests).
func New(cfg Config, store Store, broadcast Broadcaster, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 5 * time.Minute
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}

	return &Engine{
		cfg:       cfg,
		store:     store,
		broadcast: broadcast,
		logger:    logger,
		rooms:     make(map[string]*Room),
		timers:    make(map[string]*time.Timer),
		timerGen:  make(map[string]uint64),
		cache:     gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
	}
}

// RegisterRoom creates (or overwrites — no merge) a room record in
// available state and persists it.
func (e *Engine) RegisterRoom(spec RoomSpec) error {
	if spec.RoomID == "" {
		return fmt.Errorf("occupancy: room_id is required")
	}

	sensors := make([]string, len(spec.Sensors))
	copy(sensors, spec.Sensors)

	room := &Room{
		RoomID:       spec.RoomID,
		RoomName:     spec.RoomName,
		Status:       StatusAvailable,
		LastActivity: time.Now().UTC(),
		Sensors:      sensors,
	}

	e.mu.Lock()
	if old, ok := e.rooms[spec.RoomID]; ok && old.IsOccupied {
		metrics.OccupiedRooms.Dec()
	}
	e.rooms[spec.RoomID] = room
	e.cancelEvictionLocked(spec.RoomID)
	snapshot := *room
	e.mu.Unlock()

	e.logger.Info("room registered", "room", spec.RoomID, "name", spec.RoomName)
	e.persist(snapshot)
	e.notifyUpdated(snapshot)
	return nil
}

// HandleSensorEvent applies a canonical sensor event to the room named
// in its metadata. Events for unknown rooms are dropped with a warning;
// event types this engine does not care about are ignored (other
// subscribers may consume them).
func (e *Engine) HandleSensorEvent(ev sensor.Event) {
	roomID := ev.Metadata.Room
	if roomID == "" {
		e.logger.Warn("sensor event without room metadata, ignoring",
			"type", ev.Type,
			"device", ev.DeviceID,
		)
		return
	}

	e.mu.Lock()
	_, known := e.rooms[roomID]
	e.mu.Unlock()
	if !known {
		e.logger.Warn("sensor event for unknown room, ignoring",
			"room", roomID,
			"type", ev.Type,
			"device", ev.DeviceID,
		)
		return
	}

	switch ev.Type {
	case sensor.OccupancyDetected, sensor.MotionDetected, sensor.PatientArrived:
		_ = e.SetRoomOccupied(roomID, true, &ev)
	case sensor.OccupancyCleared, sensor.PatientDeparted:
		_ = e.SetRoomOccupied(roomID, false, &ev)
	case sensor.OccupancyCountChanged:
		if n, ok := ev.NumericValue(); ok {
			_ = e.UpdateOccupantCount(roomID, int(n))
		}
	case sensor.DoorOpened:
		// Anticipatory: someone may be entering. The timer is reset but
		// occupancy itself does not change.
		e.touchEviction(roomID)
	default:
		// temperature, humidity, battery, door.closed — not occupancy
		// signals.
	}
}

// SetRoomOccupied asserts or clears a room's occupancy. Transitions are
// edge-triggered: room_occupied/room_available fire exactly once per
// actual flip, while re-asserting the current state just refreshes
// last_activity (and the eviction window when occupied). Every call
// emits a generic room_updated notification.
func (e *Engine) SetRoomOccupied(roomID string, occupied bool, ev *sensor.Event) error {
	now := time.Now().UTC()
	if ev != nil && !ev.Timestamp.IsZero() {
		now = ev.Timestamp
	}

	e.mu.Lock()
	room, ok := e.rooms[roomID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownRoom
	}
	edge := e.applyOccupancyLocked(room, occupied, now)
	snapshot := *room
	e.mu.Unlock()

	switch edge {
	case edgeOccupied:
		metrics.OccupancyTransitions.WithLabelValues("occupied").Inc()
		metrics.OccupiedRooms.Inc()
		e.logger.Info("room occupied", "room", roomID)
	case edgeAvailable:
		metrics.OccupancyTransitions.WithLabelValues("available").Inc()
		metrics.OccupiedRooms.Dec()
		e.logger.Info("room available", "room", roomID)
	}

	e.persist(snapshot)

	switch edge {
	case edgeOccupied:
		e.notifyOccupied(snapshot)
	case edgeAvailable:
		e.notifyAvailable(snapshot)
	}
	e.notifyUpdated(snapshot)
	return nil
}

type occupancyEdge int

const (
	edgeNone occupancyEdge = iota
	edgeOccupied
	edgeAvailable
)

// applyOccupancyLocked mutates room state and manages the eviction
// timer. It must run under e.mu: the mutation and the timer
// cancel/reschedule happen in one synchronous block so a concurrently
// firing timer can never schedule a stale eviction against a room that
// was just re-occupied.
func (e *Engine) applyOccupancyLocked(room *Room, occupied bool, now time.Time) occupancyEdge {
	was := room.IsOccupied
	room.LastActivity = now

	switch {
	case occupied && !was:
		room.IsOccupied = true
		room.Status = StatusOccupied
		if room.OccupantCount < 1 {
			room.OccupantCount = 1
		}
		e.rescheduleEvictionLocked(room.RoomID)
		return edgeOccupied

	case occupied && was:
		// Fresh activity extends the eviction window.
		e.rescheduleEvictionLocked(room.RoomID)
		return edgeNone

	case !occupied && was:
		room.IsOccupied = false
		room.Status = StatusAvailable
		room.OccupantCount = 0
		room.AppointmentID = ""
		room.PatientID = ""
		room.ProviderID = ""
		e.cancelEvictionLocked(room.RoomID)
		return edgeAvailable

	default:
		return edgeNone
	}
}

// UpdateOccupantCount sets an explicit occupant count and derives
// is_occupied and status from it. This path does not go through the
// edge-triggered room_occupied/room_available emission; it emits a
// count-changed notification carrying both old and new counts.
func (e *Engine) UpdateOccupantCount(roomID string, count int) error {
	if count < 0 {
		count = 0
	}

	e.mu.Lock()
	room, ok := e.rooms[roomID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownRoom
	}

	old := room.OccupantCount
	was := room.IsOccupied
	room.OccupantCount = count
	room.IsOccupied = count > 0
	room.LastActivity = time.Now().UTC()
	if count > 0 {
		room.Status = StatusOccupied
		e.rescheduleEvictionLocked(roomID)
	} else {
		room.Status = StatusAvailable
		room.AppointmentID = ""
		room.PatientID = ""
		room.ProviderID = ""
		e.cancelEvictionLocked(roomID)
	}
	snapshot := *room
	e.mu.Unlock()

	if !was && count > 0 {
		metrics.OccupiedRooms.Inc()
	} else if was && count == 0 {
		metrics.OccupiedRooms.Dec()
	}

	e.persist(snapshot)
	e.notifyCountChanged(snapshot, old, count)
	e.notifyUpdated(snapshot)
	return nil
}

// AssignAppointment links a room to the external booking subsystem and
// marks it reserved. Occupancy itself is untouched; sensors keep
// driving is_occupied independently.
func (e *Engine) AssignAppointment(roomID, appointmentID, patientID, providerID string) error {
	e.mu.Lock()
	room, ok := e.rooms[roomID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownRoom
	}
	room.AppointmentID = appointmentID
	room.PatientID = patientID
	room.ProviderID = providerID
	room.Status = StatusReserved
	snapshot := *room
	e.mu.Unlock()

	e.persist(snapshot)
	e.notifyUpdated(snapshot)
	return nil
}

// SetRoomMaintenance puts a room into maintenance or cleaning, forcing
// it vacant. The eviction timer is deliberately left alone; a
// subsequent sensor event may still override this status (see package
// doc for the single-writer caveat — the reference behavior does not
// freeze sensor transitions during maintenance).
func (e *Engine) SetRoomMaintenance(roomID string, status Status) error {
	if status != StatusMaintenance && status != StatusCleaning {
		return fmt.Errorf("occupancy: invalid maintenance status %q", status)
	}

	e.mu.Lock()
	room, ok := e.rooms[roomID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownRoom
	}
	was := room.IsOccupied
	room.Status = status
	room.IsOccupied = false
	room.OccupantCount = 0
	snapshot := *room
	e.mu.Unlock()

	if was {
		metrics.OccupiedRooms.Dec()
	}

	e.persist(snapshot)
	e.notifyUpdated(snapshot)
	return nil
}

// RoomState returns a room's current record: the in-memory record for
// rooms this engine owns, then the read cache, then the store (backfilling
// the cache).
func (e *Engine) RoomState(ctx context.Context, roomID string) (*Room, error) {
	e.mu.Lock()
	if room, ok := e.rooms[roomID]; ok {
		snapshot := *room
		e.mu.Unlock()
		return &snapshot, nil
	}
	e.mu.Unlock()

	if v, ok := e.cache.Get(roomID); ok {
		snapshot := v.(Room)
		return &snapshot, nil
	}

	room, err := e.store.LoadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	e.cache.Set(roomID, *room, gocache.DefaultExpiration)
	return room, nil
}

// AllRooms enumerates every persisted room key in the engine's
// namespace and materializes each record.
func (e *Engine) AllRooms(ctx context.Context) ([]Room, error) {
	ids, err := e.store.RoomIDs(ctx)
	if err != nil {
		return nil, err
	}

	rooms := make([]Room, 0, len(ids))
	for _, id := range ids {
		room, err := e.RoomState(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // expired between SCAN and GET
			}
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, nil
}

// Restore loads persisted rooms into the engine after a restart. Rooms
// restored in occupied state get a fresh eviction timer so stale
// occupancy from before the restart self-heals.
func (e *Engine) Restore(ctx context.Context) error {
	ids, err := e.store.RoomIDs(ctx)
	if err != nil {
		return fmt.Errorf("occupancy restore: %w", err)
	}

	restored := 0
	for _, id := range ids {
		room, err := e.store.LoadRoom(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return fmt.Errorf("occupancy restore %s: %w", id, err)
		}

		e.mu.Lock()
		if _, exists := e.rooms[id]; !exists {
			e.rooms[id] = room
			if room.IsOccupied {
				metrics.OccupiedRooms.Inc()
				e.rescheduleEvictionLocked(id)
			}
			restored++
		}
		e.mu.Unlock()
	}

	if restored > 0 {
		e.logger.Info("occupancy state restored", "rooms", restored)
	}
	return nil
}

// SubscribeToUpdates opens a separate broadcast listener (distinct from
// the primary store connection) and invokes fn for every published room
// update, letting other process instances observe state without owning
// it.
func (e *Engine) SubscribeToUpdates(ctx context.Context, fn func(Room)) (stop func(), err error) {
	return e.store.SubscribeUpdates(ctx, fn)
}

// Close cancels all eviction timers. In-flight persistence is not
// cancelled; callers must tolerate a write completing after shutdown.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.timers {
		e.cancelEvictionLocked(id)
	}
}

// --- Eviction timers ---

// rescheduleEvictionLocked is the single place evictions are scheduled.
// Any existing timer for the room is cancelled first; the generation
// counter invalidates a timer that already fired but has not yet
// acquired the lock. Must run under e.mu.
func (e *Engine) rescheduleEvictionLocked(roomID string) {
	if t, ok := e.timers[roomID]; ok {
		t.Stop()
	}
	e.timerGen[roomID]++
	gen := e.timerGen[roomID]
	e.timers[roomID] = time.AfterFunc(e.cfg.InactivityTimeout, func() {
		e.evict(roomID, gen)
	})
}

// cancelEvictionLocked stops any pending eviction. Must run under e.mu.
func (e *Engine) cancelEvictionLocked(roomID string) {
	if t, ok := e.timers[roomID]; ok {
		t.Stop()
		delete(e.timers, roomID)
	}
	e.timerGen[roomID]++
}

// evict is the timer callback: vacate the room exactly as an external
// caller would, unless the timer was superseded while it was firing.
func (e *Engine) evict(roomID string, gen uint64) {
	e.mu.Lock()
	if e.timerGen[roomID] != gen {
		e.mu.Unlock()
		return
	}
	room, ok := e.rooms[roomID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.timers, roomID)
	edge := e.applyOccupancyLocked(room, false, time.Now().UTC())
	snapshot := *room
	e.mu.Unlock()

	if edge != edgeAvailable {
		return
	}

	metrics.OccupancyTransitions.WithLabelValues("available").Inc()
	metrics.OccupiedRooms.Dec()
	e.logger.Info("room auto-vacated after inactivity",
		"room", roomID,
		"window", e.cfg.InactivityTimeout.String(),
	)

	e.persist(snapshot)
	e.notifyAvailable(snapshot)
	e.notifyUpdated(snapshot)
}

// touchEviction restarts the inactivity window for an occupied room
// without mutating its state.
func (e *Engine) touchEviction(roomID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if room, ok := e.rooms[roomID]; ok && room.IsOccupied {
		e.rescheduleEvictionLocked(roomID)
	}
}

// --- Persistence and broadcast ---

// persist writes a room snapshot to the store and broadcasts the
// mutation. Failures are logged and swallowed: occupancy is a soft,
// heartbeat-style signal and the next mutation re-persists the record.
func (e *Engine) persist(room Room) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := e.store.SaveRoom(ctx, &room); err != nil {
		metrics.StoreErrors.Inc()
		e.logger.Warn("occupancy persist failed", "room", room.RoomID, "error", err)
	}
	if err := e.store.PublishUpdate(ctx, &room); err != nil {
		metrics.StoreErrors.Inc()
		e.logger.Warn("occupancy update broadcast failed", "room", room.RoomID, "error", err)
	}

	if e.broadcast != nil {
		topic := mesh.OccupancyTopic(e.cfg.Namespace, e.cfg.TenantID, e.cfg.Vertical, room.RoomID)
		err := e.broadcast.Publish(ctx, topic, room, mesh.PublishOptions{QoS: 1, Retain: true})
		if err != nil && !errors.Is(err, mesh.ErrNotConnected) {
			e.logger.Debug("occupancy mesh broadcast failed", "room", room.RoomID, "error", err)
		}
	}
}

// --- Notifications ---

// OnRoomOccupied registers a callback fired once per false→true flip.
func (e *Engine) OnRoomOccupied(fn func(Room)) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	e.occupiedFns = append(e.occupiedFns, fn)
}

// OnRoomAvailable registers a callback fired once per true→false flip.
func (e *Engine) OnRoomAvailable(fn func(Room)) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	e.availableFns = append(e.availableFns, fn)
}

// OnRoomUpdated registers a callback fired for every room mutation.
func (e *Engine) OnRoomUpdated(fn func(Room)) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	e.updatedFns = append(e.updatedFns, fn)
}

// OnCountChanged registers a callback for explicit occupant-count
// updates, carrying both the old and new counts.
func (e *Engine) OnCountChanged(fn func(room Room, oldCount, newCount int)) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	e.countFns = append(e.countFns, fn)
}

func (e *Engine) notifyOccupied(room Room) {
	e.lmu.RLock()
	fns := e.occupiedFns
	e.lmu.RUnlock()
	for _, fn := range fns {
		fn(room)
	}
}

func (e *Engine) notifyAvailable(room Room) {
	e.lmu.RLock()
	fns := e.availableFns
	e.lmu.RUnlock()
	for _, fn := range fns {
		fn(room)
	}
}

func (e *Engine) notifyUpdated(room Room) {
	e.lmu.RLock()
	fns := e.updatedFns
	e.lmu.RUnlock()
	for _, fn := range fns {
		fn(room)
	}
}

func (e *Engine) notifyCountChanged(room Room, oldCount, newCount int) {
	e.lmu.RLock()
	fns := e.countFns
	e.lmu.RUnlock()
	for _, fn := range fns {
		fn(room, oldCount, newCount)
	}
}
