package occupancy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petalacloud/roomsense/internal/sensor"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu        sync.Mutex
	rooms     map[string]Room
	published []Room
	saveErr   error
}

func newMemStore() *memStore {
	return &memStore{rooms: make(map[string]Room)}
}

func (s *memStore) SaveRoom(ctx context.Context, room *Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.rooms[room.RoomID] = *room
	return nil
}

func (s *memStore) LoadRoom(ctx context.Context, roomID string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return &room, nil
}

func (s *memStore) RoomIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memStore) PublishUpdate(ctx context.Context, room *Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, *room)
	return nil
}

func (s *memStore) SubscribeUpdates(ctx context.Context, fn func(Room)) (func(), error) {
	return func() {}, nil
}

func (s *memStore) Ping(ctx context.Context) error { return nil }
func (s *memStore) Close() error                   { return nil }

func (s *memStore) saved(roomID string) (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	return r, ok
}

func newTestEngine(t *testing.T, timeout time.Duration) (*Engine, *memStore) {
	t.Helper()
	store := newMemStore()
	e := New(Config{
		Namespace:         "petala",
		TenantID:          "clinic-12",
		Vertical:          "dental",
		InactivityTimeout: timeout,
	}, store, nil, nil)
	t.Cleanup(e.Close)
	return e, store
}

// edgeRecorder collects edge notifications thread-safely (evictions fire
// on timer goroutines).
type edgeRecorder struct {
	mu        sync.Mutex
	occupied  []string
	available []string
}

func (r *edgeRecorder) attach(e *Engine) {
	e.OnRoomOccupied(func(room Room) {
		r.mu.Lock()
		r.occupied = append(r.occupied, room.RoomID)
		r.mu.Unlock()
	})
	e.OnRoomAvailable(func(room Room) {
		r.mu.Lock()
		r.available = append(r.available, room.RoomID)
		r.mu.Unlock()
	})
}

func (r *edgeRecorder) counts() (occupied, available int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.occupied), len(r.available)
}

func TestRegisterRoom(t *testing.T) {
	e, store := newTestEngine(t, time.Minute)

	err := e.RegisterRoom(RoomSpec{RoomID: "exam-2", RoomName: "Exam Room 2", Sensors: []string{"motion-01"}})
	if err != nil {
		t.Fatalf("RegisterRoom error: %v", err)
	}

	room, err := e.RoomState(context.Background(), "exam-2")
	if err != nil {
		t.Fatalf("RoomState error: %v", err)
	}
	if room.Status != StatusAvailable || room.IsOccupied {
		t.Errorf("new room = %+v, want available and vacant", room)
	}
	if len(room.Sensors) != 1 || room.Sensors[0] != "motion-01" {
		t.Errorf("sensors = %v", room.Sensors)
	}

	if _, ok := store.saved("exam-2"); !ok {
		t.Error("registration must persist the room")
	}
}

func TestRegisterRoom_RequiresID(t *testing.T) {
	e, _ := newTestEngine(t, time.Minute)
	if err := e.RegisterRoom(RoomSpec{}); err == nil {
		t.Fatal("RegisterRoom without id should error")
	}
}

func TestSetRoomOccupied_EdgeTriggered(t *testing.T) {
	e, store := newTestEngine(t, time.Minute)
	e.RegisterRoom(RoomSpec{RoomID: "exam-2"})

	rec := &edgeRecorder{}
	rec.attach(e)

	// Three consecutive assertions: exactly one occupied edge.
	for i := 0; i < 3; i++ {
		if err := e.SetRoomOccupied("exam-2", true, nil); err != nil {
			t.Fatalf("SetRoomOccupied error: %v", err)
		}
	}

	occ, avail := rec.counts()
	if occ != 1 {
		t.Errorf("occupied edges = %d, want 1", occ)
	}
	if avail != 0 {
		t.Errorf("available edges = %d, want 0", avail)
	}

	room, _ := store.saved("exam-2")
	if !room.IsOccupied || room.Status != StatusOccupied || room.OccupantCount != 1 {
		t.Errorf("persisted room = %+v", room)
	}

	// Clearing twice: exactly one available edge.
	e.SetRoomOccupied("exam-2", false, nil)
	e.SetRoomOccupied("exam-2", false, nil)

	occ, avail = rec.counts()
	if occ != 1 || avail != 1 {
		t.Errorf("edges = %d/%d, want 1/1", occ, avail)
	}

	room, _ = store.saved("exam-2")
	if room.IsOccupied || room.OccupantCount != 0 || room.Status != StatusAvailable {
		t.Errorf("vacated room = %+v", room)
	}
}

func TestSetRoomOccupied_UnknownRoom(t *testing.T) {
	e, _ := newTestEngine(t, time.Minute)
	if err := e.SetRoomOccupied("ghost", true, nil); err != ErrUnknownRoom {
		t.Errorf("err = %v, want ErrUnknownRoom", err)
	}
}

func TestVacatingClearsAppointmentLinkage(t *testing.T) {
	e, _ := newTestEngine(t, time.Minute)
	e.RegisterRoom(RoomSpec{RoomID: "exam-2"})

	e.AssignAppointment("exam-2", "apt-7", "pat-3", "dr-1")
	e.SetRoomOccupied("exam-2", true, nil)
	e.SetRoomOccupied("exam-2", false, nil)

	room, _ := e.RoomState(context.Background(), "exam-2")
	if room.AppointmentID != "" || room.PatientID != "" || room.ProviderID != "" {
		t.Errorf("linkage survived vacancy: %+v", room)
	}
}

func TestAssignAppointment(t *testing.T) {
	e, _ := newTestEngine(t, time.Minute)
	e.RegisterRoom(RoomSpec{RoomID: "exam-2"})

	if err := e.AssignAppointment("exam-2", "apt-7", "pat-3", "dr-1"); err != nil {
		t.Fatalf("AssignAppointment error: %v", err)
	}

	room, _ := e.RoomState(context.Background(), "exam-2")
	if room.Status != StatusReserved {
		t.Errorf("status = %q, want reserved", room.Status)
	}
	if room.AppointmentID != "apt-7" || room.PatientID != "pat-3" || room.ProviderID != "dr-1" {
		t.Errorf("linkage = %+v", room)
	}
	if room.IsOccupied {
		t.Error("reservation must not assert occupancy")
	}
}

func TestUpdateOccupantCount(t *testing.T) {
	e, _ := newTestEngine(t, time.Minute)
	e.RegisterRoom(RoomSpec{RoomID: "waiting"})

	type change struct{ old, new int }
	var changes []change
	e.OnCountChanged(func(_ Room, oldCount, newCount int) {
		changes = append(changes, change{oldCount, newCount})
	})

	rec := &edgeRecorder{}
	rec.attach(e)

	e.UpdateOccupantCount("waiting", 3)
	e.UpdateOccupantCount("waiting", 5)
	e.UpdateOccupantCount("waiting", 0)

	want := []change{{0, 3}, {3, 5}, {5, 0}}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change[%d] = %v, want %v", i, changes[i], want[i])
		}
	}

	// The count path does not emit occupied/available edges.
	occ, avail := rec.counts()
	if occ != 0 || avail != 0 {
		t.Errorf("count path emitted edges: %d/%d", occ, avail)
	}

	room, _ := e.RoomState(context.Background(), "waiting")
	if room.IsOccupied || room.Status != StatusAvailable {
		t.Errorf("room after count 0 = %+v", room)
	}
}

func TestUpdateOccupantCount_NegativeClamped(t *testing.T) {
	e, _ := newTestEngine(t, time.Minute)
	e.RegisterRoom(RoomSpec{RoomID: "waiting"})

	e.UpdateOccupantCount("waiting", -4)

	room, _ := e.RoomState(context.Background(), "waiting")
	if room.OccupantCount != 0 || room.IsOccupied {
		t.Errorf("room = %+v, want clamped to 0", room)
	}
}

func TestSetRoomMaintenance(t *testing.T) {
	e, _ := newTestEngine(t, time.Minute)
	e.RegisterRoom(RoomSpec{RoomID: "exam-2"})
	e.SetRoomOccupied("exam-2", true, nil)

	if err := e.SetRoomMaintenance("exam-2", StatusCleaning); err != nil {
		t.Fatalf("SetRoomMaintenance error: %v", err)
	}

	room, _ := e.RoomState(context.Background(), "exam-2")
	if room.Status != StatusCleaning || room.IsOccupied || room.OccupantCount != 0 {
		t.Errorf("room = %+v, want cleaning and vacant", room)
	}

	// Sensors keep overriding maintenance; the status is advisory.
	e.SetRoomOccupied("exam-2", true, nil)
	room, _ = e.RoomState(context.Background(), "exam-2")
	if room.Status != StatusOccupied {
		t.Errorf("sensor transition should override maintenance, got %q", room.Status)
	}
}

func TestSetRoomMaintenance_InvalidStatus(t *testing.T) {
	e, _ := newTestEngine(t, time.Minute)
	e.RegisterRoom(RoomSpec{RoomID: "exam-2"})

	if err := e.SetRoomMaintenance("exam-2", StatusOccupied); err == nil {
		t.Fatal("occupied is not a maintenance status")
	}
}

func TestHandleSensorEvent_DrivesOccupancy(t *testing.T) {
	e, _ := newTestEngine(t, time.Minute)
	e.RegisterRoom(RoomSpec{RoomID: "exam-2"})

	ev := func(t sensor.EventType, v any) sensor.Event {
		return sensor.Event{
			Type:     t,
			DeviceID: "dev-1",
			Value:    v,
			Metadata: sensor.Metadata{Room: "exam-2"},
		}
	}

	e.HandleSensorEvent(ev(sensor.MotionDetected, true))
	room, _ := e.RoomState(context.Background(), "exam-2")
	if !room.IsOccupied {
		t.Fatal("motion.detected should occupy the room")
	}

	e.HandleSensorEvent(ev(sensor.OccupancyCleared, false))
	room, _ = e.RoomState(context.Background(), "exam-2")
	if room.IsOccupied {
		t.Fatal("occupancy.cleared should vacate the room")
	}

	e.HandleSensorEvent(ev(sensor.OccupancyCountChanged, 4.0))
	room, _ = e.RoomState(context.Background(), "exam-2")
	if room.OccupantCount != 4 {
		t.Errorf("count = %d, want 4", room.OccupantCount)
	}

	// Environmental readings are not occupancy signals.
	e.HandleSensorEvent(ev(sensor.TemperatureChanged, 22.5))
	room, _ = e.RoomState(context.Background(), "exam-2")
	if room.OccupantCount != 4 {
		t.Error("temperature event must not change occupancy")
	}
}

func TestHandleSensorEvent_UnknownRoomDropped(t *testing.T) {
	e, store := newTestEngine(t, time.Minute)

	e.HandleSensorEvent(sensor.Event{
		Type:     sensor.MotionDetected,
		DeviceID: "dev-1",
		Value:    true,
		Metadata: sensor.Metadata{Room: "nowhere"},
	})

	if _, ok := store.saved("nowhere"); ok {
		t.Error("unknown room must not be created implicitly")
	}
}

func TestEviction_AutoVacatesAfterInactivity(t *testing.T) {
	e, _ := newTestEngine(t, 40*time.Millisecond)
	e.RegisterRoom(RoomSpec{RoomID: "exam-2"})

	rec := &edgeRecorder{}
	rec.attach(e)

	e.SetRoomOccupied("exam-2", true, nil)

	deadline := time.After(2 * time.Second)
	for {
		room, _ := e.RoomState(context.Background(), "exam-2")
		if !room.IsOccupied {
			break
		}
		select {
		case <-deadline:
			t.Fatal("room was not auto-vacated")
		case <-time.After(10 * time.Millisecond):
		}
	}

	_, avail := rec.counts()
	if avail != 1 {
		t.Errorf("available edges = %d, want 1", avail)
	}
}

func TestEviction_ActivityExtendsWindow(t *testing.T) {
	e, _ := newTestEngine(t, 60*time.Millisecond)
	e.RegisterRoom(RoomSpec{RoomID: "exam-2"})

	e.SetRoomOccupied("exam-2", true, nil)

	// Keep re-asserting well past the original window.
	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		e.SetRoomOccupied("exam-2", true, nil)
	}

	room, _ := e.RoomState(context.Background(), "exam-2")
	if !room.IsOccupied {
		t.Error("activity inside the window must keep the room occupied")
	}
}

func TestEviction_DoorOpenedExtendsWindow(t *testing.T) {
	e, _ := newTestEngine(t, 60*time.Millisecond)
	e.RegisterRoom(RoomSpec{RoomID: "exam-2"})

	e.SetRoomOccupied("exam-2", true, nil)

	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		e.HandleSensorEvent(sensor.Event{
			Type:     sensor.DoorOpened,
			DeviceID: "door-1",
			Value:    true,
			Metadata: sensor.Metadata{Room: "exam-2"},
		})
	}

	room, _ := e.RoomState(context.Background(), "exam-2")
	if !room.IsOccupied {
		t.Error("door.opened must extend the eviction window")
	}
}

func TestEviction_CancelledOnExplicitVacate(t *testing.T) {
	e, _ := newTestEngine(t, 40*time.Millisecond)
	e.RegisterRoom(RoomSpec{RoomID: "exam-2"})

	rec := &edgeRecorder{}
	rec.attach(e)

	e.SetRoomOccupied("exam-2", true, nil)
	e.SetRoomOccupied("exam-2", false, nil)

	// Wait out the original window; the cancelled timer must not fire a
	// second available edge.
	time.Sleep(100 * time.Millisecond)

	_, avail := rec.counts()
	if avail != 1 {
		t.Errorf("available edges = %d, want exactly 1", avail)
	}
}

func TestPersistFailureDoesNotBlockTransitions(t *testing.T) {
	e, store := newTestEngine(t, time.Minute)
	e.RegisterRoom(RoomSpec{RoomID: "exam-2"})

	store.mu.Lock()
	store.saveErr = context.DeadlineExceeded
	store.mu.Unlock()

	rec := &edgeRecorder{}
	rec.attach(e)

	if err := e.SetRoomOccupied("exam-2", true, nil); err != nil {
		t.Fatalf("store failure must not surface: %v", err)
	}
	occ, _ := rec.counts()
	if occ != 1 {
		t.Error("transition must proceed despite persist failure")
	}
}

func TestRoomState_FallsBackToStore(t *testing.T) {
	e, store := newTestEngine(t, time.Minute)

	// A room owned by some other instance exists only in the store.
	store.mu.Lock()
	store.rooms["remote-1"] = Room{RoomID: "remote-1", IsOccupied: true, Status: StatusOccupied}
	store.mu.Unlock()

	room, err := e.RoomState(context.Background(), "remote-1")
	if err != nil {
		t.Fatalf("RoomState error: %v", err)
	}
	if !room.IsOccupied {
		t.Errorf("room = %+v", room)
	}

	if _, err := e.RoomState(context.Background(), "ghost"); err != ErrNotFound {
		t.Errorf("missing room err = %v, want ErrNotFound", err)
	}
}

func TestAllRooms(t *testing.T) {
	e, _ := newTestEngine(t, time.Minute)
	e.RegisterRoom(RoomSpec{RoomID: "exam-1"})
	e.RegisterRoom(RoomSpec{RoomID: "exam-2"})

	rooms, err := e.AllRooms(context.Background())
	if err != nil {
		t.Fatalf("AllRooms error: %v", err)
	}
	if len(rooms) != 2 {
		t.Errorf("rooms = %d, want 2", len(rooms))
	}
}

func TestRestore(t *testing.T) {
	store := newMemStore()
	store.rooms["exam-1"] = Room{RoomID: "exam-1", IsOccupied: true, Status: StatusOccupied, OccupantCount: 1}
	store.rooms["exam-2"] = Room{RoomID: "exam-2", Status: StatusAvailable}

	e := New(Config{InactivityTimeout: 50 * time.Millisecond}, store, nil, nil)
	t.Cleanup(e.Close)

	if err := e.Restore(context.Background()); err != nil {
		t.Fatalf("Restore error: %v", err)
	}

	room, err := e.RoomState(context.Background(), "exam-1")
	if err != nil || !room.IsOccupied {
		t.Fatalf("restored room = %+v, %v", room, err)
	}

	// A restored occupied room must self-heal via the eviction timer.
	deadline := time.After(2 * time.Second)
	for {
		room, _ := e.RoomState(context.Background(), "exam-1")
		if !room.IsOccupied {
			break
		}
		select {
		case <-deadline:
			t.Fatal("restored occupancy never timed out")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEveryMutationPublishesUpdate(t *testing.T) {
	e, store := newTestEngine(t, time.Minute)

	e.RegisterRoom(RoomSpec{RoomID: "exam-2"})
	e.SetRoomOccupied("exam-2", true, nil)
	e.UpdateOccupantCount("exam-2", 2)
	e.AssignAppointment("exam-2", "apt-1", "", "")
	e.SetRoomMaintenance("exam-2", StatusMaintenance)

	store.mu.Lock()
	published := len(store.published)
	store.mu.Unlock()
	if published != 5 {
		t.Errorf("published updates = %d, want 5 (one per mutation)", published)
	}
}
