package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petalacloud/roomsense/internal/occupancy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory occupancy.Store for handler tests.
type memStore struct {
	mu      sync.Mutex
	rooms   map[string]occupancy.Room
	pingErr error
}

func newMemStore() *memStore {
	return &memStore{rooms: make(map[string]occupancy.Room)}
}

func (s *memStore) SaveRoom(ctx context.Context, room *occupancy.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.RoomID] = *room
	return nil
}

func (s *memStore) LoadRoom(ctx context.Context, roomID string) (*occupancy.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, occupancy.ErrNotFound
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

func (s *memStore) PublishUpdate(ctx context.Context, room *occupancy.Room) error { return nil }

func (s *memStore) SubscribeUpdates(ctx context.Context, fn func(occupancy.Room)) (func(), error) {
	return func() {}, nil
}

func (s *memStore) Ping(ctx context.Context) error { return s.pingErr }
func (s *memStore) Close() error                   { return nil }

type fakeMesh struct{ connected bool }

func (f *fakeMesh) IsConnected() bool { return f.connected }

func newTestServer(t *testing.T) (*Server, *memStore, *fakeMesh) {
	t.Helper()
	store := newMemStore()
	engine := occupancy.New(occupancy.Config{
		Namespace:         "petala",
		TenantID:          "clinic-12",
		Vertical:          "dental",
		InactivityTimeout: time.Minute,
	}, store, nil, nil)
	t.Cleanup(engine.Close)

	mesh := &fakeMesh{connected: true}
	s := NewServer("", 0, engine, mesh, store, nil, discardLogger())
	return s, store, mesh
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: bad JSON response %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w, decoded
}

func TestRoomRegisterAndGet(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.routes()

	w, room := doJSON(t, h, "POST", "/api/rooms",
		`{"room_id":"exam-2","room_name":"Exam Room 2","sensors":["motion-01"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /api/rooms = %d, want 201", w.Code)
	}
	if room["room_id"] != "exam-2" || room["status"] != "available" {
		t.Errorf("created room = %v", room)
	}

	w, room = doJSON(t, h, "GET", "/api/rooms/exam-2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET room = %d, want 200", w.Code)
	}
	if room["room_name"] != "Exam Room 2" {
		t.Errorf("room = %v", room)
	}
}

func TestRoomRegister_RequiresID(t *testing.T) {
	s, _, _ := newTestServer(t)
	w, _ := doJSON(t, s.routes(), "POST", "/api/rooms", `{"room_name":"No ID"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", w.Code)
	}
}

func TestRoomGet_NotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	w, _ := doJSON(t, s.routes(), "GET", "/api/rooms/ghost", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", w.Code)
	}
}

func TestRoomList(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.routes()

	doJSON(t, h, "POST", "/api/rooms", `{"room_id":"exam-1"}`)
	doJSON(t, h, "POST", "/api/rooms", `{"room_id":"exam-2"}`)

	w, body := doJSON(t, h, "GET", "/api/rooms", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
	if body["count"] != 2.0 {
		t.Errorf("count = %v, want 2", body["count"])
	}
}

func TestRoomOccupancyUpdate(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.routes()

	doJSON(t, h, "POST", "/api/rooms", `{"room_id":"exam-2"}`)

	w, room := doJSON(t, h, "POST", "/api/rooms/exam-2/occupancy", `{"occupied":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
	if room["is_occupied"] != true {
		t.Errorf("room = %v, want occupied", room)
	}

	w, room = doJSON(t, h, "POST", "/api/rooms/exam-2/occupancy", `{"count":4}`)
	if w.Code != http.StatusOK {
		t.Fatalf("count update code = %d", w.Code)
	}
	if room["occupant_count"] != 4.0 {
		t.Errorf("count = %v, want 4", room["occupant_count"])
	}

	w, _ = doJSON(t, h, "POST", "/api/rooms/ghost/occupancy", `{"occupied":true}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown room code = %d, want 404", w.Code)
	}
}

func TestRoomAppointment(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.routes()

	doJSON(t, h, "POST", "/api/rooms", `{"room_id":"exam-2"}`)

	w, room := doJSON(t, h, "POST", "/api/rooms/exam-2/appointment",
		`{"appointment_id":"apt-7","patient_id":"pat-3","provider_id":"dr-1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
	if room["status"] != "reserved" || room["appointment_id"] != "apt-7" {
		t.Errorf("room = %v", room)
	}

	w, _ = doJSON(t, h, "POST", "/api/rooms/exam-2/appointment", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing appointment_id code = %d, want 400", w.Code)
	}
}

func TestRoomStatus(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.routes()

	doJSON(t, h, "POST", "/api/rooms", `{"room_id":"exam-2"}`)

	w, room := doJSON(t, h, "POST", "/api/rooms/exam-2/status", `{"status":"cleaning"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
	if room["status"] != "cleaning" {
		t.Errorf("status = %v, want cleaning", room["status"])
	}

	w, _ = doJSON(t, h, "POST", "/api/rooms/exam-2/status", `{"status":"party"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid status code = %d, want 400", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	s, store, mesh := newTestServer(t)
	h := s.routes()

	w, body := doJSON(t, h, "GET", "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("healthy code = %d, want 200", w.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v", body["status"])
	}

	mesh.connected = false
	w, body = doJSON(t, h, "GET", "/healthz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("mesh-down code = %d, want 503", w.Code)
	}
	if body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}

	mesh.connected = true
	store.pingErr = errors.New("store down")
	w, _ = doJSON(t, h, "GET", "/healthz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("store-down code = %d, want 503", w.Code)
	}
}

func TestDevices_BridgeDisabled(t *testing.T) {
	s, _, _ := newTestServer(t)
	w, _ := doJSON(t, s.routes(), "GET", "/api/devices", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503 when bridge disabled", w.Code)
	}
}

func TestStatus(t *testing.T) {
	s, _, _ := newTestServer(t)
	w, body := doJSON(t, s.routes(), "GET", "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
	if body["name"] != "roomsense" {
		t.Errorf("name = %v", body["name"])
	}
}
