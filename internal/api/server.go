// Package api implements the gateway's HTTP surface: room queries and
// commands, device registry inspection, health probes, Prometheus
// metrics, and a WebSocket feed of live room updates.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petalacloud/roomsense/internal/bridge"
	"github.com/petalacloud/roomsense/internal/buildinfo"
	"github.com/petalacloud/roomsense/internal/occupancy"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// MeshStatus reports mesh connectivity for the health endpoint.
type MeshStatus interface {
	IsConnected() bool
}

// StorePinger reports occupancy store reachability for the health
// endpoint.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	engine  *occupancy.Engine
	mesh    MeshStatus
	store   StorePinger
	bridge  *bridge.Bridge
	hub     *updateHub
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server. bridge may be nil when the
// protocol bridge is disabled in config.
func NewServer(address string, port int, engine *occupancy.Engine, mesh MeshStatus, store StorePinger, br *bridge.Bridge, logger *slog.Logger) *Server {
	s := &Server{
		address: address,
		port:    port,
		engine:  engine,
		mesh:    mesh,
		store:   store,
		bridge:  br,
		hub:     newUpdateHub(logger),
		logger:  logger,
	}

	// Every persisted room mutation feeds the WebSocket clients.
	engine.OnRoomUpdated(s.hub.broadcastRoom)

	return s
}

// routes assembles the request mux. Split from Start so tests can
// exercise handlers through real routing.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/rooms", s.handleRoomList)
	mux.HandleFunc("POST /api/rooms", s.handleRoomRegister)
	mux.HandleFunc("GET /api/rooms/{id}", s.handleRoomGet)
	mux.HandleFunc("POST /api/rooms/{id}/occupancy", s.handleRoomOccupancy)
	mux.HandleFunc("POST /api/rooms/{id}/appointment", s.handleRoomAppointment)
	mux.HandleFunc("POST /api/rooms/{id}/status", s.handleRoomStatus)

	mux.HandleFunc("GET /api/devices", s.handleDeviceList)
	mux.HandleFunc("POST /api/devices/{address}/room", s.handleDeviceRoom)

	mux.HandleFunc("GET /api/updates", s.hub.handleWebSocket)

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"name":    "roomsense",
		"version": buildinfo.Version,
		"build":   buildinfo.Info(),
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"mesh":  "ok",
		"store": "ok",
	}
	healthy := true

	if s.mesh == nil || !s.mesh.IsConnected() {
		checks["mesh"] = "disconnected"
		healthy = false
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if s.store == nil {
		checks["store"] = "not configured"
		healthy = false
	} else if err := s.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		healthy = false
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"status": status, "checks": checks}, s.logger)
}

func (s *Server) handleRoomList(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.engine.AllRooms(r.Context())
	if err != nil {
		s.logger.Error("room list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list rooms")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"rooms": rooms,
		"count": len(rooms),
	}, s.logger)
}

func (s *Server) handleRoomRegister(w http.ResponseWriter, r *http.Request) {
	var spec occupancy.RoomSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if spec.RoomID == "" {
		s.errorResponse(w, http.StatusBadRequest, "room_id is required")
		return
	}

	if err := s.engine.RegisterRoom(spec); err != nil {
		s.logger.Error("room register failed", "error", err, "room", spec.RoomID)
		s.errorResponse(w, http.StatusInternalServerError, "failed to register room")
		return
	}

	room, err := s.engine.RoomState(r.Context(), spec.RoomID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "room registered but unreadable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, room, s.logger)
}

func (s *Server) handleRoomGet(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")

	room, err := s.engine.RoomState(r.Context(), roomID)
	if errors.Is(err, occupancy.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		s.logger.Error("room get failed", "error", err, "room", roomID)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load room")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, room, s.logger)
}

type occupancyRequest struct {
	Occupied bool `json:"occupied"`
	// nil means the count was not provided; 0 is a valid explicit count.
	Count *int `json:"count,omitempty"`
}

func (s *Server) handleRoomOccupancy(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")

	var req occupancyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var err error
	if req.Count != nil {
		err = s.engine.UpdateOccupantCount(roomID, *req.Count)
	} else {
		err = s.engine.SetRoomOccupied(roomID, req.Occupied, nil)
	}
	if errors.Is(err, occupancy.ErrUnknownRoom) {
		s.errorResponse(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		s.logger.Error("occupancy update failed", "error", err, "room", roomID)
		s.errorResponse(w, http.StatusInternalServerError, "failed to update occupancy")
		return
	}

	room, err := s.engine.RoomState(r.Context(), roomID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "updated but unreadable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, room, s.logger)
}

type appointmentRequest struct {
	AppointmentID string `json:"appointment_id"`
	PatientID     string `json:"patient_id"`
	ProviderID    string `json:"provider_id"`
}

func (s *Server) handleRoomAppointment(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")

	var req appointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AppointmentID == "" {
		s.errorResponse(w, http.StatusBadRequest, "appointment_id is required")
		return
	}

	err := s.engine.AssignAppointment(roomID, req.AppointmentID, req.PatientID, req.ProviderID)
	if errors.Is(err, occupancy.ErrUnknownRoom) {
		s.errorResponse(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		s.logger.Error("appointment assign failed", "error", err, "room", roomID)
		s.errorResponse(w, http.StatusInternalServerError, "failed to assign appointment")
		return
	}

	room, err := s.engine.RoomState(r.Context(), roomID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "updated but unreadable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, room, s.logger)
}

type statusRequest struct {
	Status occupancy.Status `json:"status"`
}

func (s *Server) handleRoomStatus(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.engine.SetRoomMaintenance(roomID, req.Status)
	if errors.Is(err, occupancy.ErrUnknownRoom) {
		s.errorResponse(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	room, err := s.engine.RoomState(r.Context(), roomID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "updated but unreadable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, room, s.logger)
}

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "bridge not enabled")
		return
	}

	devices := s.bridge.Devices()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"devices":    devices,
		"count":      len(devices),
		"generation": s.bridge.Generation(),
	}, s.logger)
}

type deviceRoomRequest struct {
	RoomID string `json:"room_id"`
}

func (s *Server) handleDeviceRoom(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "bridge not enabled")
		return
	}

	address := r.PathValue("address")
	if _, ok := s.bridge.Device(address); !ok {
		s.errorResponse(w, http.StatusNotFound, "device not found")
		return
	}

	var req deviceRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RoomID == "" {
		s.errorResponse(w, http.StatusBadRequest, "room_id is required")
		return
	}

	s.bridge.MapDeviceToRoom(address, req.RoomID)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"device": address,
		"room":   req.RoomID,
		"status": "mapped",
	}, s.logger)
}
