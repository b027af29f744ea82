package occupancy

import "time"

// Status is the closed enumeration of room states.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusOccupied    Status = "occupied"
	StatusReserved    Status = "reserved"
	StatusMaintenance Status = "maintenance"
	StatusCleaning    Status = "cleaning"
)

// Room is the authoritative per-room occupancy record. Exactly one
// record exists per room id; it is owned and mutated exclusively by the
// Engine and persisted to the external store with a bounded lifetime.
type Room struct {
	RoomID        string    `json:"room_id"`
	RoomName      string    `json:"room_name"`
	IsOccupied    bool      `json:"is_occupied"`
	OccupantCount int       `json:"occupant_count"`
	LastActivity  time.Time `json:"last_activity"`
	Status        Status    `json:"status"`

	// Linkage to the external booking subsystem. Cleared whenever the
	// room transitions back to available.
	AppointmentID string `json:"appointment_id,omitempty"`
	PatientID     string `json:"patient_id,omitempty"`
	ProviderID    string `json:"provider_id,omitempty"`

	// Sensors lists the device ids associated with this room.
	Sensors []string `json:"sensors"`
}

// RoomSpec describes a room at registration time.
type RoomSpec struct {
	RoomID   string   `json:"room_id"`
	RoomName string   `json:"room_name"`
	Sensors  []string `json:"sensors"`
}
