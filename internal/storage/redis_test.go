package storage

import (
	"testing"

	"github.com/petalacloud/roomsense/internal/config"
)

func testStore() *RedisStore {
	return &RedisStore{
		cfg:       config.RedisConfig{Addr: "localhost:6379"},
		namespace: "petala",
		tenantID:  "clinic-12",
		vertical:  "dental",
	}
}

func TestRoomKey(t *testing.T) {
	s := testStore()
	want := "petala:clinic-12:dental:occupancy:exam-2"
	if got := s.roomKey("exam-2"); got != want {
		t.Errorf("roomKey = %q, want %q", got, want)
	}
}

func TestUpdatesChannel(t *testing.T) {
	s := testStore()
	want := "petala:clinic-12:dental:occupancy:updates"
	if got := s.updatesChannel(); got != want {
		t.Errorf("updatesChannel = %q, want %q", got, want)
	}
}
