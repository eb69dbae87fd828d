package domain

import (
	"encoding/json"
	"testing"
)

func TestPeer_JSON_OmitsEmptyRoomID(t *testing.T) {
	p := Peer{ID: "p1", Role: RoleListener}
	buf, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(buf, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if _, present := out["roomId"]; present {
		t.Errorf("roomId should be omitted when the peer has not joined a room")
	}
	if out["role"] != string(RoleListener) {
		t.Errorf("role = %v, want %v", out["role"], RoleListener)
	}
}

func TestPeer_JSON_IncludesRoomIDWhenSet(t *testing.T) {
	p := Peer{ID: "p1", RoomID: "room-a", Role: RolePublisher}
	buf, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(buf, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out["roomId"] != "room-a" {
		t.Errorf("roomId = %v, want room-a", out["roomId"])
	}
}
