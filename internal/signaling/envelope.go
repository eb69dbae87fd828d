// Package signaling implements the Signaling Endpoint (spec §4.F): the
// request/response envelope, the closed SFU action set, and the
// websocket transport that carries it. Grounded on the teacher's
// internal/adapters/signal package (upgrader + read/write pump pair,
// per-connection send channel) generalized from the teacher's ad-hoc
// per-handler structs to the envelope shape fixed by spec §3/§6.1.
package signaling

import "encoding/json"

// Request is a client->server message (spec §3 "Signaling envelope").
type Request struct {
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Response is a server->client reply, always carrying the request's id
// when one was present. Every request with a requestId gets exactly one
// response with that id (invariant 5).
type Response struct {
	RequestID string `json:"requestId,omitempty"`
	OK        bool   `json:"ok"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

func ok(requestID string, data any) Response {
	return Response{RequestID: requestID, OK: true, Data: data}
}

func fail(requestID string, reason string) Response {
	return Response{RequestID: requestID, OK: false, Error: reason}
}

// Event is a server-initiated broadcast; it never carries a requestId
// (spec §3 invariant).
type Event struct {
	Type   string        `json:"type"`
	RoomID string        `json:"roomId,omitempty"`
	Extra  map[string]any `json:"-"`
}

// MarshalJSON flattens Extra alongside Type/RoomID so the wire shape
// matches spec §6.1's "{type, roomId, ...}".
func (e Event) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": e.Type}
	if e.RoomID != "" {
		out["roomId"] = e.RoomID
	}
	for k, v := range e.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}
