package forwarder

import "encoding/json"

// Verdict is the Analysis Service's response (spec §6.3), grounded on
// the actual shape returned by the Python service (_examples/
// original_source/Server_Pyt/app.py's /process handler): the fields
// this system consumes are typed, everything else (diarization,
// transcript, analysis, llm_enabled, ...) rides along unchanged as
// RawExtra so callers that just mirror the body (the chunk forwarder)
// don't need to know about fields this system never interprets.
type Verdict struct {
	ChunkID     string          `json:"chunk_id"`
	Gate        json.RawMessage `json:"gate,omitempty"`
	NewInsights []json.RawMessage `json:"new_insights,omitempty"`
	MemoryState json.RawMessage `json:"memory_state,omitempty"`
	Meta        VerdictMeta     `json:"meta"`

	RawExtra map[string]json.RawMessage `json:"-"`
	RawBody  []byte                     `json:"-"`
}

type VerdictMeta struct {
	ReceivedAt string `json:"received_at"`
}

// UnmarshalJSON decodes the typed fields normally, then keeps a copy of
// every field (including the typed ones) for pass-through use by callers
// that need to mirror the full response body.
func (v *Verdict) UnmarshalJSON(data []byte) error {
	type typed struct {
		ChunkID     string            `json:"chunk_id"`
		Gate        json.RawMessage   `json:"gate,omitempty"`
		NewInsights []json.RawMessage `json:"new_insights,omitempty"`
		MemoryState json.RawMessage   `json:"memory_state,omitempty"`
		Meta        VerdictMeta       `json:"meta"`
	}
	var t typed
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	v.ChunkID, v.Gate, v.NewInsights, v.MemoryState, v.Meta = t.ChunkID, t.Gate, t.NewInsights, t.MemoryState, t.Meta

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.RawExtra = raw
	return nil
}

// HasInsights reports whether new_insights is a non-empty array, the
// condition that picks the "insights" broadcast type over "gate"
// (spec §4.D).
func (v *Verdict) HasInsights() bool {
	return len(v.NewInsights) > 0
}
