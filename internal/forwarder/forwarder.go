// Package forwarder implements the Analysis Forwarder (spec §4.D): POST
// audio as multipart/form-data to the downstream analysis service and
// parse its JSON verdict. Grounded on the teacher's plain net/http usage
// (the teacher has no outbound HTTP client of its own, so the pattern is
// learned from Go's standard mime/multipart writer, the idiomatic way to
// build this request body) with the Python service's actual field names
// pinned from _examples/original_source/Server_Pyt/app.py.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/egressd/server/internal/core"
	"github.com/egressd/server/internal/domain"
)

// Fields carries the free-form form fields attached to a forward call
// (spec §4.D, §6.3).
type Fields struct {
	RoomID      string
	Seq         string
	Timestamp   string
	ClientID    string
	ContextHint string
}

// Error wraps a forward failure with the upstream status and a body
// snippet, per §4.D "surfaces an error carrying the upstream HTTP status
// and body snippet".
type Error struct {
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("forwarder: %v (status=%d)", e.Err, e.Status)
	}
	return fmt.Sprintf("forwarder: upstream status %d: %s", e.Status, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// Forwarder posts audio to the configured analysis endpoint.
type Forwarder struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func New(url string, timeout time.Duration) *Forwarder {
	return &Forwarder{url: url, timeout: timeout, client: &http.Client{Timeout: timeout}}
}

// Forward reads audio in full into an in-memory multipart body as field
// "audio" (with filename as the multipart filename), adds the non-empty
// free-form fields, posts it, and decodes the JSON verdict.
func (f *Forwarder) Forward(ctx context.Context, audio io.Reader, filename string, fields Fields) (*Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	body, contentType, err := buildMultipart(audio, filename, fields)
	if err != nil {
		return nil, fmt.Errorf("forwarder: build request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, body)
	if err != nil {
		return nil, fmt.Errorf("forwarder: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &Error{Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Status: resp.StatusCode, Body: string(respBody)}
	}

	var verdict Verdict
	if err := json.Unmarshal(respBody, &verdict); err != nil {
		return nil, &Error{Status: resp.StatusCode, Body: string(respBody), Err: err}
	}
	verdict.RawBody = respBody
	return &verdict, nil
}

func buildMultipart(audio io.Reader, filename string, fields Fields) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("audio", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return nil, "", err
	}

	for name, val := range map[string]string{
		"roomId":      fields.RoomID,
		"seq":         fields.Seq,
		"timestamp":   fields.Timestamp,
		"clientId":    fields.ClientID,
		"context_hint": fields.ContextHint,
	} {
		if val == "" {
			continue
		}
		if err := w.WriteField(name, val); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// ForwardAndBroadcast forwards then fans the outcome out to the room
// (spec §4.D). Broadcast type is "insights" when the verdict carries a
// non-empty new_insights array, "gate" otherwise.
func (f *Forwarder) ForwardAndBroadcast(ctx context.Context, audio io.Reader, filename string, fields Fields, roomID domain.RoomID, bcast core.Broadcaster) (*Verdict, error) {
	verdict, err := f.Forward(ctx, audio, filename, fields)
	if err != nil {
		log.Warn().Str("module", "forwarder").Str("room_id", string(roomID)).Err(err).Msg("forward failed")
		return nil, err
	}

	kind := "gate"
	if verdict.HasInsights() {
		kind = "insights"
	}

	payload := map[string]any{
		"type":         kind,
		"roomId":       roomID,
		"chunk_id":     verdict.ChunkID,
		"gate":         verdict.Gate,
		"memory_state": verdict.MemoryState,
		"received_at":  verdict.Meta.ReceivedAt,
	}
	if kind == "insights" {
		payload["new_insights"] = verdict.NewInsights
	}
	bcast.Broadcast(roomID, payload)
	return verdict, nil
}
