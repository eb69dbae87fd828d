package signaling

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/egressd/server/internal/domain"
	"github.com/egressd/server/internal/egress"
	"github.com/egressd/server/internal/registry"
	"github.com/egressd/server/internal/sfu"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Controller is the Signaling Endpoint (spec §4.F): one long-lived
// bidirectional channel per peer. Grounded on the teacher's
// SignalWSController, generalized from the teacher's room-chat action
// set to the SFU/egress action set fixed in §4.F's table.
type Controller struct {
	Peers      *registry.PeerRegistry
	Rooms      *registry.RoomRegistry
	Router     sfu.Router
	Egress     *egress.Supervisor
	AutoEgress bool
}

// HandleSignal upgrades the connection, mints a peer id, installs a
// registry record, sends a welcome event, then runs the read/write
// pumps until the connection closes.
func (c *Controller) HandleSignal(ctx context.Context, gc *gin.Context) {
	conn, err := upgrader.Upgrade(gc.Writer, gc.Request, nil)
	if err != nil {
		log.Warn().Str("module", "signaling").Err(err).Msg("websocket upgrade failed")
		return
	}

	ws := newWSConn(conn)
	peerID := domain.PeerID(uuid.NewString())
	entry := c.Peers.Register(peerID, ws)

	sess := &session{
		peerID:     peerID,
		entry:      entry,
		rooms:      c.Rooms,
		router:     c.Router,
		egress:     c.Egress,
		autoEgress: c.AutoEgress,
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go ws.writePump()

	welcome, _ := json.Marshal(Event{Type: "welcome", Extra: map[string]any{"id": peerID}})
	_ = ws.TrySend(welcome)

	c.readLoop(connCtx, conn, ws, sess)

	c.disconnect(sess)
}

// readLoop is the one-task-per-signaling-channel loop (spec §9): read,
// decode, dispatch, always reply.
func (c *Controller) readLoop(ctx context.Context, conn *websocket.Conn, ws *wsConn, sess *session) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req Request
		var resp Response
		if err := json.Unmarshal(data, &req); err != nil {
			resp = fail(req.RequestID, errBadInput.Error())
		} else {
			resp = c.dispatch(ctx, sess, req)
		}
		payload, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		_ = ws.TrySend(payload)
	}
}

// dispatch decodes and runs one action, always producing a response —
// unknown actions get {ok:false, error:"unknown_action"} (spec §4.F).
func (c *Controller) dispatch(ctx context.Context, sess *session, req Request) Response {
	h, found := actions[req.Action]
	if !found {
		return fail(req.RequestID, "unknown_action")
	}
	data, err := h(ctx, sess, req.Data)
	if err != nil {
		return fail(req.RequestID, err.Error())
	}
	return ok(req.RequestID, data)
}

// disconnect is spec §4.F "On disconnect": stop every egress session the
// peer owns, close every transport/producer/consumer it owns, remove it
// from its room, remove the peer record.
func (c *Controller) disconnect(sess *session) {
	c.Egress.StopAll(sess.peerID)
	registry.CloseOwned(sess.entry)
	c.Rooms.LeaveRoom(sess.peerID)
	c.Peers.Remove(sess.peerID)
	sess.entry.Signal().Close()
}
