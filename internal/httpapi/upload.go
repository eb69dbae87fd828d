package httpapi

import (
	"io"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/egressd/server/internal/core"
	"github.com/egressd/server/internal/domain"
	"github.com/egressd/server/internal/forwarder"
)

// ChunkForwarder is the HTTP Chunk Forwarder (spec §4.H): the
// compatibility path for pre-recorded browser chunks.
type ChunkForwarder struct {
	Forwarder   *forwarder.Forwarder
	Broadcaster core.Broadcaster
}

func (h *ChunkForwarder) uploadAudio(c *gin.Context) {
	fileHeader, err := c.FormFile("audio")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no_audio"})
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no_audio"})
		return
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "upload-audio-*")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "forward_failed", "detail": err.Error()})
		return
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := io.Copy(tmp, src); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "forward_failed", "detail": err.Error()})
		return
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "forward_failed", "detail": err.Error()})
		return
	}

	roomID := c.PostForm("roomId")
	if roomID == "" {
		roomID = "global"
	}

	fields := forwarder.Fields{
		RoomID:      roomID,
		Seq:         c.PostForm("seq"),
		Timestamp:   c.PostForm("timestamp"),
		ClientID:    c.PostForm("clientId"),
		ContextHint: c.PostForm("context_hint"),
	}

	verdict, err := h.Forwarder.ForwardAndBroadcast(c.Request.Context(), tmp, fileHeader.Filename, fields, domain.RoomID(roomID), h.Broadcaster)
	if err != nil {
		fwdErr, _ := err.(*forwarder.Error)
		resp := gin.H{"error": "forward_failed", "detail": err.Error()}
		if fwdErr != nil {
			resp["python_status"] = fwdErr.Status
			resp["python_body"] = fwdErr.Body
		}
		c.JSON(http.StatusInternalServerError, resp)
		return
	}

	log.Debug().Str("module", "httpapi.upload").Str("room_id", roomID).Str("chunk_id", verdict.ChunkID).Msg("chunk forwarded")

	c.Data(http.StatusOK, "application/json", verdict.RawBody)
}
