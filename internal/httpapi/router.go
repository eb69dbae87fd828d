// Package httpapi wires the HTTP surface (spec §6.2): health, the
// compatibility chunk-upload endpoint, and the signaling websocket
// route. Grounded on the teacher's internal/adapters/http.SetupRouter
// (gin.New, conditional Logger, Recovery, cookie-backed client-token
// middleware) generalized to this system's routes.
package httpapi

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/egressd/server/internal/config"
	"github.com/egressd/server/internal/core"
	"github.com/egressd/server/internal/egress"
	"github.com/egressd/server/internal/forwarder"
	"github.com/egressd/server/internal/registry"
	"github.com/egressd/server/internal/sfu"
	"github.com/egressd/server/internal/signaling"
)

// Deps bundles everything the router needs to wire its handlers.
type Deps struct {
	Config      *config.Config
	Forwarder   *forwarder.Forwarder
	Broadcaster core.Broadcaster
	Peers       *registry.PeerRegistry
	Rooms       *registry.RoomRegistry
	Router      sfu.Router
	Egress      *egress.Supervisor
}

func clientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// SetupRouter builds the gin engine for the orchestrator's HTTP surface.
func SetupRouter(ctx context.Context, d Deps) *gin.Engine {
	cfg := d.Config
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(cors())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("egressd", store))
	r.Use(clientTokenMiddleware())

	r.GET("/health", health)

	chunk := &ChunkForwarder{Forwarder: d.Forwarder, Broadcaster: d.Broadcaster}
	r.POST("/upload-audio", chunk.uploadAudio)

	ctrl := &signaling.Controller{
		Peers:      d.Peers,
		Rooms:      d.Rooms,
		Router:     d.Router,
		Egress:     d.Egress,
		AutoEgress: cfg.AutoEgress,
	}
	api := r.Group("/api")
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "httpapi").Str("client_token", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
