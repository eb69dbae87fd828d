package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/egressd/server/internal/config"
	"github.com/egressd/server/internal/egress"
	"github.com/egressd/server/internal/forwarder"
	"github.com/egressd/server/internal/httpapi"
	"github.com/egressd/server/internal/registry"
	"github.com/egressd/server/internal/sfu"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	router, err := sfu.NewRouter(sfu.Config{
		MinPort:     uint16(cfg.RTCMinPort),
		MaxPort:     uint16(cfg.RTCMaxPort),
		AnnouncedIP: cfg.AnnouncedIP,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start sfu router")
	}

	peers := registry.NewPeerRegistry()
	rooms := registry.NewRoomRegistry(peers)

	fwd := forwarder.New(cfg.PythonURL, cfg.PythonTimeout)

	supervisor := egress.NewSupervisor(egress.Options{
		Router:          router,
		Forwarder:       fwd,
		Broadcaster:     rooms,
		GstBin:          cfg.GstBin,
		EgressDir:       cfg.EgressDir,
		ChunkSeconds:    cfg.EgressChunkSecs,
		WatchPollMs:     cfg.WatchPollMs,
		JitterLatencyMs: cfg.JitterLatencyMs,
		MaxRetries:      cfg.MaxPortRetries,
		StartupGraceMs:  cfg.StartupGraceMs,
	})

	r := httpapi.SetupRouter(ctx, httpapi.Deps{
		Config:      cfg,
		Forwarder:   fwd,
		Broadcaster: rooms,
		Peers:       peers,
		Rooms:       rooms,
		Router:      router,
		Egress:      supervisor,
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Info().Str("addr", addr).Msg("egress orchestrator started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited gracefully")
}
