package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"audiohub/server/internal/auth"
	"audiohub/server/internal/config"
	"audiohub/server/internal/httpapi"
	"audiohub/server/internal/jackgraph"
	"audiohub/server/internal/ports"
	"audiohub/server/internal/rooms"
	"audiohub/server/internal/store"
	"audiohub/server/internal/transport"
	"audiohub/server/internal/wsgraph"
)

// idleTimeout bounds how long an idle keep-alive HTTP connection is held
// open by the hub's listener.
const idleTimeout = 30 * time.Second

// transportChannels is the per-room audio channel count handed to every
// spawned transport process. There is no per-room plugin configuration
// layer, so every room gets a fixed stereo default.
const transportChannels = 2

func main() {
	// Check for CLI subcommands before touching the environment-driven
	// config.
	if len(os.Args) > 1 {
		cliDB := os.Getenv("HUB_DB_PATH")
		if cliDB == "" {
			cliDB = config.Default().DBPath
		}
		if RunCLI(os.Args[1:], cliDB) {
			return
		}
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogFormat)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open credential store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	credentials := auth.New(db)
	alloc := ports.New(cfg.TransportBasePort, cfg.TransportPortRange)

	reg := rooms.New(rooms.Config{
		HubHost:                cfg.HubHost,
		SingleRoomMode:         cfg.SingleRoomMode,
		BandName:               cfg.BandName,
		DefaultMaxParticipants: cfg.DefaultMaxParticipants,
		TransportChannels:      transportChannels,
		ReapGrace:              cfg.RoomReapGrace,
	}, alloc)

	sup := transport.New(cfg.TransportBin, cfg.TransportSpawnWait, cfg.TransportStopGrace, reg.HandleTransportExit)
	reg.AttachSupervisor(sup)

	graph := jackgraph.NewCommandAdapter("", "", "")
	wsHub := wsgraph.New(graph, credentials)
	reg.SetOnChange(func() { wsHub.RefreshSnapshot(context.Background()) })

	api := httpapi.New(credentials, reg, graph, wsHub, cfg.SingleRoomMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.BootstrapDefaultRoom(ctx); err != nil {
		slog.Error("bootstrap default room", "err", err)
		os.Exit(1)
	}

	certFile, keyFile, fingerprint, err := ensureTLSMaterial(cfg)
	if err != nil {
		slog.Error("tls material", "err", err)
		os.Exit(1)
	}
	slog.Info("tls certificate ready", "fingerprint", fingerprint)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutdown signal received, draining")
		cancel()
		<-sigCh
		slog.Warn("second shutdown signal received, forcing exit")
		os.Exit(1)
	}()

	go func() {
		ticker := time.NewTicker(cfg.RoomReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reg.ReapEmptyRooms()
			}
		}
	}()

	go RunMetrics(ctx, reg, alloc, 30*time.Second)

	addr := fmt.Sprintf(":%d", cfg.HubPort)
	srv := NewServer(addr, certFile, keyFile, api.Echo(), idleTimeout)
	runErr := srv.Run(ctx)

	slog.Info("hub shutting down, tearing down rooms")
	reg.ShutdownAll()
	wsHub.Shutdown()

	if runErr != nil {
		slog.Error("hub exited with error", "err", runErr)
		os.Exit(1)
	}
}

func setupLogging(format string) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
