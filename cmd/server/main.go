package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pixelbattle/backend/internal/canvas"
	"github.com/pixelbattle/backend/internal/config"
	"github.com/pixelbattle/backend/internal/limiter"
	"github.com/pixelbattle/backend/internal/metrics"
	"github.com/pixelbattle/backend/internal/persist"
	"github.com/pixelbattle/backend/internal/session"
	"github.com/pixelbattle/backend/internal/ws"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	stateDir := flag.String("state", "", "Override snapshot directory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *stateDir != "" {
		cfg.Persist.Dir = *stateDir
	}

	cv := canvas.New(cfg.Canvas.Width, cfg.Canvas.Height, cfg.Canvas.PaletteSize)
	snapshots := persist.NewStore(cfg.Persist.Dir, cfg.Persist.MaxBackups)

	pixels, placed, err := snapshots.Load(cfg.Canvas.Width, cfg.Canvas.Height)
	switch {
	case err == nil:
		if err := cv.Restore(pixels, placed); err != nil {
			log.Printf("Persisted canvas unusable (%v), starting fresh", err)
			cv.Clear()
			cv.FillTestPattern()
		} else {
			log.Printf("Canvas restored from %s | pixels: %d", snapshots.Dir(), placed)
		}
	case os.IsNotExist(err):
		log.Printf("No persisted canvas, initializing test pattern")
		cv.FillTestPattern()
	case errors.Is(err, persist.ErrSnapshotMismatch):
		log.Printf("Persisted canvas rejected (%v), initializing test pattern", err)
		cv.FillTestPattern()
	default:
		log.Printf("Canvas load failed (%v), initializing test pattern", err)
		cv.FillTestPattern()
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	activity := canvas.NewActivityLog(cfg.Game.ActivityWindow)
	store := session.NewStore()
	lim := limiter.New()
	hub := ws.NewHub(store, m, cfg.Server.MaxConnections)
	server := ws.NewServer(cfg, cv, activity, store, lim, hub, m, snapshots)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	saverDone := make(chan struct{})
	go func() {
		persist.RunSaver(ctx, snapshots, cv, cfg.Persist.SaveInterval)
		close(saverDone)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		<-saverDone
		log.Printf("Saved canvas | total pixels: %d", cv.PlacedCount())
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, server.Routes()); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
