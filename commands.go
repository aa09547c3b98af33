package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/jas-priatna/OpenScan-BH-SPC/internal/acq"
	"github.com/jas-priatna/OpenScan-BH-SPC/internal/api"
	"github.com/jas-priatna/OpenScan-BH-SPC/internal/config"
	"github.com/jas-priatna/OpenScan-BH-SPC/internal/db"
)

// loadSettings reads the JSON settings file, or returns defaults when no path
// is given.
func loadSettings(path string) (*config.Settings, error) {
	if path == "" {
		return config.EmptySettings(), nil
	}
	settings, err := config.LoadSettings(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return settings, nil
}

// processFile runs one acquisition over the photon records in the named .spc
// file. The controller writes the .sdt output and index row itself.
func processFile(ctx context.Context, controller *acq.Controller, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening input: %w", err)
	}
	defer f.Close()

	log.Printf("Processing %s (acquisition %s)", path, controller.ID())
	if err := controller.Run(ctx, f); err != nil {
		return err
	}

	snap := controller.Snapshot()
	log.Printf("Finished %s: %d frames, %d photons, %d stream errors",
		controller.ID(), snap.FramesCompleted, snap.Photons, snap.ErrorCount)
	return nil
}

// serveHTTP runs the status and history API until ctx is cancelled, then
// shuts the server down gracefully.
func serveHTTP(ctx context.Context, addr string, database *db.DB, controller *acq.Controller) {
	var run api.Run
	if controller != nil {
		run = controller
	}
	server := api.NewServer(database, run)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: api.LoggingMiddleware(server.ServeMux()),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	log.Printf("HTTP server listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("HTTP server error: %v", err)
	}
}
