// Command server is the backend ingest role of spec §4.9: it accepts
// inbound connections from edges (and relays forwarding edge
// sessions), verifies and dispatches envelopes, and persists bulk
// artifacts to disk.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/fieldcore/edgelink/internal/adminhttp"
	"github.com/fieldcore/edgelink/internal/auth"
	"github.com/fieldcore/edgelink/internal/config"
	"github.com/fieldcore/edgelink/internal/ingestsrv"
	"github.com/fieldcore/edgelink/internal/ingestsrv/seqstore"
	"github.com/fieldcore/edgelink/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("server: config: %v", err)
	}

	logger := telemetry.NewLogger(os.Stdout, "server", telemetry.LevelInfo)
	metrics := telemetry.New("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// MapKeyStore is seeded from this process's own config for now; a
	// multi-device deployment provisions additional device_id/key pairs
	// into the same map before New is called (see DESIGN.md).
	keys := auth.MapKeyStore{cfg.DeviceID: []byte(cfg.DeviceKey)}

	var seq seqstore.Store
	if cfg.PostgresDSN != "" {
		pg, err := seqstore.OpenPostgresStore(cfg.PostgresDSN, seqstore.DefaultWindow)
		if err != nil {
			log.Fatalf("server: seqstore: %v", err)
		}
		defer pg.Close()
		seq = pg
	} else {
		seq = seqstore.NewMemoryStore(seqstore.DefaultWindow)
	}

	dedup := ingestsrv.NewChunkDedup()
	receiver, err := ingestsrv.NewArtifactReceiver(cfg.ArtifactStorePath, dedup)
	if err != nil {
		log.Fatalf("server: artifact receiver: %v", err)
	}
	if err := receiver.Resume(); err != nil {
		logger.Warn(ctx, "artifact_resume_error", map[string]any{"error": err.Error()})
	}

	ln, err := net.Listen("tcp", cfg.PrimaryServer)
	if err != nil {
		log.Fatalf("server: listen %s: %v", cfg.PrimaryServer, err)
	}
	srv := ingestsrv.New(ln, keys, seq, receiver, metrics, logger, cfg.MaxFrameBytes)

	admin := adminhttp.New(metrics, logger, func() map[string]any {
		return map[string]any{"role": "server", "listen_addr": cfg.PrimaryServer}
	})
	go func() {
		if err := admin.ListenAndServe(ctx, cfg.AdminAddr); err != nil {
			logger.Error(ctx, "admin_server_error", map[string]any{"error": err.Error()})
		}
	}()

	logger.Info(ctx, "server_listening", map[string]any{"addr": cfg.PrimaryServer})
	if err := srv.Serve(ctx); err != nil {
		logger.Error(ctx, "serve_error", map[string]any{"error": err.Error()})
	}
}
