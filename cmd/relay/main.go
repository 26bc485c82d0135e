// Command relay is the personal-area-network relay role of spec §4.8:
// a transparent store-and-forward peer that accepts one inbound
// fallback-link session per edge and pumps it to an outbound session
// against the backend server, without ever decoding envelopes.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/xid"

	"github.com/fieldcore/edgelink/internal/adminhttp"
	"github.com/fieldcore/edgelink/internal/config"
	"github.com/fieldcore/edgelink/internal/relayfwd"
	"github.com/fieldcore/edgelink/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("relay: config: %v", err)
	}

	logger := telemetry.NewLogger(os.Stdout, "relay", telemetry.LevelInfo)
	metrics := telemetry.New("relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.FallbackPeer)
	if err != nil {
		log.Fatalf("relay: listen %s: %v", cfg.FallbackPeer, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	admin := adminhttp.New(metrics, logger, func() map[string]any {
		return map[string]any{"role": "relay", "listen_addr": cfg.FallbackPeer, "upstream": cfg.PrimaryServer}
	})
	go func() {
		if err := admin.ListenAndServe(ctx, cfg.AdminAddr); err != nil {
			logger.Error(ctx, "admin_server_error", map[string]any{"error": err.Error()})
		}
	}()

	logger.Info(ctx, "relay_listening", map[string]any{"addr": cfg.FallbackPeer, "upstream": cfg.PrimaryServer})

	for {
		inbound, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Error(ctx, "accept_error", map[string]any{"error": err.Error()})
				return
			}
		}
		go handleSession(ctx, inbound, cfg.PrimaryServer, logger, metrics)
	}
}

// handleSession dials the outbound leg for one inbound edge session and
// pumps both directions until either side closes. sessionID is a
// per-session identifier used only for log correlation (spec §4.8
// names no persistent session state).
func handleSession(ctx context.Context, inbound net.Conn, upstream string, logger *telemetry.Logger, metrics *telemetry.Metrics) {
	sessionID := xid.New().String()
	sessionCtx := telemetry.WithDeviceID(ctx, sessionID)

	var d net.Dialer
	outbound, err := d.DialContext(ctx, "tcp", upstream)
	if err != nil {
		logger.Warn(sessionCtx, "relay_dial_upstream_failed", map[string]any{"error": err.Error(), "upstream": upstream})
		inbound.Close()
		return
	}

	logger.Info(sessionCtx, "relay_session_started", map[string]any{"upstream": upstream})
	f := relayfwd.New(inbound, outbound, relayfwd.DefaultBufferSize, logger, metrics)
	if err := f.Run(); err != nil {
		logger.Warn(sessionCtx, "relay_session_ended", map[string]any{"error": err.Error()})
		return
	}
	logger.Info(sessionCtx, "relay_session_ended", map[string]any{})
}
