// Package adminhttp is the side-channel HTTP surface carried by every
// role (edge, relay, server): health, Prometheus metrics, a JSON debug
// snapshot of in-process state, and a websocket stream of the events
// handed to Publish. None of it is on the data path described in the spec; it
// exists purely for operators. Routing and middleware follow
// control-plane/coordinator's mux.Router + handler-chain shape.
package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldcore/edgelink/internal/telemetry"
)

// StateProvider is whatever the owning role (edge/relay/server) wants
// to expose under /debug/state. cmd/edge wires a func closing over its
// FSM and queue; cmd/server and cmd/relay wire ones reporting their
// role and listen address. Kept as a closure rather than an interface so each role
// reports only what it actually has.
type StateProvider func() map[string]any

type Server struct {
	router   *mux.Router
	metrics  *telemetry.Metrics
	logger   *telemetry.Logger
	state    StateProvider
	upgrader websocket.Upgrader

	events chan telemetry.Event
}

func New(metrics *telemetry.Metrics, logger *telemetry.Logger, state StateProvider) *Server {
	if logger == nil {
		logger = telemetry.Nop
	}
	if state == nil {
		state = func() map[string]any { return map[string]any{} }
	}
	s := &Server{
		metrics: metrics,
		logger:  logger,
		state:   state,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		events: make(chan telemetry.Event, 256),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/debug/state", s.handleState).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/debug/events", s.handleEventsWS)
	if metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	s.router = r
	return s
}

// Publish feeds one event to any connected /debug/events websocket
// clients. Non-blocking: a slow or absent client never backs up the
// caller (the owning role's main request path).
func (s *Server) Publish(ev telemetry.Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           withCORS(withRequestLogging(s.logger, s.router)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, s.state())
}

// handleEventsWS upgrades to a websocket and streams Publish()'d events
// until the client disconnects. It only writes; any inbound message is
// drained and discarded (there is no client->server protocol here).
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "ws_upgrade_failed", map[string]any{"error": err.Error()})
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev := <-s.events:
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withRequestLogging(logger *telemetry.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug(r.Context(), "admin_request", map[string]any{
			"path":        r.URL.Path,
			"method":      r.Method,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}
