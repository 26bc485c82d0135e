// Command edge is the field-deployed capture device process of spec
// §2/§5: it owns the durable queue, the transport-selection FSM, both
// transport adapters, and the chunk coordinator, and drives them from
// one event loop until told to shut down.
//
// Grounded on the teacher's services/crypto-stream/main.go main():
// load config, derive a signal-cancelled context, start the admin
// server in its own goroutine, then run the owned subsystems from the
// main goroutine's select loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/xid"

	"github.com/fieldcore/edgelink/internal/adminhttp"
	"github.com/fieldcore/edgelink/internal/auth"
	"github.com/fieldcore/edgelink/internal/breaker"
	"github.com/fieldcore/edgelink/internal/chunk"
	"github.com/fieldcore/edgelink/internal/config"
	"github.com/fieldcore/edgelink/internal/envelope"
	"github.com/fieldcore/edgelink/internal/fsm"
	"github.com/fieldcore/edgelink/internal/queue"
	"github.com/fieldcore/edgelink/internal/telemetry"
	"github.com/fieldcore/edgelink/internal/transport"
)

// drainDeadline bounds how long shutdown waits for in-flight sends to
// finish before the process exits anyway (spec §5).
const drainDeadline = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("edge: config: %v", err)
	}

	logger := telemetry.NewLogger(os.Stdout, "edge", telemetry.LevelInfo)
	metrics := telemetry.New("edge")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := newEdge(cfg, logger, metrics)
	if err != nil {
		log.Fatalf("edge: init: %v", err)
	}
	defer e.close()

	admin := adminhttp.New(metrics, logger, e.adminState)
	go func() {
		if err := admin.ListenAndServe(ctx, cfg.AdminAddr); err != nil {
			logger.Error(ctx, "admin_server_error", map[string]any{"error": err.Error()})
		}
	}()

	e.run(ctx)
}

// edge owns every subsystem named in spec §4's edge-side modules.
type edge struct {
	cfg     config.Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	store *queue.SQLiteStore
	q     *queue.Queue
	sched *queue.Scheduler
	dlq   *queue.SQLiteDLQ

	br  *breaker.Breaker
	m   *fsm.FSM
	primary  *transport.TCPAdapter
	fallback *transport.TCPAdapter
	active   transport.Adapter

	coord      *chunk.Coordinator
	captureDir string
	captured   map[string]bool
	heartbeatMon *fsm.HeartbeatMonitor

	keys auth.KeyStore

	// wireSeq is assigned to each envelope at send time, monotonically
	// increasing regardless of queue claim order, so priority-driven
	// reordering of the underlying entries never produces out-of-order
	// sequence numbers on the wire (spec §3 invariant 1).
	wireSeq uint64
}

func newEdge(cfg config.Config, logger *telemetry.Logger, metrics *telemetry.Metrics) (*edge, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.QueuePath), 0o755); err != nil {
		return nil, fmt.Errorf("edge: queue dir: %w", err)
	}
	store, err := queue.OpenSQLiteStore(cfg.QueuePath)
	if err != nil {
		return nil, err
	}
	dlq, err := queue.NewSQLiteDLQ(store.DB())
	if err != nil {
		store.Close()
		return nil, err
	}

	q := queue.New(store)
	sched := queue.NewScheduler(q).WithWindow(cfg.AntiStarvationN)

	br := breaker.New(cfg.StickyCooldown)
	machine := fsm.New(br, metrics, logger, cfg.StickyCooldown, cfg.StickyStableWindow)

	primary := transport.NewPrimaryAdapter(cfg.PrimaryServer, cfg.MaxFrameBytes, metrics, logger)
	fallback := transport.NewFallbackAdapter(cfg.FallbackPeer, cfg.MaxFrameBytes, metrics, logger)

	descStore, err := chunk.NewDescriptorStore(cfg.ArtifactStorePath)
	if err != nil {
		store.Close()
		return nil, err
	}
	coord := chunk.NewCoordinator(descStore, q, metrics, logger)

	captureDir := filepath.Join(cfg.ArtifactStorePath, "incoming")
	if err := os.MkdirAll(captureDir, 0o755); err != nil {
		store.Close()
		return nil, err
	}

	return &edge{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		store:      store,
		q:          q,
		sched:      sched,
		dlq:        dlq,
		br:         br,
		m:          machine,
		primary:    primary,
		fallback:   fallback,
		coord:        coord,
		captureDir:   captureDir,
		captured:     make(map[string]bool),
		heartbeatMon: fsm.NewHeartbeatMonitor(cfg.HeartbeatTimeout),
		keys:         auth.StaticKeyStore{DeviceID: cfg.DeviceID, Key_: []byte(cfg.DeviceKey)},
	}, nil
}

// run is the edge's single event loop: it drives the FSM from boot,
// reacts to adapter events, and periodically drains the queue onto
// whichever adapter the FSM currently holds active.
func (e *edge) run(ctx context.Context) {
	resumeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := e.coord.Resume(resumeCtx, time.Now()); err != nil {
		e.logger.Warn(ctx, "chunk_resume_error", map[string]any{"error": err.Error()})
	}
	cancel()

	e.applyActions(ctx, e.m.HandleEvent(fsm.Event{Kind: fsm.EventBoot, At: time.Now()}))

	go e.receiveLoop(ctx, e.primary)
	go e.receiveLoop(ctx, e.fallback)
	go e.heartbeatMon.Run(1 * time.Second)
	defer e.heartbeatMon.Stop()
	go e.watchHeartbeatTimeouts(ctx)

	heartbeat := time.NewTicker(e.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	drain := time.NewTicker(50 * time.Millisecond)
	defer drain.Stop()

	capture := time.NewTicker(2 * time.Second)
	defer capture.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return

		case ev := <-e.primary.Events():
			e.applyActions(ctx, e.m.HandleEvent(toFSMEvent(ev)))

		case ev := <-e.fallback.Events():
			e.applyActions(ctx, e.m.HandleEvent(toFSMEvent(ev)))

		case <-heartbeat.C:
			e.enqueueHeartbeat(ctx)

		case <-drain.C:
			e.drainOne(ctx)

		case <-capture.C:
			e.scanCaptureDir(ctx)
		}
	}
}

// scanCaptureDir picks up files deposited by the capture device under
// captureDir and starts a bulk artifact transfer for each one not yet
// seen (spec §4.6 step 1). Artifact IDs are generated here rather than
// derived from the filename, since a restart must not regenerate (and
// thus restart) an artifact already in flight — that durability lives
// in DescriptorStore, keyed by the ID assigned at first sight.
func (e *edge) scanCaptureDir(ctx context.Context) {
	entries, err := os.ReadDir(e.captureDir)
	if err != nil {
		return
	}
	for _, ent := range entries {
		if ent.IsDir() || e.captured[ent.Name()] {
			continue
		}
		e.captured[ent.Name()] = true
		artifactID := xid.New().String()
		path := filepath.Join(e.captureDir, ent.Name())
		if err := e.coord.StartArtifact(ctx, artifactID, path, e.cfg.ChunkSizeBytes, time.Now()); err != nil {
			e.logger.Warn(ctx, "start_artifact_error", map[string]any{"error": err.Error(), "file": ent.Name()})
		}
	}
}

func toFSMEvent(ev transport.Event) fsm.Event {
	out := fsm.Event{At: ev.At, SignalQuality: ev.SignalQuality}
	if ev.Link == "fallback" {
		out.Link = fsm.LinkFallback
	} else {
		out.Link = fsm.LinkPrimary
	}
	switch ev.Kind {
	case transport.EventConnected:
		out.Kind = fsm.EventHandshakeOK
	case transport.EventDisconnected:
		out.Kind = fsm.EventHandshakeFail
	case transport.EventSendSuccess:
		out.Kind = fsm.EventSendSuccess
	case transport.EventSendFailure:
		out.Kind = fsm.EventSendFailure
	case transport.EventSignalSample:
		out.Kind = fsm.EventSignalSample
	}
	return out
}

// applyActions performs the side effects the FSM asked for (spec §9:
// the FSM itself never touches adapters). Each Action is handled by
// opening/closing the relevant adapter and updating which one is
// "active" for drainOne's next claim.
func (e *edge) applyActions(ctx context.Context, actions []fsm.Action) {
	for _, a := range actions {
		switch a {
		case fsm.ActionAttemptPrimaryHandshake:
			go e.attemptOpen(ctx, e.primary, fsm.LinkPrimary)

		case fsm.ActionOpenFallbackLink:
			go e.attemptOpen(ctx, e.fallback, fsm.LinkFallback)

		case fsm.ActionDetachAndRequeue, fsm.ActionCloseFallbackLink, fsm.ActionProactiveSwitchToProbe:
			e.active = nil
			_ = e.primary.Close()
			_ = e.fallback.Close()

		case fsm.ActionDrainFallback:
			_ = e.fallback.Close()
			e.active = e.primary

		case fsm.ActionScheduleFallbackProbe, fsm.ActionResetBackoff:
			// Handled by the heartbeat/drain tickers and the FSM's own
			// probe-timer event; nothing to do synchronously here.
		}
	}
}

func (e *edge) attemptOpen(ctx context.Context, a *transport.TCPAdapter, link fsm.Link) {
	key := a.Name()
	if ok, _, _ := e.br.Allow(key); !ok {
		return
	}
	err := a.Open(ctx)
	e.br.Report(key, err == nil)
	if err != nil {
		e.applyActions(ctx, e.m.HandleEvent(fsm.Event{Kind: fsm.EventHandshakeFail, Link: link, At: time.Now()}))
		return
	}
	e.active = a
	e.applyActions(ctx, e.m.HandleEvent(fsm.Event{Kind: fsm.EventHandshakeOK, Link: link, At: time.Now()}))
}

func (e *edge) enqueueHeartbeat(ctx context.Context) {
	hb := envelope.Heartbeat{SentAt: time.Now()}
	payload, err := envelope.MarshalPayload(hb)
	if err != nil {
		return
	}
	if _, err := e.q.Enqueue(ctx, queue.VariantHeartbeat, payload, time.Now()); err != nil {
		e.logger.Warn(ctx, "heartbeat_enqueue_error", map[string]any{"error": err.Error()})
	}
}

// drainOne claims and sends at most one queue entry per tick onto the
// currently active adapter. Acks coming back on the reply stream are
// handled separately by receiveLoop.
func (e *edge) drainOne(ctx context.Context) {
	active := e.active
	if active == nil {
		return
	}

	now := time.Now()
	maxPayload := active.Capabilities().MaxPayloadBytes
	entry, ok, err := e.sched.ClaimNext(ctx, now, maxPayload)
	if err != nil || !ok {
		return
	}

	e.wireSeq++
	env := envelope.Envelope{
		DeviceID:  e.cfg.DeviceID,
		Sequence:  e.wireSeq,
		Timestamp: now,
		Type:      variantToType(entry.Variant),
		Payload:   entry.Payload,
	}
	env.ComputeChecksum()
	if key, ok := e.keys.Key(e.cfg.DeviceID); ok {
		auth.Sign(&env, key)
	}

	if sendErr := active.Submit(ctx, env); sendErr != nil {
		decision, ferr := e.q.MarkFailed(ctx, entry, now)
		if ferr == nil && decision.Drop && e.dlq != nil {
			_ = e.dlq.Record(ctx, queue.DLQRecord{
				OriginalID: entry.ID, Variant: entry.Variant, Payload: entry.Payload,
				Reason: sendErr.Error(), FailedAt: now, RetryCount: entry.RetryCount,
			})
		}
		return
	}
	_ = e.q.MarkSent(ctx, entry.ID)
	if entry.Variant == queue.VariantHeartbeat {
		e.heartbeatMon.Touch(now)
	}
}

func variantToType(v queue.Variant) envelope.Type {
	switch v {
	case queue.VariantHeartbeat:
		return envelope.TypeHeartbeat
	case queue.VariantGPS:
		return envelope.TypeGPSPoint
	case queue.VariantDeviceStatus:
		return envelope.TypeDeviceStatus
	case queue.VariantArtifactMetadata:
		return envelope.TypeArtifactMetadata
	case queue.VariantArtifactChunk:
		return envelope.TypeArtifactChunk
	case queue.VariantCommand:
		return envelope.TypeCommand
	default:
		return envelope.TypeHeartbeat
	}
}

// receiveLoop reads acks off one adapter's framed stream and feeds
// them to the chunk coordinator (spec §4.6 steps 3-5). It runs for the
// lifetime of the process; when the adapter is closed or was never
// opened, ReadFrame returns promptly and the loop backs off rather
// than busy-spinning.
func (e *edge) receiveLoop(ctx context.Context, a *transport.TCPAdapter) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := a.ReadFrame()
		if err != nil {
			time.Sleep(200 * time.Millisecond)
			continue
		}
		env, err := envelope.Decode(frame)
		if err != nil || env.Type != envelope.TypeAck {
			continue
		}
		var ack envelope.Ack
		if err := envelope.UnmarshalPayload(env.Payload, &ack); err != nil {
			continue
		}
		e.handleAck(ctx, ack)
	}
}

// watchHeartbeatTimeouts logs and counts heartbeat_timeout breaches
// (spec §6 heartbeat_timeout). The safety action that timeout would
// otherwise drive belongs to an external flight-control collaborator
// (spec §9 Open Question); edgelink only observes it here.
func (e *edge) watchHeartbeatTimeouts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.heartbeatMon.Events():
			e.logger.Warn(ctx, "heartbeat_timeout", map[string]any{"elapsed_ms": ev.Elapsed.Milliseconds()})
			if e.metrics != nil {
				e.metrics.TransportFailure.WithLabelValues("heartbeat", "timeout").Inc()
			}
		}
	}
}

func (e *edge) handleAck(ctx context.Context, ack envelope.Ack) {
	now := time.Now()
	switch ack.Kind {
	case envelope.AckMetadataAccept:
		_ = e.coord.HandleMetadataAccept(ctx, ack.ArtifactID, now)
	case envelope.AckChunkOK:
		_ = e.coord.HandleChunkAck(ctx, ack.ArtifactID, ack.ChunkIndex, true, now)
	case envelope.AckChunkBadCRC:
		_ = e.coord.HandleChunkAck(ctx, ack.ArtifactID, ack.ChunkIndex, false, now)
	case envelope.AckCompletionOK:
		_ = e.coord.HandleCompletionAck(ctx, ack.ArtifactID, true, now)
	case envelope.AckCompletionHash:
		_ = e.coord.HandleCompletionAck(ctx, ack.ArtifactID, false, now)
	case envelope.AckCancelOK:
		e.logger.Info(ctx, "artifact_cancelled", map[string]any{"artifact_id": ack.ArtifactID})
	}
}

// adminState backs /debug/state (internal/adminhttp) with a snapshot
// of the FSM state and per-variant queue depth.
func (e *edge) adminState() map[string]any {
	ctx := context.Background()
	depths := make(map[string]int, len(queue.AllVariants()))
	for _, v := range queue.AllVariants() {
		n, err := e.q.Depth(ctx, v)
		if err == nil {
			depths[string(v)] = n
		}
	}
	return map[string]any{
		"fsm_state":   string(e.m.State()),
		"queue_depth": depths,
		"device_id":   e.cfg.DeviceID,
	}
}

func (e *edge) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()

	deadline := time.Now().Add(drainDeadline)
	for time.Now().Before(deadline) {
		n, err := e.store.CountPending(ctx, queue.VariantArtifactChunk)
		if err != nil || n == 0 {
			break
		}
		e.drainOne(ctx)
		time.Sleep(10 * time.Millisecond)
	}

	e.close()
}

func (e *edge) close() {
	_ = e.primary.Close()
	_ = e.fallback.Close()
	if e.store != nil {
		_ = e.store.Close()
	}
}
