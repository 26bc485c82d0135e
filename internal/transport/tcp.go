package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/fieldcore/edgelink/internal/envelope"
	"github.com/fieldcore/edgelink/internal/queue"
	"github.com/fieldcore/edgelink/internal/telemetry"
	"github.com/fieldcore/edgelink/internal/transport/netquality"
)

// TCPAdapter is the Adapter implementation used both for the primary
// cellular transport and the fallback relay-link transport: in both
// cases the wire is a plain TCP stream framed per internal/envelope.
// Only the capabilities and dial target differ, set at construction.
//
// Grounded on the teacher's connector-hub pool/connection_pool.go
// dial-with-backoff shape, simplified from a pool to a single owned
// connection since the FSM (not a pool) governs this adapter's
// lifetime.
type TCPAdapter struct {
	name         string
	addr         string
	capabilities queue.TransportCapabilities
	maxFrame     int
	sampleSignal bool

	metrics *telemetry.Metrics
	logger  *telemetry.Logger

	mu     sync.Mutex
	conn   net.Conn
	fr     *envelope.FrameReader
	events chan Event
	closed bool
}

func NewPrimaryAdapter(addr string, maxFrameBytes int, metrics *telemetry.Metrics, logger *telemetry.Logger) *TCPAdapter {
	return &TCPAdapter{
		name:         "primary",
		addr:         addr,
		capabilities: queue.TransportCapabilities{Name: "primary", MaxPayloadBytes: 0},
		maxFrame:     maxFrameBytes,
		sampleSignal: true,
		metrics:      metrics,
		logger:       logger,
		events:       make(chan Event, 64),
	}
}

func NewFallbackAdapter(addr string, maxFrameBytes int, metrics *telemetry.Metrics, logger *telemetry.Logger) *TCPAdapter {
	return &TCPAdapter{
		name:         "fallback",
		addr:         addr,
		capabilities: queue.TransportCapabilities{Name: "fallback", MaxPayloadBytes: queue.FallbackMaxPayloadBytes},
		maxFrame:     maxFrameBytes,
		sampleSignal: false,
		metrics:      metrics,
		logger:       logger,
		events:       make(chan Event, 64),
	}
}

func (a *TCPAdapter) Name() string { return a.name }

func (a *TCPAdapter) Capabilities() queue.TransportCapabilities { return a.capabilities }

func (a *TCPAdapter) Events() <-chan Event { return a.events }

func (a *TCPAdapter) Open(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", a.addr)
	if err != nil {
		a.emit(Event{Kind: EventDisconnected, Link: a.name, At: time.Now(), Err: err})
		return err
	}

	a.mu.Lock()
	a.conn = conn
	a.fr = envelope.NewFrameReader(conn, a.maxFrame)
	a.closed = false
	a.mu.Unlock()

	a.emit(Event{Kind: EventConnected, Link: a.name, At: time.Now()})
	if a.sampleSignal {
		go a.sampleLoop(conn)
	}
	return nil
}

func (a *TCPAdapter) sampleLoop(conn net.Conn) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		a.mu.Lock()
		live := a.conn == conn && !a.closed
		a.mu.Unlock()
		if !live {
			return
		}
		quality, ok := netquality.Sample(conn)
		if !ok {
			continue
		}
		a.emit(Event{Kind: EventSignalSample, Link: a.name, At: time.Now(), SignalQuality: quality})
	}
}

func (a *TCPAdapter) Submit(ctx context.Context, env envelope.Envelope) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		err := net.ErrClosed
		a.emit(Event{Kind: EventSendFailure, Link: a.name, At: time.Now(), Err: err})
		return err
	}

	body, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(SendTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)

	if err := envelope.WriteFrame(conn, body, a.maxFrame); err != nil {
		a.emit(Event{Kind: EventSendFailure, Link: a.name, At: time.Now(), Err: err})
		return err
	}
	a.emit(Event{Kind: EventSendSuccess, Link: a.name, At: time.Now()})
	return nil
}

// ReadFrame exposes the adapter's framed stream to a caller that
// dispatches inbound acks/commands (the edge's receive loop).
func (a *TCPAdapter) ReadFrame() ([]byte, error) {
	a.mu.Lock()
	fr := a.fr
	a.mu.Unlock()
	if fr == nil {
		return nil, net.ErrClosed
	}
	return fr.ReadFrame()
}

func (a *TCPAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	var err error
	if a.conn != nil {
		err = a.conn.Close()
	}
	return err
}

func (a *TCPAdapter) emit(ev Event) {
	select {
	case a.events <- ev:
	default:
		// Events channel is a best-effort observability stream; drop
		// rather than block the send/connect path.
	}
}
