// Package relayfwd implements the relay role of spec §4.8: a
// transparent store-and-forward peer that holds exactly one inbound
// fallback-link session per edge peer and one outbound cellular
// session to the server, streaming envelopes in both directions
// without decoding payloads beyond framing.
//
// Grounded on the teacher's connector-hub streaming.StreamManager/
// RingBuffer pump shape (an inbound reader goroutine and an outbound
// writer goroutine joined by a bounded channel), repurposed here to
// move raw frames instead of decoded messages — the relay's whole
// point is that it never decodes (spec §4.8: "MUST NOT attempt to
// validate integrity").
package relayfwd

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/fieldcore/edgelink/internal/envelope"
	"github.com/fieldcore/edgelink/internal/telemetry"
)

// DefaultBufferSize is the relay's configurable per-direction buffer
// default named in spec §4.8.
const DefaultBufferSize = 256

var ErrClosed = errors.New("relayfwd: closed")

// Forwarder pumps raw frames between one inbound (edge-facing) and one
// outbound (server-facing) connection. It holds no envelope state; the
// buffer exists only for flow smoothing and is explicitly NOT persisted
// across restart (spec §4.8).
type Forwarder struct {
	inbound  net.Conn
	outbound net.Conn
	bufSize  int

	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	closeOnce sync.Once
	done      chan struct{}
}

func New(inbound, outbound net.Conn, bufSize int, logger *telemetry.Logger, metrics *telemetry.Metrics) *Forwarder {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if logger == nil {
		logger = telemetry.Nop
	}
	return &Forwarder{
		inbound:  inbound,
		outbound: outbound,
		bufSize:  bufSize,
		logger:   logger,
		metrics:  metrics,
		done:     make(chan struct{}),
	}
}

// Run pumps frames in both directions until either side closes or
// errors, then closes both connections and returns. It blocks until
// done; callers typically invoke it in its own goroutine per peer.
func (f *Forwarder) Run() error {
	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- f.pump(f.inbound, f.outbound, "inbound_to_outbound")
		f.Close() // unblocks the other direction's reader
	}()
	go func() {
		defer wg.Done()
		errs <- f.pump(f.outbound, f.inbound, "outbound_to_inbound")
		f.Close()
	}()

	wg.Wait()
	close(errs)
	f.Close()

	var first error
	for e := range errs {
		if e != nil && first == nil {
			first = e
		}
	}
	return first
}

// pump reads framed envelopes from src and writes them unchanged to
// dst. It never calls envelope.Decode — only the framing layer is
// touched, so unknown fields the relay has never heard of pass through
// byte-identical (spec §8 scenario 5, "relay transparency").
func (f *Forwarder) pump(src, dst net.Conn, direction string) error {
	fr := envelope.NewFrameReader(src, envelope.DefaultMaxFrameBytes)
	buf := make(chan []byte, f.bufSize)
	readErr := make(chan error, 1)

	go func() {
		defer close(buf)
		for {
			frame, err := fr.ReadFrame()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case buf <- frame:
			case <-f.done:
				return
			}
		}
	}()

	for frame := range buf {
		if err := envelope.WriteFrame(dst, frame, envelope.DefaultMaxFrameBytes); err != nil {
			// Outbound write failure closes the inbound session (spec
			// §4.8): closing here unblocks the reader goroutine above.
			f.Close()
			return err
		}
	}

	select {
	case err := <-readErr:
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	default:
		return nil
	}
}

func (f *Forwarder) Close() error {
	f.closeOnce.Do(func() {
		close(f.done)
		f.inbound.Close()
		f.outbound.Close()
	})
	return nil
}
