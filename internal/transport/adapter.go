// Package transport defines the adapter contract of spec §9 ("dynamic
// dispatch over transports"): every transport — primary cellular, the
// fallback relay link — satisfies the same five operations
// (open, submit, close, emit-events, advertise-capabilities) behind one
// small interface, so the FSM in internal/fsm can own and drive either
// without type-switching on concrete transports.
//
// Grounded on the teacher's connector-hub adapter shape: one interface
// implemented by multiple connector kinds, owned by a pool/registry
// rather than holding back-references to its owner.
package transport

import (
	"context"
	"time"

	"github.com/fieldcore/edgelink/internal/envelope"
	"github.com/fieldcore/edgelink/internal/queue"
)

// EventKind enumerates the events an Adapter emits on its Events channel.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventSendSuccess
	EventSendFailure
	EventSignalSample
)

// Event is a single adapter-emitted occurrence, consumed by the FSM's
// event loop (spec §4.4's Inputs).
type Event struct {
	Kind EventKind
	At   time.Time

	// Link names which adapter produced this event ("primary" or
	// "fallback"), so the cmd/edge wiring that translates this into an
	// fsm.Event knows which fsm.Link to set.
	Link string

	// Err is set for EventSendFailure and EventDisconnected.
	Err error

	// SignalQuality is set for EventSignalSample; 0..1, higher is
	// better. Produced by internal/transport/netquality on Linux.
	SignalQuality float64
}

// Adapter is the five-operation contract named in spec §9. Exactly one
// Adapter is "active" (owns the queue's producer side) at a time; the
// FSM switches which Adapter is active by calling Close on the old one
// and Open on the new one.
type Adapter interface {
	// Name identifies the adapter for logging/metrics (e.g. "primary",
	// "fallback").
	Name() string

	// Open establishes the underlying connection. It must be safe to
	// call again after Close.
	Open(ctx context.Context) error

	// Submit sends one envelope and blocks until the send completes or
	// the per-send timeout (spec §4.4: 10s) elapses. A deadline-exceeded
	// or I/O error is reported both as a returned error and as an
	// EventSendFailure on the Events channel, so the FSM can react even
	// when the caller that invoked Submit is not the FSM itself.
	Submit(ctx context.Context, env envelope.Envelope) error

	// Close tears down the connection. Idempotent.
	Close() error

	// Events returns the channel of adapter-emitted occurrences. The
	// channel stays open across Open/Close cycles; Close does not close
	// it, since the FSM may Open the same adapter again later.
	Events() <-chan Event

	// Capabilities advertises size/throughput limits used by
	// queue.Queue.ClaimNext to avoid head-of-line blocking large
	// entries onto a link that cannot carry them.
	Capabilities() queue.TransportCapabilities
}

// SendTimeout is the per-send deadline of spec §4.4 ("Send failure
// detection"). Exceeding it counts as a failure for FSM purposes.
const SendTimeout = 10 * time.Second
