// Package fsm implements the transport-selection state machine of spec
// §4.4: which transport adapter currently owns the queue's producer
// side, driven by handshake/probe/send/signal events and subject to
// hysteresis (sticky_cooldown, sticky_stable_window).
//
// The machine is expressed as a pure step function (HandleEvent) rather
// than an owning event-loop goroutine, so the transition table and its
// hysteresis rules can be tested deterministically without real timers
// — grounded on the teacher's preference for small, directly testable
// state in pkg/queue/consumer.go's decision functions, generalized here
// to a full transition table per spec §9 ("an implementation may
// equivalently structure [timers] as an explicit timer wheel plus an
// event loop; the contract is unchanged").
package fsm

import (
	"time"

	"github.com/fieldcore/edgelink/internal/breaker"
	"github.com/fieldcore/edgelink/internal/telemetry"
)

type State string

const (
	StateUnknown           State = "unknown"
	StatePrimaryProbing    State = "primary_probing"
	StatePrimaryConnected  State = "primary_connected"
	StateFallbackConnected State = "fallback_connected"
	StateOffline           State = "offline"
)

type Link string

const (
	LinkPrimary  Link = "primary"
	LinkFallback Link = "fallback"
)

type EventKind int

const (
	EventBoot EventKind = iota
	EventHandshakeOK
	EventHandshakeFail
	EventSendFailure
	EventSendSuccess
	EventSignalSample
	EventProbeTimer        // offline's 30s primary probe timer fired
	EventPeerDiscovered    // fallback peer became reachable
	EventPeerDisconnect    // fallback peer link dropped
	EventBackgroundProbeOK // background 60s primary probe from fallback_connected succeeded
)

type Event struct {
	Kind          EventKind
	Link          Link
	At            time.Time
	SignalQuality float64 // 0..1, used with EventSignalSample
}

// Action describes a side effect the caller (the owning cmd/edge
// wiring) must perform; the FSM itself never touches adapters or the
// queue directly (spec §9: "Adapters do not hold back-references").
type Action string

const (
	ActionAttemptPrimaryHandshake Action = "attempt_primary_handshake"
	ActionResetBackoff            Action = "reset_backoff"
	ActionScheduleFallbackProbe   Action = "schedule_fallback_probe"
	ActionDetachAndRequeue        Action = "detach_and_requeue"
	ActionOpenFallbackLink        Action = "open_fallback_link"
	ActionCloseFallbackLink       Action = "close_fallback_link_and_requeue"
	ActionDrainFallback           Action = "drain_fallback_reconnect_primary"
	ActionProactiveSwitchToProbe  Action = "proactive_switch_to_probe"
)

const signalDegradedThreshold = 0.3
const sendFailureWindow = 10 * time.Second
const sendFailureCountToSwitch = 3
const signalDegradedStreakToSwitch = 3
const primaryProbeInterval = 30 * time.Second
const backgroundPrimaryProbeInterval = 60 * time.Second

// FSM is not safe for concurrent use by multiple callers; the owner
// (the FSM task named in spec §9) serializes events through its own
// channel before calling HandleEvent.
type FSM struct {
	state State

	breaker  *breaker.Breaker
	metrics  *telemetry.Metrics
	logger   *telemetry.Logger

	stickyCooldown     time.Duration
	stickyStableWindow time.Duration

	sendFailureTimes map[Link][]time.Time
	signalBelowStreak int
	successStreak     map[Link]int
	stableUntil       map[Link]time.Time
	forbiddenUntil    map[Link]time.Time

	lastOfflineEntry time.Time
}

func New(br *breaker.Breaker, metrics *telemetry.Metrics, logger *telemetry.Logger, stickyCooldown, stickyStableWindow time.Duration) *FSM {
	if logger == nil {
		logger = telemetry.Nop
	}
	return &FSM{
		state:              StateUnknown,
		breaker:            br,
		metrics:            metrics,
		logger:             logger,
		stickyCooldown:     stickyCooldown,
		stickyStableWindow: stickyStableWindow,
		sendFailureTimes:   make(map[Link][]time.Time),
		successStreak:      make(map[Link]int),
		stableUntil:        make(map[Link]time.Time),
		forbiddenUntil:     make(map[Link]time.Time),
	}
}

func (f *FSM) State() State { return f.state }

// Forbidden reports whether link is within its post-switch-away
// sticky_cooldown window (spec §4.4 Hysteresis, first clause).
func (f *FSM) Forbidden(link Link, now time.Time) bool {
	until, ok := f.forbiddenUntil[link]
	return ok && now.Before(until)
}

// Stable reports whether link is within its post-three-successes
// sticky_until window (spec §4.4 Hysteresis, second clause): while
// stable, proactive signal-quality switches are suppressed.
func (f *FSM) Stable(link Link, now time.Time) bool {
	until, ok := f.stableUntil[link]
	return ok && now.Before(until)
}

func (f *FSM) transition(to State, event string) {
	if f.metrics != nil {
		f.metrics.FSMTransitions.WithLabelValues(string(f.state), string(to), event).Inc()
		f.metrics.FSMState.Reset()
		f.metrics.FSMState.WithLabelValues(string(to)).Set(1)
	}
	f.state = to
}

func (f *FSM) forbid(link Link, now time.Time) {
	f.forbiddenUntil[link] = now.Add(f.stickyCooldown)
	f.successStreak[link] = 0
	delete(f.stableUntil, link)
}

// HandleEvent applies one event to the machine and returns zero or more
// side effects for the caller to perform. It implements spec §4.4's
// transition table plus the Hysteresis paragraph.
func (f *FSM) HandleEvent(ev Event) []Action {
	switch ev.Kind {
	case EventBoot:
		if f.state != StateUnknown {
			return nil
		}
		f.transition(StatePrimaryProbing, "boot")
		return []Action{ActionAttemptPrimaryHandshake}

	case EventHandshakeOK:
		if f.state != StatePrimaryProbing {
			return nil
		}
		f.transition(StatePrimaryConnected, "handshake_ok")
		f.markSuccess(LinkPrimary, ev.At)
		return []Action{ActionResetBackoff}

	case EventHandshakeFail:
		if f.state != StatePrimaryProbing {
			return nil
		}
		f.forbid(LinkPrimary, ev.At)
		f.transition(StateOffline, "handshake_fail")
		f.lastOfflineEntry = ev.At
		return []Action{ActionScheduleFallbackProbe}

	case EventSendFailure:
		return f.handleSendFailure(ev)

	case EventSendSuccess:
		f.markSuccess(ev.Link, ev.At)
		return nil

	case EventSignalSample:
		return f.handleSignalSample(ev)

	case EventProbeTimer:
		if f.state != StateOffline {
			return nil
		}
		if ev.At.Sub(f.lastOfflineEntry) < primaryProbeInterval {
			return nil
		}
		if f.Forbidden(LinkPrimary, ev.At) {
			return nil
		}
		f.transition(StatePrimaryProbing, "probe_timer")
		return []Action{ActionAttemptPrimaryHandshake}

	case EventPeerDiscovered:
		if f.state != StateOffline {
			return nil
		}
		f.transition(StateFallbackConnected, "peer_discovered")
		return []Action{ActionOpenFallbackLink}

	case EventPeerDisconnect:
		if f.state != StateFallbackConnected {
			return nil
		}
		f.forbid(LinkFallback, ev.At)
		f.transition(StateOffline, "peer_disconnect")
		f.lastOfflineEntry = ev.At
		return []Action{ActionCloseFallbackLink}

	case EventBackgroundProbeOK:
		if f.state != StateFallbackConnected {
			return nil
		}
		f.transition(StatePrimaryConnected, "background_probe_ok")
		f.markSuccess(LinkPrimary, ev.At)
		return []Action{ActionDrainFallback}
	}
	return nil
}

func (f *FSM) handleSendFailure(ev Event) []Action {
	link := ev.Link
	if link == "" {
		link = LinkPrimary
	}

	times := append(f.sendFailureTimes[link], ev.At)
	cutoff := ev.At.Add(-sendFailureWindow)
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	f.sendFailureTimes[link] = kept
	f.successStreak[link] = 0
	delete(f.stableUntil, link)

	if link == LinkPrimary && f.state == StatePrimaryConnected && len(kept) >= sendFailureCountToSwitch {
		f.sendFailureTimes[link] = nil
		f.forbid(LinkPrimary, ev.At)
		f.transition(StatePrimaryProbing, "send_failure")
		return []Action{ActionDetachAndRequeue}
	}
	if link == LinkFallback && f.state == StateFallbackConnected {
		f.forbid(LinkFallback, ev.At)
		f.transition(StateOffline, "send_failure")
		f.lastOfflineEntry = ev.At
		return []Action{ActionCloseFallbackLink}
	}
	return nil
}

func (f *FSM) handleSignalSample(ev Event) []Action {
	if f.state != StatePrimaryConnected {
		f.signalBelowStreak = 0
		return nil
	}
	if ev.SignalQuality >= signalDegradedThreshold {
		f.signalBelowStreak = 0
		return nil
	}
	f.signalBelowStreak++
	if f.signalBelowStreak < signalDegradedStreakToSwitch {
		return nil
	}
	f.signalBelowStreak = 0
	if f.Stable(LinkPrimary, ev.At) {
		// Suppressed: stable window mutes proactive switches unless a
		// send actually fails (spec §4.4 Hysteresis, second clause).
		return nil
	}
	f.transition(StatePrimaryProbing, "signal_degraded")
	return []Action{ActionProactiveSwitchToProbe}
}

func (f *FSM) markSuccess(link Link, now time.Time) {
	f.sendFailureTimes[link] = nil
	f.successStreak[link]++
	if f.successStreak[link] >= 3 {
		f.stableUntil[link] = now.Add(f.stickyStableWindow)
	}
}
