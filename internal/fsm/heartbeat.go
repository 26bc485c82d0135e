package fsm

import (
	"sync"
	"time"
)

// HeartbeatTimeout is emitted when no heartbeat has been confirmed sent
// for longer than the configured timeout (spec §6 heartbeat_timeout,
// spec §9's Open Question: the safety action that timeout would drive
// belongs to an external flight-control collaborator, out of scope
// here except for emitting this event on a dedicated channel).
type HeartbeatTimeout struct {
	At      time.Time
	Elapsed time.Duration
}

// HeartbeatMonitor tracks the last confirmed heartbeat send and emits a
// HeartbeatTimeout at most once per breach. It holds no opinion about
// what, if anything, a subscriber does with the event.
type HeartbeatMonitor struct {
	timeout time.Duration

	mu       sync.Mutex
	lastSeen time.Time
	breached bool

	c    chan HeartbeatTimeout
	stop chan struct{}
	once sync.Once
}

func NewHeartbeatMonitor(timeout time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		timeout:  timeout,
		lastSeen: time.Now(),
		c:        make(chan HeartbeatTimeout, 1),
		stop:     make(chan struct{}),
	}
}

// Events returns the channel HeartbeatTimeouts are published on. The
// channel is never closed by Touch/Check; callers select on it
// alongside their own shutdown signal.
func (m *HeartbeatMonitor) Events() <-chan HeartbeatTimeout { return m.c }

// Touch records a confirmed heartbeat send, clearing any prior breach.
func (m *HeartbeatMonitor) Touch(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen = now
	m.breached = false
}

// Check reports whether the timeout has elapsed since the last Touch,
// publishing a HeartbeatTimeout the first time it does (non-blocking;
// a slow subscriber does not back up the caller).
func (m *HeartbeatMonitor) Check(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := now.Sub(m.lastSeen)
	if elapsed < m.timeout || m.breached {
		return
	}
	m.breached = true
	select {
	case m.c <- HeartbeatTimeout{At: now, Elapsed: elapsed}:
	default:
	}
}

// Run polls Check every interval until Stop is called. Run is optional;
// a caller already running its own ticker loop may call Check directly.
func (m *HeartbeatMonitor) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.Check(now)
		}
	}
}

func (m *HeartbeatMonitor) Stop() {
	m.once.Do(func() { close(m.stop) })
}
