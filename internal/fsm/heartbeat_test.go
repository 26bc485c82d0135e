package fsm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHeartbeatMonitorNoEventBeforeTimeout(t *testing.T) {
	m := NewHeartbeatMonitor(time.Minute)
	now := time.Now()
	m.Touch(now)
	m.Check(now.Add(30 * time.Second))

	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected timeout event: %+v", ev)
	default:
	}
}

func TestHeartbeatMonitorPublishesOnceOnBreach(t *testing.T) {
	m := NewHeartbeatMonitor(time.Minute)
	start := time.Now()
	m.Touch(start)

	m.Check(start.Add(2 * time.Minute))
	select {
	case ev := <-m.Events():
		require.Equal(t, 2*time.Minute, ev.Elapsed)
	default:
		t.Fatal("expected a timeout event")
	}

	// Further checks before the next Touch must not publish again.
	m.Check(start.Add(3 * time.Minute))
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected second timeout event: %+v", ev)
	default:
	}
}

func TestHeartbeatMonitorTouchClearsBreach(t *testing.T) {
	m := NewHeartbeatMonitor(time.Minute)
	start := time.Now()
	m.Touch(start)
	m.Check(start.Add(2 * time.Minute))
	<-m.Events()

	m.Touch(start.Add(2 * time.Minute))
	m.Check(start.Add(2*time.Minute + 30*time.Second))
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected timeout event after touch: %+v", ev)
	default:
	}
}

func TestHeartbeatMonitorStopIsIdempotent(t *testing.T) {
	m := NewHeartbeatMonitor(time.Minute)
	go m.Run(10 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	m.Stop()
	m.Stop()
}
