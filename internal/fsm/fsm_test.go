package fsm

import (
	"testing"
	"time"

	"github.com/fieldcore/edgelink/internal/breaker"
	"github.com/stretchr/testify/require"
)

func newTestFSM() *FSM {
	return New(breaker.New(30*time.Second), nil, nil, 30*time.Second, 5*time.Minute)
}

func TestBootToPrimaryProbing(t *testing.T) {
	f := newTestFSM()
	now := time.Now()
	actions := f.HandleEvent(Event{Kind: EventBoot, At: now})
	require.Equal(t, StatePrimaryProbing, f.State())
	require.Contains(t, actions, ActionAttemptPrimaryHandshake)
}

func TestHandshakeOkReachesPrimaryConnected(t *testing.T) {
	f := newTestFSM()
	now := time.Now()
	f.HandleEvent(Event{Kind: EventBoot, At: now})
	f.HandleEvent(Event{Kind: EventHandshakeOK, At: now.Add(time.Millisecond)})
	require.Equal(t, StatePrimaryConnected, f.State())
}

func TestHandshakeFailGoesOffline(t *testing.T) {
	f := newTestFSM()
	now := time.Now()
	f.HandleEvent(Event{Kind: EventBoot, At: now})
	actions := f.HandleEvent(Event{Kind: EventHandshakeFail, At: now.Add(time.Millisecond)})
	require.Equal(t, StateOffline, f.State())
	require.Contains(t, actions, ActionScheduleFallbackProbe)
}

func TestThreeConsecutiveSendFailuresWithinWindowTriggersProbe(t *testing.T) {
	f := newTestFSM()
	now := time.Now()
	f.HandleEvent(Event{Kind: EventBoot, At: now})
	f.HandleEvent(Event{Kind: EventHandshakeOK, At: now})
	require.Equal(t, StatePrimaryConnected, f.State())

	f.HandleEvent(Event{Kind: EventSendFailure, Link: LinkPrimary, At: now.Add(time.Second)})
	f.HandleEvent(Event{Kind: EventSendFailure, Link: LinkPrimary, At: now.Add(2 * time.Second)})
	require.Equal(t, StatePrimaryConnected, f.State(), "two failures should not yet trigger a switch")

	actions := f.HandleEvent(Event{Kind: EventSendFailure, Link: LinkPrimary, At: now.Add(3 * time.Second)})
	require.Equal(t, StatePrimaryProbing, f.State())
	require.Contains(t, actions, ActionDetachAndRequeue)
}

func TestSendFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	f := newTestFSM()
	now := time.Now()
	f.HandleEvent(Event{Kind: EventBoot, At: now})
	f.HandleEvent(Event{Kind: EventHandshakeOK, At: now})

	f.HandleEvent(Event{Kind: EventSendFailure, Link: LinkPrimary, At: now})
	f.HandleEvent(Event{Kind: EventSendFailure, Link: LinkPrimary, At: now.Add(20 * time.Second)})
	f.HandleEvent(Event{Kind: EventSendFailure, Link: LinkPrimary, At: now.Add(21 * time.Second)})
	require.Equal(t, StatePrimaryConnected, f.State(), "failures more than 10s apart must not combine into a switch")
}

func TestSignalDegradedThreeSamplesTriggersProactiveSwitch(t *testing.T) {
	f := newTestFSM()
	now := time.Now()
	f.HandleEvent(Event{Kind: EventBoot, At: now})
	f.HandleEvent(Event{Kind: EventHandshakeOK, At: now})

	f.HandleEvent(Event{Kind: EventSignalSample, At: now, SignalQuality: 0.1})
	f.HandleEvent(Event{Kind: EventSignalSample, At: now, SignalQuality: 0.1})
	require.Equal(t, StatePrimaryConnected, f.State())

	actions := f.HandleEvent(Event{Kind: EventSignalSample, At: now, SignalQuality: 0.1})
	require.Equal(t, StatePrimaryProbing, f.State())
	require.Contains(t, actions, ActionProactiveSwitchToProbe)
}

func TestStableWindowSuppressesProactiveSwitch(t *testing.T) {
	f := newTestFSM()
	now := time.Now()
	f.HandleEvent(Event{Kind: EventBoot, At: now})
	f.HandleEvent(Event{Kind: EventHandshakeOK, At: now})

	// Three successful sends mark the primary link stable.
	f.HandleEvent(Event{Kind: EventSendSuccess, Link: LinkPrimary, At: now})
	f.HandleEvent(Event{Kind: EventSendSuccess, Link: LinkPrimary, At: now})
	f.HandleEvent(Event{Kind: EventSendSuccess, Link: LinkPrimary, At: now})
	require.True(t, f.Stable(LinkPrimary, now))

	for i := 0; i < 3; i++ {
		f.HandleEvent(Event{Kind: EventSignalSample, At: now, SignalQuality: 0.0})
	}
	require.Equal(t, StatePrimaryConnected, f.State(), "stable window must suppress proactive signal-based switches")
}

func TestHysteresisForbidsImmediateReprobeAfterForcedSwitch(t *testing.T) {
	// Use a sticky_cooldown longer than the 30s probe-timer interval so
	// the two gates can be distinguished.
	f := New(breaker.New(45*time.Second), nil, nil, 45*time.Second, 5*time.Minute)
	now := time.Now()
	f.HandleEvent(Event{Kind: EventBoot, At: now})
	f.HandleEvent(Event{Kind: EventHandshakeFail, At: now})
	require.Equal(t, StateOffline, f.State())
	require.True(t, f.Forbidden(LinkPrimary, now.Add(time.Second)))

	actions := f.HandleEvent(Event{Kind: EventProbeTimer, At: now.Add(primaryProbeInterval + time.Second)})
	require.Nil(t, actions, "primary must stay forbidden during sticky_cooldown even once the probe timer fires")
	require.Equal(t, StateOffline, f.State())

	actions = f.HandleEvent(Event{Kind: EventProbeTimer, At: now.Add(46 * time.Second)})
	require.Contains(t, actions, ActionAttemptPrimaryHandshake)
	require.Equal(t, StatePrimaryProbing, f.State())
}

func TestFallbackConnectedOnPeerDiscoveredWhileOffline(t *testing.T) {
	f := newTestFSM()
	now := time.Now()
	f.HandleEvent(Event{Kind: EventBoot, At: now})
	f.HandleEvent(Event{Kind: EventHandshakeFail, At: now})
	require.Equal(t, StateOffline, f.State())

	actions := f.HandleEvent(Event{Kind: EventPeerDiscovered, At: now.Add(time.Second)})
	require.Equal(t, StateFallbackConnected, f.State())
	require.Contains(t, actions, ActionOpenFallbackLink)
}

func TestBackgroundProbeDrainsFallbackBackToPrimary(t *testing.T) {
	f := newTestFSM()
	now := time.Now()
	f.HandleEvent(Event{Kind: EventBoot, At: now})
	f.HandleEvent(Event{Kind: EventHandshakeFail, At: now})
	f.HandleEvent(Event{Kind: EventPeerDiscovered, At: now.Add(time.Second)})
	require.Equal(t, StateFallbackConnected, f.State())

	actions := f.HandleEvent(Event{Kind: EventBackgroundProbeOK, At: now.Add(61 * time.Second)})
	require.Equal(t, StatePrimaryConnected, f.State())
	require.Contains(t, actions, ActionDrainFallback)
}
