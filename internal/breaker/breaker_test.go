package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreeFailures(t *testing.T) {
	b := New(30 * time.Second)
	b.now = func() time.Time { return time.Unix(0, 0) }

	for i := 0; i < 2; i++ {
		ok, state, _ := b.Allow("primary")
		require.True(t, ok)
		require.Equal(t, StateClosed, state)
		b.Report("primary", false)
	}

	ok, state, _ := b.Allow("primary")
	require.True(t, ok, "the third attempt itself is still allowed")
	b.Report("primary", false)

	ok, state, reason := b.Allow("primary")
	require.False(t, ok)
	require.Equal(t, StateOpen, state)
	require.Equal(t, "circuit_open", reason)
}

func TestBreakerHalfOpensAfterCooldown(t *testing.T) {
	now := time.Unix(0, 0)
	b := New(30 * time.Second)
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		b.Allow("primary")
		b.Report("primary", false)
	}
	_, state, _ := b.Allow("primary")
	require.Equal(t, StateOpen, state)

	now = now.Add(31 * time.Second)
	ok, state, _ := b.Allow("primary")
	require.True(t, ok)
	require.Equal(t, StateHalfOpen, state)
}

func TestBreakerClosesOnSuccess(t *testing.T) {
	b := New(30 * time.Second)
	b.now = func() time.Time { return time.Unix(0, 0) }

	b.Allow("primary")
	b.Report("primary", false)
	b.Allow("primary")
	b.Report("primary", true)

	ok, state, _ := b.Allow("primary")
	require.True(t, ok)
	require.Equal(t, StateClosed, state)
}

func TestBreakerKeysAreIndependent(t *testing.T) {
	b := New(30 * time.Second)
	b.now = func() time.Time { return time.Unix(0, 0) }

	for i := 0; i < 3; i++ {
		b.Allow("primary")
		b.Report("primary", false)
	}
	_, primaryState, _ := b.Allow("primary")
	require.Equal(t, StateOpen, primaryState)

	ok, fallbackState, _ := b.Allow("fallback")
	require.True(t, ok)
	require.Equal(t, StateClosed, fallbackState)
}
