package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnqueueAndClaimPriorityOrder(t *testing.T) {
	ctx := context.Background()
	q := New(NewMemStore())
	now := time.Now()

	_, err := q.Enqueue(ctx, VariantArtifactChunk, []byte("chunk"), now)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, VariantGPS, []byte("gps"), now.Add(time.Millisecond))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, VariantHeartbeat, []byte("hb"), now.Add(2*time.Millisecond))
	require.NoError(t, err)

	e, ok, err := q.ClaimNext(ctx, now.Add(time.Second), allVariants, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, VariantHeartbeat, e.Variant, "highest priority entry should claim first")
}

func TestGPSOverflowDropsOldest(t *testing.T) {
	ctx := context.Background()
	q := New(NewMemStore())
	q.limits = map[Variant]variantLimit{
		VariantGPS: {cap: 2, policy: OverflowDropOldest},
	}
	now := time.Now()

	first, err := q.Enqueue(ctx, VariantGPS, []byte("p1"), now)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, VariantGPS, []byte("p2"), now.Add(time.Millisecond))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, VariantGPS, []byte("p3"), now.Add(2*time.Millisecond))
	require.NoError(t, err)

	n, err := q.store.CountPending(ctx, VariantGPS)
	require.NoError(t, err)
	require.Equal(t, 2, n, "cap of 2 should never be exceeded")

	oldest, ok, err := q.store.OldestPending(ctx, VariantGPS)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, first, oldest.ID, "the original oldest entry should have been evicted")
}

func TestMarkFailedReschedulesWithDelay(t *testing.T) {
	ctx := context.Background()
	q := New(NewMemStore())
	now := time.Now()

	id, err := q.Enqueue(ctx, VariantGPS, []byte("p"), now)
	require.NoError(t, err)

	e, ok, err := q.ClaimNext(ctx, now, []Variant{VariantGPS}, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, e.ID)

	decision, err := q.MarkFailed(ctx, e, now)
	require.NoError(t, err)
	require.False(t, decision.Drop)
	require.Greater(t, decision.Delay, time.Duration(0))

	_, ok, err = q.ClaimNext(ctx, now, []Variant{VariantGPS}, 0)
	require.NoError(t, err)
	require.False(t, ok, "entry should not be eligible before its backoff delay elapses")

	_, ok, err = q.ClaimNext(ctx, now.Add(decision.Delay+time.Second), []Variant{VariantGPS}, 0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMaxPayloadBytesExcludesOversizeEntries(t *testing.T) {
	ctx := context.Background()
	q := New(NewMemStore())
	now := time.Now()

	_, err := q.Enqueue(ctx, VariantArtifactChunk, make([]byte, 128*1024), now)
	require.NoError(t, err)

	_, ok, err := q.ClaimNext(ctx, now, []Variant{VariantArtifactChunk}, FallbackMaxPayloadBytes)
	require.NoError(t, err)
	require.False(t, ok, "oversize chunk must not be claimable by a capability-limited transport")
}
