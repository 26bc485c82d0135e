package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemDLQRecordAndList(t *testing.T) {
	ctx := context.Background()
	d := NewMemDLQ()
	now := time.Now()

	require.NoError(t, d.Record(ctx, DLQRecord{OriginalID: 1, Variant: VariantHeartbeat, Reason: "heartbeat_max_attempts", FailedAt: now}))
	require.NoError(t, d.Record(ctx, DLQRecord{OriginalID: 2, Variant: VariantGPS, Reason: "expired", FailedAt: now.Add(time.Second)}))

	all, err := d.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	limited, err := d.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, EntryID(2), limited[0].OriginalID, "List should return the most recent records when limited")
}

func TestMemDLQPurge(t *testing.T) {
	ctx := context.Background()
	d := NewMemDLQ()
	now := time.Now()

	require.NoError(t, d.Record(ctx, DLQRecord{OriginalID: 1, FailedAt: now.Add(-time.Hour)}))
	require.NoError(t, d.Record(ctx, DLQRecord{OriginalID: 2, FailedAt: now}))

	purged, err := d.Purge(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	remaining, err := d.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, EntryID(2), remaining[0].OriginalID)
}
