package queue

import (
	"context"
	"time"
)

// OverflowPolicy describes what happens to an Enqueue call once a
// variant's pending count reaches its cap (spec §4.3's per-variant
// overflow table).
type OverflowPolicy int

const (
	// OverflowDropOldest evicts the oldest pending entry of the variant
	// to make room (GPS points: cap 10000).
	OverflowDropOldest OverflowPolicy = iota
	// OverflowBlockCaller makes Enqueue block until room is available or
	// ctx is done (heartbeats: cap 1000 — callers must not silently lose
	// liveness signals).
	OverflowBlockCaller
	// OverflowDiskBound means there is no pending-count cap (bulk artifact
	// chunks); inserts are limited only by the store's disk space, and no
	// free-space check is made before staging chunks.
	OverflowDiskBound
)

// variantLimit pairs a variant's pending-entry cap with its overflow
// policy, per spec §4.3.
type variantLimit struct {
	cap    int
	policy OverflowPolicy
}

var defaultLimits = map[Variant]variantLimit{
	VariantGPS:        {cap: 10000, policy: OverflowDropOldest},
	VariantHeartbeat:  {cap: 1000, policy: OverflowBlockCaller},
	VariantArtifactChunk: {cap: 0, policy: OverflowDiskBound},
}

// Queue is the high-level facade wrapping a Store with cap/overflow
// enforcement (spec §4.3) and retry-policy scheduling (spec §4.5). It is
// the type wired into cmd/edge's pipeline; transport adapters and the
// chunk coordinator talk to this, not to Store directly.
type Queue struct {
	store  Store
	retry  RetryPolicy
	limits map[Variant]variantLimit

	blockPollInterval time.Duration
}

func New(store Store) *Queue {
	return &Queue{
		store:             store,
		retry:             DefaultRetryPolicy(),
		limits:            defaultLimits,
		blockPollInterval: 50 * time.Millisecond,
	}
}

// Enqueue admits a new payload under priority-and-overflow rules. High
// priority inserts are durable (synchronous commit); low priority
// inserts (chunks) may be batched by the backing Store.
func (q *Queue) Enqueue(ctx context.Context, variant Variant, payload []byte, now time.Time) (EntryID, error) {
	limit, has := q.limits[variant]
	if has && limit.policy != OverflowDiskBound && limit.cap > 0 {
		if err := q.enforceCap(ctx, variant, limit, now); err != nil {
			return 0, err
		}
	}

	e := Entry{
		Variant:       variant,
		Priority:      PriorityFor(variant),
		Payload:       payload,
		EnqueuedAt:    now,
		NextAttemptAt: now,
		State:         StatePending,
	}
	durable := e.Priority == PriorityHigh
	return q.store.Insert(ctx, e, durable)
}

func (q *Queue) enforceCap(ctx context.Context, variant Variant, limit variantLimit, now time.Time) error {
	for {
		n, err := q.store.CountPending(ctx, variant)
		if err != nil {
			return err
		}
		if n < limit.cap {
			return nil
		}
		switch limit.policy {
		case OverflowDropOldest:
			oldest, ok, err := q.store.OldestPending(ctx, variant)
			if err != nil {
				return err
			}
			if ok {
				if err := q.store.Delete(ctx, oldest.ID); err != nil {
					return err
				}
			}
			return nil
		case OverflowBlockCaller:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.blockPollInterval):
			}
		default:
			return nil
		}
	}
}

// ClaimNext delegates to the Store; the anti-starvation ordering across
// variants lives in scheduler.go's Scheduler, which calls this with a
// restricted variant set per slot.
func (q *Queue) ClaimNext(ctx context.Context, now time.Time, variants []Variant, maxPayloadBytes int) (Entry, bool, error) {
	return q.store.ClaimEligible(ctx, now, variants, maxPayloadBytes)
}

func (q *Queue) MarkSent(ctx context.Context, id EntryID) error {
	return q.store.MarkSent(ctx, id)
}

// MarkFailed consults RetryPolicy: a Drop decision deletes the entry
// outright (a caller that keeps a DLQ records it afterwards from its own
// copy of the Entry); a Delay decision reschedules it.
func (q *Queue) MarkFailed(ctx context.Context, e Entry, now time.Time) (RetryDecision, error) {
	e.RetryCount++
	decision := q.retry.Decide(e)
	if decision.Drop {
		return decision, q.store.Delete(ctx, e.ID)
	}
	return decision, q.store.MarkFailed(ctx, e.ID, now.Add(decision.Delay))
}

func (q *Queue) ExpireSweep(ctx context.Context, v Variant, olderThan time.Time) ([]Entry, error) {
	return q.store.ExpireSweep(ctx, v, olderThan)
}

// Depth reports the current pending count for a variant, for admin/debug
// introspection (internal/adminhttp).
func (q *Queue) Depth(ctx context.Context, v Variant) (int, error) {
	return q.store.CountPending(ctx, v)
}

func (q *Queue) Close() error { return q.store.Close() }

// AllVariants lists every variant this queue tracks depth for, in a
// stable order, for admin/debug introspection.
func AllVariants() []Variant {
	return []Variant{
		VariantHeartbeat, VariantGPS, VariantDeviceStatus,
		VariantArtifactMetadata, VariantArtifactChunk, VariantAck, VariantCommand,
	}
}
