package queue

import (
	"context"
	"time"
)

// Scheduler implements the anti-starvation claim ordering of spec §4.3:
// high- and medium-priority entries are claimed first, but at least one
// in every antiStarvationN claims is forced to consider low-priority
// (artifact_chunk) entries, so a continuous stream of GPS/heartbeat
// traffic cannot starve bulk transfer forever.
type Scheduler struct {
	q     *Queue
	n     int // anti-starvation window, default 16
	count int
}

const defaultAntiStarvationN = 16

func NewScheduler(q *Queue) *Scheduler {
	return &Scheduler{q: q, n: defaultAntiStarvationN}
}

func (s *Scheduler) WithWindow(n int) *Scheduler {
	if n > 0 {
		s.n = n
	}
	return s
}

var highMediumVariants = []Variant{
	VariantHeartbeat, VariantDeviceStatus, VariantArtifactMetadata,
	VariantAck, VariantCommand, VariantGPS,
}

var allVariants = append(append([]Variant{}, highMediumVariants...), VariantArtifactChunk)

var lowVariants = []Variant{VariantArtifactChunk}

// ClaimNext picks the next entry to hand to a transport adapter. Every
// s.n-th call is forced to claim from the low-priority (chunk) set
// first, regardless of what higher-priority work is pending — claiming
// from allVariants on that slot would still rank a pending heartbeat
// ahead of any chunk (priority desc, enqueued_at asc), so a saturating
// high-priority stream would starve chunks forever even on the
// "forced" slot. Only when no chunk is eligible does the forced slot
// fall back to the full set, and non-forced calls still prefer
// high/medium and fall back to all variants when none is eligible.
func (s *Scheduler) ClaimNext(ctx context.Context, now time.Time, maxPayloadBytes int) (Entry, bool, error) {
	s.count++
	forceLow := s.count%s.n == 0

	if forceLow {
		e, ok, err := s.q.ClaimNext(ctx, now, lowVariants, maxPayloadBytes)
		if err != nil || ok {
			return e, ok, err
		}
		return s.q.ClaimNext(ctx, now, allVariants, maxPayloadBytes)
	}

	e, ok, err := s.q.ClaimNext(ctx, now, highMediumVariants, maxPayloadBytes)
	if err != nil || ok {
		return e, ok, err
	}
	return s.q.ClaimNext(ctx, now, allVariants, maxPayloadBytes)
}
