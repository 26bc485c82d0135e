package queue

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// RetryDecision is returned by RetryPolicy.Decide, grounded on
// pkg/queue/consumer.go's DefaultRetryPolicy/RetryDecision shape.
type RetryDecision struct {
	Delay   time.Duration
	Drop    bool // terminal: Queue.MarkFailed deletes the entry, no further retry
	Reason  string
}

// RetryPolicy implements spec §4.5: exponential backoff with jitter,
// base=1s, variant-specific caps, and variant-specific terminal rules
// (heartbeats drop after 5 attempts; telemetry retries until expiry,
// enforced separately by expire_sweep; bulk chunks retry indefinitely).
type RetryPolicy struct {
	Base time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 1 * time.Second}
}

func (p RetryPolicy) capFor(v Variant) time.Duration {
	if v == VariantArtifactChunk {
		return 300 * time.Second
	}
	return 60 * time.Second
}

func (p RetryPolicy) Decide(e Entry) RetryDecision {
	base := p.Base
	if base <= 0 {
		base = 1 * time.Second
	}

	if e.Variant == VariantHeartbeat && e.RetryCount >= 5 {
		return RetryDecision{Drop: true, Reason: "heartbeat_max_attempts"}
	}

	maxDelay := p.capFor(e.Variant)
	shift := e.RetryCount
	if shift > 20 {
		shift = 20
	}
	delay := base * time.Duration(1<<uint(shift))
	if delay > maxDelay {
		delay = maxDelay
	}
	delay = jitter(delay, e.ID, e.RetryCount)
	if delay < 0 {
		delay = 0
	}
	return RetryDecision{Delay: delay}
}

// jitter applies a deterministic uniform(0.5, 1.5) multiplier, grounded
// on pkg/queue/consumer.go's deterministicJitter (hash-derived rather
// than math/rand, so retries are reproducible in tests).
func jitter(base time.Duration, id EntryID, retryCount int) time.Duration {
	h := sha256.New()
	_, _ = h.Write([]byte(fmt.Sprintf("%d:%d", id, retryCount)))
	sum := h.Sum(nil)
	u := binary.LittleEndian.Uint64(sum[:8])
	// Map to [0.5, 1.5) in fixed point (per-mille).
	perMille := 500 + int64(u%1000)
	return time.Duration(int64(base) * perMille / 1000)
}
