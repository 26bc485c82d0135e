package ingestsrv

import (
	"sync"

	"github.com/fieldcore/edgelink/internal/idempotency"
)

// ChunkDedup implements spec invariant 2: for any (artifact_id,
// chunk_index) pair, the first received copy with a valid checksum is
// authoritative and subsequent copies are discarded (idempotent
// duplicate handling, tolerating edge resends after a dropped ack).
// Keys are built with idempotency.BuildKeyFromMap rather than a
// hand-rolled string join, so every dedup key in this package is
// scoped and normalized the same way.
type ChunkDedup struct {
	mu       sync.Mutex
	byArt    map[string]map[string]struct{} // artifactID -> set of per-chunk keys
}

func NewChunkDedup() *ChunkDedup {
	return &ChunkDedup{byArt: make(map[string]map[string]struct{})}
}

// chunkKey never errors in practice: scope "chunk" is a fixed valid
// literal and the field values are a plain string and int well under
// BuildKeyFromMap's size limits.
func chunkKey(artifactID string, chunkIndex int) string {
	k, _ := idempotency.BuildKeyFromMap("chunk", map[string]any{
		"artifact_id": artifactID,
		"chunk_index": chunkIndex,
	})
	return k
}

// AlreadyReceived reports whether this exact chunk has already been
// accepted for the artifact.
func (d *ChunkDedup) AlreadyReceived(artifactID string, chunkIndex int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.byArt[artifactID][chunkKey(artifactID, chunkIndex)]
	return ok
}

func (d *ChunkDedup) MarkReceived(artifactID string, chunkIndex int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.byArt[artifactID] == nil {
		d.byArt[artifactID] = make(map[string]struct{})
	}
	d.byArt[artifactID][chunkKey(artifactID, chunkIndex)] = struct{}{}
}

// Forget clears an artifact's dedup state, used on hash-mismatch
// restart (spec §4.6 step 5: the server clears its bitmap and expects
// every chunk again) and on final completion cleanup.
func (d *ChunkDedup) Forget(artifactID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byArt, artifactID)
}
