package chunk

import (
	"context"
	"sync"
	"time"

	"github.com/fieldcore/edgelink/internal/envelope"
	"github.com/fieldcore/edgelink/internal/queue"
	"github.com/fieldcore/edgelink/internal/telemetry"
)

// Coordinator drives the edge side of spec §4.6's chunked transfer
// protocol: metadata enqueue, windowed chunk enqueue (at most
// MaxInflightPerArtifact concurrently outstanding), ack-driven
// progress, completion, and hash-mismatch restart. It is the owner of
// DescriptorStore; callers deliver inbound acks via HandleMetadataAccept,
// HandleChunkAck and HandleCompletionAck.
type Coordinator struct {
	store   *DescriptorStore
	q       *queue.Queue
	metrics *telemetry.Metrics
	logger  *telemetry.Logger

	mu        sync.Mutex
	inflight  map[string]map[int]bool // artifactID -> set of chunk indices currently in flight
	artifacts map[string]Descriptor
}

func NewCoordinator(store *DescriptorStore, q *queue.Queue, metrics *telemetry.Metrics, logger *telemetry.Logger) *Coordinator {
	if logger == nil {
		logger = telemetry.Nop
	}
	return &Coordinator{
		store:     store,
		q:         q,
		metrics:   metrics,
		logger:    logger,
		inflight:  make(map[string]map[int]bool),
		artifacts: make(map[string]Descriptor),
	}
}

// StartArtifact begins a new bulk transfer: computes the descriptor,
// persists it, and enqueues the metadata envelope at high priority
// (spec §4.6 step 1).
func (c *Coordinator) StartArtifact(ctx context.Context, artifactID, sourcePath string, chunkSize int, now time.Time) error {
	d, err := NewDescriptor(artifactID, sourcePath, chunkSize, now)
	if err != nil {
		return err
	}
	if err := c.store.Save(d); err != nil {
		return err
	}

	c.mu.Lock()
	c.artifacts[artifactID] = d
	c.inflight[artifactID] = make(map[int]bool)
	c.mu.Unlock()

	return c.enqueueMetadata(ctx, d, now)
}

func (c *Coordinator) enqueueMetadata(ctx context.Context, d Descriptor, now time.Time) error {
	meta := envelope.ArtifactMetadata{
		ArtifactID:  d.ArtifactID,
		TotalBytes:  d.TotalBytes,
		TotalChunks: d.TotalChunks,
		ChunkSize:   d.ChunkSize,
		SHA256:      d.SHA256,
	}
	payload, err := envelope.MarshalPayload(meta)
	if err != nil {
		return err
	}
	_, err = c.q.Enqueue(ctx, queue.VariantArtifactMetadata, payload, now)
	return err
}

// Resume reloads all persisted descriptors at boot and re-enqueues
// pending chunks for any that are not yet complete (spec §4.6
// Resumption: "chunks whose bits are unset are re-enqueued").
func (c *Coordinator) Resume(ctx context.Context, now time.Time) error {
	ids, err := c.store.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		d, err := c.store.Load(id)
		if err != nil {
			continue
		}
		if d.Complete() {
			continue
		}
		c.mu.Lock()
		c.artifacts[id] = d
		c.inflight[id] = make(map[int]bool)
		c.mu.Unlock()

		if err := c.fillWindow(ctx, id, now); err != nil {
			return err
		}
	}
	return nil
}

// fillWindow enqueues pending chunks up to MaxInflightPerArtifact total
// in-flight for the artifact (spec §4.6 Parallelism).
func (c *Coordinator) fillWindow(ctx context.Context, artifactID string, now time.Time) error {
	c.mu.Lock()
	d, ok := c.artifacts[artifactID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownArtifact
	}
	inflight := c.inflight[artifactID]
	slots := MaxInflightPerArtifact - len(inflight)
	var toSend []int
	if slots > 0 {
		for _, idx := range d.PendingIndices() {
			if inflight[idx] {
				continue
			}
			toSend = append(toSend, idx)
			if len(toSend) >= slots {
				break
			}
		}
		for _, idx := range toSend {
			inflight[idx] = true
		}
	}
	c.mu.Unlock()

	for _, idx := range toSend {
		if err := c.enqueueChunk(ctx, d, idx, now); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) enqueueChunk(ctx context.Context, d Descriptor, index int, now time.Time) error {
	data, err := d.ReadChunk(index)
	if err != nil {
		return err
	}
	chunk := envelope.ArtifactChunk{
		ArtifactID:  d.ArtifactID,
		ChunkIndex:  index,
		TotalChunks: d.TotalChunks,
		Data:        data,
		ChunkCRC:    crc32Of(data),
	}
	payload, err := envelope.MarshalPayload(chunk)
	if err != nil {
		return err
	}
	_, err = c.q.Enqueue(ctx, queue.VariantArtifactChunk, payload, now)
	return err
}

// HandleMetadataAccept begins the windowed chunk transmission once the
// server has allocated receive state (spec §4.6 step 3).
func (c *Coordinator) HandleMetadataAccept(ctx context.Context, artifactID string, now time.Time) error {
	return c.fillWindow(ctx, artifactID, now)
}

// HandleChunkAck processes a chunk_ack: on ok, sets the bit and tops up
// the in-flight window; on bad_crc, the chunk is requeued (spec §4.6
// step 4).
func (c *Coordinator) HandleChunkAck(ctx context.Context, artifactID string, chunkIndex int, ok bool, now time.Time) error {
	c.mu.Lock()
	d, exists := c.artifacts[artifactID]
	if !exists {
		c.mu.Unlock()
		return ErrUnknownArtifact
	}
	delete(c.inflight[artifactID], chunkIndex)
	if ok {
		d.SentBitmap.Set(chunkIndex)
		c.artifacts[artifactID] = d
	}
	c.mu.Unlock()

	if c.metrics != nil {
		outcome := "ok"
		if !ok {
			outcome = "bad_crc"
		}
		c.metrics.ChunkAcks.WithLabelValues(outcome).Inc()
	}

	if !ok {
		if c.metrics != nil {
			c.metrics.ChunkResends.WithLabelValues("bad_crc").Inc()
		}
		c.mu.Lock()
		c.inflight[artifactID][chunkIndex] = true
		c.mu.Unlock()
		return c.enqueueChunk(ctx, d, chunkIndex, now)
	}

	if err := c.store.SaveBitmap(artifactID, d.SentBitmap); err != nil {
		return err
	}

	if d.Complete() {
		return c.enqueueComplete(ctx, artifactID, now)
	}
	return c.fillWindow(ctx, artifactID, now)
}

func (c *Coordinator) enqueueComplete(ctx context.Context, artifactID string, now time.Time) error {
	cmd := envelope.Command{Kind: envelope.CommandKindComplete, ArtifactID: artifactID}
	payload, err := envelope.MarshalPayload(cmd)
	if err != nil {
		return err
	}
	_, err = c.q.Enqueue(ctx, queue.VariantCommand, payload, now)
	return err
}

// HandleCompletionAck processes completion_ack: ok deletes the local
// artifact; hash_mismatch clears the bitmap and re-sends everything
// (spec §4.6 step 5).
func (c *Coordinator) HandleCompletionAck(ctx context.Context, artifactID string, matched bool, now time.Time) error {
	c.mu.Lock()
	d, exists := c.artifacts[artifactID]
	if !exists {
		c.mu.Unlock()
		return ErrUnknownArtifact
	}

	if matched {
		completed := now
		d.CompletedAt = &completed
		delete(c.artifacts, artifactID)
		delete(c.inflight, artifactID)
		c.mu.Unlock()
		return c.store.Delete(artifactID)
	}

	d.SentBitmap.ClearAll()
	c.artifacts[artifactID] = d
	c.inflight[artifactID] = make(map[int]bool)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ChunkResends.WithLabelValues("hash_mismatch").Inc()
	}
	if err := c.store.SaveBitmap(artifactID, d.SentBitmap); err != nil {
		return err
	}
	return c.fillWindow(ctx, artifactID, now)
}
