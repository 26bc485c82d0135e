package envelope

import (
	"encoding/json"
	"time"
)

// Payload variant bodies (spec §3 table). Envelope.Payload stays opaque
// bytes at the codec layer; these types give producers and consumers a
// typed view over that payload, marshaled as JSON (a deliberate choice:
// the codec's binary TLV framing already carries the schema-evolution
// property at the envelope-header level, so payload bodies don't need a
// second hand-rolled binary format).

type Heartbeat struct {
	SentAt time.Time `json:"sent_at"`
}

type GPSPoint struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	AltMeters float64   `json:"alt_m"`
	FixAt     time.Time `json:"fix_at"`
}

type DeviceStatus struct {
	BatteryPct int     `json:"battery_pct"`
	DiskFreeMB int64   `json:"disk_free_mb"`
	Uptime     float64 `json:"uptime_s"`
}

// ArtifactMetadata is the first message of a bulk transfer (spec §4.6).
type ArtifactMetadata struct {
	ArtifactID  string `json:"artifact_id"`
	TotalBytes  int64  `json:"total_bytes"`
	TotalChunks int    `json:"total_chunks"`
	ChunkSize   int    `json:"chunk_size"`
	SHA256      string `json:"sha256"`
}

// ArtifactChunk is one chunk of a bulk transfer (spec §4.6).
type ArtifactChunk struct {
	ArtifactID  string `json:"artifact_id"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	Data        []byte `json:"data"`
	ChunkCRC    uint32 `json:"chunk_crc"`
}

// AckKind distinguishes the ack sub-variants used across §4.6 and §4.9.
type AckKind string

const (
	AckMetadataAccept  AckKind = "metadata_ack"
	AckMetadataReject  AckKind = "metadata_reject"
	AckChunkOK         AckKind = "chunk_ack_ok"
	AckChunkBadCRC     AckKind = "chunk_ack_bad_crc"
	AckCompletionOK    AckKind = "completion_ack_ok"
	AckCompletionHash  AckKind = "completion_ack_hash_mismatch"
	AckCancelOK        AckKind = "cancel_ack_ok"
	AckGeneric         AckKind = "ack"
)

type Ack struct {
	Kind       AckKind `json:"kind"`
	ArtifactID string  `json:"artifact_id,omitempty"`
	ChunkIndex int     `json:"chunk_index,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Sequence   uint64  `json:"sequence,omitempty"`
}

// CommandKind discriminates the small set of commands the server's ingest
// dispatch accepts from an edge.
type CommandKind string

const (
	CommandKindComplete CommandKind = "complete"
	CommandKindCancel   CommandKind = "cancel_artifact"
)

type Command struct {
	Kind       CommandKind `json:"kind"`
	ArtifactID string      `json:"artifact_id,omitempty"`
	Deadline   time.Time   `json:"deadline,omitempty"`
}

// MarshalPayload is a tiny generic helper that JSON-encodes a payload
// body. It does not touch any envelope; the caller still runs
// Envelope.ComputeChecksum once the bytes are placed in Payload.
func MarshalPayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

func UnmarshalPayload(b []byte, v any) error {
	return json.Unmarshal(b, v)
}
