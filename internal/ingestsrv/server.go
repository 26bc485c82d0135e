// Package ingestsrv implements the server ingest role of spec §4.9: for
// each inbound connection, read framed envelopes, verify integrity and
// replay per §4.7, dispatch by type, and emit responses on the same
// connection. A device may be connected more than once simultaneously
// (handover across primary/relay paths); dedup is per-device sequence
// (seqstore) and per-artifact-chunk (ChunkDedup), not per-connection.
package ingestsrv

import (
	"context"
	"net"
	"time"

	"github.com/fieldcore/edgelink/internal/auth"
	"github.com/fieldcore/edgelink/internal/envelope"
	"github.com/fieldcore/edgelink/internal/ingestsrv/seqstore"
	"github.com/fieldcore/edgelink/internal/telemetry"
)

// ClockSkewTolerance is spec §4.7's 5-minute bound on envelope
// timestamp vs. server clock.
const ClockSkewTolerance = 5 * time.Minute

type Server struct {
	ln       net.Listener
	keys     auth.KeyStore
	seq      seqstore.Store
	receiver *ArtifactReceiver
	metrics  *telemetry.Metrics
	logger   *telemetry.Logger

	maxFrameBytes int
	now           func() time.Time
}

func New(ln net.Listener, keys auth.KeyStore, seq seqstore.Store, receiver *ArtifactReceiver, metrics *telemetry.Metrics, logger *telemetry.Logger, maxFrameBytes int) *Server {
	if logger == nil {
		logger = telemetry.Nop
	}
	return &Server{
		ln:            ln,
		keys:          keys,
		seq:           seq,
		receiver:      receiver,
		metrics:       metrics,
		logger:        logger,
		maxFrameBytes: maxFrameBytes,
		now:           time.Now,
	}
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	fr := envelope.NewFrameReader(conn, s.maxFrameBytes)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := fr.ReadFrame()
		if err != nil {
			return
		}
		env, err := envelope.Decode(frame)
		if err != nil {
			s.logger.Warn(ctx, "decode_error", map[string]any{"error": err.Error()})
			return
		}

		ack, ok := s.handleEnvelope(ctx, env)
		if !ok {
			return
		}
		if ack != nil {
			if err := s.sendAck(conn, *ack); err != nil {
				return
			}
		}
	}
}

// handleEnvelope verifies auth/replay, dispatches by type, and returns
// an ack to send (nil if none applies) plus whether the connection
// should remain open.
func (s *Server) handleEnvelope(ctx context.Context, env envelope.Envelope) (*envelope.Envelope, bool) {
	key, known := s.keys.Key(env.DeviceID)
	if !known {
		s.reject(ctx, "auth_unknown_device")
		return nil, false
	}
	if !auth.Verify(env, key) {
		s.reject(ctx, "auth_bad_mac")
		return nil, false
	}
	if skew := s.now().Sub(env.Timestamp); skew > ClockSkewTolerance || skew < -ClockSkewTolerance {
		s.reject(ctx, "auth_clock_skew")
		return nil, false
	}

	if env.Type != envelope.TypeArtifactChunk {
		admitted, reason := s.seq.Accept(env.DeviceID, env.Sequence)
		if !admitted {
			s.reject(ctx, "auth_"+reason)
			return nil, true // stay connected; a replay is rejected, not fatal
		}
	}

	ack, ok := s.dispatch(ctx, env)
	if ack != nil {
		auth.Sign(ack, key)
	}
	return ack, ok
}

func (s *Server) reject(ctx context.Context, reason string) {
	if s.metrics != nil {
		s.metrics.AuthRejections.WithLabelValues(reason).Inc()
	}
	s.logger.Warn(ctx, "auth_rejected", map[string]any{"reason": reason})
}

func (s *Server) dispatch(ctx context.Context, env envelope.Envelope) (*envelope.Envelope, bool) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.HandleDuration.WithLabelValues(envelopeTypeLabel(env.Type)).Observe(time.Since(start).Seconds())
		}
	}()

	switch env.Type {
	case envelope.TypeHeartbeat, envelope.TypeGPSPoint, envelope.TypeDeviceStatus:
		return nil, true

	case envelope.TypeArtifactMetadata:
		var meta envelope.ArtifactMetadata
		if err := envelope.UnmarshalPayload(env.Payload, &meta); err != nil {
			return nil, true
		}
		accept, reason, err := s.receiver.AcceptMetadata(meta.ArtifactID, meta.TotalBytes, meta.TotalChunks, meta.ChunkSize, meta.SHA256)
		if err != nil {
			return nil, true
		}
		kind := envelope.AckMetadataAccept
		if !accept {
			kind = envelope.AckMetadataReject
		}
		return ackEnvelope(env, kind, meta.ArtifactID, 0, reason), true

	case envelope.TypeArtifactChunk:
		var ch envelope.ArtifactChunk
		if err := envelope.UnmarshalPayload(env.Payload, &ch); err != nil {
			return nil, true
		}
		ok, err := s.receiver.ReceiveChunk(ch.ArtifactID, ch.ChunkIndex, ch.Data, ch.ChunkCRC)
		if err != nil {
			return nil, true
		}
		kind := envelope.AckChunkOK
		if !ok {
			kind = envelope.AckChunkBadCRC
		}
		if s.metrics != nil {
			outcome := "ok"
			if !ok {
				outcome = "bad_crc"
			}
			s.metrics.ChunkAcks.WithLabelValues(outcome).Inc()
		}
		return ackEnvelope(env, kind, ch.ArtifactID, ch.ChunkIndex, ""), true

	case envelope.TypeCommand:
		var cmd envelope.Command
		if err := envelope.UnmarshalPayload(env.Payload, &cmd); err != nil {
			return nil, true
		}
		switch cmd.Kind {
		case envelope.CommandKindComplete:
			matched, err := s.receiver.Complete(cmd.ArtifactID)
			if err != nil {
				return nil, true
			}
			kind := envelope.AckCompletionOK
			if !matched {
				kind = envelope.AckCompletionHash
				if s.metrics != nil {
					s.metrics.ChunkResends.WithLabelValues("hash_mismatch").Inc()
				}
			}
			return ackEnvelope(env, kind, cmd.ArtifactID, 0, ""), true

		case envelope.CommandKindCancel:
			if err := s.receiver.Cancel(cmd.ArtifactID); err != nil {
				return nil, true
			}
			return ackEnvelope(env, envelope.AckCancelOK, cmd.ArtifactID, 0, ""), true
		}
		return nil, true
	}
	return nil, true
}

func ackEnvelope(src envelope.Envelope, kind envelope.AckKind, artifactID string, chunkIndex int, reason string) *envelope.Envelope {
	ack := envelope.Ack{Kind: kind, ArtifactID: artifactID, ChunkIndex: chunkIndex, Reason: reason, Sequence: src.Sequence}
	payload, err := envelope.MarshalPayload(ack)
	if err != nil {
		return nil
	}
	out := envelope.Envelope{
		DeviceID:  src.DeviceID,
		Sequence:  src.Sequence,
		Timestamp: time.Now(),
		Type:      envelope.TypeAck,
		Payload:   payload,
	}
	out.ComputeChecksum()
	return &out
}

func (s *Server) sendAck(conn net.Conn, ack envelope.Envelope) error {
	body, err := envelope.Encode(ack)
	if err != nil {
		return err
	}
	return envelope.WriteFrame(conn, body, s.maxFrameBytes)
}

func envelopeTypeLabel(t envelope.Type) string {
	switch t {
	case envelope.TypeHeartbeat:
		return "heartbeat"
	case envelope.TypeGPSPoint:
		return "gps"
	case envelope.TypeDeviceStatus:
		return "device_status"
	case envelope.TypeArtifactMetadata:
		return "artifact_metadata"
	case envelope.TypeArtifactChunk:
		return "artifact_chunk"
	case envelope.TypeAck:
		return "ack"
	case envelope.TypeCommand:
		return "command"
	default:
		return "unknown"
	}
}
