package ingestsrv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash/crc32"
	"net"
	"testing"
	"time"

	"github.com/fieldcore/edgelink/internal/auth"
	"github.com/fieldcore/edgelink/internal/envelope"
	"github.com/fieldcore/edgelink/internal/ingestsrv/seqstore"
	"github.com/stretchr/testify/require"
)

func sha256Hex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func crc32IEEE(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

func newTestServer(t *testing.T) (*Server, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	keys := auth.MapKeyStore{"edge-001": []byte("test-key")}
	seq := seqstore.NewMemoryStore(seqstore.DefaultWindow)
	dedup := NewChunkDedup()
	receiver, err := NewArtifactReceiver(t.TempDir(), dedup)
	require.NoError(t, err)

	s := New(ln, keys, seq, receiver, nil, nil, envelope.DefaultMaxFrameBytes)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx)

	return s, func() { cancel(); ln.Close() }
}

func dialAndSend(t *testing.T, addr string, env envelope.Envelope, key []byte) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	env.ComputeChecksum()
	auth.Sign(&env, key)
	body, err := envelope.Encode(env)
	require.NoError(t, err)
	require.NoError(t, envelope.WriteFrame(conn, body, envelope.DefaultMaxFrameBytes))
	return conn
}

func TestServerAcceptsValidHeartbeat(t *testing.T) {
	s, cleanup := newTestServer(t)
	defer cleanup()

	key := []byte("test-key")
	env := envelope.Envelope{
		DeviceID:  "edge-001",
		Sequence:  1,
		Timestamp: time.Now(),
		Type:      envelope.TypeHeartbeat,
		Payload:   []byte("hb"),
	}
	conn := dialAndSend(t, s.ln.Addr().String(), env, key)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4)
	_, err := conn.Read(buf)
	require.Error(t, err, "heartbeats get no ack and the connection should remain idle open, not immediately write back")
}

func TestServerRejectsBadMac(t *testing.T) {
	s, cleanup := newTestServer(t)
	defer cleanup()

	env := envelope.Envelope{
		DeviceID:  "edge-001",
		Sequence:  1,
		Timestamp: time.Now(),
		Type:      envelope.TypeHeartbeat,
		Payload:   []byte("hb"),
	}
	conn := dialAndSend(t, s.ln.Addr().String(), env, []byte("wrong-key"))
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	require.Error(t, err, "a bad MAC must close the connection")
}

func TestServerRejectsUnknownDevice(t *testing.T) {
	s, cleanup := newTestServer(t)
	defer cleanup()

	env := envelope.Envelope{
		DeviceID:  "edge-999",
		Sequence:  1,
		Timestamp: time.Now(),
		Type:      envelope.TypeHeartbeat,
		Payload:   []byte("hb"),
	}
	conn := dialAndSend(t, s.ln.Addr().String(), env, []byte("test-key"))
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	require.Error(t, err)
}

func TestServerBulkTransferHappyPath(t *testing.T) {
	s, cleanup := newTestServer(t)
	defer cleanup()
	key := []byte("test-key")
	addr := s.ln.Addr().String()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	send := func(seq uint64, typ envelope.Type, payload []byte) {
		e := envelope.Envelope{DeviceID: "edge-001", Sequence: seq, Timestamp: time.Now(), Type: typ, Payload: payload}
		e.ComputeChecksum()
		auth.Sign(&e, key)
		body, err := envelope.Encode(e)
		require.NoError(t, err)
		require.NoError(t, envelope.WriteFrame(conn, body, envelope.DefaultMaxFrameBytes))
	}
	readAck := func() envelope.Ack {
		fr := envelope.NewFrameReader(conn, envelope.DefaultMaxFrameBytes)
		frame, err := fr.ReadFrame()
		require.NoError(t, err)
		env, err := envelope.Decode(frame)
		require.NoError(t, err)
		var ack envelope.Ack
		require.NoError(t, envelope.UnmarshalPayload(env.Payload, &ack))
		return ack
	}

	data := []byte("hello world chunk payload")
	metaPayload, err := envelope.MarshalPayload(envelope.ArtifactMetadata{
		ArtifactID: "artifact-1", TotalBytes: int64(len(data)), TotalChunks: 1, ChunkSize: len(data), SHA256: sha256Hex(data),
	})
	require.NoError(t, err)
	send(1, envelope.TypeArtifactMetadata, metaPayload)
	ack := readAck()
	require.Equal(t, envelope.AckMetadataAccept, ack.Kind)

	chunkPayload, err := envelope.MarshalPayload(envelope.ArtifactChunk{
		ArtifactID: "artifact-1", ChunkIndex: 0, TotalChunks: 1, Data: data, ChunkCRC: crc32IEEE(data),
	})
	require.NoError(t, err)
	send(2, envelope.TypeArtifactChunk, chunkPayload)
	ack = readAck()
	require.Equal(t, envelope.AckChunkOK, ack.Kind)

	cmdPayload, err := envelope.MarshalPayload(envelope.Command{Kind: envelope.CommandKindComplete, ArtifactID: "artifact-1"})
	require.NoError(t, err)
	send(3, envelope.TypeCommand, cmdPayload)
	ack = readAck()
	require.Equal(t, envelope.AckCompletionOK, ack.Kind)
}
