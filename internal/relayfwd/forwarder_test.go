package relayfwd

import (
	"net"
	"testing"
	"time"

	"github.com/fieldcore/edgelink/internal/envelope"
	"github.com/stretchr/testify/require"
)

// pipePair returns two connected in-memory TCP-like connections via a
// loopback listener, since net.Pipe's synchronous semantics don't
// tolerate the framing layer's independent reader goroutine well.
func pipePair(t *testing.T) (a, b net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverConn := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		serverConn <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	return client, <-serverConn
}

func TestForwarderRelaysFrameUnchanged(t *testing.T) {
	edgeSide, relayInbound := pipePair(t)
	relayOutbound, serverSide := pipePair(t)

	fwd := New(relayInbound, relayOutbound, DefaultBufferSize, nil, nil)
	go fwd.Run()
	defer fwd.Close()

	env := envelope.Envelope{
		DeviceID:  "edge-001",
		Sequence:  1,
		Timestamp: time.Now(),
		Type:      envelope.TypeGPSPoint,
		Payload:   []byte("gps-payload"),
	}
	env.ComputeChecksum()
	body, err := envelope.Encode(env)
	require.NoError(t, err)

	require.NoError(t, envelope.WriteFrame(edgeSide, body, envelope.DefaultMaxFrameBytes))

	fr := envelope.NewFrameReader(serverSide, envelope.DefaultMaxFrameBytes)
	serverSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, body, got, "relay must forward the exact bytes, including any unknown fields")
}

func TestForwarderClosesInboundOnOutboundFailure(t *testing.T) {
	edgeSide, relayInbound := pipePair(t)
	_, serverSide := pipePair(t)
	serverSide.Close() // outbound target already gone

	fwd := New(relayInbound, serverSide, DefaultBufferSize, nil, nil)
	done := make(chan struct{})
	go func() {
		fwd.Run()
		close(done)
	}()

	env := envelope.Envelope{DeviceID: "edge-001", Sequence: 1, Timestamp: time.Now(), Type: envelope.TypeHeartbeat, Payload: []byte("hb")}
	env.ComputeChecksum()
	body, _ := envelope.Encode(env)
	envelope.WriteFrame(edgeSide, body, envelope.DefaultMaxFrameBytes)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("forwarder should close and return once the outbound write fails")
	}

	buf := make([]byte, 1)
	edgeSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := edgeSide.Read(buf)
	require.Error(t, err, "the edge-facing session must be closed once the outbound side fails")
}
