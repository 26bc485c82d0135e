package envelope

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello"), 0))
	require.NoError(t, WriteFrame(&buf, []byte("world"), 0))

	fr := NewFrameReader(&buf, 0)
	b1, err := fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "hello", string(b1))

	b2, err := fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "world", string(b2))

	_, err = fr.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
}

func TestReadFrameSplitAcrossReads(t *testing.T) {
	var full bytes.Buffer
	require.NoError(t, WriteFrame(&full, []byte("abcdef"), 0))
	raw := full.Bytes()

	pr, pw := io.Pipe()
	go func() {
		for _, b := range raw {
			_, _ = pw.Write([]byte{b})
		}
		pw.Close()
	}()

	fr := NewFrameReader(pr, 0)
	got, err := fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "abcdef", string(got))
}

func TestReadFrameOversizeRejectedWithoutAllocating(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], DefaultMaxFrameBytes+1)
	r := bytes.NewReader(hdr[:])

	fr := NewFrameReader(r, 0)
	_, err := fr.ReadFrame()
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestWriteFrameOversizeRejected(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, 10), 5)
	require.ErrorIs(t, err, ErrTooLarge)
}
