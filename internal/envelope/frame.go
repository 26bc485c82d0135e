// Package envelope implements the wire framing (spec §4.1) and the
// envelope codec (spec §4.2) shared by every hop: edge, relay, server.
package envelope

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes is the spec §6 default; callers may lower it but
// must never raise it past the protocol ceiling of 10 MiB (spec §4.1).
const DefaultMaxFrameBytes = 10 * 1024 * 1024

// FrameReader reads length-prefixed frames from a stream. It is not safe
// for concurrent use by multiple goroutines.
type FrameReader struct {
	r       *bufio.Reader
	maxSize uint32
}

func NewFrameReader(r io.Reader, maxFrameBytes int) *FrameReader {
	if maxFrameBytes <= 0 || maxFrameBytes > DefaultMaxFrameBytes {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &FrameReader{r: bufio.NewReader(r), maxSize: uint32(maxFrameBytes)}
}

// ReadFrame reads one 4-byte big-endian length prefix followed by that
// many bytes. A short read on the length prefix is fatal for the
// connection: there is no sync marker to resync on, so callers must
// close the connection on any error returned here (spec §4.1).
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("envelope: short read on length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > fr.maxSize {
		return nil, ErrTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return nil, fmt.Errorf("envelope: short read on frame body: %w", err)
	}
	return buf, nil
}

// WriteFrame writes the 4-byte length prefix and body as a single
// encoding-layer write. Encoding is atomic per envelope: partial writes
// are not a valid protocol state, so any write error here means the
// connection must be closed by the caller rather than retried in place
// (spec §4.1).
func WriteFrame(w io.Writer, body []byte, maxFrameBytes int) error {
	if maxFrameBytes <= 0 || maxFrameBytes > DefaultMaxFrameBytes {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	if len(body) > maxFrameBytes {
		return ErrTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	full := make([]byte, 0, 4+len(body))
	full = append(full, hdr[:]...)
	full = append(full, body...)
	if _, err := w.Write(full); err != nil {
		return fmt.Errorf("envelope: frame write failed (connection must be closed): %w", err)
	}
	return nil
}
