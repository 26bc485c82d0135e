// Package auth implements the envelope integrity tag (spec §4.7): an
// HMAC over the canonical concatenation of the envelope's header fields
// and payload, keyed per device_id. Built on stdlib crypto/hmac +
// crypto/sha256 — no example repo in the retrieval pack supplies
// envelope-level MAC machinery, and computing an HMAC over a byte string
// is an idiomatic one-line stdlib operation in Go, so no third-party
// crypto dependency is introduced for it (see DESIGN.md).
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/fieldcore/edgelink/internal/envelope"
)

// KeyStore resolves a device's pre-shared symmetric key. The server
// implements this against its provisioning store; the edge holds exactly
// one key for itself.
type KeyStore interface {
	Key(deviceID string) (key []byte, ok bool)
}

// StaticKeyStore is the edge-side trivial case: one device, one key.
type StaticKeyStore struct {
	DeviceID string
	Key_     []byte
}

func (s StaticKeyStore) Key(deviceID string) ([]byte, bool) {
	if deviceID != s.DeviceID {
		return nil, false
	}
	return s.Key_, true
}

// MapKeyStore is the server-side provisioning store: many devices.
type MapKeyStore map[string][]byte

func (m MapKeyStore) Key(deviceID string) ([]byte, bool) {
	k, ok := m[deviceID]
	return k, ok
}

// canonicalBytes builds the exact byte concatenation the tag covers
// (spec §4.7): device_id, sequence, timestamp, type, payload, checksum.
func canonicalBytes(env envelope.Envelope) []byte {
	buf := make([]byte, 0, len(env.DeviceID)+len(env.Payload)+32)
	buf = append(buf, []byte(env.DeviceID)...)

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], env.Sequence)
	buf = append(buf, seq[:]...)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(env.Timestamp.UTC().UnixMicro()))
	buf = append(buf, ts[:]...)

	var typ [2]byte
	binary.BigEndian.PutUint16(typ[:], uint16(env.Type))
	buf = append(buf, typ[:]...)

	buf = append(buf, env.Payload...)

	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], env.Checksum)
	buf = append(buf, crc[:]...)

	return buf
}

// Sign computes and sets env.IntegrityTag. The caller must have already
// called env.ComputeChecksum().
func Sign(env *envelope.Envelope, key []byte) {
	mac := hmac.New(sha256.New, key)
	mac.Write(canonicalBytes(*env))
	env.IntegrityTag = mac.Sum(nil)
}

// Verify reports whether env.IntegrityTag matches the key. Uses
// hmac.Equal for constant-time comparison.
func Verify(env envelope.Envelope, key []byte) bool {
	mac := hmac.New(sha256.New, key)
	mac.Write(canonicalBytes(env))
	expected := mac.Sum(nil)
	return hmac.Equal(expected, env.IntegrityTag)
}
