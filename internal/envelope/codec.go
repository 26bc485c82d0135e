package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"
)

// Type is the payload-variant discriminator (spec §3 table). Field
// numbers and type codes are never reused; removed ones stay reserved.
type Type uint16

const (
	TypeHeartbeat         Type = 1
	TypeGPSPoint          Type = 2
	TypeDeviceStatus      Type = 3
	TypeArtifactMetadata  Type = 4
	TypeArtifactChunk     Type = 5
	TypeAck               Type = 6
	TypeCommand           Type = 7
)

// Envelope is the on-wire unit described in spec §3.
type Envelope struct {
	DeviceID     string
	Sequence     uint64
	Timestamp    time.Time // microsecond precision on the wire
	Type         Type
	Payload      []byte
	Checksum     uint32 // CRC-32 of Payload
	IntegrityTag []byte // HMAC, see internal/auth

	// unknown carries any field numbers this codec version doesn't
	// recognize, keyed by field number, so that a middlebox re-emits
	// them unchanged across a round trip (spec §4.2).
	unknown map[uint8][]byte
}

// Decode error classification (spec §4.2).
var (
	ErrTooLarge    = errors.New("envelope: frame exceeds max size")
	ErrBadChecksum = errors.New("envelope: bad checksum")
	ErrBadMac      = errors.New("envelope: bad mac")
	ErrUnknownType = errors.New("envelope: unknown type")
	ErrTruncated   = errors.New("envelope: truncated")
)

// Field numbers. Never reuse a retired number; add a comment instead.
const (
	fieldDeviceID     uint8 = 1
	fieldSequence     uint8 = 2
	fieldTimestamp    uint8 = 3
	fieldType         uint8 = 4
	fieldPayload      uint8 = 5
	fieldChecksum     uint8 = 6
	fieldIntegrityTag uint8 = 7
)

// ComputeChecksum fills env.Checksum from env.Payload. Callers invoke
// this before Sign (internal/auth) and before Encode.
func (env *Envelope) ComputeChecksum() {
	env.Checksum = crc32.ChecksumIEEE(env.Payload)
}

// VerifyChecksum reports whether env.Checksum matches env.Payload.
func (env Envelope) VerifyChecksum() bool {
	return env.Checksum == crc32.ChecksumIEEE(env.Payload)
}

// Encode serializes the envelope as a sequence of length-prefixed TLV
// fields: [field number: 1 byte][length: 4 bytes BE][value]. Any fields
// preserved from a decode this envelope descended from (via unknown) are
// re-emitted unchanged, satisfying the relay-transparency property even
// for envelope versions newer than this codec (spec §4.2, §8 scenario 5).
func Encode(env Envelope) ([]byte, error) {
	out := make([]byte, 0, 64+len(env.Payload)+len(env.IntegrityTag))

	writeField := func(num uint8, v []byte) {
		var hdr [5]byte
		hdr[0] = num
		binary.BigEndian.PutUint32(hdr[1:], uint32(len(v)))
		out = append(out, hdr[:]...)
		out = append(out, v...)
	}

	writeField(fieldDeviceID, []byte(env.DeviceID))

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], env.Sequence)
	writeField(fieldSequence, seqBuf[:])

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(env.Timestamp.UTC().UnixMicro()))
	writeField(fieldTimestamp, tsBuf[:])

	var typeBuf [2]byte
	binary.BigEndian.PutUint16(typeBuf[:], uint16(env.Type))
	writeField(fieldType, typeBuf[:])

	writeField(fieldPayload, env.Payload)

	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], env.Checksum)
	writeField(fieldChecksum, crcBuf[:])

	if len(env.IntegrityTag) > 0 {
		writeField(fieldIntegrityTag, env.IntegrityTag)
	}

	// Re-emit any fields this process didn't understand, unchanged,
	// in ascending field-number order for determinism.
	if len(env.unknown) > 0 {
		nums := make([]uint8, 0, len(env.unknown))
		for n := range env.unknown {
			nums = append(nums, n)
		}
		for i := 0; i < len(nums); i++ {
			for j := i + 1; j < len(nums); j++ {
				if nums[j] < nums[i] {
					nums[i], nums[j] = nums[j], nums[i]
				}
			}
		}
		for _, n := range nums {
			writeField(n, env.unknown[n])
		}
	}

	return out, nil
}

// Decode parses the TLV stream produced by Encode. Unknown field numbers
// are preserved verbatim on Envelope.unknown rather than rejected, so a
// middlebox built against an older codec version still round-trips
// envelopes from a newer one (spec §4.2).
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	haveDeviceID, haveSequence, haveTimestamp, haveType, havePayload, haveChecksum := false, false, false, false, false, false

	i := 0
	for i < len(b) {
		if i+5 > len(b) {
			return Envelope{}, ErrTruncated
		}
		num := b[i]
		length := binary.BigEndian.Uint32(b[i+1 : i+5])
		i += 5
		if uint64(i)+uint64(length) > uint64(len(b)) {
			return Envelope{}, ErrTruncated
		}
		val := b[i : i+int(length)]
		i += int(length)

		switch num {
		case fieldDeviceID:
			env.DeviceID = string(val)
			haveDeviceID = true
		case fieldSequence:
			if len(val) != 8 {
				return Envelope{}, ErrTruncated
			}
			env.Sequence = binary.BigEndian.Uint64(val)
			haveSequence = true
		case fieldTimestamp:
			if len(val) != 8 {
				return Envelope{}, ErrTruncated
			}
			env.Timestamp = time.UnixMicro(int64(binary.BigEndian.Uint64(val))).UTC()
			haveTimestamp = true
		case fieldType:
			if len(val) != 2 {
				return Envelope{}, ErrTruncated
			}
			env.Type = Type(binary.BigEndian.Uint16(val))
			haveType = true
		case fieldPayload:
			env.Payload = append([]byte(nil), val...)
			havePayload = true
		case fieldChecksum:
			if len(val) != 4 {
				return Envelope{}, ErrTruncated
			}
			env.Checksum = binary.BigEndian.Uint32(val)
			haveChecksum = true
		case fieldIntegrityTag:
			env.IntegrityTag = append([]byte(nil), val...)
		default:
			if env.unknown == nil {
				env.unknown = make(map[uint8][]byte)
			}
			env.unknown[num] = append([]byte(nil), val...)
		}
	}

	if !haveDeviceID || !haveSequence || !haveTimestamp || !haveType || !havePayload || !haveChecksum {
		return Envelope{}, ErrTruncated
	}
	if !knownType(env.Type) {
		return Envelope{}, ErrUnknownType
	}
	if !env.VerifyChecksum() {
		return Envelope{}, ErrBadChecksum
	}
	return env, nil
}

func knownType(t Type) bool {
	switch t {
	case TypeHeartbeat, TypeGPSPoint, TypeDeviceStatus, TypeArtifactMetadata, TypeArtifactChunk, TypeAck, TypeCommand:
		return true
	default:
		return false
	}
}

// DecodeErrorCode maps a Decode error to the structured code named in
// spec §4.2, for use in logs and metrics.
func DecodeErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrTooLarge):
		return "TooLarge"
	case errors.Is(err, ErrBadChecksum):
		return "BadChecksum"
	case errors.Is(err, ErrBadMac):
		return "BadMac"
	case errors.Is(err, ErrUnknownType):
		return "UnknownType"
	case errors.Is(err, ErrTruncated):
		return "Truncated"
	default:
		return fmt.Sprintf("unknown:%v", err)
	}
}
