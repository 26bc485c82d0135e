// Package idempotency builds stable, deterministic keys for the
// dedup surfaces in this module; its caller is the server's
// chunk-receive dedup (internal/ingestsrv). A key is
// derived from named fields rather than relying on callers to
// concatenate strings by hand, so the scoping (device, artifact,
// chunk index, ...) stays consistent wherever a dedup key is built.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	KeyVersion = "v1"

	MaxScopeLen = 32
	MaxKeyLen   = 256
	MaxBytes    = 32 * 1024
)

var (
	ErrInvalidKey   = errors.New("idempotency: invalid key")
	ErrInputTooBig  = errors.New("idempotency: input too big")
	ErrInvalidScope = errors.New("idempotency: invalid scope")
)

// KeyParts is the parsed form of a key produced by BuildKeyFromMap.
type KeyParts struct {
	Version string
	Scope   string
	Hash    string
}

// BuildKeyFromMap computes "v1:<scope>:<sha256hex>" from a deterministic
// encoding of the named fields. Two calls with the same scope and
// field values always produce the same key, independent of map
// iteration order.
func BuildKeyFromMap(scope string, fields map[string]any) (string, error) {
	scope, err := normalizeScope(scope)
	if err != nil {
		return "", err
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(strings.ToLower(strings.TrimSpace(k)))
		buf.Write(kb)
		buf.WriteByte(':')
		if err := encodeValue(&buf, fields[k]); err != nil {
			return "", err
		}
	}
	buf.WriteByte('}')

	if buf.Len() > MaxBytes {
		return "", ErrInputTooBig
	}
	sum := sha256.Sum256(buf.Bytes())
	key := fmt.Sprintf("%s:%s:%s", KeyVersion, scope, hex.EncodeToString(sum[:]))
	if len(key) > MaxKeyLen {
		return "", ErrInvalidKey
	}
	return key, nil
}

// ParseKey parses "v1:<scope>:<sha256hex>".
func ParseKey(key string) (KeyParts, error) {
	key = strings.TrimSpace(key)
	if key == "" || len(key) > MaxKeyLen {
		return KeyParts{}, ErrInvalidKey
	}
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return KeyParts{}, ErrInvalidKey
	}
	if parts[0] != KeyVersion {
		return KeyParts{}, ErrInvalidKey
	}
	scope, err := normalizeScope(parts[1])
	if err != nil {
		return KeyParts{}, err
	}
	if len(parts[2]) != 64 || !isLowerHex(parts[2]) {
		return KeyParts{}, ErrInvalidKey
	}
	return KeyParts{Version: parts[0], Scope: scope, Hash: parts[2]}, nil
}

func normalizeScope(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || len(s) > MaxScopeLen {
		return "", ErrInvalidScope
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return "", ErrInvalidScope
	}
	return s, nil
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			continue
		}
		return false
	}
	return true
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(x)
		buf.Write(b)
	case int:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(x, 10))
	case []byte:
		buf.WriteByte('"')
		buf.WriteString(hex.EncodeToString(x))
		buf.WriteByte('"')
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}
