// Package ident provides the identifier and hashing primitives used by the
// messaging protocol and the approval token service: random 128-bit hex IDs,
// canonical content hashes, HMAC-SHA256 signatures, and SHA-256 digests.
package ident

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// RandomHex128 returns 16 random bytes as 32 lowercase hex characters.
func RandomHex128() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure means the platform entropy source is
		// broken; there is no usable fallback for token material.
		panic(fmt.Sprintf("ident: entropy unavailable: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// MessageID returns a prefixed message identifier, e.g. "queue:3f2a…".
// Known prefixes: queue, event, heartbeat, swarm.
func MessageID(prefix string) string {
	return prefix + ":" + RandomHex128()
}

// SHA256Hex returns the lowercase hex SHA-256 digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HMACSHA256Hex signs body with secret and returns the lowercase hex MAC.
func HMACSHA256Hex(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACEqual compares two hex MACs in constant time.
func HMACEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// StableHash hashes an arbitrary value by canonical JSON: map keys sorted,
// no insignificant whitespace. Equal values always produce equal hashes
// regardless of field ordering in the input.
func StableHash(v interface{}) (string, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	return SHA256Hex(canon), nil
}

// Canonicalize renders v as deterministic JSON.
func Canonicalize(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", err
	}
	out := make([]byte, 0, len(raw))
	out, err = appendCanonical(out, decoded)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func appendCanonical(dst []byte, v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dst = append(dst, '{')
		for i, k := range keys {
			if i > 0 {
				dst = append(dst, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			dst = append(dst, kb...)
			dst = append(dst, ':')
			dst, err = appendCanonical(dst, val[k])
			if err != nil {
				return nil, err
			}
		}
		return append(dst, '}'), nil
	case []interface{}:
		dst = append(dst, '[')
		for i, item := range val {
			if i > 0 {
				dst = append(dst, ',')
			}
			var err error
			dst, err = appendCanonical(dst, item)
			if err != nil {
				return nil, err
			}
		}
		return append(dst, ']'), nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(dst, b...), nil
	}
}
