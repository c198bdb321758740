// Package canon provides RFC 8785 (JCS) canonical JSON serialization and the
// SHA-256 helpers used for every content address and input fingerprint in the
// engine. Two values that marshal to the same canonical form always hash
// identically, which is what makes dedupe keys and inputs hashes replayable.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JSON returns the RFC 8785 canonical JSON form of v.
func JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canon: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the hex SHA-256 of the canonical JSON form of v.
func Hash(v any) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashStrings hashes the canonical JSON serialization of a string slice.
// The caller is responsible for ordering; sorted input yields a stable hash.
func HashStrings(values []string) (string, error) {
	return Hash(values)
}
