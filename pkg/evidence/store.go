// Package evidence stores immutable, content-addressed evidence snapshots.
//
// Snapshots are canonicalized (RFC 8785) before hashing so the SHA-256 in a
// ref names the observation, not an accidental serialization. Every read
// verifies the digest against the ref; a mismatch is an INVARIANT failure.
package evidence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/canon"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// Store persists evidence snapshots and resolves refs.
type Store interface {
	Put(ctx context.Context, snap contracts.EvidenceSnapshot) (contracts.EvidenceRef, error)
	Get(ctx context.Context, ref contracts.EvidenceRef) (contracts.EvidenceSnapshot, error)
}

// ObjectKey returns the object-store key for a snapshot.
func ObjectKey(entityType, entityID, evidenceID string) string {
	return fmt.Sprintf("evidence/%s/%s/%s.json", entityType, entityID, evidenceID)
}

// canonicalize returns the canonical bytes and digest of a snapshot body.
func canonicalize(snap contracts.EvidenceSnapshot) ([]byte, string, error) {
	body, err := canon.JSON(snap)
	if err != nil {
		return nil, "", fmt.Errorf("evidence: canonicalize snapshot %s: %w", snap.EvidenceID, err)
	}
	return body, canon.HashBytes(body), nil
}

// verify checks the fetched payload against the ref digest.
func verify(ref contracts.EvidenceRef, body []byte) error {
	if got := canon.HashBytes(body); got != ref.SHA256 {
		return taxonomy.New(taxonomy.CodeInvariant,
			"evidence integrity violation for %s: stored %s, recomputed %s", ref.URI, ref.SHA256, got)
	}
	return nil
}

// refFor builds the ref emitted alongside a stored snapshot.
func refFor(uri, sha string, snap contracts.EvidenceSnapshot, capturedAt time.Time) contracts.EvidenceRef {
	return contracts.EvidenceRef{
		URI:                  uri,
		SHA256:               sha,
		CapturedAt:           capturedAt,
		SchemaVersion:        snap.SchemaVersion,
		DetectorInputVersion: snap.DetectorInputVersion,
	}
}

// IsOpaqueURI reports whether a ref uses a synthetic scheme (such as the
// execution:// refs emitted for outcome signals) that must never be fetched.
func IsOpaqueURI(uri string) bool {
	return strings.HasPrefix(uri, "execution://")
}
