package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, snap contracts.EvidenceSnapshot) (contracts.EvidenceRef, error) {
	body, sha, err := canonicalize(snap)
	if err != nil {
		return contracts.EvidenceRef{}, err
	}
	key := ObjectKey(snap.EntityType, snap.EntityID, snap.EvidenceID)
	uri := "mem://" + key

	m.mu.Lock()
	if _, exists := m.objects[uri]; !exists {
		m.objects[uri] = body
	}
	m.mu.Unlock()

	return refFor(uri, sha, snap, snap.CapturedAt), nil
}

func (m *MemoryStore) Get(_ context.Context, ref contracts.EvidenceRef) (contracts.EvidenceSnapshot, error) {
	if IsOpaqueURI(ref.URI) {
		return contracts.EvidenceSnapshot{}, taxonomy.New(taxonomy.CodeValidation,
			"evidence: ref %s is an opaque identifier, not fetchable", ref.URI)
	}
	m.mu.RLock()
	body, ok := m.objects[ref.URI]
	m.mu.RUnlock()
	if !ok {
		return contracts.EvidenceSnapshot{}, fmt.Errorf("evidence: not found: %s", ref.URI)
	}
	if err := verify(ref, body); err != nil {
		return contracts.EvidenceSnapshot{}, err
	}
	var snap contracts.EvidenceSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return contracts.EvidenceSnapshot{}, fmt.Errorf("evidence: decode %s: %w", ref.URI, err)
	}
	return snap, nil
}

// Corrupt replaces stored bytes for integrity tests.
func (m *MemoryStore) Corrupt(uri string, body []byte) {
	m.mu.Lock()
	m.objects[uri] = body
	m.mu.Unlock()
}
