// Package detect holds the pure signal detectors. A detector maps an
// evidence ref (plus the prior account state) to zero or more signals. The
// analysis is structural only: threshold counters over structural checks,
// never semantic judgment.
//
// Determinism: every emitted field derives from the evidence payload and the
// prior state. Replaying a detector on the same ref yields the same
// dedupe_key, window_key, and confidence.
package detect

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rpaturu/cc-native-sub003/pkg/canon"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/evidence"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// Detector is the common capability set for signal detectors.
type Detector interface {
	Name() string
	Version() string
	SupportedTypes() []contracts.SignalType
	// Detect fetches and verifies the evidence behind ref, then analyzes it.
	// A hash mismatch on fetch is fatal to the invocation.
	Detect(ctx context.Context, ref contracts.EvidenceRef, prior *contracts.AccountState) ([]contracts.Signal, error)
}

// TTLTable resolves the default TTL for a signal type; nil means permanent.
type TTLTable func(contracts.SignalType) *int

// Registry is a table of detectors keyed by name.
type Registry struct {
	mu        sync.RWMutex
	byName    map[string]Detector
	byType    map[contracts.SignalType][]Detector
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Detector),
		byType: make(map[contracts.SignalType][]Detector),
	}
}

// Register adds a detector; duplicate names are a CONFIG error.
func (r *Registry) Register(d Detector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[d.Name()]; exists {
		return taxonomy.New(taxonomy.CodeConfig, "detector %q already registered", d.Name())
	}
	r.byName[d.Name()] = d
	for _, t := range d.SupportedTypes() {
		r.byType[t] = append(r.byType[t], d)
	}
	return nil
}

// Get returns a detector by name.
func (r *Registry) Get(name string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// ForType returns the detectors that can emit a signal type.
func (r *Registry) ForType(t contracts.SignalType) []Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Detector(nil), r.byType[t]...)
}

// All returns every registered detector, ordered by name.
func (r *Registry) All() []Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Detector, 0, len(names))
	for _, n := range names {
		out = append(out, r.byName[n])
	}
	return out
}

// DedupeKey encodes "the same observation of the same kind of change to the
// same account within the same window".
func DedupeKey(accountID string, typ contracts.SignalType, windowKey, evidenceSHA string) (string, error) {
	return canon.Hash([]string{accountID, string(typ), windowKey, evidenceSHA})
}

// SignalID derives the deterministic signal identity from the dedupe key.
func SignalID(dedupeKey string) string {
	return "sig-" + dedupeKey[:32]
}

// base carries the shared wiring of the built-in detectors.
type base struct {
	name     string
	version  string
	types    []contracts.SignalType
	evidence evidence.Store
	ttl      TTLTable
}

func (b *base) Name() string                            { return b.name }
func (b *base) Version() string                         { return b.version }
func (b *base) SupportedTypes() []contracts.SignalType  { return b.types }

// fetch loads and integrity-checks the snapshot. The store verifies the
// SHA-256 against the ref; any mismatch surfaces as INVARIANT.
func (b *base) fetch(ctx context.Context, ref contracts.EvidenceRef) (contracts.EvidenceSnapshot, error) {
	snap, err := b.evidence.Get(ctx, ref)
	if err != nil {
		return contracts.EvidenceSnapshot{}, fmt.Errorf("detector %s: %w", b.name, err)
	}
	return snap, nil
}

// emit assembles a fully keyed signal.
func (b *base) emit(snap contracts.EvidenceSnapshot, ref contracts.EvidenceRef, typ contracts.SignalType, windowKey string,
	confidence float64, source contracts.ConfidenceSource, severity contracts.Severity,
	context map[string]any) (contracts.Signal, error) {

	dedupe, err := DedupeKey(snap.EntityID, typ, windowKey, ref.SHA256)
	if err != nil {
		return contracts.Signal{}, err
	}
	return contracts.Signal{
		SignalID:         SignalID(dedupe),
		TenantID:         snap.TenantID,
		AccountID:        snap.EntityID,
		Type:             typ,
		Status:           contracts.SignalActive,
		Confidence:       confidence,
		ConfidenceSource: source,
		Severity:         severity,
		TTLDays:          b.ttl(typ),
		WindowKey:        windowKey,
		DedupeKey:        dedupe,
		Evidence:         ref,
		DetectorVersion:  b.version,
		InferenceActive:  true,
		Context:          context,
		CreatedAt:        snap.CapturedAt,
		UpdatedAt:        snap.CapturedAt,
	}, nil
}

// payload field helpers; detectors are structural, so absent fields simply
// read as zero values.

func getBool(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func getString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func getFloat(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func getMap(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func getSlice(m map[string]any, key string) []any {
	v, _ := m[key].([]any)
	return v
}

func dayBucket(snap contracts.EvidenceSnapshot) string {
	return snap.CapturedAt.UTC().Format("2006-01-02")
}
