package contracts

import "time"

// EvidenceRef points at an immutable, content-addressed evidence snapshot.
// The URI is opaque to consumers; readers verify SHA256 against the payload.
type EvidenceRef struct {
	URI                  string    `json:"uri"`
	SHA256               string    `json:"sha256"`
	CapturedAt           time.Time `json:"captured_at"`
	SchemaVersion        string    `json:"schema_version"`
	DetectorInputVersion string    `json:"detector_input_version"`
}

// EvidenceSnapshot is an immutable observation of external state. It is
// created by connectors and never mutated.
type EvidenceSnapshot struct {
	EvidenceID           string         `json:"evidence_id"`
	TenantID             string         `json:"tenant_id"`
	EntityType           string         `json:"entity_type"`
	EntityID             string         `json:"entity_id"`
	SchemaVersion        string         `json:"schema_version"`
	DetectorInputVersion string         `json:"detector_input_version"`
	CapturedAt           time.Time      `json:"captured_at"`
	Payload              map[string]any `json:"payload"`
}
