package contracts

import "time"

// Posture summarizes account health derived from signals + lifecycle state.
type Posture string

const (
	PostureOK      Posture = "OK"
	PostureWatch   Posture = "WATCH"
	PostureAtRisk  Posture = "AT_RISK"
	PostureExpand  Posture = "EXPAND"
	PostureDormant Posture = "DORMANT"
)

// Momentum is the direction of change in account health.
type Momentum string

const (
	MomentumUp   Momentum = "UP"
	MomentumFlat Momentum = "FLAT"
	MomentumDown Momentum = "DOWN"
)

// PostureFactor is an enumerated risk factor, opportunity, or unknown with a
// deterministic id derived from (tenant, account, ruleset version, kind,
// sub-type, rule id).
type PostureFactor struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Summary string `json:"summary,omitempty"`
}

// AccountPostureState is the deterministic synthesis output. Given identical
// InputsHash and ruleset, all fields are bit-identical modulo EvaluatedAt.
type AccountPostureState struct {
	TenantID          string          `json:"tenant_id"`
	AccountID         string          `json:"account_id"`
	Posture           Posture         `json:"posture"`
	Momentum          Momentum        `json:"momentum"`
	RiskFactors       []PostureFactor `json:"risk_factors"`
	Opportunities     []PostureFactor `json:"opportunities"`
	Unknowns          []PostureFactor `json:"unknowns"`
	EvidenceSignalIDs []string        `json:"evidence_signal_ids"`
	EvidenceRefs      []EvidenceRef   `json:"evidence_refs"`
	ActiveSignalsHash string          `json:"active_signals_hash"`
	InputsHash        string          `json:"inputs_hash"`
	RulesetVersion    string          `json:"ruleset_version"`
	RuleID            string          `json:"rule_id"`
	EvaluatedAt       time.Time       `json:"evaluated_at"`
	TTLSeconds        *int            `json:"ttl_seconds,omitempty"`
}
