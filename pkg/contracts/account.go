package contracts

import "time"

// LifecycleState is the account lifecycle read-model position.
type LifecycleState string

const (
	LifecycleProspect LifecycleState = "PROSPECT"
	LifecycleSuspect  LifecycleState = "SUSPECT"
	LifecycleCustomer LifecycleState = "CUSTOMER"
)

// AccountState is the per (tenant, account) lifecycle read-model. It is
// derived from signals and updated atomically with signal writes: the
// ActiveSignalIndex reflects exactly the ACTIVE signals in the store.
type AccountState struct {
	TenantID              string                  `json:"tenant_id"`
	AccountID             string                  `json:"account_id"`
	CurrentLifecycleState LifecycleState          `json:"current_lifecycle_state"`
	ActiveSignalIndex     map[SignalType][]string `json:"active_signal_index"`
	LastEngagementAt      *time.Time              `json:"last_engagement_at,omitempty"`
	HasActiveContract     bool                    `json:"has_active_contract"`
	LastInferenceAt       *time.Time              `json:"last_inference_at,omitempty"`
	InferenceRuleVersion  string                  `json:"inference_rule_version,omitempty"`
	UpdatedAt             time.Time               `json:"updated_at"`
}

// ActiveIDs returns the indexed signal ids for a type, never nil.
func (a *AccountState) ActiveIDs(t SignalType) []string {
	if a.ActiveSignalIndex == nil {
		return nil
	}
	return a.ActiveSignalIndex[t]
}
