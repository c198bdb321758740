package signal

import "github.com/rpaturu/cc-native-sub003/pkg/contracts"

// InferenceRuleVersion is stamped on account state whenever inference runs.
const InferenceRuleVersion = "lifecycle-inference/v1"

var lifecycleRank = map[contracts.LifecycleState]int{
	contracts.LifecycleProspect: 0,
	contracts.LifecycleSuspect:  1,
	contracts.LifecycleCustomer: 2,
}

// Infer derives the lifecycle state from account facts and the active-signal
// index. Inference only moves forward: suppressing the signals that caused a
// promotion never demotes the account.
//
// The "before" state of a transition is whatever the store holds; "after" is
// the result of running Infer against the index as updated by the same
// transaction.
func Infer(a contracts.AccountState) contracts.LifecycleState {
	inferred := contracts.LifecycleProspect
	switch {
	case a.HasActiveContract:
		inferred = contracts.LifecycleCustomer
	case a.LastEngagementAt != nil,
		len(a.ActiveIDs(contracts.SignalFirstEngagementOccurred)) > 0,
		len(a.ActiveIDs(contracts.SignalAccountActivationDetected)) > 0:
		inferred = contracts.LifecycleSuspect
	}

	current := a.CurrentLifecycleState
	if current == "" {
		current = contracts.LifecycleProspect
	}
	if lifecycleRank[inferred] > lifecycleRank[current] {
		return inferred
	}
	return current
}
