package detect

import (
	"context"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/evidence"
)

// StakeholderDetector emits STAKEHOLDER_GAP_DETECTED when the buying group
// is structurally incomplete: a critical role is missing, only one
// stakeholder is mapped, or at least half the expected roles are unfilled.
type StakeholderDetector struct {
	base
}

func NewStakeholderDetector(ev evidence.Store, ttl TTLTable) *StakeholderDetector {
	return &StakeholderDetector{base{
		name:     "stakeholder",
		version:  "1",
		types:    []contracts.SignalType{contracts.SignalStakeholderGapDetected},
		evidence: ev,
		ttl:      ttl,
	}}
}

func (d *StakeholderDetector) Detect(ctx context.Context, ref contracts.EvidenceRef, _ *contracts.AccountState) ([]contracts.Signal, error) {
	snap, err := d.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	p := snap.Payload

	stakeholders := getSlice(p, "stakeholders")
	covered := make(map[string]bool, len(stakeholders))
	for _, raw := range stakeholders {
		if sm, ok := raw.(map[string]any); ok {
			if role := getString(sm, "role"); role != "" {
				covered[role] = true
			}
		}
	}

	var expected, critical []string
	for _, v := range getSlice(p, "expected_roles") {
		if s, ok := v.(string); ok {
			expected = append(expected, s)
		}
	}
	for _, v := range getSlice(p, "critical_roles") {
		if s, ok := v.(string); ok {
			critical = append(critical, s)
		}
	}

	var missingCritical []string
	for _, role := range critical {
		if !covered[role] {
			missingCritical = append(missingCritical, role)
		}
	}
	missingExpected := 0
	for _, role := range expected {
		if !covered[role] {
			missingExpected++
		}
	}

	gap := len(missingCritical) > 0 ||
		len(stakeholders) == 1 ||
		(len(expected) > 0 && missingExpected*2 >= len(expected))
	if !gap {
		return nil, nil
	}

	s, err := d.emit(snap, ref, contracts.SignalStakeholderGapDetected, dayBucket(snap),
		0.8, contracts.ConfidenceDerived, contracts.SeverityMedium,
		map[string]any{
			"missing_critical_roles": missingCritical,
			"stakeholder_count":      len(stakeholders),
			"missing_expected":       missingExpected,
			"expected_total":         len(expected),
		})
	if err != nil {
		return nil, err
	}
	return []contracts.Signal{s}, nil
}
