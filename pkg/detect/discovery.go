package detect

import (
	"context"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/evidence"
)

// requiredDiscoveryFields are the qualification fields a healthy discovery
// motion fills in.
var requiredDiscoveryFields = []string{"pain_points", "budget", "decision_maker", "timeline"}

// DiscoveryDetector emits DISCOVERY_PROGRESS_STALLED when at least two stall
// indicators are present.
type DiscoveryDetector struct {
	base
}

func NewDiscoveryDetector(ev evidence.Store, ttl TTLTable) *DiscoveryDetector {
	return &DiscoveryDetector{base{
		name:     "discovery",
		version:  "1",
		types:    []contracts.SignalType{contracts.SignalDiscoveryProgressStalled},
		evidence: ev,
		ttl:      ttl,
	}}
}

func (d *DiscoveryDetector) Detect(ctx context.Context, ref contracts.EvidenceRef, _ *contracts.AccountState) ([]contracts.Signal, error) {
	snap, err := d.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	p := snap.Payload

	var indicators []string

	if getBool(p, "empty_meeting_notes") {
		indicators = append(indicators, "empty_meeting_notes")
	}

	fields := getMap(p, "qualification")
	var missing []string
	for _, f := range requiredDiscoveryFields {
		if v, ok := fields[f]; !ok || v == nil || v == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		indicators = append(indicators, "missing_required_fields")
	}

	meetings, _ := getFloat(p, "meetings_without_new_data")
	if meetings >= 2 {
		indicators = append(indicators, "repeated_meetings_without_new_data")
	}

	if getBool(p, "missing_follow_ups") {
		indicators = append(indicators, "missing_follow_ups")
	}

	if len(indicators) < 2 {
		return nil, nil
	}

	s, err := d.emit(snap, ref, contracts.SignalDiscoveryProgressStalled, dayBucket(snap),
		0.7, contracts.ConfidenceDerived, contracts.SeverityMedium,
		map[string]any{"indicators": indicators, "missing_fields": missing})
	if err != nil {
		return nil, err
	}
	return []contracts.Signal{s}, nil
}
