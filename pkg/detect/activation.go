package detect

import (
	"context"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/evidence"
)

// ActivationDetector emits ACCOUNT_ACTIVATION_DETECTED when any activation
// indicator is present: a target-list update, an external intent signal, or
// partner/inbound attribution.
type ActivationDetector struct {
	base
}

func NewActivationDetector(ev evidence.Store, ttl TTLTable) *ActivationDetector {
	return &ActivationDetector{base{
		name:     "activation",
		version:  "1",
		types:    []contracts.SignalType{contracts.SignalAccountActivationDetected},
		evidence: ev,
		ttl:      ttl,
	}}
}

func (d *ActivationDetector) Detect(ctx context.Context, ref contracts.EvidenceRef, _ *contracts.AccountState) ([]contracts.Signal, error) {
	snap, err := d.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	p := snap.Payload

	indicators := map[string]bool{
		"target_list_updated": getBool(p, "target_list_updated"),
		"external_signal":     getBool(p, "external_signal"),
		"partner_attribution": getBool(p, "partner_attribution"),
		"inbound_attribution": getBool(p, "inbound_attribution"),
	}
	hit := false
	for _, v := range indicators {
		hit = hit || v
	}
	if !hit {
		return nil, nil
	}

	s, err := d.emit(snap, ref, contracts.SignalAccountActivationDetected, dayBucket(snap),
		1.0, contracts.ConfidenceDirect, contracts.SeverityMedium,
		map[string]any{"indicators": indicators})
	if err != nil {
		return nil, err
	}
	return []contracts.Signal{s}, nil
}
