package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/evidence"
)

// RenewalDetector emits RENEWAL_WINDOW_ENTERED per contract whose renewal
// falls within the next 90 days. The threshold boundary (0-30, 31-60, 61-90)
// participates in the window key so a contract re-observed inside the same
// boundary dedupes, while crossing a boundary emits a fresh signal.
type RenewalDetector struct {
	base
}

func NewRenewalDetector(ev evidence.Store, ttl TTLTable) *RenewalDetector {
	return &RenewalDetector{base{
		name:     "renewal",
		version:  "1",
		types:    []contracts.SignalType{contracts.SignalRenewalWindowEntered},
		evidence: ev,
		ttl:      ttl,
	}}
}

func (d *RenewalDetector) Detect(ctx context.Context, ref contracts.EvidenceRef, _ *contracts.AccountState) ([]contracts.Signal, error) {
	snap, err := d.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}

	var signals []contracts.Signal
	for _, raw := range getSlice(snap.Payload, "contracts") {
		cm, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		contractID := getString(cm, "contract_id")
		renewalAt, err := time.Parse(time.RFC3339, getString(cm, "renewal_at"))
		if err != nil {
			continue
		}

		days := int(renewalAt.Sub(snap.CapturedAt).Hours() / 24)
		if days <= 0 || days > 90 {
			continue
		}

		boundary, severity := renewalBoundary(days)
		windowKey := fmt.Sprintf("%s#%s", contractID, boundary)

		s, err := d.emit(snap, ref, contracts.SignalRenewalWindowEntered, windowKey,
			1.0, contracts.ConfidenceDirect, severity,
			map[string]any{
				"contract_id":        contractID,
				"days_to_renewal":    days,
				"threshold_boundary": boundary,
			})
		if err != nil {
			return nil, err
		}
		signals = append(signals, s)
	}
	return signals, nil
}

func renewalBoundary(days int) (string, contracts.Severity) {
	switch {
	case days <= 30:
		return "0-30", contracts.SeverityCritical
	case days <= 60:
		return "31-60", contracts.SeverityHigh
	default:
		return "61-90", contracts.SeverityMedium
	}
}
