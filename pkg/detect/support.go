package detect

import (
	"context"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/evidence"
)

const (
	supportEmitThreshold = 5
	supportHighThreshold = 10
)

// SupportDetector emits SUPPORT_RISK_EMERGING from a weighted score over
// ticket structure:
//
//	score = 2*high_severity + aging(>=7d) + 3*(volume increase >= 50%) + 5*(>=2 open critical)
type SupportDetector struct {
	base
}

func NewSupportDetector(ev evidence.Store, ttl TTLTable) *SupportDetector {
	return &SupportDetector{base{
		name:     "support",
		version:  "1",
		types:    []contracts.SignalType{contracts.SignalSupportRiskEmerging},
		evidence: ev,
		ttl:      ttl,
	}}
}

func (d *SupportDetector) Detect(ctx context.Context, ref contracts.EvidenceRef, _ *contracts.AccountState) ([]contracts.Signal, error) {
	snap, err := d.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	p := snap.Payload

	highSev, _ := getFloat(p, "high_severity_tickets")
	aging, _ := getFloat(p, "aging_tickets")
	volumeIncrease, _ := getFloat(p, "volume_increase_pct")
	openCritical, _ := getFloat(p, "open_critical_tickets")

	score := 2*int(highSev) + int(aging)
	if volumeIncrease >= 0.5 {
		score += 3
	}
	if openCritical >= 2 {
		score += 5
	}
	if score < supportEmitThreshold {
		return nil, nil
	}

	severity := contracts.SeverityMedium
	if score >= supportHighThreshold {
		severity = contracts.SeverityHigh
	}
	confidence := 0.5 + float64(score)/20.0
	if confidence > 0.9 {
		confidence = 0.9
	}

	s, err := d.emit(snap, ref, contracts.SignalSupportRiskEmerging, dayBucket(snap),
		confidence, contracts.ConfidenceDerived, severity,
		map[string]any{
			"score":                 score,
			"high_severity_tickets": int(highSev),
			"aging_tickets":         int(aging),
			"volume_increase_pct":   volumeIncrease,
			"open_critical_tickets": int(openCritical),
		})
	if err != nil {
		return nil, err
	}
	return []contracts.Signal{s}, nil
}
