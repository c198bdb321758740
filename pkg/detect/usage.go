package detect

import (
	"context"
	"math"
	"sort"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/evidence"
)

const usageChangeThreshold = 0.20

// UsageDetector emits USAGE_TREND_CHANGE when any metric with a previous
// value moved by at least 20% in either direction. Direction is the sign of
// the summed deltas; a downward trend is high severity.
type UsageDetector struct {
	base
}

func NewUsageDetector(ev evidence.Store, ttl TTLTable) *UsageDetector {
	return &UsageDetector{base{
		name:     "usage",
		version:  "1",
		types:    []contracts.SignalType{contracts.SignalUsageTrendChange},
		evidence: ev,
		ttl:      ttl,
	}}
}

func (d *UsageDetector) Detect(ctx context.Context, ref contracts.EvidenceRef, _ *contracts.AccountState) ([]contracts.Signal, error) {
	snap, err := d.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}

	metrics := getMap(snap.Payload, "metrics")
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var flagged []map[string]any
	sumDelta := 0.0
	for _, name := range names {
		m, ok := metrics[name].(map[string]any)
		if !ok {
			continue
		}
		prev, hasPrev := getFloat(m, "previous")
		cur, hasCur := getFloat(m, "current")
		if !hasPrev || !hasCur || prev == 0 {
			continue
		}
		delta := cur - prev
		pct := delta / prev
		if math.Abs(pct) < usageChangeThreshold {
			continue
		}
		sumDelta += delta
		flagged = append(flagged, map[string]any{
			"metric":     name,
			"previous":   prev,
			"current":    cur,
			"pct_change": pct,
		})
	}
	if len(flagged) == 0 {
		return nil, nil
	}

	direction := "UP"
	severity := contracts.SeverityMedium
	if sumDelta < 0 {
		direction = "DOWN"
		severity = contracts.SeverityHigh
	}

	s, err := d.emit(snap, ref, contracts.SignalUsageTrendChange, dayBucket(snap),
		0.9, contracts.ConfidenceDirect, severity,
		map[string]any{"direction": direction, "changes": flagged})
	if err != nil {
		return nil, err
	}
	return []contracts.Signal{s}, nil
}
