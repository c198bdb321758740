package detect

import (
	"context"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/evidence"
)

const noEngagementRecheckDays = 30

// EngagementDetector emits NO_ENGAGEMENT_PRESENT and
// FIRST_ENGAGEMENT_OCCURRED from engagement evidence. The evidence
// captured-at anchors every window so replay is time-precise.
type EngagementDetector struct {
	base
}

func NewEngagementDetector(ev evidence.Store, ttl TTLTable) *EngagementDetector {
	return &EngagementDetector{base{
		name:    "engagement",
		version: "1",
		types: []contracts.SignalType{
			contracts.SignalNoEngagementPresent,
			contracts.SignalFirstEngagementOccurred,
		},
		evidence: ev,
		ttl:      ttl,
	}}
}

func (d *EngagementDetector) Detect(ctx context.Context, ref contracts.EvidenceRef, prior *contracts.AccountState) ([]contracts.Signal, error) {
	snap, err := d.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	p := snap.Payload

	lifecycle := contracts.LifecycleProspect
	var lastEngagement *time.Time
	if prior != nil {
		lifecycle = prior.CurrentLifecycleState
		lastEngagement = prior.LastEngagementAt
	}

	if getBool(p, "engagement_observed") {
		// First observed engagement only counts when no engagement was known.
		if lastEngagement != nil {
			return nil, nil
		}
		s, err := d.emit(snap, ref, contracts.SignalFirstEngagementOccurred, "first",
			1.0, contracts.ConfidenceDirect, contracts.SeverityLow,
			map[string]any{"engaged_at": snap.CapturedAt.Format(time.RFC3339)})
		if err != nil {
			return nil, err
		}
		if lifecycle == contracts.LifecycleCustomer {
			// Historical: recorded, but must not drive lifecycle inference.
			s.InferenceActive = false
		}
		return []contracts.Signal{s}, nil
	}

	// No engagement in the snapshot: only meaningful for prospects, and only
	// when nothing is known or the last check is stale.
	if lifecycle != contracts.LifecycleProspect {
		return nil, nil
	}
	if lastEngagement != nil &&
		snap.CapturedAt.Sub(*lastEngagement) < noEngagementRecheckDays*24*time.Hour {
		return nil, nil
	}

	s, err := d.emit(snap, ref, contracts.SignalNoEngagementPresent, dayBucket(snap),
		0.8, contracts.ConfidenceDerived, contracts.SeverityMedium, nil)
	if err != nil {
		return nil, err
	}
	return []contracts.Signal{s}, nil
}
