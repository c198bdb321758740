package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/canon"
	"github.com/rpaturu/cc-native-sub003/pkg/config"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/detect"
)

// OutcomeSignalRecorder is the slice of the signal service the emitter needs.
type OutcomeSignalRecorder interface {
	RecordOutcomeSignal(ctx context.Context, sig contracts.Signal) (contracts.Signal, error)
}

// Emitter turns terminal outcomes into ACTION_EXECUTED / ACTION_FAILED
// signals. The evidence ref uses the synthesized execution:// scheme; it is
// an opaque identifier, not a fetchable URI, and its digest covers the
// outcome identity so replays can spot drift.
type Emitter struct {
	signals OutcomeSignalRecorder
	profile config.Profile
}

func NewEmitter(signals OutcomeSignalRecorder, profile config.Profile) *Emitter {
	return &Emitter{signals: signals, profile: profile}
}

// OutcomeEvidenceRef synthesizes the evidence ref for a terminal outcome.
func OutcomeEvidenceRef(outcome contracts.ActionOutcome) (contracts.EvidenceRef, error) {
	sha, err := canon.Hash(map[string]any{
		"action_intent_id": outcome.ActionIntentID,
		"completed_at":     outcome.CompletedAt.UTC().Format(time.RFC3339Nano),
		"status":           string(outcome.Status),
	})
	if err != nil {
		return contracts.EvidenceRef{}, fmt.Errorf("outcome evidence ref: %w", err)
	}
	return contracts.EvidenceRef{
		URI: fmt.Sprintf("execution://%s/%s/%s",
			outcome.TenantID, outcome.AccountID, outcome.ActionIntentID),
		SHA256:               sha,
		CapturedAt:           outcome.CompletedAt,
		SchemaVersion:        "execution-outcome/v1",
		DetectorInputVersion: "execution-outcome/v1",
	}, nil
}

// Emit records the outcome signal for a terminal outcome.
func (e *Emitter) Emit(ctx context.Context, outcome contracts.ActionOutcome, traceID string) (contracts.Signal, error) {
	typ := contracts.SignalActionFailed
	severity := contracts.SeverityMedium
	if outcome.Status == contracts.OutcomeSucceeded {
		typ = contracts.SignalActionExecuted
		severity = contracts.SeverityLow
	}

	ref, err := OutcomeEvidenceRef(outcome)
	if err != nil {
		return contracts.Signal{}, err
	}
	windowKey := outcome.ActionIntentID
	dedupe, err := detect.DedupeKey(outcome.AccountID, typ, windowKey, ref.SHA256)
	if err != nil {
		return contracts.Signal{}, fmt.Errorf("outcome signal: dedupe key: %w", err)
	}

	sig := contracts.Signal{
		SignalID:         detect.SignalID(dedupe),
		TenantID:         outcome.TenantID,
		AccountID:        outcome.AccountID,
		Type:             typ,
		Status:           contracts.SignalActive,
		Confidence:       1.0,
		ConfidenceSource: contracts.ConfidenceDirect,
		Severity:         severity,
		TTLDays:          e.profile.TTLFor(typ),
		WindowKey:        windowKey,
		DedupeKey:        dedupe,
		Evidence:         ref,
		DetectorVersion:  "execution-outcome/v1",
		TraceID:          traceID,
		Context: map[string]any{
			"action_intent_id":    outcome.ActionIntentID,
			"outcome_id":          outcome.OutcomeID,
			"status":              string(outcome.Status),
			"compensation_status": string(outcome.CompensationStatus),
			"error_code":          outcome.ErrorCode,
		},
		CreatedAt: outcome.CompletedAt,
	}
	return e.signals.RecordOutcomeSignal(ctx, sig)
}
