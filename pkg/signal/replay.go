package signal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/detect"
	"github.com/rpaturu/cc-native-sub003/pkg/ledger"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// ReplayResult reports a determinism check of a stored signal.
type ReplayResult struct {
	SignalID   string   `json:"signal_id"`
	Detector   string   `json:"detector"`
	Match      bool     `json:"match"`
	Mismatches []string `json:"mismatches,omitempty"`
}

// SignalReplayer re-derives stored signals from their evidence.
type SignalReplayer interface {
	Replay(ctx context.Context, tenantID, signalID, detectorName string) (ReplayResult, error)
}

// Replayer re-runs a detector over the evidence behind a stored signal and
// compares the recomputed identity fields. A mismatch is recorded as a
// VALIDATION ledger entry; the stored signal is never mutated.
type Replayer struct {
	store     SignalReader
	detectors *detect.Registry
	ledger    ledger.Ledger
	clock     clock.Clock
	logger    *slog.Logger
}

func NewReplayer(store SignalReader, detectors *detect.Registry, led ledger.Ledger, clk clock.Clock) *Replayer {
	return &Replayer{
		store:     store,
		detectors: detectors,
		ledger:    led,
		clock:     clk,
		logger:    slog.Default().With("component", "signal-replay"),
	}
}

var _ SignalReplayer = (*Replayer)(nil)

func (r *Replayer) Replay(ctx context.Context, tenantID, signalID, detectorName string) (ReplayResult, error) {
	stored, err := r.store.GetSignal(ctx, tenantID, signalID)
	if err != nil {
		return ReplayResult{}, err
	}
	d, ok := r.detectors.Get(detectorName)
	if !ok {
		return ReplayResult{}, taxonomy.New(taxonomy.CodeConfig, "detector %q not registered", detectorName)
	}

	prior := priorStateFromMetadata(stored)
	recomputed, err := d.Detect(ctx, stored.Evidence, prior)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("replay %s: %w", signalID, err)
	}

	result := ReplayResult{SignalID: signalID, Detector: detectorName}
	candidate := findByWindow(recomputed, stored.Type, stored.WindowKey)
	if candidate == nil {
		result.Mismatches = append(result.Mismatches,
			fmt.Sprintf("signal %s/%s not reproduced by detector", stored.Type, stored.WindowKey))
	} else {
		if candidate.DedupeKey != stored.DedupeKey {
			result.Mismatches = append(result.Mismatches,
				fmt.Sprintf("dedupe_key: stored %s, recomputed %s", stored.DedupeKey, candidate.DedupeKey))
		}
		if candidate.WindowKey != stored.WindowKey {
			result.Mismatches = append(result.Mismatches,
				fmt.Sprintf("window_key: stored %s, recomputed %s", stored.WindowKey, candidate.WindowKey))
		}
		if candidate.Confidence != stored.Confidence {
			result.Mismatches = append(result.Mismatches,
				fmt.Sprintf("confidence: stored %v, recomputed %v", stored.Confidence, candidate.Confidence))
		}
	}
	result.Match = len(result.Mismatches) == 0

	if !result.Match {
		now := r.clock.Now()
		entry := contracts.LedgerEntry{
			PK:        accountPK(stored.TenantID, stored.AccountID),
			SK:        fmt.Sprintf("%s#REPLAY#%s", now.UTC().Format(time.RFC3339Nano), signalID),
			TenantID:  stored.TenantID,
			AccountID: stored.AccountID,
			TraceID:   stored.TraceID,
			EventType: contracts.LedgerEventValidation,
			Data: map[string]any{
				"check":      "signal-replay",
				"signal_id":  signalID,
				"detector":   detectorName,
				"mismatches": result.Mismatches,
			},
			EvidenceRefs: []contracts.EvidenceRef{stored.Evidence},
			CreatedAt:    now,
		}
		if _, err := r.ledger.Append(ctx, entry); err != nil {
			return result, fmt.Errorf("replay %s: ledger: %w", signalID, err)
		}
		r.logger.WarnContext(ctx, "replay mismatch",
			"signal_id", signalID, "detector", detectorName, "mismatches", result.Mismatches)
	}
	return result, nil
}

// priorStateFromMetadata rebuilds the lifecycle context the detector saw at
// detection time from the metadata stamped by the service.
func priorStateFromMetadata(sig contracts.Signal) *contracts.AccountState {
	prior := &contracts.AccountState{
		TenantID:              sig.TenantID,
		AccountID:             sig.AccountID,
		CurrentLifecycleState: contracts.LifecycleProspect,
	}
	if v, ok := sig.Metadata["lifecycle_at_detection"].(string); ok && v != "" {
		prior.CurrentLifecycleState = contracts.LifecycleState(v)
	}
	if v, ok := sig.Metadata["last_engagement_at_detection"].(string); ok && v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			prior.LastEngagementAt = &t
		}
	}
	return prior
}

func findByWindow(signals []contracts.Signal, typ contracts.SignalType, windowKey string) *contracts.Signal {
	for i := range signals {
		if signals[i].Type == typ && signals[i].WindowKey == windowKey {
			return &signals[i]
		}
	}
	return nil
}
