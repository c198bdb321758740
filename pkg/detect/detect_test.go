package detect_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/detect"
	"github.com/rpaturu/cc-native-sub003/pkg/evidence"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

var capturedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func permanentFirst(t contracts.SignalType) *int {
	if t == contracts.SignalFirstEngagementOccurred {
		return nil
	}
	d := 30
	return &d
}

func put(t *testing.T, store *evidence.MemoryStore, id string, payload map[string]any) contracts.EvidenceRef {
	t.Helper()
	ref, err := store.Put(context.Background(), contracts.EvidenceSnapshot{
		EvidenceID: id,
		TenantID:   "t1",
		EntityType: "crm-account",
		EntityID:   "acct-1",
		CapturedAt: capturedAt,
		Payload:    payload,
	})
	require.NoError(t, err)
	return ref
}

func TestActivationAnyIndicator(t *testing.T) {
	store := evidence.NewMemoryStore()
	d := detect.NewActivationDetector(store, permanentFirst)

	ref := put(t, store, "ev-act", map[string]any{"inbound_attribution": true})
	sigs, err := d.Detect(context.Background(), ref, nil)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, contracts.SignalAccountActivationDetected, sigs[0].Type)
	assert.Equal(t, 1.0, sigs[0].Confidence)
	assert.Equal(t, contracts.ConfidenceDirect, sigs[0].ConfidenceSource)

	quiet := put(t, store, "ev-act-2", map[string]any{"external_signal": false})
	sigs, err = d.Detect(context.Background(), quiet, nil)
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestNoEngagementOnlyForProspects(t *testing.T) {
	store := evidence.NewMemoryStore()
	d := detect.NewEngagementDetector(store, permanentFirst)
	ref := put(t, store, "ev-eng", map[string]any{"engagement_observed": false})

	sigs, err := d.Detect(context.Background(), ref, &contracts.AccountState{
		CurrentLifecycleState: contracts.LifecycleProspect,
	})
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, contracts.SignalNoEngagementPresent, sigs[0].Type)
	assert.Equal(t, 0.8, sigs[0].Confidence)

	sigs, err = d.Detect(context.Background(), ref, &contracts.AccountState{
		CurrentLifecycleState: contracts.LifecycleCustomer,
	})
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestFirstEngagementPermanentAndHistoricalForCustomers(t *testing.T) {
	store := evidence.NewMemoryStore()
	d := detect.NewEngagementDetector(store, permanentFirst)
	ref := put(t, store, "ev-first", map[string]any{"engagement_observed": true})

	sigs, err := d.Detect(context.Background(), ref, &contracts.AccountState{
		CurrentLifecycleState: contracts.LifecycleProspect,
	})
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Nil(t, sigs[0].TTLDays)
	assert.True(t, sigs[0].InferenceActive)

	sigs, err = d.Detect(context.Background(), ref, &contracts.AccountState{
		CurrentLifecycleState: contracts.LifecycleCustomer,
	})
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.False(t, sigs[0].InferenceActive)

	// Known engagement suppresses re-emission entirely.
	known := capturedAt.Add(-time.Hour)
	sigs, err = d.Detect(context.Background(), ref, &contracts.AccountState{
		CurrentLifecycleState: contracts.LifecycleProspect,
		LastEngagementAt:      &known,
	})
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestDiscoveryStallNeedsTwoIndicators(t *testing.T) {
	store := evidence.NewMemoryStore()
	d := detect.NewDiscoveryDetector(store, permanentFirst)

	one := put(t, store, "ev-d1", map[string]any{"empty_meeting_notes": true,
		"qualification": map[string]any{"pain_points": "x", "budget": "y", "decision_maker": "z", "timeline": "q"}})
	sigs, err := d.Detect(context.Background(), one, nil)
	require.NoError(t, err)
	assert.Empty(t, sigs)

	two := put(t, store, "ev-d2", map[string]any{
		"empty_meeting_notes": true,
		"qualification":       map[string]any{"pain_points": "x"},
	})
	sigs, err = d.Detect(context.Background(), two, nil)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, 0.7, sigs[0].Confidence)
}

func TestUsageTrendDownIsHighSeverity(t *testing.T) {
	store := evidence.NewMemoryStore()
	d := detect.NewUsageDetector(store, permanentFirst)

	ref := put(t, store, "ev-u", map[string]any{"metrics": map[string]any{
		"daily_active_users": map[string]any{"previous": 100.0, "current": 70.0},
		"api_calls":          map[string]any{"previous": 1000.0, "current": 1050.0},
	}})
	sigs, err := d.Detect(context.Background(), ref, nil)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, contracts.SeverityHigh, sigs[0].Severity)
	assert.Equal(t, "DOWN", sigs[0].Context["direction"])
}

func TestSupportRiskScoring(t *testing.T) {
	store := evidence.NewMemoryStore()
	d := detect.NewSupportDetector(store, permanentFirst)

	low := put(t, store, "ev-s1", map[string]any{"high_severity_tickets": 1.0, "aging_tickets": 1.0})
	sigs, err := d.Detect(context.Background(), low, nil)
	require.NoError(t, err)
	assert.Empty(t, sigs)

	// 2*2 + 1 + 5 = 10 -> emit, high severity, confidence capped path
	hot := put(t, store, "ev-s2", map[string]any{
		"high_severity_tickets": 2.0,
		"aging_tickets":         1.0,
		"open_critical_tickets": 2.0,
	})
	sigs, err = d.Detect(context.Background(), hot, nil)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, contracts.SeverityHigh, sigs[0].Severity)
	assert.InDelta(t, 0.9, sigs[0].Confidence, 1e-9)
}

func TestRenewalWindowBoundaryAndDedupe(t *testing.T) {
	store := evidence.NewMemoryStore()
	d := detect.NewRenewalDetector(store, permanentFirst)

	ref := put(t, store, "ev-r", map[string]any{"contracts": []any{
		map[string]any{"contract_id": "c-1", "renewal_at": capturedAt.Add(20 * 24 * time.Hour).Format(time.RFC3339)},
	}})
	sigs, err := d.Detect(context.Background(), ref, nil)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, contracts.SeverityCritical, sigs[0].Severity)
	assert.Equal(t, "0-30", sigs[0].Context["threshold_boundary"])
	assert.Equal(t, "c-1#0-30", sigs[0].WindowKey)

	// Second invocation same day: identical dedupe key.
	again, err := d.Detect(context.Background(), ref, nil)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, sigs[0].DedupeKey, again[0].DedupeKey)
	assert.Equal(t, sigs[0].SignalID, again[0].SignalID)
}

func TestDetectorFailsOnTamperedEvidence(t *testing.T) {
	store := evidence.NewMemoryStore()
	d := detect.NewActivationDetector(store, permanentFirst)

	ref := put(t, store, "ev-tamper", map[string]any{"external_signal": true})
	store.Corrupt(ref.URI, []byte(`{"external_signal":true,"x":1}`))

	_, err := d.Detect(context.Background(), ref, nil)
	require.Error(t, err)
	assert.True(t, taxonomy.IsInvariant(err))
}

func TestRegistryLookup(t *testing.T) {
	store := evidence.NewMemoryStore()
	r, err := detect.DefaultRegistry(store, permanentFirst)
	require.NoError(t, err)

	_, ok := r.Get("renewal")
	assert.True(t, ok)
	assert.Len(t, r.ForType(contracts.SignalFirstEngagementOccurred), 1)
	assert.Len(t, r.All(), 7)

	// Duplicate registration is a CONFIG error.
	err = r.Register(detect.NewRenewalDetector(store, permanentFirst))
	require.Error(t, err)
	assert.Equal(t, taxonomy.CodeConfig, taxonomy.Classify(err))
}
