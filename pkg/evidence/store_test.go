package evidence_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/evidence"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

func snapshot() contracts.EvidenceSnapshot {
	return contracts.EvidenceSnapshot{
		EvidenceID:           "ev-1",
		TenantID:             "t1",
		EntityType:           "crm-account",
		EntityID:             "acct-1",
		SchemaVersion:        "1",
		DetectorInputVersion: "1",
		CapturedAt:           time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Payload:              map[string]any{"stage": "discovery", "meetings": float64(3)},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store := evidence.NewMemoryStore()
	ctx := context.Background()

	ref, err := store.Put(ctx, snapshot())
	require.NoError(t, err)
	assert.Equal(t, "mem://evidence/crm-account/acct-1/ev-1.json", ref.URI)
	assert.Len(t, ref.SHA256, 64)

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "discovery", got.Payload["stage"])
}

func TestPutIsIdempotent(t *testing.T) {
	store := evidence.NewMemoryStore()
	ctx := context.Background()

	ref1, err := store.Put(ctx, snapshot())
	require.NoError(t, err)
	ref2, err := store.Put(ctx, snapshot())
	require.NoError(t, err)
	assert.Equal(t, ref1.SHA256, ref2.SHA256)
	assert.Equal(t, ref1.URI, ref2.URI)
}

func TestGetFailsOnCorruption(t *testing.T) {
	store := evidence.NewMemoryStore()
	ctx := context.Background()

	ref, err := store.Put(ctx, snapshot())
	require.NoError(t, err)

	store.Corrupt(ref.URI, []byte(`{"tampered":true}`))

	_, err = store.Get(ctx, ref)
	require.Error(t, err)
	assert.True(t, taxonomy.IsInvariant(err))
}

func TestOpaqueExecutionRefsNotFetchable(t *testing.T) {
	store := evidence.NewMemoryStore()
	_, err := store.Get(context.Background(), contracts.EvidenceRef{
		URI:    "execution://t1/acct-1/intent-1",
		SHA256: "deadbeef",
	})
	require.Error(t, err)
	assert.Equal(t, taxonomy.CodeValidation, taxonomy.Classify(err))
}
