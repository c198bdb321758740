package connector_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/rpaturu/cc-native-sub003/pkg/bus"
	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/connector"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/evidence"
)

type fakeConnector struct {
	*connector.Base
	batch   *connector.Batch
	pollErr error
}

func (f *fakeConnector) Connect(context.Context) error    { return nil }
func (f *fakeConnector) Disconnect(context.Context) error { return nil }

func (f *fakeConnector) Poll(_ context.Context, req connector.PollRequest) (*connector.Batch, error) {
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	return f.batch, nil
}

type capturingBus struct {
	mu     sync.Mutex
	events []bus.Event
}

func (c *capturingBus) Publish(_ context.Context, e bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capturingBus) kinds() []bus.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bus.Kind, len(c.events))
	for i, e := range c.events {
		out[i] = e.Kind
	}
	return out
}

func setup(t *testing.T) (*connector.Runtime, *connector.SQLiteSyncStateStore, *capturingBus) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	sync, err := connector.NewSQLiteSyncStateStore(db, clk)
	require.NoError(t, err)

	capt := &capturingBus{}
	return connector.NewRuntime(evidence.NewMemoryStore(), sync, capt), sync, capt
}

func job() contracts.PullJob {
	return contracts.PullJob{
		PullJobID: "job-1",
		TenantID:  "t1",
		AccountID: "acct-1",
		Depth:     contracts.DepthShallow,
	}
}

func TestRunPollEmitsRefsAndAdvancesState(t *testing.T) {
	rt, syncStore, capt := setup(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	c := &fakeConnector{
		Base: connector.NewBase("crm", connector.ModeHybrid, "1", 600, 10),
		batch: &connector.Batch{
			Snapshots: []contracts.EvidenceSnapshot{{
				EvidenceID: "ev-1", TenantID: "t1",
				EntityType: "crm-account", EntityID: "acct-1",
				CapturedAt: now, Payload: map[string]any{"k": "v"},
			}},
			NextState: connector.SyncState{LastSyncAt: &now, Cursor: "cur-2"},
		},
	}

	refs, err := rt.RunPoll(context.Background(), c, job())
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.NotEmpty(t, refs[0].SHA256)

	state, err := syncStore.Get(context.Background(), "crm", "t1")
	require.NoError(t, err)
	assert.Equal(t, "cur-2", state.Cursor)
	require.NotNil(t, state.LastSyncAt)

	assert.Equal(t, []bus.Kind{bus.KindConnectorPollCompleted}, capt.kinds())
}

func TestRunPollFailureLeavesSyncStateUntouched(t *testing.T) {
	rt, syncStore, capt := setup(t)

	c := &fakeConnector{
		Base:    connector.NewBase("crm", connector.ModeCursor, "1", 600, 10),
		pollErr: errors.New("upstream 500"),
	}

	_, err := rt.RunPoll(context.Background(), c, job())
	require.Error(t, err)
	var cerr *connector.Error
	assert.ErrorAs(t, err, &cerr)

	state, err := syncStore.Get(context.Background(), "crm", "t1")
	require.NoError(t, err)
	assert.Empty(t, state.Cursor)
	assert.Nil(t, state.LastSyncAt)

	assert.Equal(t, []bus.Kind{bus.KindConnectorPollFailed}, capt.kinds())
}

func TestBaseRateLimiterAdmitsBurst(t *testing.T) {
	b := connector.NewBase("crm", connector.ModeTimestamp, "1", 60, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, b.Wait(ctx))
	require.NoError(t, b.Wait(ctx))
	// Third call exceeds the burst and must block until ctx expiry.
	assert.Error(t, b.Wait(ctx))
}
