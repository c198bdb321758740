package connector

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rpaturu/cc-native-sub003/pkg/bus"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/evidence"
)

// Runtime drives a connector through connect → poll → disconnect, writes the
// batch's snapshots to the evidence store, and only then advances sync
// state. Partial batches are never committed: a failure before emission
// leaves the sync state untouched so the next poll re-observes the delta.
type Runtime struct {
	evidence  evidence.Store
	syncState SyncStateStore
	publisher bus.Publisher
	logger    *slog.Logger
}

func NewRuntime(ev evidence.Store, sync SyncStateStore, pub bus.Publisher) *Runtime {
	return &Runtime{
		evidence:  ev,
		syncState: sync,
		publisher: pub,
		logger:    slog.Default().With("component", "connector-runtime"),
	}
}

// RunPoll executes one pull job against a connector and returns the emitted
// evidence refs.
func (r *Runtime) RunPoll(ctx context.Context, c Connector, job contracts.PullJob) ([]contracts.EvidenceRef, error) {
	state, err := r.syncState.Get(ctx, c.ID(), job.TenantID)
	if err != nil {
		return nil, r.fail(ctx, c, job, "load sync state", err)
	}

	if err := c.Connect(ctx); err != nil {
		return nil, r.fail(ctx, c, job, "connect", err)
	}
	defer func() {
		if err := c.Disconnect(ctx); err != nil {
			r.logger.WarnContext(ctx, "disconnect failed", "connector", c.ID(), "error", err)
		}
	}()

	batch, err := c.Poll(ctx, PollRequest{
		TenantID:  job.TenantID,
		AccountID: job.AccountID,
		Depth:     job.Depth,
		State:     state,
	})
	if err != nil {
		return nil, r.fail(ctx, c, job, "poll", err)
	}

	refs := make([]contracts.EvidenceRef, 0, len(batch.Snapshots))
	for _, snap := range batch.Snapshots {
		ref, err := r.evidence.Put(ctx, snap)
		if err != nil {
			// Sync state not advanced; the whole batch is re-observed next poll.
			return nil, r.fail(ctx, c, job, "store evidence", err)
		}
		refs = append(refs, ref)
	}

	// Sync-state writes occur only after successful emission of the batch.
	next := batch.NextState
	next.ConnectorID = c.ID()
	next.TenantID = job.TenantID
	if err := r.syncState.Put(ctx, next); err != nil {
		return nil, r.fail(ctx, c, job, "advance sync state", err)
	}

	_ = r.publisher.Publish(ctx, bus.Event{
		Kind: bus.KindConnectorPollCompleted,
		Detail: map[string]any{
			"connector_id": c.ID(),
			"tenant_id":    job.TenantID,
			"account_id":   job.AccountID,
			"pull_job_id":  job.PullJobID,
			"snapshots":    len(refs),
		},
	})
	return refs, nil
}

func (r *Runtime) fail(ctx context.Context, c Connector, job contracts.PullJob, op string, err error) error {
	var cerr *Error
	if !errors.As(err, &cerr) {
		cerr = &Error{ConnectorID: c.ID(), Op: op, Err: err}
	}
	r.logger.ErrorContext(ctx, "connector poll failed",
		"connector", c.ID(), "op", op, "pull_job_id", job.PullJobID, "error", err)
	_ = r.publisher.Publish(ctx, bus.Event{
		Kind: bus.KindConnectorPollFailed,
		Detail: map[string]any{
			"connector_id": c.ID(),
			"tenant_id":    job.TenantID,
			"pull_job_id":  job.PullJobID,
			"message":      cerr.Error(),
		},
	})
	return cerr
}
