// Package audit exports ledger slices on request. An export collects every
// ledger entry for an account and time range, writes one JSON object under
// the export job id, and records the export row. Jobs are idempotent: a
// re-delivered request for a claimed job id is a no-op.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/bus"
	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/ledger"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// Export is the persisted record of one export job.
type Export struct {
	JobID      string    `json:"job_id"`
	TenantID   string    `json:"tenant_id"`
	AccountID  string    `json:"account_id"`
	Status     string    `json:"status"`
	URI        string    `json:"uri,omitempty"`
	SHA256     string    `json:"sha256,omitempty"`
	EntryCount int       `json:"entry_count"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	CreatedAt  time.Time `json:"created_at"`
}

// Export statuses.
const (
	ExportPending   = "PENDING"
	ExportCompleted = "COMPLETED"
	ExportFailed    = "FAILED"
)

// ExportStore persists export job rows. Claim is the idempotency gate.
type ExportStore interface {
	// Claim conditionally inserts the pending row. false means the job id
	// is already claimed.
	Claim(ctx context.Context, export Export) (bool, error)
	Complete(ctx context.Context, tenantID, jobID, uri, sha string, entryCount int) error
	Fail(ctx context.Context, tenantID, jobID string) error
	Get(ctx context.Context, tenantID, jobID string) (*Export, error)
}

// ObjectWriter writes one export document. The key is audit/<job_id>.json.
type ObjectWriter interface {
	Put(ctx context.Context, key string, body []byte) (uri string, sha string, err error)
}

// Document is the export file layout.
type Document struct {
	JobID       string                  `json:"job_id"`
	TenantID    string                  `json:"tenant_id"`
	AccountID   string                  `json:"account_id"`
	From        time.Time               `json:"from"`
	To          time.Time               `json:"to"`
	GeneratedAt time.Time               `json:"generated_at"`
	Entries     []contracts.LedgerEntry `json:"entries"`
}

// Worker handles AuditExportRequested events.
type Worker struct {
	ledger  ledger.Ledger
	exports ExportStore
	objects ObjectWriter
	clock   clock.Clock
	logger  *slog.Logger
}

func NewWorker(led ledger.Ledger, exports ExportStore, objects ObjectWriter, clk clock.Clock) *Worker {
	return &Worker{
		ledger:  led,
		exports: exports,
		objects: objects,
		clock:   clk,
		logger:  slog.Default().With("component", "audit-export"),
	}
}

// Handle consumes one AuditExportRequested event.
func (w *Worker) Handle(ctx context.Context, e bus.Event) error {
	if e.Kind != bus.KindAuditExportRequested {
		return nil
	}
	jobID, _ := e.Detail["job_id"].(string)
	tenantID, _ := e.Detail["tenant_id"].(string)
	accountID, _ := e.Detail["account_id"].(string)
	from, err := parseDetailTime(e.Detail, "from")
	if err != nil {
		return err
	}
	to, err := parseDetailTime(e.Detail, "to")
	if err != nil {
		return err
	}
	return w.Run(ctx, jobID, tenantID, accountID, from, to)
}

// Run executes one export job.
func (w *Worker) Run(ctx context.Context, jobID, tenantID, accountID string, from, to time.Time) error {
	if jobID == "" || tenantID == "" || accountID == "" {
		return taxonomy.New(taxonomy.CodeValidation, "audit export missing identity fields")
	}
	now := w.clock.Now()
	claimed, err := w.exports.Claim(ctx, Export{
		JobID:     jobID,
		TenantID:  tenantID,
		AccountID: accountID,
		Status:    ExportPending,
		From:      from,
		To:        to,
		CreatedAt: now,
	})
	if err != nil {
		return err
	}
	if !claimed {
		w.logger.InfoContext(ctx, "audit export already claimed", "job_id", jobID)
		return nil
	}

	entries, err := w.ledger.ByAccountTimeRange(ctx, tenantID, accountID, from, to)
	if err != nil {
		if failErr := w.exports.Fail(ctx, tenantID, jobID); failErr != nil {
			w.logger.ErrorContext(ctx, "audit export fail-mark failed",
				"job_id", jobID, "error", failErr)
		}
		return err
	}

	doc := Document{
		JobID:       jobID,
		TenantID:    tenantID,
		AccountID:   accountID,
		From:        from,
		To:          to,
		GeneratedAt: now,
		Entries:     entries,
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("audit export %s: marshal: %w", jobID, err)
	}

	uri, sha, err := w.objects.Put(ctx, fmt.Sprintf("audit/%s.json", jobID), body)
	if err != nil {
		if failErr := w.exports.Fail(ctx, tenantID, jobID); failErr != nil {
			w.logger.ErrorContext(ctx, "audit export fail-mark failed",
				"job_id", jobID, "error", failErr)
		}
		return err
	}
	if err := w.exports.Complete(ctx, tenantID, jobID, uri, sha, len(entries)); err != nil {
		return err
	}
	w.logger.InfoContext(ctx, "audit export completed",
		"job_id", jobID, "account_id", accountID, "entries", len(entries), "uri", uri)
	return nil
}

func parseDetailTime(detail map[string]any, key string) (time.Time, error) {
	raw, _ := detail[key].(string)
	if raw == "" {
		return time.Time{}, taxonomy.New(taxonomy.CodeValidation,
			"audit export request missing %s", key)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, taxonomy.Wrap(taxonomy.CodeValidation, err,
			"audit export request: bad %s", key)
	}
	return t, nil
}
