package audit

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "modernc.org/sqlite"

	"github.com/rpaturu/cc-native-sub003/pkg/canon"
	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// SQLiteExportStore keeps export job rows.
type SQLiteExportStore struct {
	db    *sql.DB
	clock clock.Clock
}

func NewSQLiteExportStore(db *sql.DB, clk clock.Clock) (*SQLiteExportStore, error) {
	s := &SQLiteExportStore{db: db, clock: clk}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

var _ ExportStore = (*SQLiteExportStore)(nil)

func (s *SQLiteExportStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_exports (
		tenant_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		status TEXT NOT NULL,
		uri TEXT NOT NULL DEFAULT '',
		sha256 TEXT NOT NULL DEFAULT '',
		entry_count INTEGER NOT NULL DEFAULT 0,
		range_from TEXT NOT NULL,
		range_to TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, job_id)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteExportStore) Claim(ctx context.Context, export Export) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_exports
			(tenant_id, job_id, account_id, status, range_from, range_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, job_id) DO NOTHING`,
		export.TenantID, export.JobID, export.AccountID, ExportPending,
		export.From.UTC().Format(time.RFC3339Nano),
		export.To.UTC().Format(time.RFC3339Nano),
		export.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("claim export %s: %w", export.JobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim export %s: rows affected: %w", export.JobID, err)
	}
	return affected > 0, nil
}

func (s *SQLiteExportStore) Complete(ctx context.Context, tenantID, jobID, uri, sha string, entryCount int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE audit_exports SET status = ?, uri = ?, sha256 = ?, entry_count = ?
		WHERE tenant_id = ? AND job_id = ?`,
		ExportCompleted, uri, sha, entryCount, tenantID, jobID)
	if err != nil {
		return fmt.Errorf("complete export %s: %w", jobID, err)
	}
	return nil
}

func (s *SQLiteExportStore) Fail(ctx context.Context, tenantID, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE audit_exports SET status = ? WHERE tenant_id = ? AND job_id = ?`,
		ExportFailed, tenantID, jobID)
	if err != nil {
		return fmt.Errorf("fail export %s: %w", jobID, err)
	}
	return nil
}

func (s *SQLiteExportStore) Get(ctx context.Context, tenantID, jobID string) (*Export, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, status, uri, sha256, entry_count, range_from, range_to, created_at
		FROM audit_exports WHERE tenant_id = ? AND job_id = ?`,
		tenantID, jobID)

	export := &Export{TenantID: tenantID, JobID: jobID}
	var from, to, createdAt string
	err := row.Scan(&export.AccountID, &export.Status, &export.URI, &export.SHA256,
		&export.EntryCount, &from, &to, &createdAt)
	if err == sql.ErrNoRows {
		return nil, taxonomy.New(taxonomy.CodeValidation, "audit export %s not found", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get export %s: %w", jobID, err)
	}
	if export.From, err = time.Parse(time.RFC3339Nano, from); err != nil {
		return nil, fmt.Errorf("get export %s: range_from: %w", jobID, err)
	}
	if export.To, err = time.Parse(time.RFC3339Nano, to); err != nil {
		return nil, fmt.Errorf("get export %s: range_to: %w", jobID, err)
	}
	if export.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("get export %s: created_at: %w", jobID, err)
	}
	return export, nil
}

// S3ObjectWriter writes export documents to S3.
type S3ObjectWriter struct {
	client *s3.Client
	bucket string
}

type S3ObjectWriterConfig struct {
	Bucket   string
	Region   string
	Endpoint string
}

func NewS3ObjectWriter(ctx context.Context, cfg S3ObjectWriterConfig) (*S3ObjectWriter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("audit: load AWS config: %w", err)
	}
	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}
	return &S3ObjectWriter{client: s3.NewFromConfig(awsCfg, clientOpts), bucket: cfg.Bucket}, nil
}

var _ ObjectWriter = (*S3ObjectWriter)(nil)

func (w *S3ObjectWriter) Put(ctx context.Context, key string, body []byte) (string, string, error) {
	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", "", taxonomy.Wrap(taxonomy.CodeTransientUpstream, err, "audit: s3 put %s", key)
	}
	return fmt.Sprintf("s3://%s/%s", w.bucket, key), canon.HashBytes(body), nil
}

// MemoryObjectWriter keeps exports in memory. Test and dev use.
type MemoryObjectWriter struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryObjectWriter() *MemoryObjectWriter {
	return &MemoryObjectWriter{objects: make(map[string][]byte)}
}

var _ ObjectWriter = (*MemoryObjectWriter)(nil)

func (w *MemoryObjectWriter) Put(_ context.Context, key string, body []byte) (string, string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.objects[key] = append([]byte(nil), body...)
	return "mem://" + key, canon.HashBytes(body), nil
}

// Get returns a stored export body. Test use.
func (w *MemoryObjectWriter) Get(key string) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	body, ok := w.objects[key]
	return body, ok
}
