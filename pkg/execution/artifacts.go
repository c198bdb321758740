package execution

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rpaturu/cc-native-sub003/pkg/canon"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// ArtifactRef names an offloaded tool response body.
type ArtifactRef struct {
	URI    string `json:"uri"`
	SHA256 string `json:"sha256"`
}

// ArtifactStore offloads large tool responses out of the outcome record.
type ArtifactStore interface {
	Put(ctx context.Context, tenantID, accountID, actionIntentID, name string, body []byte) (ArtifactRef, error)
}

// ArtifactKey builds the object key for an execution artifact.
func ArtifactKey(tenantID, accountID, actionIntentID, name string) string {
	return fmt.Sprintf("execution/%s/%s/%s/%s", tenantID, accountID, actionIntentID, name)
}

// S3ArtifactStore writes artifacts under execution/<tenant>/<account>/<intent>/.
type S3ArtifactStore struct {
	client *s3.Client
	bucket string
}

type S3ArtifactConfig struct {
	Bucket   string
	Region   string
	Endpoint string
}

func NewS3ArtifactStore(ctx context.Context, cfg S3ArtifactConfig) (*S3ArtifactStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("artifacts: load AWS config: %w", err)
	}
	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}
	return &S3ArtifactStore{client: s3.NewFromConfig(awsCfg, clientOpts), bucket: cfg.Bucket}, nil
}

var _ ArtifactStore = (*S3ArtifactStore)(nil)

func (s *S3ArtifactStore) Put(ctx context.Context, tenantID, accountID, actionIntentID, name string, body []byte) (ArtifactRef, error) {
	key := ArtifactKey(tenantID, accountID, actionIntentID, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return ArtifactRef{}, taxonomy.Wrap(taxonomy.CodeTransientUpstream, err,
			"artifacts: s3 put %s", key)
	}
	return ArtifactRef{
		URI:    fmt.Sprintf("s3://%s/%s", s.bucket, key),
		SHA256: canon.HashBytes(body),
	}, nil
}

// MemoryArtifactStore is the in-process variant for tests and dev.
type MemoryArtifactStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{objects: make(map[string][]byte)}
}

var _ ArtifactStore = (*MemoryArtifactStore)(nil)

func (m *MemoryArtifactStore) Put(_ context.Context, tenantID, accountID, actionIntentID, name string, body []byte) (ArtifactRef, error) {
	key := ArtifactKey(tenantID, accountID, actionIntentID, name)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), body...)
	return ArtifactRef{URI: "mem://" + key, SHA256: canon.HashBytes(body)}, nil
}

// Get returns a stored artifact body. Test use.
func (m *MemoryArtifactStore) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[key]
	return body, ok
}
