package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// S3Store keeps evidence snapshots in S3 under
// evidence/<entity-type>/<entity-id>/<evidence-id>.json.
type S3Store struct {
	client *s3.Client
	bucket string
}

// S3StoreConfig holds configuration for S3Store.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
}

// NewS3Store creates an S3-backed evidence store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("evidence: load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
	}, nil
}

// Put canonicalizes and uploads the snapshot, returning its ref. Writing the
// same snapshot twice is idempotent: identical content yields an identical
// key and digest.
func (s *S3Store) Put(ctx context.Context, snap contracts.EvidenceSnapshot) (contracts.EvidenceRef, error) {
	body, sha, err := canonicalize(snap)
	if err != nil {
		return contracts.EvidenceRef{}, err
	}
	key := ObjectKey(snap.EntityType, snap.EntityID, snap.EvidenceID)

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return contracts.EvidenceRef{}, taxonomy.Wrap(taxonomy.CodeTransientUpstream, err,
				"evidence: s3 put %s", key)
		}
	}

	uri := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	return refFor(uri, sha, snap, snap.CapturedAt), nil
}

// Get downloads and verifies the snapshot named by ref.
func (s *S3Store) Get(ctx context.Context, ref contracts.EvidenceRef) (contracts.EvidenceSnapshot, error) {
	if IsOpaqueURI(ref.URI) {
		return contracts.EvidenceSnapshot{}, taxonomy.New(taxonomy.CodeValidation,
			"evidence: ref %s is an opaque identifier, not fetchable", ref.URI)
	}
	bucket, key, err := parseS3URI(ref.URI)
	if err != nil {
		return contracts.EvidenceSnapshot{}, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return contracts.EvidenceSnapshot{}, taxonomy.Wrap(taxonomy.CodeTransientUpstream, err,
			"evidence: s3 get %s", ref.URI)
	}
	defer func() { _ = out.Body.Close() }()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return contracts.EvidenceSnapshot{}, fmt.Errorf("evidence: read body %s: %w", ref.URI, err)
	}
	if err := verify(ref, body); err != nil {
		return contracts.EvidenceSnapshot{}, err
	}

	var snap contracts.EvidenceSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return contracts.EvidenceSnapshot{}, fmt.Errorf("evidence: decode %s: %w", ref.URI, err)
	}
	return snap, nil
}

func parseS3URI(uri string) (bucket, key string, err error) {
	trimmed, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", taxonomy.New(taxonomy.CodeValidation, "evidence: unsupported URI scheme: %s", uri)
	}
	bucket, key, ok = strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", taxonomy.New(taxonomy.CodeValidation, "evidence: malformed s3 URI: %s", uri)
	}
	return bucket, key, nil
}
