package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/acgs-platform/agentbus/pkg/contracts"
)

// batchObject serializes a batch as JSONL for object storage. Keys are
// time-partitioned so retention policies can prune by prefix.
func batchObject(prefix string, entries []contracts.AuditEntry, now time.Time) (string, []byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return "", nil, fmt.Errorf("audit: encode batch: %w", err)
		}
	}
	key := fmt.Sprintf("%s%s/%s.jsonl",
		prefix, now.UTC().Format("2006/01/02"), uuid.New().String())
	return key, buf.Bytes(), nil
}

// S3SinkConfig configures the S3 audit sink.
type S3SinkConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO or LocalStack
	Prefix   string // optional key prefix, e.g. "audit/"
}

// S3Sink archives audit batches as JSONL objects in S3.
type S3Sink struct {
	client *s3.Client
	cfg    S3SinkConfig
	clock  func() time.Time
}

// NewS3Sink creates an S3-backed sink using the ambient AWS credential
// chain.
func NewS3Sink(ctx context.Context, cfg S3SinkConfig) (*S3Sink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("audit: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Sink{client: client, cfg: cfg, clock: time.Now}, nil
}

// Name identifies the sink in logs and breaker names.
func (s *S3Sink) Name() string { return "s3" }

// Write uploads the batch as one object.
func (s *S3Sink) Write(ctx context.Context, entries []contracts.AuditEntry) error {
	key, body, err := batchObject(s.cfg.Prefix, entries, s.clock())
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("audit: put s3://%s/%s: %w", s.cfg.Bucket, key, err)
	}
	return nil
}

// GCSSinkConfig configures the GCS audit sink.
type GCSSinkConfig struct {
	Bucket string
	Prefix string
}

// GCSSink archives audit batches as JSONL objects in Google Cloud
// Storage.
type GCSSink struct {
	client *storage.Client
	cfg    GCSSinkConfig
	clock  func() time.Time
}

// NewGCSSink creates a GCS-backed sink using application default
// credentials.
func NewGCSSink(ctx context.Context, cfg GCSSinkConfig) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: create GCS client: %w", err)
	}
	return &GCSSink{client: client, cfg: cfg, clock: time.Now}, nil
}

// Name identifies the sink in logs and breaker names.
func (g *GCSSink) Name() string { return "gcs" }

// Write uploads the batch as one object.
func (g *GCSSink) Write(ctx context.Context, entries []contracts.AuditEntry) error {
	key, body, err := batchObject(g.cfg.Prefix, entries, g.clock())
	if err != nil {
		return err
	}
	w := g.client.Bucket(g.cfg.Bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("audit: write gs://%s/%s: %w", g.cfg.Bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("audit: finalize gs://%s/%s: %w", g.cfg.Bucket, key, err)
	}
	return nil
}
