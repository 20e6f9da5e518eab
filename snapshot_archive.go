package driftsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
)

// SnapshotArchiveConfig configures archival of authoritative snapshots to
// S3-compatible storage. This is an operator-side concern: archived
// snapshots support audit and point-in-time recovery of a user's profile.
type SnapshotArchiveConfig struct {
	Bucket   string `yaml:"bucket" json:"bucket"`
	Region   string `yaml:"region" json:"region"`
	Endpoint string `yaml:"endpoint" json:"endpoint"` // for S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles, instance profiles,
	// or environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
	// over setting these directly.
	AccessKeyID     string `yaml:"access_key_id" json:"-"`
	SecretAccessKey string `yaml:"secret_access_key" json:"-"`
	Prefix          string `yaml:"prefix" json:"prefix"` // key prefix for all objects
	UsePathStyle    bool   `yaml:"use_path_style" json:"use_path_style"`

	// MaxRetries bounds retry attempts per S3 operation. Default: 3.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

// SnapshotArchiver uploads profile snapshots to S3-compatible storage,
// one object per archived snapshot keyed by document ID and capture time.
type SnapshotArchiver struct {
	client  *s3.Client
	config  SnapshotArchiveConfig
	retryer *Retryer
	now     func() time.Time
}

// NewSnapshotArchiver creates a new archiver.
func NewSnapshotArchiver(cfg SnapshotArchiveConfig) (*SnapshotArchiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &SnapshotArchiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
		now: time.Now,
	}, nil
}

// archiveKey returns the object key for a snapshot captured at t.
func (a *SnapshotArchiver) archiveKey(docID string, t time.Time) string {
	return fmt.Sprintf("%s%s/%s.json.sz", a.config.Prefix, docID, t.UTC().Format("2006/01/02/150405.000"))
}

// Archive uploads a snappy-compressed JSON encoding of the snapshot.
func (a *SnapshotArchiver) Archive(ctx context.Context, docID string, doc Document) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	body := snappy.Encode(nil, encoded)
	key := a.archiveKey(docID, a.now())

	result := a.retryer.Do(ctx, func() error {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(a.config.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(body),
		})
		if err != nil {
			return fmt.Errorf("S3 put object failed: %w", err)
		}
		return nil
	})
	return result.LastErr
}

// Restore fetches an archived snapshot by its object key.
func (a *SnapshotArchiver) Restore(ctx context.Context, key string) (Document, error) {
	var body []byte

	result := a.retryer.Do(ctx, func() error {
		resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(a.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("S3 get object failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("S3 read body failed: %w", err)
		}
		return nil
	})
	if result.LastErr != nil {
		return nil, result.LastErr
	}

	decoded, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(decoded, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return doc, nil
}
