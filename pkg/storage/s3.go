package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Mirror replicates policy documents to an S3 bucket. Each push writes an
// immutable hash-addressed snapshot plus a rolling "latest" object.
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3MirrorConfig holds configuration for S3Mirror.
type S3MirrorConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string // Optional key prefix
}

// NewS3Mirror creates an S3-backed document mirror.
func NewS3Mirror(ctx context.Context, cfg S3MirrorConfig) (*S3Mirror, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}

	return &S3Mirror{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Name implements Mirror.
func (m *S3Mirror) Name() string { return "s3" }

// Push implements Mirror.
func (m *S3Mirror) Push(ctx context.Context, data []byte, contentHash string) error {
	snapshotKey := m.prefix + "snapshots/" + contentHash + ".json"

	// Snapshot objects are content addressed; skip the upload if one
	// already exists.
	_, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(snapshotKey),
	})
	if err != nil {
		if _, err := m.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(m.bucket),
			Key:         aws.String(snapshotKey),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		}); err != nil {
			return fmt.Errorf("s3 put snapshot: %w", err)
		}
	}

	if _, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(m.prefix + "latest.json"),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("s3 put latest: %w", err)
	}
	return nil
}
