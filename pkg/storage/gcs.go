//go:build gcp

package storage

import (
	"context"
	"fmt"

	gcs "cloud.google.com/go/storage"
)

// GCSMirror replicates policy documents to a Google Cloud Storage bucket.
// Mirrors the S3Mirror layout: hash-addressed snapshots plus a rolling
// "latest" object.
type GCSMirror struct {
	client *gcs.Client
	bucket string
	prefix string
}

// GCSMirrorConfig holds configuration for GCSMirror.
type GCSMirrorConfig struct {
	Bucket string
	Prefix string // Optional object prefix
}

// NewGCSMirror creates a GCS-backed document mirror. Credentials come from
// Application Default Credentials.
func NewGCSMirror(ctx context.Context, cfg GCSMirrorConfig) (*GCSMirror, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSMirror{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Name implements Mirror.
func (m *GCSMirror) Name() string { return "gcs" }

// Push implements Mirror.
func (m *GCSMirror) Push(ctx context.Context, data []byte, contentHash string) error {
	snapshot := m.client.Bucket(m.bucket).Object(m.prefix + "snapshots/" + contentHash + ".json")
	if _, err := snapshot.Attrs(ctx); err != nil {
		if err := m.writeObject(ctx, snapshot, data); err != nil {
			return fmt.Errorf("gcs put snapshot: %w", err)
		}
	}

	latest := m.client.Bucket(m.bucket).Object(m.prefix + "latest.json")
	if err := m.writeObject(ctx, latest, data); err != nil {
		return fmt.Errorf("gcs put latest: %w", err)
	}
	return nil
}

func (m *GCSMirror) writeObject(ctx context.Context, obj *gcs.ObjectHandle, data []byte) error {
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
