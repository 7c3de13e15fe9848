//go:build gcp

package storage

import "context"

// OpenGCSMirror constructs the GCS document mirror in builds compiled with
// -tags gcp.
func OpenGCSMirror(ctx context.Context, bucket, prefix string) (Mirror, error) {
	return NewGCSMirror(ctx, GCSMirrorConfig{Bucket: bucket, Prefix: prefix})
}
