//go:build !gcp

package storage

import (
	"context"
	"fmt"
)

// OpenGCSMirror reports that GCS mirroring is unavailable in builds
// compiled without -tags gcp.
func OpenGCSMirror(_ context.Context, _, _ string) (Mirror, error) {
	return nil, fmt.Errorf("GCS mirroring is not enabled in this build (use -tags gcp)")
}
