package storage

import "context"

// Mirror replicates the serialized policy document off-box after every
// successful local write. Mirrors are strictly best-effort: the file store
// is the durable source of truth and a mirror failure never fails the
// mutating call.
type Mirror interface {
	Name() string
	// Push uploads the serialized document. contentHash is the document's
	// canonical hash, usable as an immutable snapshot key.
	Push(ctx context.Context, data []byte, contentHash string) error
}
