// Package object provides content-addressed blob storage for attachments
// referenced from event metadata.
package object

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("blob not found")

// Store is the blob storage contract. Blobs are addressed by their SHA-256
// hash in "sha256:<hex>" form; Put is idempotent.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}
