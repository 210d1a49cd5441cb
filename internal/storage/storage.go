// Package storage keeps uploaded attachment blobs on the local disk or in an
// S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrNotFound = errors.New("object not found")

// Storage is where attachment blobs live. Keys are slash separated and never
// start with a slash.
type Storage interface {
	// Write stores r under key. size is -1 when unknown.
	Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// GetURL returns the URL clients fetch key from. Backends that sign URLs
	// honour expires; the others ignore it.
	GetURL(ctx context.Context, key string, expires time.Duration) (string, error)
}
