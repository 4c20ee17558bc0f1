// Package storage manages table storage locations: the directories or object
// prefixes that hold a table's data files. The commit core never writes data
// files itself; it only materializes locations at table creation and exposes
// listing/deletion for cleanup of superseded files.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrCreateFailed   = errors.New("location create failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts the storage backing table locations.
// Implementations include the local filesystem and S3.
type ObjectStorage interface {
	// EnsureTableLocation materializes the storage location for a table so
	// that writers can place data files under it. Idempotent.
	EnsureTableLocation(ctx context.Context, location string) error

	// Exists checks whether an object exists at the given path.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// ListObjects returns all object paths under the given prefix. Used to
	// reconcile superseded commit files against what storage actually holds.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}
