// Package blobstore defines the worker's view of the external blob store
// that hosts code archives and receives output artifacts (spec.md §6,
// "out of scope... external collaborator").
package blobstore

import "context"

// Store fetches archives by key and uploads local files, returning a
// canonical URI.
type Store interface {
	// Download fetches the object at key into localPath.
	Download(ctx context.Context, key, localPath string) error

	// Upload uploads the file at localPath under key and returns its
	// canonical URI.
	Upload(ctx context.Context, localPath, key string) (uri string, err error)
}
