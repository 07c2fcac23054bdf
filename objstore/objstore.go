// Package objstore stores image assets by path.
//
// Paths follow the layout "{stage}/{subject}/{asset}[.ext]". An asset changes
// stage by copy-then-delete, so a crash between the two steps can leave a
// duplicate but never loses the asset.
package objstore

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("object not found")

type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	// Stat returns the content type recorded by Put.
	Stat(ctx context.Context, path string) (string, error)
	Put(ctx context.Context, path string, data []byte, contentType string) error
	// Copy duplicates src to dst, including its content type.
	Copy(ctx context.Context, src, dst string) error
	// Delete removes path. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error
	// List returns the paths under prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Move relocates an object with copy-then-delete ordering.
func Move(ctx context.Context, s Store, src, dst string) error {
	if err := s.Copy(ctx, src, dst); err != nil {
		return err
	}
	return s.Delete(ctx, src)
}
