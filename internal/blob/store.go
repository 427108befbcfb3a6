// Package blob moves document bytes and intermediate text between stages
// and collaborator services.
package blob

import "context"

// Store is the narrow blob-store surface the pipeline needs. Refs are
// opaque; only the store that issued one can resolve it.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}
