// Package repo defines the generic repository contract shared by the
// engine's metadata stores.
package repo

import "context"

// DefaultLimit caps List results when the caller does not set one.
const DefaultLimit = 100

// Repository is a generic CRUD interface. The ingest ledger in
// engine/registry is the canonical implementation.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Create(ctx context.Context, entity T) (T, error)
	Update(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id ID) error
}

// ListOpts controls pagination for List operations.
type ListOpts struct {
	Offset int
	Limit  int
}

// Window returns the effective offset and limit, applying DefaultLimit when
// the limit is unset or invalid.
func (o ListOpts) Window() (offset, limit int) {
	limit = o.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	offset = o.Offset
	if offset < 0 {
		offset = 0
	}
	return offset, limit
}
