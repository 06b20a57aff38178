// Package reqid carries per-request identifiers through contexts: a request
// id for the whole batch and, inside operation goroutines, the operation's
// index within the batch.
package reqid

import (
	"context"

	"github.com/google/uuid"
)

type key struct{}
type indexKey struct{}

// NewContext returns a copy of parent with a new random request ID stored.
// It also returns the generated ID.
func NewContext(parent context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(parent, key{}, id), id
}

// FromContext extracts the request ID from ctx.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(key{}).(string)
	return id, ok
}

// WithIndex marks ctx as belonging to the operation at index i of the batch.
func WithIndex(ctx context.Context, i int) context.Context {
	return context.WithValue(ctx, indexKey{}, i)
}

// IndexFromContext returns the operation index stored by WithIndex.
func IndexFromContext(ctx context.Context) (int, bool) {
	i, ok := ctx.Value(indexKey{}).(int)
	return i, ok
}
