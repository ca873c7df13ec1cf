package store

import (
	"context"
	"encoding/json"
	"errors"
)

// Comparison operators supported by Query.
const (
	OpEquals        = "=="
	OpArrayContains = "array-contains"
)

var (
	// ErrTransactionContention indicates the optimistic retry budget was exhausted.
	ErrTransactionContention = errors.New("store: transaction retry budget exhausted")
	// ErrUnsupportedOperator indicates an unknown Query operator.
	ErrUnsupportedOperator = errors.New("store: unsupported query operator")
)

// Document is a single entry of the secondary document store.
type Document struct {
	Collection string
	DocID      string
	Body       json.RawMessage
}

// Store is the hierarchical key-value contract the flare subsystem runs on.
//
// Paths are slash-separated. Writing a path replaces the whole subtree below
// it; reading a path materializes the subtree by overlaying descendant writes
// on top of the value stored at the path itself.
type Store interface {
	// Get returns the merged value at path, reporting absence via the bool.
	Get(ctx context.Context, path string) (json.RawMessage, bool, error)

	// BatchWrite atomically applies every path/value pair, or none of them.
	// A nil value deletes the subtree rooted at its path. Values are
	// marshaled with encoding/json; json.RawMessage passes through verbatim.
	BatchWrite(ctx context.Context, updates map[string]any) error

	// Transaction applies fn to the value at exactly path under optimistic
	// concurrency, retrying on conflicting writers, and returns the
	// committed value. fn receives nil when the path is absent; returning a
	// nil next value deletes the path.
	Transaction(ctx context.Context, path string, fn func(current json.RawMessage) (any, error)) (json.RawMessage, error)

	// Query returns the documents of collection whose decoded field matches
	// value under op.
	Query(ctx context.Context, collection, field, op string, value any) ([]Document, error)
}
