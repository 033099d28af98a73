// Package keyval provides the key-value storage client used by the record
// store and the batch ledger. It models a table with a single primary key,
// per-item atomic conditional writes, and eventually consistent secondary
// indexes. Two implementations are provided: an in-memory store for testing
// and development, and a PostgreSQL-backed store for production.
package keyval

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when no item exists for the key.
	ErrNotFound = errors.New("item not found")

	// ErrConditionFailed is returned by Put and Update when the condition
	// expression does not hold against the stored item.
	ErrConditionFailed = errors.New("condition failed")
)

// Item is a single stored record: attribute name to value. Supported value
// types are string, int64 and bool. Implementations may return numeric
// attributes as int64 or float64; use the Str/Int helpers when reading.
type Item map[string]any

// Table identifies a logical table and the attribute that holds its
// primary key.
type Table struct {
	Name    string
	KeyAttr string
}

// QueryOptions controls index query pagination.
type QueryOptions struct {
	Limit      int    // 0 means no limit
	StartToken string // continuation token from a previous Page
}

// Page is one page of index query results. NextToken is empty when the
// result set is exhausted.
type Page struct {
	Items     []Item
	NextToken string
}

// Store is the storage contract. Writes are atomic per item: a condition is
// evaluated and the write applied as a single step, with no interleaving for
// that key. There is no multi-item transaction and index reads carry no
// freshness guarantee relative to writes.
type Store interface {
	// Get performs a point read. Returns ErrNotFound when no item exists.
	Get(ctx context.Context, table Table, key string) (Item, error)

	// Put inserts or replaces the item whose key is item[table.KeyAttr].
	// A non-nil cond is evaluated against the currently stored item; when
	// no item is stored, only NotExists and Ne conditions hold.
	Put(ctx context.Context, table Table, item Item, cond *Cond) error

	// Update applies set/remove mutations to an existing item. The
	// condition is evaluated against the stored item and the mutation
	// applied atomically. A missing item fails the condition.
	Update(ctx context.Context, table Table, key string, set Item, remove []string, cond *Cond) error

	// QueryIndex returns all items whose attr equals value, paginated.
	// Results may lag recent writes.
	QueryIndex(ctx context.Context, table Table, attr, value string, opts QueryOptions) (*Page, error)
}

// Str reads a string attribute, returning "" when absent.
func Str(item Item, name string) string {
	s, _ := item[name].(string)
	return s
}

// Int reads a numeric attribute regardless of how the backend decoded it.
func Int(item Item, name string) int64 {
	switch v := item[name].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Has reports whether the attribute is present on the item.
func Has(item Item, name string) bool {
	_, ok := item[name]
	return ok
}
