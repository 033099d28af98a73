package keyval

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a thread-safe, in-memory Store for testing and development.
// Unlike a production backend its index reads are strongly consistent.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]Item
}

// NewMemoryStore returns a ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]map[string]Item)}
}

// items returns the table's map, creating it on first write. Callers must
// hold the write lock; readers index s.tables directly and treat a missing
// table as empty.
func (s *MemoryStore) items(table Table) map[string]Item {
	t, ok := s.tables[table.Name]
	if !ok {
		t = make(map[string]Item)
		s.tables[table.Name] = t
	}
	return t
}

func (s *MemoryStore) Get(_ context.Context, table Table, key string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.tables[table.Name][key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyItem(item), nil
}

func (s *MemoryStore) Put(_ context.Context, table Table, item Item, cond *Cond) error {
	key, _ := item[table.KeyAttr].(string)
	if key == "" {
		return fmt.Errorf("put %s: missing key attribute %s", table.Name, table.KeyAttr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.items(table)
	if cond != nil {
		existing, ok := t[key]
		if !ok {
			existing = nil
		}
		if !cond.eval(existing) {
			return ErrConditionFailed
		}
	}
	t[key] = copyItem(item)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, table Table, key string, set Item, remove []string, cond *Cond) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.items(table)
	existing, ok := t[key]
	if !ok {
		// Mutating a missing item is always a failed condition, matching
		// conditional-update semantics on the production backend.
		return ErrConditionFailed
	}
	if cond != nil && !cond.eval(existing) {
		return ErrConditionFailed
	}

	updated := copyItem(existing)
	for k, v := range set {
		updated[k] = v
	}
	for _, k := range remove {
		delete(updated, k)
	}
	t[key] = updated
	return nil
}

func (s *MemoryStore) QueryIndex(_ context.Context, table Table, attr, value string, opts QueryOptions) (*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	t := s.tables[table.Name]
	for k, item := range t {
		if Str(item, attr) == value && k > opts.StartToken {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	page := &Page{}
	for _, k := range keys {
		if opts.Limit > 0 && len(page.Items) == opts.Limit {
			page.NextToken = Str(page.Items[len(page.Items)-1], table.KeyAttr)
			break
		}
		page.Items = append(page.Items, copyItem(t[k]))
	}
	return page, nil
}

func copyItem(item Item) Item {
	out := make(Item, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
