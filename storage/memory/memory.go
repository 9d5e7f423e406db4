// Package memory provides an in-process implementation of storage.Store.
// It is the default backend and the one used by tests.
package memory

import (
	"context"
	"net/url"
	"sync"

	"github.com/ggoodman/cgm-relay-go/storage"
)

// Store implements storage.Store in memory.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
	indexes     map[string][]string
}

type collection struct {
	mu   sync.RWMutex
	docs map[string]storage.Document
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		collections: make(map[string]*collection),
		indexes:     make(map[string][]string),
	}
}

// Open satisfies storage.Opener for memory:// URIs.
func Open(ctx context.Context, u *url.URL) (storage.Store, error) {
	return New(), nil
}

// Collection returns the named collection.
func (s *Store) Collection(name string) storage.Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		c = &collection{docs: make(map[string]storage.Document)}
		s.collections[name] = c
	}
	return c
}

// EnsureIndexes records the declared fields.
func (s *Store) EnsureIndexes(ctx context.Context, name string, fields []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(s.indexes[name]))
	for _, f := range s.indexes[name] {
		seen[f] = struct{}{}
	}
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		s.indexes[name] = append(s.indexes[name], f)
	}
	return nil
}

// Indexes returns the fields declared for a collection.
func (s *Store) Indexes(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.indexes[name]...)
}

// Close drops all data.
func (s *Store) Close() error {
	s.mu.Lock()
	s.collections = make(map[string]*collection)
	s.mu.Unlock()
	return nil
}

func (c *collection) Find(ctx context.Context, q storage.Query) ([]storage.Document, error) {
	c.mu.RLock()
	candidates := make([]storage.Document, 0, len(c.docs))
	for _, d := range c.docs {
		if q.Matches(d) {
			candidates = append(candidates, d.Clone())
		}
	}
	c.mu.RUnlock()
	return storage.Apply(q, candidates), nil
}

func (c *collection) Insert(ctx context.Context, doc storage.Document) (storage.Document, error) {
	stored := doc.Clone()
	if stored == nil {
		stored = storage.Document{}
	}
	if stored.ID() == "" {
		stored[storage.IDField] = storage.NewID()
	}
	c.mu.Lock()
	c.docs[stored.ID()] = stored
	c.mu.Unlock()
	return stored.Clone(), nil
}

func (c *collection) Update(ctx context.Context, id string, u storage.Update) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.docs[id]
	if !ok {
		return false, nil
	}
	c.docs[id] = u.Apply(d)
	return true, nil
}

func (c *collection) Remove(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[id]; !ok {
		return false, nil
	}
	delete(c.docs, id)
	return true, nil
}

var _ storage.Store = (*Store)(nil)
