// Package records provides the data-access modules for the six record
// collections the relay synchronizes.
package records

import (
	"context"
	"fmt"

	"github.com/ggoodman/cgm-relay-go/storage"
)

// Logical collection names as used on the wire.
const (
	Entries      = "entries"
	Treatments   = "treatments"
	DeviceStatus = "devicestatus"
	Profile      = "profile"
	Food         = "food"
	Activity     = "activity"
)

// Module is the data-access layer for one collection.
type Module struct {
	name       string
	collection string
	store      storage.Store
	indexed    []string
}

// New returns a module for the logical name stored under collection.
func New(store storage.Store, name, collection string, indexed ...string) *Module {
	if collection == "" {
		collection = name
	}
	return &Module{
		name:       name,
		collection: collection,
		store:      store,
		indexed:    append([]string(nil), indexed...),
	}
}

// Name returns the logical collection name.
func (m *Module) Name() string { return m.name }

// CollectionName returns the storage collection name.
func (m *Module) CollectionName() string { return m.collection }

// IndexedFields returns the fields the collection is commonly queried by.
func (m *Module) IndexedFields() []string { return append([]string(nil), m.indexed...) }

// Collection returns the backing collection.
func (m *Module) Collection() storage.Collection { return m.store.Collection(m.collection) }

// EnsureIndexes declares IndexedFields with the store.
func (m *Module) EnsureIndexes(ctx context.Context) error {
	if len(m.indexed) == 0 {
		return nil
	}
	if err := m.store.EnsureIndexes(ctx, m.collection, m.indexed); err != nil {
		return fmt.Errorf("ensure indexes on %s: %w", m.collection, err)
	}
	return nil
}

// List returns matching documents with a derived mills field.
func (m *Module) List(ctx context.Context, opts ...storage.QueryOption) ([]storage.Document, error) {
	docs, err := m.Collection().Find(ctx, storage.NewQuery(opts...))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", m.name, err)
	}
	for _, d := range docs {
		WithMills(d)
	}
	return docs, nil
}

// Get returns the document with the given id or storage.ErrNotFound.
func (m *Module) Get(ctx context.Context, id string) (storage.Document, error) {
	docs, err := m.Collection().Find(ctx, storage.NewQuery(storage.Where(storage.IDField, id), storage.Limit(1)))
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", m.name, id, err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("get %s/%s: %w", m.name, id, storage.ErrNotFound)
	}
	return WithMills(docs[0]), nil
}

// WithMills sets d["mills"] from the document time when it has one.
func WithMills(d storage.Document) storage.Document {
	if t, ok := d.Time(); ok {
		d[storage.MillsField] = t.UnixMilli()
	}
	return d
}

// Set groups the record modules.
type Set struct {
	Entries      *Module
	Treatments   *Module
	DeviceStatus *Module
	Profile      *Module
	Food         *Module
	Activity     *Module
}

// NewSet builds the modules over store. names maps logical names to storage
// collection names; missing entries use the logical name.
func NewSet(store storage.Store, names map[string]string) *Set {
	return &Set{
		Activity:     New(store, Activity, names[Activity], "created_at"),
		Entries:      New(store, Entries, names[Entries], "date", "type", "sgv", "mbg", "sysTime", "dateString", "device"),
		Treatments:   New(store, Treatments, names[Treatments], "created_at", "eventType", "insulin", "carbs", "glucose", "enteredBy", "NSCLIENT_ID", "percent", "absolute", "duration"),
		DeviceStatus: New(store, DeviceStatus, names[DeviceStatus], "created_at", "device", "NSCLIENT_ID"),
		Profile:      New(store, Profile, names[Profile], "created_at"),
		Food:         New(store, Food, names[Food], "type", "position", "hidden"),
	}
}

// All returns the modules in boot order.
func (s *Set) All() []*Module {
	return []*Module{s.Activity, s.Entries, s.Treatments, s.DeviceStatus, s.Profile, s.Food}
}

// ByName looks up a module by logical collection name.
func (s *Set) ByName(name string) (*Module, bool) {
	for _, m := range s.All() {
		if m.name == name {
			return m, true
		}
	}
	return nil, false
}
