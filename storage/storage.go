// Package storage defines the document store contract used by the relay:
// named collections of JSON documents with find/insert/update/remove
// semantics and declared index fields.
package storage

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"time"
)

// Store is a handle on a document database.
type Store interface {
	// Collection returns a handle on the named collection. Collections are
	// created lazily on first write.
	Collection(name string) Collection

	// EnsureIndexes declares the fields a collection is commonly queried by.
	// Backends without secondary indexes record the declaration only.
	EnsureIndexes(ctx context.Context, collection string, fields []string) error

	// Close releases backend resources.
	Close() error
}

// Collection is a set of documents sharing a name.
type Collection interface {
	// Find returns copies of all documents matching the query.
	Find(ctx context.Context, q Query) ([]Document, error)

	// Insert stores a copy of doc, assigning an _id when missing, and
	// returns the stored copy.
	Insert(ctx context.Context, doc Document) (Document, error)

	// Update applies u to the document with the given id. It reports whether
	// a document matched.
	Update(ctx context.Context, id string, u Update) (bool, error)

	// Remove deletes the document with the given id. It reports whether a
	// document matched.
	Remove(ctx context.Context, id string) (bool, error)
}

// Opener opens a Store for a parsed storage URI.
type Opener func(ctx context.Context, u *url.URL) (Store, error)

var (
	// ErrUnknownBackend is returned when no backend is registered for a
	// storage URI scheme.
	ErrUnknownBackend = errors.New("storage: unknown backend")

	// ErrInvalidDocument is returned when a document cannot be encoded.
	ErrInvalidDocument = errors.New("storage: invalid document")

	// ErrNotFound is returned by lookups addressed at a missing document.
	ErrNotFound = errors.New("storage: not found")
)

// Query selects documents. The zero value matches everything.
type Query struct {
	// Eq requires each field to equal the given value.
	Eq map[string]any
	// From and To bound the document time (see Document.Time), inclusive.
	From *time.Time
	To   *time.Time
	// Limit caps the number of results after sorting. Zero means no limit.
	Limit int
	// Newest sorts results newest first instead of oldest first.
	Newest bool
}

// QueryOption configures a Query.
type QueryOption func(*Query)

// NewQuery builds a query from options.
func NewQuery(opts ...QueryOption) Query {
	var q Query
	for _, opt := range opts {
		opt(&q)
	}
	return q
}

// Where requires field to equal value.
func Where(field string, value any) QueryOption {
	return func(q *Query) {
		if q.Eq == nil {
			q.Eq = make(map[string]any)
		}
		q.Eq[field] = value
	}
}

// Between bounds the document time to [from, to].
func Between(from, to time.Time) QueryOption {
	return func(q *Query) {
		q.From = &from
		q.To = &to
	}
}

// Since bounds the document time to [from, ∞).
func Since(from time.Time) QueryOption {
	return func(q *Query) {
		q.From = &from
	}
}

// Limit caps the number of results.
func Limit(n int) QueryOption {
	return func(q *Query) { q.Limit = n }
}

// NewestFirst sorts results newest first.
func NewestFirst() QueryOption {
	return func(q *Query) { q.Newest = true }
}

// Matches reports whether d satisfies the query's field and time filters.
func (q Query) Matches(d Document) bool {
	for field, want := range q.Eq {
		got, ok := d[field]
		if !ok || !ValuesEqual(got, want) {
			return false
		}
	}
	if q.From == nil && q.To == nil {
		return true
	}
	t, ok := d.Time()
	if !ok {
		return false
	}
	if q.From != nil && t.Before(*q.From) {
		return false
	}
	if q.To != nil && t.After(*q.To) {
		return false
	}
	return true
}

// Apply filters, sorts and limits docs according to q. Backends that cannot
// evaluate a query natively use it over a candidate set.
func Apply(q Query, docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	SortByTime(out, q.Newest)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// SortByTime sorts docs by Document.Mills, ascending unless newest is set.
// Ties keep their _id order so results are stable across backends.
func SortByTime(docs []Document, newest bool) {
	sort.SliceStable(docs, func(i, j int) bool {
		mi, mj := docs[i].Mills(), docs[j].Mills()
		if mi == mj {
			if newest {
				return docs[i].ID() > docs[j].ID()
			}
			return docs[i].ID() < docs[j].ID()
		}
		if newest {
			return mi > mj
		}
		return mi < mj
	})
}

// Update describes a partial modification of a document.
type Update struct {
	Set   map[string]any
	Unset []string
}

// Apply returns a copy of d with the update applied. The _id field is never
// modified.
func (u Update) Apply(d Document) Document {
	out := d.Clone()
	for k, v := range u.Set {
		if k == IDField {
			continue
		}
		out[k] = cloneValue(v)
	}
	for _, k := range u.Unset {
		if k == IDField {
			continue
		}
		delete(out, k)
	}
	return out
}
