package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ggoodman/cgm-relay-go/records"
	"github.com/ggoodman/cgm-relay-go/storage"
)

// Verdict is the outcome of a duplicate search.
type Verdict int

const (
	// NoMatch means the record is new.
	NoMatch Verdict = iota
	// Exact means the record is already stored and must not be written.
	Exact
	// Similar means a record describing the same event is stored under a
	// slightly different time; only its created_at is moved.
	Similar
)

func (v Verdict) String() string {
	switch v {
	case Exact:
		return "exact"
	case Similar:
		return "similar"
	}
	return "none"
}

// SimilarWindow bounds how far apart two records may be in time and still
// describe the same event.
const SimilarWindow = time.Minute

// TokenField is the client-supplied idempotency token.
const TokenField = "NSCLIENT_ID"

// similarFields are compared by the similar-fields matcher when present on
// the incoming record.
var similarFields = []string{"insulin", "carbs", "percent", "absolute", "duration", TokenField}

// Matcher is one duplicate-search strategy. Query returns false when the
// strategy does not apply to doc.
type Matcher struct {
	Name    string
	Verdict Verdict
	Query   func(doc storage.Document) (storage.Query, bool)
}

// Matchers returns the ordered strategies for a collection, or nil when its
// records are inserted without searching.
func Matchers(collection string) []Matcher {
	switch collection {
	case records.Treatments:
		return []Matcher{
			matchToken(),
			matchExact(storage.CreatedAtField, "eventType"),
			matchSimilarFields(),
			matchSimilarType(),
		}
	case records.DeviceStatus:
		return []Matcher{
			matchToken(),
			matchExact(storage.CreatedAtField),
		}
	}
	return nil
}

// FindDuplicate runs matchers in order and returns the first stored record
// one of them finds.
func FindDuplicate(ctx context.Context, c storage.Collection, matchers []Matcher, doc storage.Document) (storage.Document, Verdict, error) {
	for _, m := range matchers {
		q, ok := m.Query(doc)
		if !ok {
			continue
		}
		q.Limit = 1
		found, err := c.Find(ctx, q)
		if err != nil {
			return nil, NoMatch, fmt.Errorf("matcher %s: %w", m.Name, err)
		}
		if len(found) > 0 {
			return found[0], m.Verdict, nil
		}
	}
	return nil, NoMatch, nil
}

func matchToken() Matcher {
	return Matcher{
		Name:    "token",
		Verdict: Exact,
		Query: func(doc storage.Document) (storage.Query, bool) {
			tok, ok := doc[TokenField]
			if !ok || !truthy(tok) {
				return storage.Query{}, false
			}
			return storage.NewQuery(storage.Where(TokenField, tok)), true
		},
	}
}

// matchExact compares fields verbatim. It only applies when the record has
// no idempotency token, which matchToken already decided on.
func matchExact(fields ...string) Matcher {
	return Matcher{
		Name:    "exact",
		Verdict: Exact,
		Query: func(doc storage.Document) (storage.Query, bool) {
			if truthy(doc[TokenField]) {
				return storage.Query{}, false
			}
			opts := make([]storage.QueryOption, 0, len(fields))
			for _, f := range fields {
				opts = append(opts, storage.Where(f, doc[f]))
			}
			return storage.NewQuery(opts...), true
		},
	}
}

func matchSimilarFields() Matcher {
	return Matcher{
		Name:    "similar_fields",
		Verdict: Similar,
		Query: func(doc storage.Document) (storage.Query, bool) {
			opts, ok := similarWindow(doc)
			if !ok {
				return storage.Query{}, false
			}
			selected := false
			for _, f := range similarFields {
				if v, present := doc[f]; present && truthy(v) {
					opts = append(opts, storage.Where(f, v))
					selected = true
				}
			}
			if !selected {
				return storage.Query{}, false
			}
			return storage.NewQuery(opts...), true
		},
	}
}

func matchSimilarType() Matcher {
	return Matcher{
		Name:    "similar_type",
		Verdict: Similar,
		Query: func(doc storage.Document) (storage.Query, bool) {
			for _, f := range similarFields {
				if truthy(doc[f]) {
					return storage.Query{}, false
				}
			}
			opts, ok := similarWindow(doc)
			if !ok {
				return storage.Query{}, false
			}
			opts = append(opts, storage.Where("eventType", doc["eventType"]))
			return storage.NewQuery(opts...), true
		},
	}
}

func similarWindow(doc storage.Document) ([]storage.QueryOption, bool) {
	t, err := storage.ParseTime(doc.String(storage.CreatedAtField))
	if err != nil {
		return nil, false
	}
	return []storage.QueryOption{storage.Between(t.Add(-SimilarWindow), t.Add(SimilarWindow))}, true
}

// truthy mirrors how clients test optional fields: zero numbers, empty
// strings, false and null count as absent.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	}
	return true
}
