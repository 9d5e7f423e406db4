package storage

import (
	"crypto/rand"
	"math"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Well-known document fields.
const (
	IDField        = "_id"
	CreatedAtField = "created_at"
	DateField      = "date"
	DateStrField   = "dateString"
	MillsField     = "mills"
)

// Document is a JSON object as stored in a collection.
type Document map[string]any

// ID returns the document identifier or "".
func (d Document) ID() string {
	return d.String(IDField)
}

// String returns the string value of key or "".
func (d Document) String(key string) string {
	if s, ok := d[key].(string); ok {
		return s
	}
	return ""
}

// Number returns the numeric value of key.
func (d Document) Number(key string) (float64, bool) {
	return toFloat(d[key])
}

// Time returns the instant a document describes. Treatments and device
// status carry created_at; entries carry date (epoch ms) and dateString.
func (d Document) Time() (time.Time, bool) {
	if s := d.String(CreatedAtField); s != "" {
		if t, err := ParseTime(s); err == nil {
			return t, true
		}
	}
	if ms, ok := toFloat(d[DateField]); ok {
		return time.UnixMilli(int64(ms)).UTC(), true
	}
	if s := d.String(DateStrField); s != "" {
		if t, err := ParseTime(s); err == nil {
			return t, true
		}
	}
	if ms, ok := toFloat(d[MillsField]); ok {
		return time.UnixMilli(int64(ms)).UTC(), true
	}
	return time.Time{}, false
}

// Mills returns Time as epoch milliseconds, or 0.
func (d Document) Mills() int64 {
	t, ok := d.Time()
	if !ok {
		return 0
	}
	return t.UnixMilli()
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(vv))
		for k, x := range vv {
			m[k] = cloneValue(x)
		}
		return m
	case Document:
		return vv.Clone()
	case []any:
		s := make([]any, len(vv))
		for i, x := range vv {
			s[i] = cloneValue(x)
		}
		return s
	default:
		return v
	}
}

// ParseTime parses the timestamp formats clients send for created_at.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t.UTC(), nil
	}
	// Some uploaders omit the zone designator.
	if t2, err2 := time.Parse("2006-01-02T15:04:05.999999999", strings.TrimSuffix(s, "Z")); err2 == nil {
		return t2.UTC(), nil
	}
	return time.Time{}, err
}

// FormatTime renders t the way created_at values are stored.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// ValuesEqual compares two decoded JSON values, treating all numeric types
// as equal when their values are.
func ValuesEqual(a, b any) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa == fb
	}
	if aok != bok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh document identifier.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// ParseID validates a client-supplied document identifier.
func ParseID(s string) (string, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NormalizeID returns s when it is a valid identifier and a freshly
// generated one otherwise. Operations addressed at the fresh id simply
// match nothing.
func NormalizeID(s string) string {
	id, err := ParseID(s)
	if err != nil {
		return NewID()
	}
	return id
}
