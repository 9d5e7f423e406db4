package ddata

import (
	"reflect"

	"github.com/ggoodman/cgm-relay-go/storage"
)

// Delta is the payload streamed to clients: either a full or first-chunk
// view (Delta false) or the records changed since the previous broadcast
// (Delta true). Nil collections are omitted on the wire.
type Delta struct {
	Delta        bool               `json:"delta,omitempty"`
	LastUpdated  int64              `json:"lastUpdated,omitempty"`
	Sgvs         []storage.Document `json:"sgvs,omitempty"`
	Mbgs         []storage.Document `json:"mbgs,omitempty"`
	Cals         []storage.Document `json:"cals,omitempty"`
	Treatments   []storage.Document `json:"treatments,omitempty"`
	DeviceStatus []storage.Document `json:"devicestatus,omitempty"`
	Profiles     []storage.Document `json:"profiles,omitempty"`
	Food         []storage.Document `json:"food,omitempty"`
	Activity     []storage.Document `json:"activity,omitempty"`
	// Status is attached by the gateway when clients need fresh status.
	Status any `json:"status,omitempty"`

	// Version is the version of the snapshot the payload was computed from.
	Version uint64 `json:"-"`
}

// Full returns the whole snapshot as a non-delta payload.
func Full(s *Snapshot) Delta {
	return Delta{
		LastUpdated:  s.LastUpdated,
		Sgvs:         s.Sgvs,
		Mbgs:         s.Mbgs,
		Cals:         s.Cals,
		Treatments:   s.Treatments,
		DeviceStatus: s.DeviceStatus,
		Profiles:     s.Profiles,
		Food:         s.Food,
		Activity:     s.Activity,
		Version:      s.Version,
	}
}

// CalcDelta computes what changed from prev to cur. A nil prev yields the
// full snapshot with Delta false. When nothing changed the result has Delta
// false and carries no records, and must not be broadcast.
func CalcDelta(prev, cur *Snapshot) Delta {
	if cur == nil {
		return Delta{}
	}
	if prev == nil {
		return Full(cur)
	}

	d := Delta{Delta: true, LastUpdated: cur.LastUpdated, Version: cur.Version}
	changed := false

	for _, pair := range []struct {
		dst       *[]storage.Document
		old, next []storage.Document
	}{
		{&d.Sgvs, prev.Sgvs, cur.Sgvs},
		{&d.Mbgs, prev.Mbgs, cur.Mbgs},
		{&d.Cals, prev.Cals, cur.Cals},
		{&d.DeviceStatus, prev.DeviceStatus, cur.DeviceStatus},
	} {
		if added := unseenMills(pair.old, pair.next); len(added) > 0 {
			*pair.dst = added
			changed = true
		}
	}

	if tx := treatmentChanges(prev.Treatments, cur.Treatments); len(tx) > 0 {
		d.Treatments = tx
		changed = true
	}

	for _, pair := range []struct {
		dst       *[]storage.Document
		old, next []storage.Document
	}{
		{&d.Profiles, prev.Profiles, cur.Profiles},
		{&d.Food, prev.Food, cur.Food},
		{&d.Activity, prev.Activity, cur.Activity},
	} {
		if !sameDocs(pair.old, pair.next) {
			*pair.dst = pair.next
			if *pair.dst == nil {
				*pair.dst = []storage.Document{}
			}
			changed = true
		}
	}

	if !changed {
		return Delta{LastUpdated: cur.LastUpdated, Version: cur.Version}
	}
	return d
}

func unseenMills(old, next []storage.Document) []storage.Document {
	seen := make(map[int64]struct{}, len(old))
	for _, d := range old {
		seen[d.Mills()] = struct{}{}
	}
	var out []storage.Document
	for _, d := range next {
		if _, ok := seen[d.Mills()]; !ok {
			out = append(out, d)
		}
	}
	return out
}

func treatmentChanges(old, next []storage.Document) []storage.Document {
	byID := make(map[string]storage.Document, len(old))
	for _, d := range old {
		byID[d.ID()] = d
	}
	var out []storage.Document
	present := make(map[string]struct{}, len(next))
	for _, d := range next {
		present[d.ID()] = struct{}{}
		if prev, ok := byID[d.ID()]; ok && sameDoc(prev, d) {
			continue
		}
		out = append(out, d)
	}
	for _, d := range old {
		if _, ok := present[d.ID()]; !ok {
			out = append(out, storage.Document{storage.IDField: d.ID(), "action": "remove"})
		}
	}
	return out
}

func sameDocs(a, b []storage.Document) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameDoc(a[i], b[i]) {
			return false
		}
	}
	return true
}

func sameDoc(a, b storage.Document) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if !storage.ValuesEqual(av, bv) && !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}
