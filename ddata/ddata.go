// Package ddata holds the in-memory snapshot of recent records and the
// delta computation used to stream changes to clients.
package ddata

import (
	"sync/atomic"
	"time"

	"github.com/ggoodman/cgm-relay-go/storage"
)

// Snapshot is an immutable view of the recent window of every collection.
// Collections are sorted ascending by mills. Snapshots are replaced, never
// modified, once published.
type Snapshot struct {
	Sgvs         []storage.Document
	Mbgs         []storage.Document
	Cals         []storage.Document
	Treatments   []storage.Document
	DeviceStatus []storage.Document
	Profiles     []storage.Document
	Food         []storage.Document
	Activity     []storage.Document

	// LastUpdated is the load time in epoch milliseconds.
	LastUpdated int64
	// LastProfileFromSwitch names the profile activated by the newest
	// "Profile Switch" treatment, or "".
	LastProfileFromSwitch string
	// Version increases by one with every published snapshot.
	Version uint64
}

// Sort orders every collection by mills, ties by _id.
func (s *Snapshot) Sort() {
	for _, c := range s.collections() {
		storage.SortByTime(*c, false)
	}
}

func (s *Snapshot) collections() []*[]storage.Document {
	return []*[]storage.Document{&s.Sgvs, &s.Mbgs, &s.Cals, &s.Treatments, &s.DeviceStatus, &s.Profiles, &s.Food, &s.Activity}
}

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	dst := out.collections()
	for i, c := range s.collections() {
		*dst[i] = cloneDocs(*c)
	}
	return &out
}

func cloneDocs(docs []storage.Document) []storage.Document {
	if docs == nil {
		return nil
	}
	out := make([]storage.Document, len(docs))
	for i, d := range docs {
		out[i] = d.Clone()
	}
	return out
}

// ProfileFromSwitch returns the profile named by the newest "Profile
// Switch" treatment in treatments, which must be sorted by mills.
func ProfileFromSwitch(treatments []storage.Document) string {
	for i := len(treatments) - 1; i >= 0; i-- {
		t := treatments[i]
		if t.String("eventType") == "Profile Switch" {
			return t.String("profile")
		}
	}
	return ""
}

// RecentDeviceStatus returns, for every device and every kind of status it
// reports (pump, uploader, loop, ...), its ten newest statuses not after
// now, merged and sorted by mills.
func (s *Snapshot) RecentDeviceStatus(now time.Time) []storage.Document {
	type deviceType struct{ device, key string }
	cutoff := now.UnixMilli()
	excluded := map[string]bool{storage.IDField: true, storage.MillsField: true, "utcOffset": true, storage.CreatedAtField: true, "device": true}

	var pairs []deviceType
	seenPair := make(map[deviceType]bool)
	for _, st := range s.DeviceStatus {
		for key := range st {
			if excluded[key] {
				continue
			}
			p := deviceType{device: st.String("device"), key: key}
			if !seenPair[p] {
				seenPair[p] = true
				pairs = append(pairs, p)
			}
		}
	}

	seenID := make(map[string]bool)
	var out []storage.Document
	for _, p := range pairs {
		var matches []storage.Document
		for _, st := range s.DeviceStatus {
			if st.String("device") != p.device {
				continue
			}
			if _, ok := st[p.key]; !ok {
				continue
			}
			if st.Mills() > cutoff {
				continue
			}
			matches = append(matches, st)
		}
		if len(matches) > 10 {
			matches = matches[len(matches)-10:]
		}
		for _, m := range matches {
			if seenID[m.ID()] {
				continue
			}
			seenID[m.ID()] = true
			out = append(out, m)
		}
	}
	storage.SortByTime(out, false)
	return out
}

// SplitRecent divides the snapshot for a connecting client. Treatments
// within cutoff of now go to first, older ones to rest; with
// filterTreatments only treatments within maxAge of now are considered. First
// also carries sgvs within maxAge, the recent device statuses and the full
// profile, calibration, meter, food and activity collections. Rest is
// marked as a delta.
func (s *Snapshot) SplitRecent(now time.Time, cutoff, maxAge time.Duration, filterTreatments bool) (first, rest *Delta) {
	recent := now.Add(-cutoff).UnixMilli()
	oldest := now.Add(-maxAge).UnixMilli()

	first = &Delta{LastUpdated: s.LastUpdated, Version: s.Version}
	rest = &Delta{Delta: true, LastUpdated: s.LastUpdated, Version: s.Version}

	first.Treatments = []storage.Document{}
	rest.Treatments = []storage.Document{}
	for _, t := range s.Treatments {
		m := t.Mills()
		if filterTreatments && m < oldest {
			continue
		}
		if m >= recent {
			first.Treatments = append(first.Treatments, t)
		} else {
			rest.Treatments = append(rest.Treatments, t)
		}
	}

	first.Sgvs = []storage.Document{}
	for _, e := range s.Sgvs {
		if e.Mills() >= oldest {
			first.Sgvs = append(first.Sgvs, e)
		}
	}
	first.DeviceStatus = s.RecentDeviceStatus(now)
	first.Cals = s.Cals
	first.Profiles = s.Profiles
	first.Mbgs = s.Mbgs
	first.Food = s.Food
	first.Activity = s.Activity
	return first, rest
}

// Holder publishes snapshots to concurrent readers.
type Holder struct {
	p atomic.Pointer[Snapshot]
}

// Load returns the current snapshot, or nil before the first load.
func (h *Holder) Load() *Snapshot { return h.p.Load() }

// Publish installs s as the current snapshot, assigning it the next
// version. Readers holding the previous snapshot are unaffected.
func (h *Holder) Publish(s *Snapshot) *Snapshot {
	for {
		prev := h.p.Load()
		var v uint64 = 1
		if prev != nil {
			v = prev.Version + 1
		}
		s.Version = v
		if h.p.CompareAndSwap(prev, s) {
			return s
		}
	}
}
