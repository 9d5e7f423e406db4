package ddata

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/cgm-relay-go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func sgv(id string, ago time.Duration, v int) storage.Document {
	return storage.Document{"_id": id, "type": "sgv", "sgv": v, "date": now.Add(-ago).UnixMilli(), "mills": now.Add(-ago).UnixMilli()}
}

func treatment(id string, ago time.Duration, eventType string) storage.Document {
	return storage.Document{"_id": id, "eventType": eventType, "created_at": storage.FormatTime(now.Add(-ago)), "mills": now.Add(-ago).UnixMilli()}
}

func status(id, device string, ago time.Duration, kind string) storage.Document {
	return storage.Document{"_id": id, "device": device, "created_at": storage.FormatTime(now.Add(-ago)), "mills": now.Add(-ago).UnixMilli(), kind: map[string]any{"ok": true}}
}

func baseSnapshot() *Snapshot {
	s := &Snapshot{
		Sgvs:       []storage.Document{sgv("s1", 10*time.Minute, 100), sgv("s2", 5*time.Minute, 105)},
		Treatments: []storage.Document{treatment("t1", 5*time.Hour, "Meal Bolus"), treatment("t2", 30*time.Minute, "Note")},
		Profiles:   []storage.Document{{"_id": "p1", "defaultProfile": "Default"}},
		Food:       []storage.Document{{"_id": "f1", "name": "apple"}},
	}
	s.Sort()
	return s
}

func TestCalcDeltaIdenticalSnapshotsIsNoBroadcast(t *testing.T) {
	s := baseSnapshot()
	d := CalcDelta(s, s.Clone())
	assert.False(t, d.Delta)
	assert.Nil(t, d.Sgvs)
	assert.Nil(t, d.Treatments)
	assert.Nil(t, d.Profiles)
}

func TestCalcDeltaNilPrevIsFull(t *testing.T) {
	s := baseSnapshot()
	d := CalcDelta(nil, s)
	assert.False(t, d.Delta)
	assert.Len(t, d.Sgvs, 2)
	assert.Len(t, d.Treatments, 2)
}

func TestCalcDeltaNewEntries(t *testing.T) {
	prev := baseSnapshot()
	cur := prev.Clone()
	cur.Sgvs = append(cur.Sgvs, sgv("s3", 0, 110))

	d := CalcDelta(prev, cur)
	require.True(t, d.Delta)
	require.Len(t, d.Sgvs, 1)
	assert.Equal(t, "s3", d.Sgvs[0].ID())
	assert.Nil(t, d.Treatments)
	assert.Nil(t, d.Food)
}

func TestCalcDeltaTreatmentChangesAndRemovals(t *testing.T) {
	prev := baseSnapshot()
	cur := prev.Clone()
	cur.Treatments[1]["notes"] = "edited"
	cur.Treatments = cur.Treatments[1:]
	cur.Treatments = append(cur.Treatments, treatment("t3", 0, "Correction Bolus"))

	d := CalcDelta(prev, cur)
	require.True(t, d.Delta)
	require.Len(t, d.Treatments, 3)

	byID := map[string]storage.Document{}
	for _, tx := range d.Treatments {
		byID[tx.ID()] = tx
	}
	assert.Equal(t, "edited", byID["t2"]["notes"])
	assert.Equal(t, "Correction Bolus", byID["t3"]["eventType"])
	assert.Equal(t, storage.Document{"_id": "t1", "action": "remove"}, byID["t1"])
}

func TestCalcDeltaWholeCollections(t *testing.T) {
	prev := baseSnapshot()
	cur := prev.Clone()
	cur.Food = nil

	d := CalcDelta(prev, cur)
	require.True(t, d.Delta)
	assert.NotNil(t, d.Food)
	assert.Empty(t, d.Food)
	assert.Nil(t, d.Profiles)

	cur = prev.Clone()
	cur.Profiles[0]["defaultProfile"] = "Exercise"
	d = CalcDelta(prev, cur)
	require.True(t, d.Delta)
	require.Len(t, d.Profiles, 1)
	assert.Equal(t, "Exercise", d.Profiles[0]["defaultProfile"])
}

func TestCalcDeltaNumericTypesDoNotCountAsChange(t *testing.T) {
	prev := baseSnapshot()
	cur := prev.Clone()
	cur.Treatments[0]["insulin"] = 5.0
	prev.Treatments[0]["insulin"] = 5

	d := CalcDelta(prev, cur)
	assert.False(t, d.Delta)
}

func TestDeltaJSON(t *testing.T) {
	prev := baseSnapshot()
	cur := prev.Clone()
	cur.LastUpdated = now.UnixMilli()
	cur.Sgvs = append(cur.Sgvs, sgv("s3", 0, 110))

	b, err := json.Marshal(CalcDelta(prev, cur))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, true, m["delta"])
	assert.Contains(t, m, "sgvs")
	assert.NotContains(t, m, "treatments")
	assert.NotContains(t, m, "Version")
}

func TestSplitRecent(t *testing.T) {
	s := baseSnapshot()
	first, rest := s.SplitRecent(now, 3*time.Hour, 48*time.Hour, false)

	require.Len(t, first.Treatments, 1)
	assert.Equal(t, "t2", first.Treatments[0].ID())
	require.Len(t, rest.Treatments, 1)
	assert.Equal(t, "t1", rest.Treatments[0].ID())
	assert.True(t, rest.Delta)
	assert.False(t, first.Delta)
	assert.Len(t, first.Sgvs, 2)
	assert.Len(t, first.Profiles, 1)
	assert.Len(t, first.Food, 1)
	assert.Nil(t, rest.Sgvs)
}

func TestSplitRecentReconnectFiltersTreatments(t *testing.T) {
	s := baseSnapshot()
	s.Treatments = append(s.Treatments, treatment("t0", 5*time.Minute, "Note"))
	s.Sort()

	first, rest := s.SplitRecent(now, 3*time.Hour, 10*time.Minute, true)
	require.Len(t, first.Treatments, 1)
	assert.Equal(t, "t0", first.Treatments[0].ID())
	assert.Empty(t, rest.Treatments)
	require.Len(t, first.Sgvs, 2)

	first, _ = s.SplitRecent(now, 3*time.Hour, 7*time.Minute, true)
	assert.Len(t, first.Sgvs, 1)
}

func TestRecentDeviceStatus(t *testing.T) {
	s := &Snapshot{}
	for i := 0; i < 12; i++ {
		s.DeviceStatus = append(s.DeviceStatus, status(string(rune('a'+i)), "loop", time.Duration(12-i)*time.Minute, "loop"))
	}
	s.DeviceStatus = append(s.DeviceStatus,
		status("pump-old", "pump", time.Hour, "pump"),
		status("future", "loop", -time.Hour, "loop"),
	)
	s.Sort()

	got := s.RecentDeviceStatus(now)
	require.Len(t, got, 11)
	assert.Equal(t, "pump-old", got[0].ID())
	for _, d := range got {
		assert.NotEqual(t, "future", d.ID())
		assert.NotEqual(t, "a", d.ID())
		assert.NotEqual(t, "b", d.ID())
	}
}

func TestProfileFromSwitch(t *testing.T) {
	tx := []storage.Document{
		{"eventType": "Profile Switch", "profile": "Day"},
		{"eventType": "Note"},
		{"eventType": "Profile Switch", "profile": "Night"},
		{"eventType": "Meal Bolus"},
	}
	assert.Equal(t, "Night", ProfileFromSwitch(tx))
	assert.Equal(t, "", ProfileFromSwitch(tx[1:2]))
}

func TestHolderPublishAssignsVersions(t *testing.T) {
	var h Holder
	assert.Nil(t, h.Load())

	first := h.Publish(&Snapshot{})
	assert.Equal(t, uint64(1), first.Version)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Publish(&Snapshot{})
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(11), h.Load().Version)
	assert.Equal(t, uint64(1), first.Version)
}
