// Package storagetest provides a conformance suite for storage.Store
// implementations.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/cgm-relay-go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreFactory creates a new, empty Store instance for testing.
type StoreFactory func(t *testing.T) storage.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Insert_AssignsID", func(t *testing.T) { testInsertAssignsID(t, factory) })
	t.Run("Insert_KeepsClientID", func(t *testing.T) { testInsertKeepsClientID(t, factory) })
	t.Run("Insert_CopiesInput", func(t *testing.T) { testInsertCopiesInput(t, factory) })
	t.Run("Find_ByField", func(t *testing.T) { testFindByField(t, factory) })
	t.Run("Find_NumericEquality", func(t *testing.T) { testFindNumericEquality(t, factory) })
	t.Run("Find_TimeWindow", func(t *testing.T) { testFindTimeWindow(t, factory) })
	t.Run("Find_SortAndLimit", func(t *testing.T) { testFindSortAndLimit(t, factory) })
	t.Run("Update_SetAndUnset", func(t *testing.T) { testUpdateSetAndUnset(t, factory) })
	t.Run("Update_MovesTimeIndex", func(t *testing.T) { testUpdateMovesTimeIndex(t, factory) })
	t.Run("Update_Missing", func(t *testing.T) { testUpdateMissing(t, factory) })
	t.Run("Remove", func(t *testing.T) { testRemove(t, factory) })
	t.Run("Collections_Isolated", func(t *testing.T) { testCollectionsIsolated(t, factory) })
	t.Run("EnsureIndexes", func(t *testing.T) { testEnsureIndexes(t, factory) })
}

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(d time.Duration) string { return storage.FormatTime(base.Add(d)) }

// uniqueName keeps runs against shared backends from observing each other.
func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, storage.NewID())
}

func testInsertAssignsID(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	c := s.Collection(uniqueName("treatments"))

	doc, err := c.Insert(ctx, storage.Document{"eventType": "Note", "created_at": at(0)})
	require.NoError(t, err)
	require.NotEmpty(t, doc.ID())

	_, err = storage.ParseID(doc.ID())
	assert.NoError(t, err)
}

func testInsertKeepsClientID(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	c := s.Collection(uniqueName("treatments"))

	id := storage.NewID()
	doc, err := c.Insert(ctx, storage.Document{"_id": id, "created_at": at(0)})
	require.NoError(t, err)
	assert.Equal(t, id, doc.ID())
}

func testInsertCopiesInput(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	c := s.Collection(uniqueName("treatments"))

	in := storage.Document{"eventType": "Note", "created_at": at(0)}
	doc, err := c.Insert(ctx, in)
	require.NoError(t, err)

	in["eventType"] = "changed"
	got, err := c.Find(ctx, storage.NewQuery(storage.Where("_id", doc.ID())))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Note", got[0]["eventType"])
}

func testFindByField(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	c := s.Collection(uniqueName("treatments"))

	_, err := c.Insert(ctx, storage.Document{"eventType": "Meal Bolus", "created_at": at(0)})
	require.NoError(t, err)
	_, err = c.Insert(ctx, storage.Document{"eventType": "Note", "created_at": at(time.Minute)})
	require.NoError(t, err)

	got, err := c.Find(ctx, storage.NewQuery(storage.Where("eventType", "Note")))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, at(time.Minute), got[0]["created_at"])

	got, err = c.Find(ctx, storage.NewQuery(storage.Where("eventType", "Temp Basal")))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testFindNumericEquality(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	c := s.Collection(uniqueName("treatments"))

	_, err := c.Insert(ctx, storage.Document{"insulin": 5, "created_at": at(0)})
	require.NoError(t, err)

	got, err := c.Find(ctx, storage.NewQuery(storage.Where("insulin", 5.0)))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func testFindTimeWindow(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	c := s.Collection(uniqueName("entries"))

	for i := 0; i < 6; i++ {
		_, err := c.Insert(ctx, storage.Document{
			"type": "sgv",
			"sgv":  100 + i,
			"date": base.Add(time.Duration(i) * 5 * time.Minute).UnixMilli(),
		})
		require.NoError(t, err)
	}

	got, err := c.Find(ctx, storage.NewQuery(storage.Between(base.Add(5*time.Minute), base.Add(15*time.Minute))))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.EqualValues(t, 101, got[0]["sgv"])
	assert.EqualValues(t, 103, got[2]["sgv"])
}

func testFindSortAndLimit(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	c := s.Collection(uniqueName("profile"))

	for i := 0; i < 4; i++ {
		_, err := c.Insert(ctx, storage.Document{"defaultProfile": fmt.Sprint("p", i), "created_at": at(time.Duration(i) * time.Hour)})
		require.NoError(t, err)
	}

	got, err := c.Find(ctx, storage.NewQuery(storage.NewestFirst(), storage.Limit(2)))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p3", got[0]["defaultProfile"])
	assert.Equal(t, "p2", got[1]["defaultProfile"])
}

func testUpdateSetAndUnset(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	c := s.Collection(uniqueName("treatments"))

	doc, err := c.Insert(ctx, storage.Document{"eventType": "Note", "notes": "hi", "carbs": 10, "created_at": at(0)})
	require.NoError(t, err)

	ok, err := c.Update(ctx, doc.ID(), storage.Update{Set: map[string]any{"notes": "updated", "_id": "ignored"}})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Update(ctx, doc.ID(), storage.Update{Unset: []string{"carbs"}})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := c.Find(ctx, storage.NewQuery(storage.Where("_id", doc.ID())))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "updated", got[0]["notes"])
	assert.NotContains(t, got[0], "carbs")
	assert.Equal(t, doc.ID(), got[0].ID())
}

func testUpdateMovesTimeIndex(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	c := s.Collection(uniqueName("treatments"))

	doc, err := c.Insert(ctx, storage.Document{"insulin": 1, "created_at": at(0)})
	require.NoError(t, err)

	ok, err := c.Update(ctx, doc.ID(), storage.Update{Set: map[string]any{"created_at": at(time.Hour)}})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := c.Find(ctx, storage.NewQuery(storage.Between(base.Add(30*time.Minute), base.Add(2*time.Hour))))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func testUpdateMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	c := s.Collection(uniqueName("treatments"))

	ok, err := c.Update(ctx, storage.NewID(), storage.Update{Set: map[string]any{"notes": "x"}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func testRemove(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	c := s.Collection(uniqueName("food"))

	doc, err := c.Insert(ctx, storage.Document{"name": "apple", "carbs": 20})
	require.NoError(t, err)

	ok, err := c.Remove(ctx, doc.ID())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Remove(ctx, doc.ID())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := c.Find(ctx, storage.Query{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testCollectionsIsolated(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	a := s.Collection(uniqueName("a"))
	b := s.Collection(uniqueName("b"))

	_, err := a.Insert(ctx, storage.Document{"k": "v"})
	require.NoError(t, err)

	got, err := b.Find(ctx, storage.Query{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testEnsureIndexes(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	name := uniqueName("entries")

	require.NoError(t, s.EnsureIndexes(ctx, name, []string{"date", "type", "sgv"}))
	require.NoError(t, s.EnsureIndexes(ctx, name, []string{"date"}))
	require.NoError(t, s.EnsureIndexes(ctx, name, nil))
}
