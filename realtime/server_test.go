package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/cgm-relay-go/auth"
	"github.com/ggoodman/cgm-relay-go/ddata"
	"github.com/ggoodman/cgm-relay-go/notify"
	"github.com/ggoodman/cgm-relay-go/records"
	"github.com/ggoodman/cgm-relay-go/status"
	"github.com/ggoodman/cgm-relay-go/storage"
	"github.com/ggoodman/cgm-relay-go/storage/memory"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeAuthz struct{ perms map[string][]string }

func (f fakeAuthz) Resolve(_ context.Context, c auth.Credentials) (*auth.Result, error) {
	if c.APISecret == "" && c.Token == "" {
		return &auth.Result{Subject: "anonymous"}, nil
	}
	p, ok := f.perms[c.Token]
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return &auth.Result{Subject: c.Token, Permissions: p}, nil
}

func (fakeAuthz) CheckMultiple(pattern string, permissions []string) bool {
	return slices.Contains(permissions, pattern)
}

var testAuthz = fakeAuthz{perms: map[string][]string{
	"admin":  {permRead, permWrite, permWriteTreatment},
	"writer": {permRead, permWrite},
	"reader": {permRead},
	"slow":   {permRead},
}}

type recorder struct {
	mu       sync.Mutex
	received []string
	acks     []string
}

func (r *recorder) EmitDataReceived(collection string) {
	r.mu.Lock()
	r.received = append(r.received, collection)
	r.mu.Unlock()
}

func (r *recorder) Ack(level notify.Level, group string, silence time.Duration, sendClear bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, strings.Join([]string{level.String(), group, silence.String(), map[bool]string{true: "clear", false: "keep"}[sendClear]}, "/"))
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

type harness struct {
	srv    *Server
	set    *records.Set
	holder *ddata.Holder
	rec    *recorder
	url    string
}

func newHarness(t *testing.T, authz Authorizer, opts ...Option) *harness {
	t.Helper()
	return newHarnessOn(t, memory.New(), authz, opts...)
}

func newHarnessOn(t *testing.T, store storage.Store, authz Authorizer, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		set:    records.NewSet(store, nil),
		holder: &ddata.Holder{},
		rec:    &recorder{},
	}
	base := []Option{
		WithEvents(h.rec),
		WithAlarmAcker(h.rec),
		WithSnapshots(h.holder),
		WithClock(func() time.Time { return now }),
		WithRestDelay(10 * time.Millisecond),
	}
	srv, err := New(authz, h.set, append(base, opts...)...)
	require.NoError(t, err)
	h.srv = srv

	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})
	h.url = "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket"
	return h
}

type client struct {
	t       *testing.T
	conn    *websocket.Conn
	next    int64
	backlog []Envelope
}

func (h *harness) dial(t *testing.T) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) read() Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(c.t, c.conn.ReadJSON(&env))
	return env
}

// call sends a request and returns the data of its acknowledgement. Other
// events received meanwhile are kept for expect.
func (c *client) call(event string, data any) json.RawMessage {
	c.t.Helper()
	c.next++
	n := c.next
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(Envelope{Event: event, Ack: &n, Data: raw}))
	for {
		env := c.read()
		if env.Event == EventAck && env.Ack != nil && *env.Ack == n {
			return env.Data
		}
		c.backlog = append(c.backlog, env)
	}
}

// expect returns the data of the next event with the given name.
func (c *client) expect(event string) json.RawMessage {
	c.t.Helper()
	for i, env := range c.backlog {
		if env.Event == event {
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			return env.Data
		}
	}
	for {
		env := c.read()
		if env.Event == event {
			return env.Data
		}
		c.backlog = append(c.backlog, env)
	}
}

func (c *client) seen(event string) bool {
	for _, env := range c.backlog {
		if env.Event == event {
			return true
		}
	}
	return false
}

func (c *client) authorize(token string) Scopes {
	c.t.Helper()
	var sc Scopes
	require.NoError(c.t, json.Unmarshal(c.call(EventAuthorize, AuthorizeRequest{Token: token}), &sc))
	return sc
}

func result(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var r Result
	require.NoError(t, json.Unmarshal(raw, &r))
	return r.Result
}

func docs(t *testing.T, raw json.RawMessage) []storage.Document {
	t.Helper()
	var out []storage.Document
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestMutationBeforeAuthorize(t *testing.T) {
	h := newHarness(t, testAuthz)
	c := h.dial(t)

	for _, event := range []string{EventDBAdd, EventDBUpdate, EventDBUpdateUnset, EventDBRemove} {
		got := c.call(event, DBRequest{Collection: records.Treatments, ID: storage.NewID(), Data: map[string]any{"insulin": 1}})
		assert.Equal(t, ResultNotAuthorized, result(t, got), event)
	}
	all, err := h.set.Treatments.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Zero(t, h.rec.count())
}

func TestPreconditionOrder(t *testing.T) {
	h := newHarness(t, testAuthz)
	c := h.dial(t)

	assert.Equal(t, ResultWrongCollection, result(t, c.call(EventDBAdd, DBRequest{Collection: "settings"})))

	require.Equal(t, Scopes{Read: true}, c.authorize("reader"))
	assert.Equal(t, ResultNotPermitted, result(t, c.call(EventDBAdd, DBRequest{Collection: records.Entries})))

	require.Equal(t, Scopes{Read: true, Write: true, WriteTreatment: true}, c.authorize("admin"))
	for _, event := range []string{EventDBUpdate, EventDBUpdateUnset, EventDBRemove} {
		assert.Equal(t, ResultMissingID, result(t, c.call(event, DBRequest{Collection: records.Entries})), event)
	}
}

func TestTreatmentsRequireWriteTreatment(t *testing.T) {
	h := newHarness(t, testAuthz)
	c := h.dial(t)
	require.Equal(t, Scopes{Read: true, Write: true}, c.authorize("writer"))

	id := storage.NewID()
	for _, event := range []string{EventDBAdd, EventDBUpdate, EventDBUpdateUnset, EventDBRemove} {
		got := c.call(event, DBRequest{Collection: records.Treatments, ID: id, Data: map[string]any{"notes": "x"}})
		assert.Equal(t, ResultNotPermitted, result(t, got), event)
	}

	got := c.call(EventDBAdd, DBRequest{Collection: records.DeviceStatus, Data: map[string]any{"device": "pump"}})
	assert.Len(t, docs(t, got), 1)
}

func TestDBAddDefaults(t *testing.T) {
	h := newHarness(t, testAuthz)
	c := h.dial(t)
	c.authorize("admin")

	added := docs(t, c.call(EventDBAdd, DBRequest{Collection: records.Treatments, Data: map[string]any{"notes": "hello"}}))
	require.Len(t, added, 1)
	assert.Equal(t, noneEventType, added[0]["eventType"])
	assert.Equal(t, "2024-01-01T12:00:00.000Z", added[0]["created_at"])
	assert.NotEmpty(t, added[0].ID())
	assert.Equal(t, []string{records.Treatments}, h.rec.received)

	food := docs(t, c.call(EventDBAdd, DBRequest{Collection: records.Food, Data: map[string]any{"name": "apple"}}))
	require.Len(t, food, 1)
	assert.Nil(t, food[0]["eventType"])
}

func TestDBAddSameTokenInsertsOnce(t *testing.T) {
	h := newHarness(t, testAuthz)
	c := h.dial(t)
	c.authorize("admin")

	data := map[string]any{"eventType": "Meal Bolus", "insulin": 3, "NSCLIENT_ID": "abc123", "created_at": "2024-01-01T10:00:00Z"}
	first := docs(t, c.call(EventDBAdd, DBRequest{Collection: records.Treatments, Data: data}))

	again := map[string]any{"eventType": "Meal Bolus", "insulin": 4, "NSCLIENT_ID": "abc123", "created_at": "2024-01-01T10:30:00Z"}
	second := docs(t, c.call(EventDBAdd, DBRequest{Collection: records.Treatments, Data: again}))

	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID(), second[0].ID())
	assert.Equal(t, "2024-01-01T10:00:00Z", second[0]["created_at"])

	all, err := h.set.Treatments.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 1, h.rec.count())
}

func TestDBAddSimilarInsulinMovesCreatedAt(t *testing.T) {
	h := newHarness(t, testAuthz)
	c := h.dial(t)
	c.authorize("admin")

	first := docs(t, c.call(EventDBAdd, DBRequest{Collection: records.Treatments, Data: map[string]any{"insulin": 5, "created_at": "2024-01-01T00:00:00Z"}}))
	second := docs(t, c.call(EventDBAdd, DBRequest{Collection: records.Treatments, Data: map[string]any{"insulin": 5, "created_at": "2024-01-01T00:00:09Z"}}))

	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID(), second[0].ID())
	assert.Equal(t, "2024-01-01T00:00:09Z", second[0]["created_at"])

	all, err := h.set.Treatments.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "2024-01-01T00:00:09Z", all[0]["created_at"])
	assert.Equal(t, 2, h.rec.count())
}

func TestDBAddOutsideWindowInserts(t *testing.T) {
	h := newHarness(t, testAuthz)
	c := h.dial(t)
	c.authorize("admin")

	c.call(EventDBAdd, DBRequest{Collection: records.Treatments, Data: map[string]any{"carbs": 20, "created_at": "2024-01-01T00:00:00Z"}})
	c.call(EventDBAdd, DBRequest{Collection: records.Treatments, Data: map[string]any{"carbs": 20, "created_at": "2024-01-01T00:02:00Z"}})
	c.call(EventDBAdd, DBRequest{Collection: records.Treatments, Data: map[string]any{"carbs": 25, "created_at": "2024-01-01T00:00:30Z"}})

	all, err := h.set.Treatments.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDBAddExactCreatedAtAndEventType(t *testing.T) {
	h := newHarness(t, testAuthz)
	c := h.dial(t)
	c.authorize("admin")

	note := map[string]any{"eventType": "Note", "notes": "a", "created_at": "2024-01-01T08:00:00.000Z"}
	first := docs(t, c.call(EventDBAdd, DBRequest{Collection: records.Treatments, Data: note}))
	note2 := map[string]any{"eventType": "Note", "notes": "b", "created_at": "2024-01-01T08:00:00.000Z"}
	second := docs(t, c.call(EventDBAdd, DBRequest{Collection: records.Treatments, Data: note2}))

	assert.Equal(t, first[0].ID(), second[0].ID())
	assert.Equal(t, "a", second[0]["notes"])
	assert.Equal(t, 1, h.rec.count())
}

func TestDBAddDeviceStatusExactMatchSkipsInsert(t *testing.T) {
	h := newHarness(t, testAuthz)
	c := h.dial(t)
	c.authorize("admin")

	ds := map[string]any{"device": "openaps://rig", "created_at": "2024-01-01T11:00:00Z"}
	first := docs(t, c.call(EventDBAdd, DBRequest{Collection: records.DeviceStatus, Data: ds}))
	second := docs(t, c.call(EventDBAdd, DBRequest{Collection: records.DeviceStatus, Data: ds}))
	assert.Equal(t, first[0].ID(), second[0].ID())

	// Device statuses a few seconds apart are distinct records.
	c.call(EventDBAdd, DBRequest{Collection: records.DeviceStatus, Data: map[string]any{"device": "openaps://rig", "created_at": "2024-01-01T11:00:05Z"}})

	all, err := h.set.DeviceStatus.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// gatedStore blocks Find on one collection until release is closed.
type gatedStore struct {
	storage.Store
	gated   string
	entered chan struct{}
	once    sync.Once
	release chan struct{}
}

func (g *gatedStore) Collection(name string) storage.Collection {
	c := g.Store.Collection(name)
	if name != g.gated {
		return c
	}
	return gatedCollection{Collection: c, store: g}
}

type gatedCollection struct {
	storage.Collection
	store *gatedStore
}

func (c gatedCollection) Find(ctx context.Context, q storage.Query) ([]storage.Document, error) {
	c.store.once.Do(func() { close(c.store.entered) })
	<-c.store.release
	return c.Collection.Find(ctx, q)
}

func TestDBAddSlowCollectionDoesNotBlockOthers(t *testing.T) {
	store := &gatedStore{
		Store:   memory.New(),
		gated:   records.Treatments,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarnessOn(t, store, testAuthz)

	slow := h.dial(t)
	slow.authorize("admin")
	n := int64(100)
	raw, err := json.Marshal(DBRequest{Collection: records.Treatments, Data: map[string]any{"eventType": "Note", "notes": "slow"}})
	require.NoError(t, err)
	require.NoError(t, slow.conn.WriteJSON(Envelope{Event: EventDBAdd, Ack: &n, Data: raw}))

	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("treatment lookup never started")
	}

	fast := h.dial(t)
	fast.authorize("admin")
	added := docs(t, fast.call(EventDBAdd, DBRequest{Collection: records.DeviceStatus, Data: map[string]any{"device": "openaps://rig"}}))
	require.Len(t, added, 1)
	assert.Equal(t, "openaps://rig", added[0]["device"])

	close(store.release)
	for {
		env := slow.read()
		if env.Event == EventAck && env.Ack != nil && *env.Ack == n {
			assert.Equal(t, "slow", docs(t, env.Data)[0]["notes"])
			break
		}
	}
}

func TestDBUpdateUnsetRemove(t *testing.T) {
	h := newHarness(t, testAuthz)
	c := h.dial(t)
	c.authorize("admin")
	ctx := context.Background()

	added := docs(t, c.call(EventDBAdd, DBRequest{Collection: records.Treatments, Data: map[string]any{"eventType": "Note", "notes": "a", "glucose": 100}}))
	id := added[0].ID()

	assert.Equal(t, ResultSuccess, result(t, c.call(EventDBUpdate, DBRequest{Collection: records.Treatments, ID: id, Data: map[string]any{"notes": "b"}})))
	got, err := h.set.Treatments.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "b", got["notes"])

	assert.Equal(t, ResultSuccess, result(t, c.call(EventDBUpdateUnset, DBRequest{Collection: records.Treatments, ID: id, Data: map[string]any{"glucose": 1}})))
	got, err = h.set.Treatments.Get(ctx, id)
	require.NoError(t, err)
	assert.NotContains(t, got, "glucose")

	// A malformed id addresses nothing but is still acknowledged.
	assert.Equal(t, ResultSuccess, result(t, c.call(EventDBRemove, DBRequest{Collection: records.Treatments, ID: "not-an-id"})))
	_, err = h.set.Treatments.Get(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, ResultSuccess, result(t, c.call(EventDBRemove, DBRequest{Collection: records.Treatments, ID: id})))
	_, err = h.set.Treatments.Get(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Equal(t, 5, h.rec.count())
}

func treatment(ago time.Duration, notes string) storage.Document {
	return storage.Document{
		"_id":        storage.NewID(),
		"eventType":  "Note",
		"notes":      notes,
		"created_at": storage.FormatTime(now.Add(-ago)),
		"mills":      now.Add(-ago).UnixMilli(),
	}
}

func sgv(ago time.Duration, v float64) storage.Document {
	return storage.Document{"_id": storage.NewID(), "type": "sgv", "sgv": v, "date": now.Add(-ago).UnixMilli(), "mills": now.Add(-ago).UnixMilli()}
}

type chunk struct {
	Delta      bool             `json:"delta"`
	Treatments []map[string]any `json:"treatments"`
	Sgvs       []map[string]any `json:"sgvs"`
	Status     *status.Info     `json:"status"`
}

func decodeChunk(t *testing.T, raw json.RawMessage) chunk {
	t.Helper()
	var c chunk
	require.NoError(t, json.Unmarshal(raw, &c))
	return c
}

func TestAuthorizeSendsFirstAndRest(t *testing.T) {
	h := newHarness(t, testAuthz, WithStatus(func(s *ddata.Snapshot) status.Info {
		return status.Info{Status: "ok", ActiveProfile: s.LastProfileFromSwitch}
	}))
	h.holder.Publish(&ddata.Snapshot{
		Treatments:            []storage.Document{treatment(5*time.Hour, "old"), treatment(time.Hour, "recent")},
		Sgvs:                  []storage.Document{sgv(10*time.Minute, 100)},
		LastProfileFromSwitch: "Night",
	})
	c := h.dial(t)

	var sc Scopes
	require.NoError(t, json.Unmarshal(c.call(EventAuthorize, AuthorizeRequest{Token: "reader", Status: true}), &sc))
	assert.True(t, sc.Read)

	first := decodeChunk(t, c.expect(EventDataUpdate))
	assert.False(t, first.Delta)
	require.Len(t, first.Treatments, 1)
	assert.Equal(t, "recent", first.Treatments[0]["notes"])
	assert.Len(t, first.Sgvs, 1)
	require.NotNil(t, first.Status)
	assert.Equal(t, "Night", first.Status.ActiveProfile)

	rest := decodeChunk(t, c.expect(EventDataUpdate))
	assert.True(t, rest.Delta)
	require.Len(t, rest.Treatments, 1)
	assert.Equal(t, "old", rest.Treatments[0]["notes"])
	assert.Nil(t, rest.Status)
}

func TestAuthorizeReconnectionFiltersTreatments(t *testing.T) {
	h := newHarness(t, testAuthz)
	h.holder.Publish(&ddata.Snapshot{
		Treatments: []storage.Document{
			treatment(30*time.Hour, "day old"),
			treatment(30*time.Minute, "half hour"),
			treatment(5*time.Minute, "five minutes"),
		},
	})
	c := h.dial(t)

	from := now.Add(-10 * time.Minute).UnixMilli()
	c.call(EventAuthorize, AuthorizeRequest{Token: "reader", From: float64(from)})

	first := decodeChunk(t, c.expect(EventDataUpdate))
	require.Len(t, first.Treatments, 1)
	assert.Equal(t, "five minutes", first.Treatments[0]["notes"])

	rest := decodeChunk(t, c.expect(EventDataUpdate))
	assert.True(t, rest.Delta)
	assert.Empty(t, rest.Treatments)
}

func TestAuthorizeFailureGrantsNothing(t *testing.T) {
	h := newHarness(t, testAuthz)
	h.holder.Publish(&ddata.Snapshot{Sgvs: []storage.Document{sgv(time.Minute, 100)}})
	c := h.dial(t)

	assert.Equal(t, Scopes{}, c.authorize("stolen"))
	assert.False(t, c.seen(EventDataUpdate))

	var pong PongResult
	require.NoError(t, json.Unmarshal(c.call(EventPing, PingRequest{Mills: 1}), &pong))
	assert.Equal(t, ResultPong, pong.Result)
	assert.Equal(t, now.UnixMilli(), pong.Mills)
	require.NotNil(t, pong.Authorization)
	assert.False(t, pong.Authorization.Read)
	assert.False(t, c.seen(EventDataUpdate))
}

func TestPingBeforeAuthorize(t *testing.T) {
	h := newHarness(t, testAuthz)
	c := h.dial(t)

	var pong map[string]any
	require.NoError(t, json.Unmarshal(c.call(EventPing, PingRequest{Mills: 1}), &pong))
	assert.Equal(t, "pong", pong["result"])
	assert.Nil(t, pong["authorization"])
}

func TestUpdateBroadcastsToReaders(t *testing.T) {
	h := newHarness(t, testAuthz, WithStatus(func(s *ddata.Snapshot) status.Info {
		return status.Info{Status: "ok", ActiveProfile: s.LastProfileFromSwitch}
	}))
	reader := h.dial(t)
	reader.authorize("reader")
	outsider := h.dial(t)

	s1 := h.holder.Publish(&ddata.Snapshot{Sgvs: []storage.Document{sgv(10*time.Minute, 100)}})
	h.srv.Update(s1)

	s2 := h.holder.Publish(&ddata.Snapshot{Sgvs: []storage.Document{s1.Sgvs[0], sgv(5*time.Minute, 110)}})
	h.srv.Update(s2)

	d := decodeChunk(t, reader.expect(EventDataUpdate))
	assert.True(t, d.Delta)
	require.Len(t, d.Sgvs, 1)
	assert.Equal(t, 110.0, d.Sgvs[0]["sgv"])
	assert.NotNil(t, d.Status, "first broadcast carries status")

	// Same snapshot again: nothing to send.
	h.srv.Update(s2)
	// Older snapshot: ignored.
	h.srv.Update(s1)

	s3 := h.holder.Publish(&ddata.Snapshot{Sgvs: append(append([]storage.Document{}, s2.Sgvs...), sgv(0, 120))})
	h.srv.Update(s3)
	d = decodeChunk(t, reader.expect(EventDataUpdate))
	require.Len(t, d.Sgvs, 1)
	assert.Equal(t, 120.0, d.Sgvs[0]["sgv"])
	assert.Nil(t, d.Status, "profile unchanged")

	s4 := h.holder.Publish(&ddata.Snapshot{Sgvs: s3.Sgvs, Treatments: []storage.Document{treatment(time.Minute, "switch")}, LastProfileFromSwitch: "Exercise"})
	h.srv.Update(s4)
	d = decodeChunk(t, reader.expect(EventDataUpdate))
	require.NotNil(t, d.Status)
	assert.Equal(t, "Exercise", d.Status.ActiveProfile)

	outsider.call(EventPing, nil)
	assert.False(t, outsider.seen(EventDataUpdate))

	reader.call(EventPing, nil)
	assert.False(t, reader.seen(EventDataUpdate), "no extra broadcasts")
}

func TestUpdateDoesNotWaitOnStuckReader(t *testing.T) {
	h := newHarness(t, testAuthz)
	stuck := h.dial(t)
	stuck.authorize("slow")
	reader := h.dial(t)
	reader.authorize("reader")

	var slow *Session
	for _, sess := range h.srv.sessionList() {
		if sess.Subject() == "slow" {
			slow = sess
		}
	}
	require.NotNil(t, slow)

	s1 := h.holder.Publish(&ddata.Snapshot{Sgvs: []storage.Document{sgv(10*time.Minute, 100)}})
	h.srv.Update(s1)

	// Hold the session's writer so its broadcast write cannot proceed.
	slow.writeMu.Lock()
	s2 := h.holder.Publish(&ddata.Snapshot{Sgvs: []storage.Document{s1.Sgvs[0], sgv(5*time.Minute, 110)}})
	done := make(chan struct{})
	go func() {
		h.srv.Update(s2)
		close(done)
	}()

	d := decodeChunk(t, reader.expect(EventDataUpdate))
	require.Len(t, d.Sgvs, 1)
	assert.Equal(t, 110.0, d.Sgvs[0]["sgv"])

	assert.Eventually(t, func() bool { return h.srv.snapshot() == s2 }, time.Second, 5*time.Millisecond)

	select {
	case <-done:
		t.Fatal("update returned before the held write finished")
	default:
	}
	slow.writeMu.Unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("update did not finish")
	}
}

func TestNotificationEvent(t *testing.T) {
	cases := []struct {
		n    notify.Notification
		want string
	}{
		{notify.Notification{Level: notify.Urgent, Clear: true}, EventClearAlarm},
		{notify.Notification{Level: notify.Warn}, EventAlarm},
		{notify.Notification{Level: notify.Urgent}, EventUrgentAlarm},
		{notify.Notification{Level: notify.Info, IsAnnouncement: true}, EventAnnouncement},
		{notify.Notification{Level: notify.Urgent, IsAnnouncement: true}, EventUrgentAlarm},
		{notify.Notification{Level: notify.Info}, EventNotification},
		{notify.Notification{Level: notify.Low}, EventNotification},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NotificationEvent(tc.n), "%+v", tc.n)
	}
}

func TestEmitNotificationReachesEveryClient(t *testing.T) {
	h := newHarness(t, testAuthz)
	c := h.dial(t)
	c.call(EventPing, nil)

	h.srv.EmitNotification(notify.Notification{Level: notify.Urgent, Title: "Urgent HIGH", Group: "default"})

	var n notify.Notification
	require.NoError(t, json.Unmarshal(c.expect(EventUrgentAlarm), &n))
	assert.Equal(t, "Urgent HIGH", n.Title)
}

func TestClientsCount(t *testing.T) {
	h := newHarness(t, testAuthz)
	a := h.dial(t)
	assert.JSONEq(t, "1", string(a.expect(EventClients)))

	b := h.dial(t)
	assert.JSONEq(t, "2", string(a.expect(EventClients)))
	assert.JSONEq(t, "2", string(b.expect(EventClients)))

	require.NoError(t, b.conn.Close())
	assert.JSONEq(t, "1", string(a.expect(EventClients)))
	assert.Eventually(t, func() bool { return h.srv.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAlarmAck(t *testing.T) {
	h := newHarness(t, testAuthz)
	c := h.dial(t)

	got := c.call(EventAck, AckRequest{Level: notify.Urgent, Group: "default", SilenceTime: 30 * 60 * 1000})
	assert.Equal(t, ResultSuccess, result(t, got))
	assert.Equal(t, []string{"Urgent/default/30m0s/clear"}, h.rec.acks)
}

func TestLoadRetro(t *testing.T) {
	h := newHarness(t, testAuthz)
	h.holder.Publish(&ddata.Snapshot{DeviceStatus: []storage.Document{{"_id": "d1", "device": "pump"}}})
	c := h.dial(t)

	assert.Equal(t, ResultSuccess, result(t, c.call(EventLoadRetro, map[string]any{"opts": map[string]any{}})))
	var retro struct {
		DeviceStatus []map[string]any `json:"devicestatus"`
	}
	require.NoError(t, json.Unmarshal(c.expect(EventRetroUpdate), &retro))
	require.Len(t, retro.DeviceStatus, 1)
	assert.Equal(t, "pump", retro.DeviceStatus[0]["device"])
}

func TestMalformedMessagesAreIgnored(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, testAuthz, WithMetrics(reg))
	c := h.dial(t)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, c.conn.WriteJSON(map[string]any{"event": "bogus"}))

	var pong PongResult
	require.NoError(t, json.Unmarshal(c.call(EventPing, nil), &pong))
	assert.Equal(t, ResultPong, pong.Result)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.srv.metrics.errorsTotal.WithLabelValues("malformed_message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.srv.metrics.messagesReceived.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.srv.metrics.connectionsTotal))
}

func TestWithRealAuthorization(t *testing.T) {
	store := memory.New()
	a, err := auth.New(store, auth.Config{APISecret: "this is my long pass phrase", DefaultRoles: "readable"})
	require.NoError(t, err)
	require.NoError(t, a.Storage().Reload(context.Background()))

	h := newHarness(t, a)
	c := h.dial(t)

	var sc Scopes
	require.NoError(t, json.Unmarshal(c.call(EventAuthorize, AuthorizeRequest{Secret: "b723e97aa97846eb92d5264f084b2823f57c4aa1"}), &sc))
	assert.Equal(t, Scopes{Read: true, Write: true, WriteTreatment: true}, sc)

	require.NoError(t, json.Unmarshal(c.call(EventAuthorize, AuthorizeRequest{}), &sc))
	assert.Equal(t, Scopes{Read: true}, sc)
}

func TestCloseRejectsNewConnections(t *testing.T) {
	h := newHarness(t, testAuthz)
	c := h.dial(t)
	c.expect(EventClients)

	require.NoError(t, h.srv.Close())
	_, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	assert.Error(t, err)
}
