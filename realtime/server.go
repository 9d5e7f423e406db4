// Package realtime is the websocket gateway: it authenticates connections,
// streams the snapshot and its deltas to readers, applies authorized writes
// with duplicate detection, and fans notifications out to every client.
//
// Each connection's messages are handled sequentially on its reader
// goroutine in arrival order. Writes to a connection are serialized.
// Broadcasts are best effort: a connection that fails a write is closed.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/cgm-relay-go/auth"
	"github.com/ggoodman/cgm-relay-go/ddata"
	"github.com/ggoodman/cgm-relay-go/internal/logctx"
	"github.com/ggoodman/cgm-relay-go/notify"
	"github.com/ggoodman/cgm-relay-go/records"
	"github.com/ggoodman/cgm-relay-go/status"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20

	// DefaultHistory is the window sent to clients that do not ask for one.
	DefaultHistory = 48 * time.Hour
	// DefaultRestDelay separates the first and the rest chunk on authorize.
	DefaultRestDelay = 500 * time.Millisecond
	// RecentCutoff bounds the treatments sent in the first chunk.
	RecentCutoff = 3 * time.Hour
)

// Authorizer resolves credentials and checks permission patterns.
type Authorizer interface {
	Resolve(ctx context.Context, c auth.Credentials) (*auth.Result, error)
	CheckMultiple(pattern string, permissions []string) bool
}

// DataReceivedEmitter is told about every successful write.
type DataReceivedEmitter interface {
	EmitDataReceived(collection string)
}

// AlarmAcker acknowledges alarms on behalf of clients.
type AlarmAcker interface {
	Ack(level notify.Level, group string, silence time.Duration, sendClear bool)
}

// StatusFunc builds the status block attached to data updates.
type StatusFunc func(*ddata.Snapshot) status.Info

// Option configures a Server.
type Option func(*Server)

// WithEvents sets where write notifications go.
func WithEvents(e DataReceivedEmitter) Option {
	return func(s *Server) { s.events = e }
}

// WithAlarmAcker sets the target of client alarm acknowledgements.
func WithAlarmAcker(a AlarmAcker) Option {
	return func(s *Server) { s.acker = a }
}

// WithSnapshots sets the snapshot holder consulted before the first
// broadcast.
func WithSnapshots(h *ddata.Holder) Option {
	return func(s *Server) { s.holder = h }
}

// WithStatus sets the status builder.
func WithStatus(fn StatusFunc) Option {
	return func(s *Server) { s.status = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithRestDelay overrides DefaultRestDelay.
func WithRestDelay(d time.Duration) Option {
	return func(s *Server) { s.restDelay = d }
}

// WithCheckOrigin sets the upgrader's origin check. All origins are
// accepted by default.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// WithLogHandler sets the slog handler.
func WithLogHandler(h slog.Handler) Option {
	return func(s *Server) { s.log = slog.New(logctx.Handler{Handler: h}) }
}

// WithMetrics registers gateway metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Server) { s.reg = reg }
}

// Server is the websocket gateway. It is an http.Handler for the socket
// endpoint.
type Server struct {
	authz     Authorizer
	records   *records.Set
	events    DataReceivedEmitter
	acker     AlarmAcker
	holder    *ddata.Holder
	status    StatusFunc
	now       func() time.Time
	restDelay time.Duration
	upgrader  websocket.Upgrader
	log       *slog.Logger
	reg       prometheus.Registerer
	metrics   *Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	// addLocks holds one *sync.Mutex per collection, serializing duplicate
	// search and insert across connections.
	addLocks sync.Map

	updateMu    sync.Mutex
	last        *ddata.Snapshot
	profileSent bool
	lastProfile string
}

// New returns a gateway writing through the record modules in set.
func New(authz Authorizer, set *records.Set, opts ...Option) (*Server, error) {
	s := &Server{
		authz:     authz,
		records:   set,
		now:       time.Now,
		restDelay: DefaultRestDelay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:      slog.New(slog.DiscardHandler),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	m, err := newMetrics(s.reg)
	if err != nil {
		return nil, err
	}
	s.metrics = m
	return s, nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.fail("connection_upgrade")
		s.log.InfoContext(r.Context(), "socket.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	sess := &Session{
		id:         uuid.NewString(),
		remoteAddr: r.RemoteAddr,
		conn:       conn,
		connected:  s.now(),
	}
	ctx := logctx.WithConnData(r.Context(), &logctx.ConnData{ConnID: sess.id, RemoteAddr: sess.remoteAddr})
	if !s.connect(ctx, sess) {
		_ = conn.Close()
		return
	}
	s.serve(ctx, sess)
}

func (s *Server) connect(ctx context.Context, sess *Session) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.sessions[sess.id] = sess
	n := len(s.sessions)
	s.mu.Unlock()

	s.metrics.connected(n)
	s.log.InfoContext(ctx, "socket.connect", slog.Int("clients", n))
	s.broadcast(ctx, EventClients, n, false)
	return true
}

func (s *Server) disconnect(ctx context.Context, sess *Session) {
	sess.close()
	s.mu.Lock()
	_, ok := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	n := len(s.sessions)
	closed := s.closed
	s.mu.Unlock()
	if !ok {
		return
	}

	s.metrics.disconnected(n)
	s.log.InfoContext(ctx, "socket.disconnect",
		slog.Int("clients", n),
		slog.Duration("dur", time.Since(sess.connected)),
	)
	if !closed {
		s.broadcast(ctx, EventClients, n, false)
	}
}

func (s *Server) serve(ctx context.Context, sess *Session) {
	defer s.disconnect(ctx, sess)

	conn := sess.conn
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go s.keepalive(sess, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.InfoContext(ctx, "socket.read.fail", slog.String("err", err.Error()))
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			s.metrics.fail("malformed_message")
			s.log.WarnContext(ctx, "socket.msg.malformed")
			continue
		}
		s.handle(ctx, sess, env)
	}
}

func (s *Server) keepalive(sess *Session, done <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				sess.close()
				return
			}
		}
	}
}

func (s *Server) sessionList() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// broadcast sends one event to every session, or to readers only. Sessions
// are written concurrently; broadcast returns once every write finished or
// timed out.
func (s *Server) broadcast(ctx context.Context, event string, data any, readersOnly bool) {
	start := time.Now()
	b, err := json.Marshal(outbound{Event: event, Data: data})
	if err != nil {
		s.metrics.fail("encode")
		s.log.ErrorContext(ctx, "socket.broadcast.encode.fail", slog.String("event", event), slog.String("err", err.Error()))
		return
	}
	pm, err := websocket.NewPreparedMessage(websocket.TextMessage, b)
	if err != nil {
		s.metrics.fail("encode")
		return
	}

	var wg sync.WaitGroup
	var sent atomic.Int64
	for _, sess := range s.sessionList() {
		if readersOnly && !sess.CanRead() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.writePrepared(pm); err != nil {
				s.metrics.fail("write")
				s.log.InfoContext(ctx, "socket.write.fail", slog.String("conn", sess.id), slog.String("err", err.Error()))
				sess.close()
				return
			}
			sent.Add(1)
		}()
	}
	wg.Wait()
	s.metrics.broadcast(event, time.Since(start).Seconds())
	s.log.DebugContext(ctx, "socket.broadcast", slog.String("event", event), slog.Int64("sent", sent.Load()))
}

// snapshot returns the snapshot clients are synchronized to: the last one
// broadcast, or the current one before any broadcast.
func (s *Server) snapshot() *ddata.Snapshot {
	s.updateMu.Lock()
	last := s.last
	s.updateMu.Unlock()
	if last != nil {
		return last
	}
	if s.holder != nil {
		return s.holder.Load()
	}
	return nil
}

// Update broadcasts what changed between the last broadcast snapshot and
// cur. A status block is attached when the active profile changed. Older
// snapshots than the last one seen are ignored. Calls are expected to be
// serialized, as the bus does; the delta is sent after updateMu is released.
func (s *Server) Update(cur *ddata.Snapshot) {
	if cur == nil {
		return
	}
	ctx := context.Background()
	d, ok := s.advance(ctx, cur)
	if ok {
		s.broadcast(ctx, EventDataUpdate, d, true)
	}
}

// advance moves the baseline to cur and returns the delta to broadcast.
func (s *Server) advance(ctx context.Context, cur *ddata.Snapshot) (ddata.Delta, bool) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	last := s.last
	if last != nil && cur.Version < last.Version {
		s.log.DebugContext(ctx, "socket.update.stale", slog.Uint64("version", cur.Version), slog.Uint64("last", last.Version))
		return ddata.Delta{}, false
	}
	s.last = cur
	if last == nil {
		return ddata.Delta{}, false
	}
	d := ddata.CalcDelta(last, cur)
	if !d.Delta {
		return ddata.Delta{}, false
	}
	if s.status != nil && (!s.profileSent || s.lastProfile != cur.LastProfileFromSwitch) {
		d.Status = s.status(cur)
		s.profileSent = true
		s.lastProfile = cur.LastProfileFromSwitch
	}
	return d, true
}

// EmitNotification sends n to every client under the event name chosen by
// NotificationEvent.
func (s *Server) EmitNotification(n notify.Notification) {
	event := NotificationEvent(n)
	s.broadcast(context.Background(), event, n, false)
	s.log.Info("socket.notification", slog.String("event", event), slog.String("group", n.Group), slog.String("level", n.Level.String()))
}

// Close disconnects every client and refuses new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	for _, sess := range s.sessionList() {
		_ = sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		sess.close()
	}
	return nil
}
