package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/cgm-relay-go/auth"
	"github.com/ggoodman/cgm-relay-go/internal/logctx"
	"github.com/ggoodman/cgm-relay-go/records"
	"github.com/ggoodman/cgm-relay-go/storage"
)

// Permission patterns checked on authorize.
const (
	permRead           = "api:*:read"
	permWrite          = "api:*:create,update,delete"
	permWriteTreatment = "api:treatments:create,update,delete"
)

// noneEventType is stored for treatments sent without an eventType.
const noneEventType = "<none>"

func (s *Server) handle(ctx context.Context, sess *Session, env Envelope) {
	var ackN int64
	if env.Ack != nil {
		ackN = *env.Ack
	}
	ctx = logctx.WithMsgData(ctx, &logctx.MsgData{Event: env.Event, Ack: ackN})
	start := time.Now()

	switch env.Event {
	case EventAuthorize:
		s.handleAuthorize(ctx, sess, env)
	case EventDBAdd, EventDBUpdate, EventDBUpdateUnset, EventDBRemove:
		s.handleDB(ctx, sess, env)
	case EventAck:
		s.handleAlarmAck(ctx, sess, env)
	case EventLoadRetro:
		s.handleLoadRetro(ctx, sess, env)
	case EventPing:
		s.handlePing(ctx, sess, env)
	default:
		s.metrics.received("unknown")
		s.log.InfoContext(ctx, "socket.msg.unknown")
		return
	}
	s.metrics.received(env.Event)
	s.log.DebugContext(ctx, "socket.msg.ok", slog.Duration("dur", time.Since(start)))
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}

func (s *Server) reply(ctx context.Context, sess *Session, env Envelope, data any) {
	if err := sess.ack(env.Ack, data); err != nil {
		s.metrics.fail("write")
		s.log.InfoContext(ctx, "socket.ack.fail", slog.String("err", err.Error()))
	}
}

func (s *Server) handleAuthorize(ctx context.Context, sess *Session, env Envelope) {
	req, err := decode[AuthorizeRequest](env.Data)
	if err != nil {
		s.log.WarnContext(ctx, "socket.authorize.malformed", slog.String("err", err.Error()))
	}

	var sc Scopes
	var subject string
	res, err := s.authz.Resolve(ctx, auth.Credentials{APISecret: req.Secret, Token: req.Token})
	if err != nil {
		s.metrics.fail("authorize")
		s.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
	} else {
		subject = res.Subject
		sc = Scopes{
			Read:           s.authz.CheckMultiple(permRead, res.Permissions),
			Write:          s.authz.CheckMultiple(permWrite, res.Permissions),
			WriteTreatment: s.authz.CheckMultiple(permWriteTreatment, res.Permissions),
		}
	}

	history := DefaultHistory
	if req.History > 0 {
		history = time.Duration(req.History * float64(time.Hour))
	}
	sess.authorize(sc, subject)
	s.log.InfoContext(ctx, "auth.ok",
		slog.String("subject", subject),
		slog.String("client", req.Client),
		slog.Bool("read", sc.Read),
		slog.Bool("write", sc.Write),
		slog.Bool("write_treatment", sc.WriteTreatment),
	)

	if sc.Read {
		s.sendInitial(ctx, sess, req, history)
	}
	s.reply(ctx, sess, env, sc)
}

// sendInitial sends the first chunk now and the rest after the rest delay.
// A positive From marks a reconnection: only treatments newer than From
// are sent.
func (s *Server) sendInitial(ctx context.Context, sess *Session, req AuthorizeRequest, history time.Duration) {
	snap := s.snapshot()
	if snap == nil {
		return
	}
	now := s.now()
	window := history
	filter := false
	if req.From > 0 {
		filter = true
		since := now.Sub(time.UnixMilli(int64(req.From)))
		if since < window {
			window = since
		}
	}

	first, rest := snap.SplitRecent(now, RecentCutoff, window, filter)
	if req.Status && s.status != nil {
		first.Status = s.status(snap)
	}
	if err := sess.send(EventDataUpdate, first); err != nil {
		s.log.InfoContext(ctx, "socket.write.fail", slog.String("err", err.Error()))
		return
	}
	sess.after(s.restDelay, func() {
		rest.Delta = true
		if err := sess.send(EventDataUpdate, rest); err != nil {
			s.log.InfoContext(ctx, "socket.write.fail", slog.String("err", err.Error()))
		}
	})
}

// checkConditions returns the module addressed by req, or the failure to
// report.
func (s *Server) checkConditions(sess *Session, event string, req DBRequest) (*records.Module, string) {
	m, ok := s.records.ByName(req.Collection)
	if !ok {
		return nil, ResultWrongCollection
	}
	sc := sess.Scopes()
	if sc == nil {
		return nil, ResultNotAuthorized
	}
	if req.Collection == records.Treatments {
		if !sc.WriteTreatment {
			return nil, ResultNotPermitted
		}
	} else if !sc.Write {
		return nil, ResultNotPermitted
	}
	if event != EventDBAdd && req.ID == "" {
		return nil, ResultMissingID
	}
	return m, ""
}

func (s *Server) handleDB(ctx context.Context, sess *Session, env Envelope) {
	req, err := decode[DBRequest](env.Data)
	if err != nil {
		s.log.WarnContext(ctx, "socket.db.malformed", slog.String("err", err.Error()))
		s.reply(ctx, sess, env, Result{Result: ResultWrongCollection})
		return
	}
	m, failure := s.checkConditions(sess, env.Event, req)
	if failure != "" {
		s.log.InfoContext(ctx, "socket.db.rejected",
			slog.String("collection", req.Collection),
			slog.String("subject", sess.Subject()),
			slog.String("result", failure),
		)
		s.reply(ctx, sess, env, Result{Result: failure})
		return
	}

	if env.Event == EventDBAdd {
		s.dbAdd(ctx, sess, env, m, req)
		return
	}

	id := storage.NormalizeID(req.ID)
	coll := m.Collection()
	switch env.Event {
	case EventDBUpdate:
		_, err = coll.Update(ctx, id, storage.Update{Set: req.Data})
	case EventDBUpdateUnset:
		keys := make([]string, 0, len(req.Data))
		for k := range req.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		_, err = coll.Update(ctx, id, storage.Update{Unset: keys})
	case EventDBRemove:
		_, err = coll.Remove(ctx, id)
	}
	if err != nil {
		s.storageError(ctx, sess, env, m, err)
		return
	}
	s.dataReceived(m)
	s.reply(ctx, sess, env, Result{Result: ResultSuccess})
}

func (s *Server) dbAdd(ctx context.Context, sess *Session, env Envelope, m *records.Module, req DBRequest) {
	doc := storage.Document(req.Data)
	if doc == nil {
		doc = storage.Document{}
	}
	if m.Name() == records.Treatments {
		if _, ok := doc["eventType"]; !ok {
			doc["eventType"] = noneEventType
		}
	}
	if _, ok := doc[storage.CreatedAtField]; !ok {
		doc[storage.CreatedAtField] = storage.FormatTime(s.now())
	}

	coll := m.Collection()
	if matchers := Matchers(m.Name()); len(matchers) > 0 {
		mu := s.addLock(m.Name())
		mu.Lock()
		defer mu.Unlock()

		found, verdict, err := FindDuplicate(ctx, coll, matchers, doc)
		if err != nil {
			s.storageError(ctx, sess, env, m, err)
			return
		}
		s.metrics.dedup(m.Name(), verdict)
		switch verdict {
		case Exact:
			s.log.InfoContext(ctx, "socket.db.duplicate", slog.String("collection", m.Name()), slog.String("id", found.ID()))
			s.reply(ctx, sess, env, []storage.Document{found})
			return
		case Similar:
			createdAt := doc[storage.CreatedAtField]
			if _, err := coll.Update(ctx, found.ID(), storage.Update{Set: map[string]any{storage.CreatedAtField: createdAt}}); err != nil {
				s.storageError(ctx, sess, env, m, err)
				return
			}
			found[storage.CreatedAtField] = createdAt
			s.log.InfoContext(ctx, "socket.db.similar", slog.String("collection", m.Name()), slog.String("id", found.ID()))
			s.dataReceived(m)
			s.reply(ctx, sess, env, []storage.Document{found})
			return
		}
	}

	inserted, err := coll.Insert(ctx, doc)
	if err != nil {
		s.storageError(ctx, sess, env, m, err)
		return
	}
	s.dataReceived(m)
	s.reply(ctx, sess, env, []storage.Document{inserted})
}

func (s *Server) addLock(collection string) *sync.Mutex {
	l, _ := s.addLocks.LoadOrStore(collection, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (s *Server) storageError(ctx context.Context, sess *Session, env Envelope, m *records.Module, err error) {
	s.metrics.fail("storage")
	s.log.ErrorContext(ctx, "socket.db.fail", slog.String("collection", m.Name()), slog.String("err", err.Error()))
	s.reply(ctx, sess, env, Result{Result: ResultStorageError})
}

func (s *Server) dataReceived(m *records.Module) {
	if s.events != nil {
		s.events.EmitDataReceived(m.Name())
	}
}

func (s *Server) handleAlarmAck(ctx context.Context, sess *Session, env Envelope) {
	req, err := decode[AckRequest](env.Data)
	if err != nil {
		s.log.WarnContext(ctx, "socket.ack.malformed", slog.String("err", err.Error()))
		return
	}
	silence := time.Duration(req.SilenceTime * float64(time.Millisecond))
	if s.acker != nil {
		s.acker.Ack(req.Level, req.Group, silence, true)
	}
	s.log.InfoContext(ctx, "socket.alarm.ack",
		slog.String("group", req.Group),
		slog.String("level", req.Level.String()),
		slog.Duration("silence", silence),
	)
	s.reply(ctx, sess, env, Result{Result: ResultSuccess})
}

func (s *Server) handleLoadRetro(ctx context.Context, sess *Session, env Envelope) {
	s.reply(ctx, sess, env, Result{Result: ResultSuccess})
	var ds []storage.Document
	if snap := s.snapshot(); snap != nil {
		ds = snap.DeviceStatus
	}
	if err := sess.send(EventRetroUpdate, map[string]any{"devicestatus": ds}); err != nil {
		s.log.InfoContext(ctx, "socket.write.fail", slog.String("err", err.Error()))
	}
}

func (s *Server) handlePing(ctx context.Context, sess *Session, env Envelope) {
	s.reply(ctx, sess, env, PongResult{
		Result:        ResultPong,
		Mills:         s.now().UnixMilli(),
		Authorization: sess.Scopes(),
	})
}
