// Package notify tracks notification requests raised while processing a
// snapshot and turns them into emitted notifications, alarms and clears,
// honoring acknowledgements and silence windows.
package notify

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Level orders notifications by severity.
type Level int

const (
	None   Level = -3
	Lowest Level = -2
	Low    Level = -1
	Info   Level = 0
	Warn   Level = 1
	Urgent Level = 2
)

func (l Level) String() string {
	switch l {
	case Urgent:
		return "Urgent"
	case Warn:
		return "Warning"
	case Info:
		return "Info"
	case Low:
		return "Low"
	case Lowest:
		return "Lowest"
	case None:
		return "None"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// Notification is a message for clients. Level Warn and above are alarms.
type Notification struct {
	Level          Level  `json:"level"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	Group          string `json:"group"`
	Plugin         string `json:"plugin,omitempty"`
	Clear          bool   `json:"clear,omitempty"`
	IsAnnouncement bool   `json:"isAnnouncement,omitempty"`
	Persistent     bool   `json:"persistent,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// IsAlarm reports whether n is an alarm rather than an informational
// notification.
func (n Notification) IsAlarm() bool { return n.Level >= Warn }

// DefaultGroup is used for requests without a group.
const DefaultGroup = "default"

type alarmKey struct {
	group string
	level Level
}

type alarm struct {
	lastEmit    time.Time
	silentUntil time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogHandler sets the slog handler.
func WithLogHandler(h slog.Handler) Option {
	return func(e *Engine) { e.log = slog.New(h) }
}

// Engine collects requests for one processing round and emits the
// resulting notifications through the emit callback.
type Engine struct {
	emit func(Notification)
	now  func() time.Time
	log  *slog.Logger

	mu       sync.Mutex
	requests []Notification
	alarms   map[alarmKey]*alarm
	infos    map[string]Notification
}

// New returns an Engine emitting through emit.
func New(emit func(Notification), opts ...Option) *Engine {
	e := &Engine{
		emit:   emit,
		now:    time.Now,
		log:    slog.New(slog.DiscardHandler),
		alarms: make(map[alarmKey]*alarm),
		infos:  make(map[string]Notification),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InitRequests starts a new processing round.
func (e *Engine) InitRequests() {
	e.mu.Lock()
	e.requests = nil
	e.mu.Unlock()
}

// RequestNotify records a notification request for the current round.
func (e *Engine) RequestNotify(n Notification) {
	if n.Group == "" {
		n.Group = DefaultGroup
	}
	if n.Timestamp == 0 {
		n.Timestamp = e.now().UnixMilli()
	}
	e.mu.Lock()
	e.requests = append(e.requests, n)
	e.mu.Unlock()
}

// Requests returns the current round's requests.
func (e *Engine) Requests() []Notification {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Notification(nil), e.requests...)
}

// Process emits the highest request of every group. Alarms are re-emitted
// every round unless silenced; alarms no longer requested are cleared.
// Informational notifications are emitted when they first appear or change.
func (e *Engine) Process() {
	now := e.now()

	e.mu.Lock()
	highest := make(map[string]Notification)
	for _, r := range e.requests {
		if cur, ok := highest[r.Group]; !ok || r.Level > cur.Level {
			highest[r.Group] = r
		}
	}
	groups := make([]string, 0, len(highest))
	for g := range highest {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	var out []Notification
	for _, g := range groups {
		n := highest[g]
		switch {
		case n.IsAlarm():
			a := e.alarm(g, n.Level)
			if now.Before(a.silentUntil) {
				e.log.Debug("notify.alarm.silenced", slog.String("group", g), slog.String("level", n.Level.String()))
				continue
			}
			a.lastEmit = now
			out = append(out, n)
		case n.Level > None:
			if prev, ok := e.infos[g]; ok && prev.Title == n.Title && prev.Message == n.Message {
				continue
			}
			e.infos[g] = n
			out = append(out, n)
		}
	}

	for key, a := range e.alarms {
		if a.lastEmit.IsZero() {
			continue
		}
		if n, ok := highest[key.group]; ok && n.IsAlarm() {
			continue
		}
		a.lastEmit = time.Time{}
		out = append(out, clearFor(key.group, key.level, "no longer active", now))
	}
	for g := range e.infos {
		if _, ok := highest[g]; !ok {
			delete(e.infos, g)
		}
	}
	e.mu.Unlock()

	for _, n := range out {
		e.emit(n)
	}
}

// Ack silences alarms of group at level and below for silence. With
// sendClear an all-clear notification is emitted.
func (e *Engine) Ack(level Level, group string, silence time.Duration, sendClear bool) {
	if group == "" {
		group = DefaultGroup
	}
	now := e.now()
	e.mu.Lock()
	for l := level; l >= Warn; l-- {
		a := e.alarm(group, l)
		a.silentUntil = now.Add(silence)
		a.lastEmit = time.Time{}
	}
	e.mu.Unlock()
	e.log.Info("notify.ack", slog.String("group", group), slog.String("level", level.String()), slog.Duration("silence", silence))
	if sendClear {
		e.emit(clearFor(group, level, "was ack'd", now))
	}
}

// alarm returns the state for (group, level). e.mu must be held.
func (e *Engine) alarm(group string, level Level) *alarm {
	key := alarmKey{group: group, level: level}
	a, ok := e.alarms[key]
	if !ok {
		a = &alarm{}
		e.alarms[key] = a
	}
	return a
}

func clearFor(group string, level Level, why string, now time.Time) Notification {
	return Notification{
		Clear:     true,
		Title:     "All Clear",
		Message:   fmt.Sprintf("%s - %s %s", group, level, why),
		Group:     group,
		Level:     level,
		Timestamp: now.UnixMilli(),
	}
}
