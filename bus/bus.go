// Package bus is the in-process event bus connecting the loader, the
// notification pipeline and the realtime gateway.
//
// Dispatch is synchronous and serialized: one event's handlers run to
// completion, in subscription order, before the next event is dispatched.
// An event emitted while another is being dispatched (from a handler or
// from another goroutine) is queued and dispatched by the goroutine already
// draining the queue.
//
// This is not a nested call: an Emit made inside a handler returns before
// its handlers run, and they run only after the current event's handlers
// have all finished. An Emit from a goroutine that finds the queue busy
// also returns immediately, and its handlers run on the draining goroutine.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/cgm-relay-go/ddata"
	"github.com/ggoodman/cgm-relay-go/notify"
)

// Kind enumerates the events carried by the bus.
type Kind int

const (
	Tick Kind = iota
	DataReceived
	DataLoaded
	DataProcessed
	Notification
	Uptime
)

func (k Kind) String() string {
	switch k {
	case Tick:
		return "tick"
	case DataReceived:
		return "data-received"
	case DataLoaded:
		return "data-loaded"
	case DataProcessed:
		return "data-processed"
	case Notification:
		return "notification"
	case Uptime:
		return "uptime"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// TickEvent is emitted by the heartbeat.
type TickEvent struct {
	Now time.Time
}

// DataReceivedEvent signals that stored data changed.
type DataReceivedEvent struct {
	// Collection is the logical collection written to, if known.
	Collection string
}

// DataLoadedEvent carries a freshly loaded snapshot.
type DataLoadedEvent struct {
	Snapshot *ddata.Snapshot
}

// DataProcessedEvent carries a snapshot after plugins and notifications
// have run over it.
type DataProcessedEvent struct {
	Snapshot *ddata.Snapshot
}

// NotificationEvent carries a notification or a clear.
type NotificationEvent struct {
	notify.Notification
}

// UptimeEvent marks the end of boot.
type UptimeEvent struct {
	Started time.Time
}

type event struct {
	kind    Kind
	payload any
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogHandler sets the slog handler.
func WithLogHandler(h slog.Handler) Option {
	return func(b *Bus) { b.log = slog.New(h) }
}

// Bus is a typed, serialized publish/subscribe hub.
type Bus struct {
	log     *slog.Logger
	started time.Time

	hmu      sync.RWMutex
	handlers map[Kind][]func(any)

	qmu      sync.Mutex
	queue    []event
	draining bool

	stopMu sync.Mutex
	stop   context.CancelFunc
	done   chan struct{}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		log:      slog.New(slog.DiscardHandler),
		started:  time.Now(),
		handlers: make(map[Kind][]func(any)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) subscribe(k Kind, fn func(any)) {
	b.hmu.Lock()
	b.handlers[k] = append(b.handlers[k], fn)
	b.hmu.Unlock()
}

// OnTick registers a heartbeat handler.
func (b *Bus) OnTick(fn func(TickEvent)) {
	b.subscribe(Tick, func(p any) { fn(p.(TickEvent)) })
}

// OnDataReceived registers a data-received handler.
func (b *Bus) OnDataReceived(fn func(DataReceivedEvent)) {
	b.subscribe(DataReceived, func(p any) { fn(p.(DataReceivedEvent)) })
}

// OnDataLoaded registers a data-loaded handler.
func (b *Bus) OnDataLoaded(fn func(DataLoadedEvent)) {
	b.subscribe(DataLoaded, func(p any) { fn(p.(DataLoadedEvent)) })
}

// OnDataProcessed registers a data-processed handler.
func (b *Bus) OnDataProcessed(fn func(DataProcessedEvent)) {
	b.subscribe(DataProcessed, func(p any) { fn(p.(DataProcessedEvent)) })
}

// OnNotification registers a notification handler.
func (b *Bus) OnNotification(fn func(NotificationEvent)) {
	b.subscribe(Notification, func(p any) { fn(p.(NotificationEvent)) })
}

// OnUptime registers an uptime handler.
func (b *Bus) OnUptime(fn func(UptimeEvent)) {
	b.subscribe(Uptime, func(p any) { fn(p.(UptimeEvent)) })
}

// EmitTick emits a heartbeat.
func (b *Bus) EmitTick(now time.Time) { b.emit(Tick, TickEvent{Now: now}) }

// EmitDataReceived signals a write.
func (b *Bus) EmitDataReceived(collection string) {
	b.emit(DataReceived, DataReceivedEvent{Collection: collection})
}

// EmitDataLoaded publishes a loaded snapshot.
func (b *Bus) EmitDataLoaded(s *ddata.Snapshot) { b.emit(DataLoaded, DataLoadedEvent{Snapshot: s}) }

// EmitDataProcessed publishes a processed snapshot.
func (b *Bus) EmitDataProcessed(s *ddata.Snapshot) {
	b.emit(DataProcessed, DataProcessedEvent{Snapshot: s})
}

// EmitNotification publishes a notification.
func (b *Bus) EmitNotification(n notify.Notification) {
	b.emit(Notification, NotificationEvent{Notification: n})
}

// Uptime emits the uptime marker.
func (b *Bus) Uptime() { b.emit(Uptime, UptimeEvent{Started: b.started}) }

func (b *Bus) emit(k Kind, payload any) {
	b.qmu.Lock()
	b.queue = append(b.queue, event{kind: k, payload: payload})
	if b.draining {
		b.qmu.Unlock()
		return
	}
	b.draining = true
	for len(b.queue) > 0 {
		ev := b.queue[0]
		b.queue = b.queue[1:]
		b.qmu.Unlock()
		b.dispatch(ev)
		b.qmu.Lock()
	}
	b.draining = false
	b.qmu.Unlock()
}

func (b *Bus) dispatch(ev event) {
	b.hmu.RLock()
	hs := append([]func(any)(nil), b.handlers[ev.kind]...)
	b.hmu.RUnlock()
	for _, h := range hs {
		b.call(ev, h)
	}
}

func (b *Bus) call(ev event, h func(any)) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("bus.handler.panic", slog.String("kind", ev.kind.String()), slog.Any("panic", r))
		}
	}()
	h(ev.payload)
}

// Start runs the heartbeat, emitting Tick every interval until ctx is done
// or Stop is called. Calling Start again replaces the previous heartbeat.
func (b *Bus) Start(ctx context.Context, interval time.Duration) {
	b.Stop()
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.stopMu.Lock()
	b.stop, b.done = cancel, done
	b.stopMu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				b.EmitTick(now)
			}
		}
	}()
}

// Stop halts the heartbeat and waits for it to exit.
func (b *Bus) Stop() {
	b.stopMu.Lock()
	stop, done := b.stop, b.done
	b.stop, b.done = nil, nil
	b.stopMu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
}
