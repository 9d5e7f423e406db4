// Package bridge ingests glucose entries published on a message transport
// and stores them in the entries collection.
//
// A payload is either a single entry object or an array of them. Entries
// already stored under the same date and type are skipped, so replays are
// harmless.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ggoodman/cgm-relay-go/records"
	"github.com/ggoodman/cgm-relay-go/storage"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
)

// Transport names accepted by NewSubscriber.
const (
	TransportNATS      = "nats"
	TransportGoChannel = "gochannel"
)

var (
	// ErrUnknownTransport is returned for an unsupported transport name.
	ErrUnknownTransport = errors.New("bridge: unknown transport")

	// ErrMalformed is returned for payloads that are not entries.
	ErrMalformed = errors.New("bridge: malformed payload")

	errStarted = errors.New("bridge: already started")
)

// NewSubscriber opens a subscriber for the named transport. The gochannel
// transport is in-process and only useful when the caller also publishes.
func NewSubscriber(transport, url string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	switch transport {
	case TransportNATS:
		m := &wmnats.NATSMarshaler{}
		return wmnats.NewSubscriber(wmnats.SubscriberConfig{
			URL:         url,
			Unmarshaler: m,
			NatsOptions: []nats.Option{nats.Name("cgm-relay-bridge")},
			JetStream:   wmnats.JetStreamConfig{Disabled: true},
		}, logger)
	case TransportGoChannel:
		return gochannel.NewGoChannel(gochannel.Config{}, logger), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, transport)
}

// Emitter is notified after entries were stored.
type Emitter interface {
	EmitDataReceived(collection string)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogHandler sets the slog handler.
func WithLogHandler(h slog.Handler) Option {
	return func(b *Bridge) { b.log = slog.New(h) }
}

// WithMetrics registers bridge metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(b *Bridge) { b.reg = reg }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// Bridge consumes one topic and writes entries.
type Bridge struct {
	sub     message.Subscriber
	topic   string
	entries *records.Module
	events  Emitter
	now     func() time.Time
	log     *slog.Logger
	reg     prometheus.Registerer
	metrics *Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Bridge reading topic from sub. events may be nil.
func New(sub message.Subscriber, topic string, entries *records.Module, events Emitter, opts ...Option) (*Bridge, error) {
	b := &Bridge{
		sub:     sub,
		topic:   topic,
		entries: entries,
		events:  events,
		now:     time.Now,
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	m, err := newMetrics(b.reg)
	if err != nil {
		return nil, err
	}
	b.metrics = m
	return b, nil
}

// Start subscribes and consumes in the background until ctx is done or
// Close is called.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return errStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	msgs, err := b.sub.Subscribe(ctx, b.topic)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", b.topic, err)
	}
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.consume(ctx, msgs)
	b.log.InfoContext(ctx, "bridge.start", slog.String("topic", b.topic))
	return nil
}

func (b *Bridge) consume(ctx context.Context, msgs <-chan *message.Message) {
	defer close(b.done)
	for msg := range msgs {
		err := b.Handle(ctx, msg.Payload)
		switch {
		case err == nil:
			msg.Ack()
		case errors.Is(err, ErrMalformed):
			b.log.WarnContext(ctx, "bridge.msg.malformed", slog.String("uuid", msg.UUID), slog.String("err", err.Error()))
			msg.Ack()
		default:
			b.log.ErrorContext(ctx, "bridge.msg.fail", slog.String("uuid", msg.UUID), slog.String("err", err.Error()))
			msg.Nack()
		}
	}
}

// Handle stores the entries in payload and reports how the write went.
func (b *Bridge) Handle(ctx context.Context, payload []byte) error {
	docs, err := decodeEntries(payload)
	if err != nil {
		b.metrics.record("malformed", 1)
		return err
	}
	inserted := 0
	for _, d := range docs {
		normalize(d)
		dup, err := b.exists(ctx, d)
		if err != nil {
			b.metrics.record("error", 1)
			return err
		}
		if dup {
			b.metrics.record("duplicate", 1)
			continue
		}
		if _, err := b.entries.Collection().Insert(ctx, d); err != nil {
			b.metrics.record("error", 1)
			return fmt.Errorf("insert entry: %w", err)
		}
		if t, ok := d.Time(); ok {
			b.metrics.lag(b.now().Sub(t))
		}
		inserted++
	}
	b.metrics.record("inserted", inserted)
	if inserted > 0 && b.events != nil {
		b.events.EmitDataReceived(records.Entries)
	}
	b.log.DebugContext(ctx, "bridge.msg.ok", slog.Int("entries", len(docs)), slog.Int("inserted", inserted))
	return nil
}

func (b *Bridge) exists(ctx context.Context, d storage.Document) (bool, error) {
	found, err := b.entries.Collection().Find(ctx, storage.NewQuery(
		storage.Where(storage.DateField, d[storage.DateField]),
		storage.Where("type", d["type"]),
		storage.Limit(1),
	))
	if err != nil {
		return false, fmt.Errorf("find entry: %w", err)
	}
	return len(found) > 0, nil
}

// Close stops consuming and closes the subscriber.
func (b *Bridge) Close() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()
	err := b.sub.Close()
	if cancel != nil {
		cancel()
		<-done
	}
	return err
}

func decodeEntries(payload []byte) ([]storage.Document, error) {
	var docs []storage.Document
	if len(payload) > 0 && payload[0] == '[' {
		if err := json.Unmarshal(payload, &docs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	} else {
		var d storage.Document
		if err := json.Unmarshal(payload, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		docs = []storage.Document{d}
	}
	for i, d := range docs {
		if d == nil {
			return nil, fmt.Errorf("%w: entry %d is null", ErrMalformed, i)
		}
		if _, ok := d.Time(); !ok {
			return nil, fmt.Errorf("%w: entry %d has no date", ErrMalformed, i)
		}
	}
	return docs, nil
}

// normalize fills date, dateString, type and sysTime the way uploaders do.
func normalize(d storage.Document) {
	t, _ := d.Time()
	if _, ok := d.Number(storage.DateField); !ok {
		d[storage.DateField] = float64(t.UnixMilli())
	}
	if d.String(storage.DateStrField) == "" {
		d[storage.DateStrField] = storage.FormatTime(t)
	}
	if d.String("type") == "" {
		d["type"] = "sgv"
	}
	if d.String("sysTime") == "" {
		d["sysTime"] = d[storage.DateStrField]
	}
	if _, ok := d["utcOffset"]; !ok {
		d["utcOffset"] = float64(0)
	}
}
