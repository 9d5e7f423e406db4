// Package dataloader rebuilds the snapshot from storage and coalesces
// reload requests.
package dataloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/cgm-relay-go/ddata"
	"github.com/ggoodman/cgm-relay-go/records"
	"github.com/ggoodman/cgm-relay-go/storage"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultHistory is the snapshot window when none is configured.
const DefaultHistory = 48 * time.Hour

// profileLimit caps the profiles held in a snapshot.
const profileLimit = 10

// Option configures a Loader.
type Option func(*Loader)

// WithHistory sets the snapshot window.
func WithHistory(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.history = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Loader) { l.now = now }
}

// WithLogHandler sets the slog handler.
func WithLogHandler(h slog.Handler) Option {
	return func(l *Loader) { l.log = slog.New(h) }
}

// WithMetrics registers loader metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(l *Loader) { l.reg = reg }
}

// Loader queries every record module and publishes a fresh snapshot.
type Loader struct {
	records *records.Set
	holder  *ddata.Holder
	history time.Duration
	now     func() time.Time
	log     *slog.Logger
	reg     prometheus.Registerer
	metrics *Metrics
}

// New returns a Loader publishing into holder.
func New(set *records.Set, holder *ddata.Holder, opts ...Option) (*Loader, error) {
	l := &Loader{
		records: set,
		holder:  holder,
		history: DefaultHistory,
		now:     time.Now,
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	m, err := newMetrics(l.reg)
	if err != nil {
		return nil, err
	}
	l.metrics = m
	return l, nil
}

// Holder returns the snapshot holder.
func (l *Loader) Holder() *ddata.Holder { return l.holder }

// Update loads the window [now-history, now+1d] into a new snapshot and
// publishes it. On error the current snapshot is left in place.
func (l *Loader) Update(ctx context.Context) (*ddata.Snapshot, error) {
	start := time.Now()
	snap, err := l.load(ctx)
	l.metrics.recordReload(time.Since(start), err)
	if err != nil {
		l.log.ErrorContext(ctx, "dataloader.update.fail", slog.String("err", err.Error()))
		return nil, err
	}
	snap = l.holder.Publish(snap)
	l.log.DebugContext(ctx, "dataloader.update.ok",
		slog.Uint64("version", snap.Version),
		slog.Int("sgvs", len(snap.Sgvs)),
		slog.Int("treatments", len(snap.Treatments)),
		slog.Duration("dur", time.Since(start)),
	)
	return snap, nil
}

func (l *Loader) load(ctx context.Context) (*ddata.Snapshot, error) {
	now := l.now()
	from, to := now.Add(-l.history), now.Add(24*time.Hour)
	window := storage.Between(from, to)

	snap := &ddata.Snapshot{LastUpdated: now.UnixMilli()}
	var errs []error

	entries, err := l.records.Entries.List(ctx, window)
	errs = append(errs, err)
	for _, e := range entries {
		switch e.String("type") {
		case "sgv":
			snap.Sgvs = append(snap.Sgvs, e)
		case "mbg":
			snap.Mbgs = append(snap.Mbgs, e)
		case "cal":
			snap.Cals = append(snap.Cals, e)
		}
	}

	snap.Treatments, err = l.records.Treatments.List(ctx, window)
	errs = append(errs, err)
	snap.DeviceStatus, err = l.records.DeviceStatus.List(ctx, window)
	errs = append(errs, err)
	snap.Profiles, err = l.records.Profile.List(ctx, storage.NewestFirst(), storage.Limit(profileLimit))
	errs = append(errs, err)
	snap.Food, err = l.records.Food.List(ctx)
	errs = append(errs, err)
	snap.Activity, err = l.records.Activity.List(ctx, window)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	snap.Sort()
	snap.LastProfileFromSwitch = ddata.ProfileFromSwitch(snap.Treatments)
	return snap, nil
}
