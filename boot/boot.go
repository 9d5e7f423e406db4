// Package boot assembles the relay context: storage, authorization, record
// modules, the event bus, the snapshot loader and the notification pipeline.
//
// Boot runs an ordered list of steps. Problems found along the way are
// collected as BootErrors; once one is recorded the remaining gated steps
// are skipped and the caller is expected to serve an error page instead of
// the relay. Only a failure to import remote configuration aborts Boot.
package boot

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ggoodman/cgm-relay-go/auth"
	"github.com/ggoodman/cgm-relay-go/bridge"
	"github.com/ggoodman/cgm-relay-go/bus"
	"github.com/ggoodman/cgm-relay-go/config"
	"github.com/ggoodman/cgm-relay-go/dataloader"
	"github.com/ggoodman/cgm-relay-go/ddata"
	"github.com/ggoodman/cgm-relay-go/notify"
	"github.com/ggoodman/cgm-relay-go/plugins"
	"github.com/ggoodman/cgm-relay-go/records"
	"github.com/ggoodman/cgm-relay-go/storage"
	"github.com/ggoodman/cgm-relay-go/storage/memory"
	"github.com/ggoodman/cgm-relay-go/storage/redis"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/text/language"
)

// BootError is a non-fatal problem recorded during boot.
type BootError struct {
	Desc string
	Err  error
}

func (e BootError) Error() string {
	if e.Err == nil {
		return e.Desc
	}
	return e.Desc + ": " + e.Err.Error()
}

func (e BootError) Unwrap() error { return e.Err }

// Context is the assembled relay.
type Context struct {
	Env           *config.Env
	Language      language.Tag
	Store         storage.Store
	Authorization *auth.Authorization
	Records       *records.Set
	Plugins       *plugins.Registry
	Notifications *notify.Engine
	Bus           *bus.Bus
	DData         *ddata.Holder
	DataLoader    *dataloader.Loader
	Scheduler     *dataloader.Scheduler
	Bridge        *bridge.Bridge

	BootErrors []BootError

	life context.Context
	stop context.CancelFunc
	opts options
	log  *slog.Logger
}

// HasBootErrors reports whether any step recorded an error.
func (c *Context) HasBootErrors() bool { return len(c.BootErrors) > 0 }

func (c *Context) fail(ctx context.Context, desc string, err error) {
	c.BootErrors = append(c.BootErrors, BootError{Desc: desc, Err: err})
	attrs := []slog.Attr{slog.String("desc", desc)}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	c.log.LogAttrs(ctx, slog.LevelError, "boot.error", attrs...)
}

// Close stops background work and releases the store.
func (c *Context) Close() error {
	if c.stop != nil {
		c.stop()
	}
	var errs []error
	if c.Scheduler != nil {
		c.Scheduler.Close()
	}
	if c.Bridge != nil {
		errs = append(errs, c.Bridge.Close())
	}
	if c.Bus != nil {
		c.Bus.Stop()
	}
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	return errors.Join(errs...)
}

type options struct {
	logHandler     slog.Handler
	registerer     prometheus.Registerer
	httpClient     *http.Client
	runtimeVersion string
	openers        map[string]storage.Opener
	quiet          time.Duration
	bridgeSub      message.Subscriber
	now            func() time.Time
	lang           string
}

// Option configures Boot.
type Option func(*options)

// WithLogHandler sets the slog handler shared by every component.
func WithLogHandler(h slog.Handler) Option {
	return func(o *options) { o.logHandler = h }
}

// WithMetrics registers component metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithHTTPClient sets the client used to import remote configuration.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRuntimeVersion overrides runtime.Version for the runtime check.
func WithRuntimeVersion(v string) Option {
	return func(o *options) { o.runtimeVersion = v }
}

// WithStorageOpener registers an opener for a storage URI scheme.
func WithStorageOpener(scheme string, open storage.Opener) Option {
	return func(o *options) { o.openers[scheme] = open }
}

// WithQuietWindow sets the reload coalescing window.
func WithQuietWindow(d time.Duration) Option {
	return func(o *options) { o.quiet = d }
}

// WithBridgeSubscriber supplies the bridge subscriber instead of opening
// one from BRIDGE_TRANSPORT.
func WithBridgeSubscriber(sub message.Subscriber) Option {
	return func(o *options) { o.bridgeSub = sub }
}

// WithClock overrides time.Now for plugin sandboxes.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Boot assembles a Context. The returned error is non-nil only when remote
// configuration could not be imported; every other problem is reported
// through Context.BootErrors.
func Boot(ctx context.Context, env *config.Env, lang string, opts ...Option) (*Context, error) {
	o := options{
		logHandler:     slog.DiscardHandler,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		runtimeVersion: runtime.Version(),
		openers: map[string]storage.Opener{
			"memory": memory.Open,
			"redis":  redis.Open,
			"rediss": redis.Open,
		},
		quiet: dataloader.DefaultQuietWindow,
		now:   time.Now,
		lang:  lang,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Context{
		Env:  env,
		opts: o,
		log:  slog.New(o.logHandler),
	}
	c.life, c.stop = context.WithCancel(context.WithoutCancel(ctx))

	for _, s := range steps {
		if s.gated && c.HasBootErrors() {
			c.log.DebugContext(ctx, "boot.step.skip", slog.String("step", s.name))
			continue
		}
		c.log.DebugContext(ctx, "boot.step", slog.String("step", s.name))
		if err := s.run(ctx, c); err != nil {
			c.stop()
			c.log.ErrorContext(ctx, "boot.fatal", slog.String("step", s.name), slog.String("err", err.Error()))
			return nil, err
		}
	}
	return c, nil
}
