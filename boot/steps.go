package boot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ggoodman/cgm-relay-go/auth"
	"github.com/ggoodman/cgm-relay-go/bridge"
	"github.com/ggoodman/cgm-relay-go/bus"
	"github.com/ggoodman/cgm-relay-go/config"
	"github.com/ggoodman/cgm-relay-go/dataloader"
	"github.com/ggoodman/cgm-relay-go/ddata"
	"github.com/ggoodman/cgm-relay-go/internal/jwtauth"
	"github.com/ggoodman/cgm-relay-go/notify"
	"github.com/ggoodman/cgm-relay-go/plugins"
	"github.com/ggoodman/cgm-relay-go/records"
	"github.com/ggoodman/cgm-relay-go/storage"
	"golang.org/x/text/language"
)

// Boot error descriptions.
const (
	DescRuntime       = "Unsupported runtime version"
	DescEnv           = "ENV Error"
	DescStorage       = "Unable to connect to storage"
	DescAuthorization = "Unable to setup authorization"
	DescInternals     = "Unable to setup internals"
	DescIndexes       = "Unable to ensure indexes"
	DescBridge        = "Unable to start bridge"
)

// MinRuntime is the oldest supported Go runtime.
const MinRuntime = ">= 1.22"

type step struct {
	name string
	// gated steps are skipped once a boot error was recorded.
	gated bool
	run   func(ctx context.Context, c *Context) error
}

var steps = []step{
	{name: "checkRuntime", run: checkRuntime},
	{name: "checkEnv", run: checkEnv},
	{name: "augmentSettings", run: augmentSettings},
	{name: "setupStorage", gated: true, run: setupStorage},
	{name: "setupAuthorization", gated: true, run: setupAuthorization},
	{name: "setupInternals", gated: true, run: setupInternals},
	{name: "ensureIndexes", gated: true, run: ensureIndexes},
	{name: "setupListeners", gated: true, run: setupListeners},
	{name: "setupBridge", gated: true, run: setupBridge},
	{name: "finishBoot", gated: true, run: finishBoot},
}

func checkRuntime(ctx context.Context, c *Context) error {
	raw := c.opts.runtimeVersion
	v, err := semver.NewVersion(strings.TrimPrefix(raw, "go"))
	if err != nil {
		c.log.WarnContext(ctx, "boot.runtime.dev", slog.String("version", raw))
		return nil
	}
	constraint, err := semver.NewConstraint(MinRuntime)
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		c.fail(ctx, DescRuntime, fmt.Errorf("%s does not satisfy %s", raw, MinRuntime))
		return nil
	}
	c.log.DebugContext(ctx, "boot.runtime.ok", slog.String("version", v.String()))
	return nil
}

func checkEnv(ctx context.Context, c *Context) error {
	tag, err := language.Parse(c.opts.lang)
	if err != nil {
		c.log.WarnContext(ctx, "boot.language.invalid", slog.String("language", c.opts.lang), slog.String("err", err.Error()))
		tag = language.English
	}
	c.Language = tag
	if c.Env.Err != nil {
		c.fail(ctx, DescEnv, c.Env.Err)
	}
	return nil
}

// augmentSettings merges settings served at IMPORT_CONFIG. The document is
// either {"settings": {...}, "extendedSettings": {...}} or a bare settings
// object.
func augmentSettings(ctx context.Context, c *Context) error {
	raw := c.Env.ImportConfig
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		c.log.WarnContext(ctx, "boot.import.skip", slog.String("url", raw))
		return nil
	}

	body, err := fetchConfig(ctx, c.opts.httpClient, u.String())
	if err != nil {
		return fmt.Errorf("import config: %w", err)
	}
	settings, ok := body["settings"].(map[string]any)
	if !ok {
		settings = body
	}
	merged, err := config.MergeSettings(c.Env.Settings, settings)
	if err != nil {
		return fmt.Errorf("import config: %w", err)
	}
	c.Env.Settings = merged
	if ext, ok := body["extendedSettings"].(map[string]any); ok {
		c.Env.ExtendedSettings = config.MergeExtended(c.Env.ExtendedSettings, ext)
	}
	c.log.InfoContext(ctx, "boot.import.ok", slog.String("host", u.Host))
	return nil
}

func fetchConfig(ctx context.Context, client *http.Client, u string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s", res.Status)
	}
	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return body, nil
}

func setupStorage(ctx context.Context, c *Context) error {
	raw := c.Env.StorageURI
	if raw == "" {
		raw = "memory://"
	}
	u, err := url.Parse(raw)
	if err != nil {
		c.fail(ctx, DescStorage, err)
		return nil
	}
	open, ok := c.opts.openers[u.Scheme]
	if !ok {
		c.fail(ctx, DescStorage, fmt.Errorf("%w: %q", storage.ErrUnknownBackend, u.Scheme))
		return nil
	}
	store, err := open(ctx, u)
	if err != nil {
		c.fail(ctx, DescStorage, err)
		return nil
	}
	c.Store = store
	c.log.InfoContext(ctx, "boot.storage.ok", slog.String("backend", u.Scheme))
	return nil
}

func setupAuthorization(ctx context.Context, c *Context) error {
	opts := []auth.Option{auth.WithLogHandler(c.opts.logHandler)}
	if c.Env.OIDCIssuer != "" {
		cfg := jwtauth.DefaultConfig()
		cfg.Issuer = c.Env.OIDCIssuer
		if c.Env.OIDCAudience != "" {
			cfg.Audiences = []string{c.Env.OIDCAudience}
		}
		var v jwtauth.Verifier
		var err error
		if c.Env.OIDCJWKSURL != "" {
			v, err = jwtauth.NewStatic(ctx, cfg, c.Env.OIDCJWKSURL)
		} else {
			v, err = jwtauth.NewFromDiscovery(ctx, cfg)
		}
		if err != nil {
			c.fail(ctx, DescAuthorization, err)
			return nil
		}
		opts = append(opts, auth.WithVerifier(v))
	}
	a, err := auth.New(c.Store, auth.Config{
		APISecret:          c.Env.APISecret,
		RolesCollection:    c.Env.RolesCollection,
		SubjectsCollection: c.Env.SubjectsCollection,
		DefaultRoles:       c.Env.Settings.AuthDefaultRoles,
	}, opts...)
	if err != nil {
		c.fail(ctx, DescAuthorization, err)
		return nil
	}
	if err := a.Storage().Reload(ctx); err != nil {
		c.fail(ctx, DescAuthorization, err)
		return nil
	}
	c.Authorization = a
	return nil
}

func setupInternals(ctx context.Context, c *Context) error {
	h := c.opts.logHandler
	c.Plugins = plugins.NewRegistry(c.Env.Settings, plugins.WithLogHandler(h))
	c.Records = records.NewSet(c.Store, c.Env.Collections())
	c.Bus = bus.New(bus.WithLogHandler(h))
	c.DData = &ddata.Holder{}
	loader, err := dataloader.New(c.Records, c.DData,
		dataloader.WithHistory(c.Env.History()),
		dataloader.WithLogHandler(h),
		dataloader.WithMetrics(c.opts.registerer),
	)
	if err != nil {
		c.fail(ctx, DescInternals, err)
		return nil
	}
	c.DataLoader = loader
	c.Notifications = notify.New(c.Bus.EmitNotification, notify.WithLogHandler(h), notify.WithClock(c.opts.now))
	return nil
}

func ensureIndexes(ctx context.Context, c *Context) error {
	var errs []error
	for _, m := range c.Records.All() {
		errs = append(errs, m.EnsureIndexes(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		c.fail(ctx, DescIndexes, err)
	}
	return nil
}

func setupListeners(ctx context.Context, c *Context) error {
	c.Scheduler = c.DataLoader.Scheduler(c.life, c.opts.quiet, c.Bus.EmitDataLoaded)

	c.Bus.OnUptime(func(bus.UptimeEvent) { c.Scheduler.Trigger() })
	c.Bus.OnTick(func(bus.TickEvent) { c.Scheduler.Trigger() })
	c.Bus.OnDataReceived(func(bus.DataReceivedEvent) { c.Scheduler.Trigger() })
	c.Bus.OnDataLoaded(func(ev bus.DataLoadedEvent) { c.process(ev.Snapshot) })
	c.Bus.OnNotification(func(ev bus.NotificationEvent) {
		c.log.Info("notification.push",
			slog.String("level", ev.Level.String()),
			slog.String("title", ev.Title),
			slog.String("group", ev.Group),
			slog.Bool("clear", ev.Clear),
		)
	})
	return nil
}

// process runs plugins and notifications over a fresh snapshot and
// announces it as processed.
func (c *Context) process(snap *ddata.Snapshot) {
	sbx := plugins.NewSandbox(c.opts.now(), c.Env, snap, c.Notifications)
	c.Plugins.SetProperties(sbx)
	c.Notifications.InitRequests()
	c.Plugins.CheckNotifications(sbx)
	c.Notifications.Process()
	c.Bus.EmitDataProcessed(snap)
}

func setupBridge(ctx context.Context, c *Context) error {
	sub := c.opts.bridgeSub
	if sub == nil {
		if c.Env.BridgeTransport == "" {
			return nil
		}
		logger := watermill.NewSlogLogger(slog.New(c.opts.logHandler))
		s, err := bridge.NewSubscriber(c.Env.BridgeTransport, c.Env.BridgeURL, logger)
		if err != nil {
			c.fail(ctx, DescBridge, err)
			return nil
		}
		sub = s
	}
	b, err := bridge.New(sub, c.Env.BridgeTopic, c.Records.Entries, c.Bus,
		bridge.WithLogHandler(c.opts.logHandler),
		bridge.WithMetrics(c.opts.registerer),
	)
	if err != nil {
		_ = sub.Close()
		c.fail(ctx, DescBridge, err)
		return nil
	}
	if err := b.Start(c.life); err != nil {
		_ = sub.Close()
		c.fail(ctx, DescBridge, err)
		return nil
	}
	c.Bridge = b
	return nil
}

func finishBoot(ctx context.Context, c *Context) error {
	c.Bus.Uptime()
	c.log.InfoContext(ctx, "boot.ok")
	return nil
}
