// Package plugins runs server-side plugins over a snapshot: each plugin may
// offer computed properties to the sandbox and raise notification requests.
package plugins

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/cgm-relay-go/config"
	"github.com/ggoodman/cgm-relay-go/ddata"
	"github.com/ggoodman/cgm-relay-go/notify"
)

// Sandbox is the view a plugin gets of one processing round.
type Sandbox struct {
	Time             time.Time
	Settings         config.Settings
	ExtendedSettings map[string]map[string]any
	Data             *ddata.Snapshot
	Notifications    *notify.Engine

	mu         sync.Mutex
	properties map[string]any
}

// NewSandbox builds a sandbox over snapshot at now.
func NewSandbox(now time.Time, env *config.Env, snapshot *ddata.Snapshot, n *notify.Engine) *Sandbox {
	s := &Sandbox{
		Time:          now,
		Data:          snapshot,
		Notifications: n,
		properties:    make(map[string]any),
	}
	if env != nil {
		s.Settings = env.Settings
		s.ExtendedSettings = env.ExtendedSettings
	}
	if s.Data == nil {
		s.Data = &ddata.Snapshot{}
	}
	return s
}

// Offer publishes a property computed by a plugin.
func (s *Sandbox) Offer(name string, v any) {
	s.mu.Lock()
	s.properties[name] = v
	s.mu.Unlock()
}

// Property returns a published property.
func (s *Sandbox) Property(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.properties[name]
	return v, ok
}

// Properties returns a copy of all published properties.
func (s *Sandbox) Properties() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.properties))
	for k, v := range s.properties {
		out[k] = v
	}
	return out
}

// Notify raises a notification request attributed to plugin.
func (s *Sandbox) Notify(plugin string, n notify.Notification) {
	if s.Notifications == nil {
		return
	}
	n.Plugin = plugin
	s.Notifications.RequestNotify(n)
}

// Plugin is a named server-side plugin.
type Plugin interface {
	Name() string
}

// PropertySetter plugins compute sandbox properties.
type PropertySetter interface {
	SetProperties(*Sandbox)
}

// NotificationChecker plugins raise notification requests.
type NotificationChecker interface {
	CheckNotifications(*Sandbox)
}

// AlwaysEnabled plugins run whether or not they appear in ENABLE.
type AlwaysEnabled interface {
	AlwaysEnabled() bool
}

// Registry holds the plugins and runs the enabled ones in registration
// order.
type Registry struct {
	plugins []Plugin
	enabled []string
	log     *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogHandler sets the slog handler.
func WithLogHandler(h slog.Handler) RegistryOption {
	return func(r *Registry) { r.log = slog.New(h) }
}

// WithPlugins registers additional plugins.
func WithPlugins(ps ...Plugin) RegistryOption {
	return func(r *Registry) { r.plugins = append(r.plugins, ps...) }
}

// NewRegistry returns a registry with the server default plugins, enabled
// according to settings.
func NewRegistry(settings config.Settings, opts ...RegistryOption) *Registry {
	r := &Registry{
		plugins: ServerDefaults(),
		enabled: append([]string(nil), settings.Enable...),
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ServerDefaults returns the built-in server plugins.
func ServerDefaults() []Plugin {
	return []Plugin{BGNow{}, Announcement{}}
}

// Names returns the names of all registered plugins.
func (r *Registry) Names() []string {
	out := make([]string, len(r.plugins))
	for i, p := range r.plugins {
		out[i] = p.Name()
	}
	return out
}

// IsEnabled reports whether the named plugin runs.
func (r *Registry) IsEnabled(name string) bool {
	for _, p := range r.plugins {
		if p.Name() != name {
			continue
		}
		if ae, ok := p.(AlwaysEnabled); ok && ae.AlwaysEnabled() {
			return true
		}
	}
	return slices.Contains(r.enabled, name)
}

func (r *Registry) each(fn func(Plugin)) {
	for _, p := range r.plugins {
		if !r.IsEnabled(p.Name()) {
			continue
		}
		r.run(p, fn)
	}
}

func (r *Registry) run(p Plugin, fn func(Plugin)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("plugin.panic", slog.String("plugin", p.Name()), slog.Any("panic", rec))
		}
	}()
	fn(p)
}

// SetProperties lets every enabled plugin offer its properties.
func (r *Registry) SetProperties(sbx *Sandbox) {
	r.each(func(p Plugin) {
		if ps, ok := p.(PropertySetter); ok {
			ps.SetProperties(sbx)
		}
	})
}

// CheckNotifications lets every enabled plugin raise notification requests.
func (r *Registry) CheckNotifications(sbx *Sandbox) {
	r.each(func(p Plugin) {
		if nc, ok := p.(NotificationChecker); ok {
			nc.CheckNotifications(sbx)
		}
	})
}

// ExtendedClientSettings selects the extended settings clients receive:
// those of enabled plugins and of registered server plugins.
func (r *Registry) ExtendedClientSettings(all map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for name, s := range all {
		if r.IsEnabled(name) || slices.Contains(r.Names(), name) {
			out[name] = s
		}
	}
	return out
}
