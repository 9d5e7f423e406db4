// Package config loads the relay environment: process variables decoded
// with envdecode, the client-visible settings derived from them, and the
// per-plugin extended settings.
package config

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// MinSecretLength is the shortest API secret accepted.
const MinSecretLength = 12

// Vars are the raw process variables. Defaults are provided via struct tags.
type Vars struct {
	// APISecret is the admin secret. ENV: API_SECRET
	APISecret string `env:"API_SECRET"`
	// StorageURI selects the storage backend. ENV: STORAGE_URI
	StorageURI string `env:"STORAGE_URI,default=memory://"`
	// ImportConfig is an optional URL serving settings overrides. ENV: IMPORT_CONFIG
	ImportConfig string `env:"IMPORT_CONFIG"`

	Listen   string `env:"LISTEN,default=:1337"`
	Version  string `env:"VERSION,default=0.1.0"`
	Name     string `env:"CUSTOM_TITLE,default=Nightscout"`
	Language string `env:"LANGUAGE,default=en"`

	HeartbeatSeconds int `env:"HEARTBEAT,default=60"`
	HistoryHours     int `env:"HISTORY_HOURS,default=48"`

	Enable           string `env:"ENABLE"`
	ShowPlugins      string `env:"SHOW_PLUGINS"`
	DisplayUnits     string `env:"DISPLAY_UNITS,default=mg/dl"`
	TimeFormat       int    `env:"TIME_FORMAT,default=12"`
	Theme            string `env:"THEME,default=default"`
	AlarmTypes       string `env:"ALARM_TYPES,default=predict"`
	AuthDefaultRoles string `env:"AUTH_DEFAULT_ROLES,default=readable"`

	EntriesCollection      string `env:"ENTRIES_COLLECTION,default=entries"`
	TreatmentsCollection   string `env:"TREATMENTS_COLLECTION,default=treatments"`
	DeviceStatusCollection string `env:"DEVICESTATUS_COLLECTION,default=devicestatus"`
	ProfileCollection      string `env:"PROFILE_COLLECTION,default=profile"`
	FoodCollection         string `env:"FOOD_COLLECTION,default=food"`
	ActivityCollection     string `env:"ACTIVITY_COLLECTION,default=activity"`
	RolesCollection        string `env:"AUTH_ROLES_COLLECTION,default=auth_roles"`
	SubjectsCollection     string `env:"AUTH_SUBJECTS_COLLECTION,default=auth_subjects"`

	OIDCIssuer   string `env:"OIDC_ISSUER"`
	OIDCAudience string `env:"OIDC_AUDIENCE"`
	// OIDCJWKSURL skips discovery and verifies against this key set.
	OIDCJWKSURL string `env:"OIDC_JWKS_URL"`

	// BridgeTransport enables entries ingestion: "nats" or "gochannel".
	BridgeTransport string `env:"BRIDGE_TRANSPORT"`
	BridgeURL       string `env:"BRIDGE_URL,default=nats://127.0.0.1:4222"`
	BridgeTopic     string `env:"BRIDGE_TOPIC,default=cgm.entries"`
}

// Env is the assembled process environment handed to boot.
type Env struct {
	Vars

	// APISecretHash is the lowercase hex SHA-1 of APISecret, or "".
	APISecretHash string

	Settings         Settings
	ExtendedSettings map[string]map[string]any

	// Err collects problems found while building the environment. They do
	// not abort loading; boot reports them.
	Err error
}

// Load decodes the process environment.
func Load() (*Env, error) {
	var v Vars
	if err := envdecode.Decode(&v); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return New(v, os.Environ()), nil
}

// New builds an Env from decoded variables and the raw KEY=VALUE environment
// used for extended settings.
func New(v Vars, environ []string) *Env {
	env := &Env{Vars: v}
	var errs []error

	if v.APISecret != "" {
		if len(v.APISecret) < MinSecretLength {
			errs = append(errs, fmt.Errorf("API_SECRET should be at least %d characters", MinSecretLength))
		}
		env.APISecretHash = HashSecret(v.APISecret)
	}
	if v.HistoryHours <= 0 {
		env.HistoryHours = 48
	}
	if v.HeartbeatSeconds <= 0 {
		env.HeartbeatSeconds = 60
	}

	env.Settings = settingsFromVars(v)
	env.ExtendedSettings = extendedFromEnviron(env.Settings.Enable, environ)
	env.Err = errors.Join(errs...)
	return env
}

// HashSecret returns the lowercase hex SHA-1 of secret.
func HashSecret(secret string) string {
	sum := sha1.Sum([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Heartbeat returns the tick interval.
func (e *Env) Heartbeat() time.Duration {
	return time.Duration(e.HeartbeatSeconds) * time.Second
}

// History returns the snapshot window.
func (e *Env) History() time.Duration {
	return time.Duration(e.HistoryHours) * time.Hour
}

// Collections maps logical collection names to configured storage names.
func (e *Env) Collections() map[string]string {
	return map[string]string{
		"entries":       e.EntriesCollection,
		"treatments":    e.TreatmentsCollection,
		"devicestatus":  e.DeviceStatusCollection,
		"profile":       e.ProfileCollection,
		"food":          e.FoodCollection,
		"activity":      e.ActivityCollection,
		"auth_roles":    e.RolesCollection,
		"auth_subjects": e.SubjectsCollection,
	}
}

func settingsFromVars(v Vars) Settings {
	s := DefaultSettings()
	s.CustomTitle = v.Name
	s.Language = v.Language
	if v.DisplayUnits != "" {
		s.Units = v.DisplayUnits
	}
	if v.TimeFormat != 0 {
		s.TimeFormat = v.TimeFormat
	}
	if v.Theme != "" {
		s.Theme = v.Theme
	}
	s.Enable = splitList(v.Enable)
	s.ShowPlugins = v.ShowPlugins
	if at := splitList(v.AlarmTypes); len(at) > 0 {
		s.AlarmTypes = at
	}
	if v.AuthDefaultRoles != "" {
		s.AuthDefaultRoles = v.AuthDefaultRoles
	}
	return s
}

// extendedFromEnviron collects <PLUGIN>_<KEY>=value pairs for every enabled
// plugin, e.g. BASAL_RENDER=default becomes extended["basal"]["render"].
func extendedFromEnviron(enabled []string, environ []string) map[string]map[string]any {
	out := make(map[string]map[string]any)
	if len(enabled) == 0 {
		return out
	}
	// Longest names first so "cage" and "cage_x" style prefixes don't collide.
	names := append([]string(nil), enabled...)
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })

	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		for _, name := range names {
			prefix := strings.ToUpper(name) + "_"
			if !strings.HasPrefix(key, prefix) || len(key) == len(prefix) {
				continue
			}
			m, ok := out[name]
			if !ok {
				m = make(map[string]any)
				out[name] = m
			}
			m[camelCase(strings.TrimPrefix(key, prefix))] = parseValue(val)
			break
		}
	}
	return out
}

func camelCase(s string) string {
	parts := strings.Split(strings.ToLower(s), "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 || b.Len() == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]) + p[1:])
	}
	return b.String()
}

func parseValue(s string) any {
	switch strings.ToLower(s) {
	case "true", "on":
		return true
	case "false", "off":
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' || r == ';' })
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
