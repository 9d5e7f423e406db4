package config

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Thresholds are the glucose bounds used by displays and alarms, in mg/dl.
type Thresholds struct {
	BGHigh         float64 `json:"bgHigh"`
	BGTargetTop    float64 `json:"bgTargetTop"`
	BGTargetBottom float64 `json:"bgTargetBottom"`
	BGLow          float64 `json:"bgLow"`
}

// Settings are the client-visible settings reported by status and sent to
// clients with the first data chunk.
type Settings struct {
	Units            string     `json:"units"`
	TimeFormat       int        `json:"timeFormat"`
	NightMode        bool       `json:"nightMode"`
	ShowRawBG        string     `json:"showRawbg"`
	CustomTitle      string     `json:"customTitle"`
	Theme            string     `json:"theme"`
	Language         string     `json:"language"`
	Enable           []string   `json:"enable"`
	ShowPlugins      string     `json:"showPlugins"`
	AlarmTypes       []string   `json:"alarmTypes"`
	AlarmUrgentHigh  bool       `json:"alarmUrgentHigh"`
	AlarmHigh        bool       `json:"alarmHigh"`
	AlarmLow         bool       `json:"alarmLow"`
	AlarmUrgentLow   bool       `json:"alarmUrgentLow"`
	AlarmTimeagoWarn bool       `json:"alarmTimeagoWarn"`
	AlarmTimeagoMins int        `json:"alarmTimeagoWarnMins"`
	AuthDefaultRoles string     `json:"authDefaultRoles"`
	Thresholds       Thresholds `json:"thresholds"`
}

// DefaultSettings returns the built-in settings.
func DefaultSettings() Settings {
	return Settings{
		Units:            "mg/dl",
		TimeFormat:       12,
		ShowRawBG:        "never",
		CustomTitle:      "Nightscout",
		Theme:            "default",
		Language:         "en",
		Enable:           []string{},
		AlarmTypes:       []string{"predict"},
		AlarmUrgentHigh:  true,
		AlarmHigh:        true,
		AlarmLow:         true,
		AlarmUrgentLow:   true,
		AlarmTimeagoWarn: true,
		AlarmTimeagoMins: 15,
		AuthDefaultRoles: "readable",
		Thresholds: Thresholds{
			BGHigh:         260,
			BGTargetTop:    180,
			BGTargetBottom: 80,
			BGLow:          55,
		},
	}
}

// IsEnabled reports whether feature is listed in Enable.
func (s Settings) IsEnabled(feature string) bool {
	return slices.Contains(s.Enable, feature)
}

// MergeSettings overlays a decoded JSON object onto s. Nested objects are
// merged key by key; every other value replaces the existing one.
func MergeSettings(s Settings, overlay map[string]any) (Settings, error) {
	if len(overlay) == 0 {
		return s, nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return s, err
	}
	var base map[string]any
	if err := json.Unmarshal(raw, &base); err != nil {
		return s, err
	}
	merged, err := json.Marshal(DeepMerge(base, overlay))
	if err != nil {
		return s, err
	}
	var out Settings
	if err := json.Unmarshal(merged, &out); err != nil {
		return s, fmt.Errorf("merge settings: %w", err)
	}
	return out, nil
}

// MergeExtended overlays per-plugin settings onto ext, returning ext.
// Overlay entries that are not objects are ignored.
func MergeExtended(ext map[string]map[string]any, overlay map[string]any) map[string]map[string]any {
	if ext == nil {
		ext = make(map[string]map[string]any)
	}
	for name, v := range overlay {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		ext[name] = DeepMerge(ext[name], m)
	}
	return ext
}

// DeepMerge merges src into dst and returns dst. Maps merge recursively.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, sv := range src {
		sm, sok := sv.(map[string]any)
		dm, dok := dst[k].(map[string]any)
		if sok && dok {
			dst[k] = DeepMerge(dm, sm)
			continue
		}
		dst[k] = sv
	}
	return dst
}
