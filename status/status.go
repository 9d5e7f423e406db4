// Package status reports the server status block sent to clients on
// connect and served at /api/v1/status.
package status

import (
	"time"

	"github.com/Masterminds/semver"
	"github.com/ggoodman/cgm-relay-go/config"
	"github.com/ggoodman/cgm-relay-go/ddata"
	"github.com/ggoodman/cgm-relay-go/storage"
)

// Info is the status block.
type Info struct {
	Status            string                    `json:"status"`
	Name              string                    `json:"name"`
	Version           string                    `json:"version"`
	VersionNum        int64                     `json:"versionNum"`
	ServerTime        string                    `json:"serverTime"`
	ServerTimeEpoch   int64                     `json:"serverTimeEpoch"`
	APIEnabled        bool                      `json:"apiEnabled"`
	CareportalEnabled bool                      `json:"careportalEnabled"`
	BoluscalcEnabled  bool                      `json:"boluscalcEnabled"`
	Settings          config.Settings           `json:"settings"`
	ExtendedSettings  map[string]map[string]any `json:"extendedSettings"`
	ActiveProfile     string                    `json:"activeProfile,omitempty"`
}

// ExtendedSettingsSource filters extended settings down to what clients
// may see.
type ExtendedSettingsSource interface {
	ExtendedClientSettings(map[string]map[string]any) map[string]map[string]any
}

// Build assembles the status block. snapshot and plugins may be nil.
func Build(env *config.Env, snapshot *ddata.Snapshot, plugins ExtendedSettingsSource, now time.Time) Info {
	apiEnabled := env.APISecret != ""
	info := Info{
		Status:            "ok",
		Name:              env.Name,
		Version:           env.Version,
		VersionNum:        VersionNum(env.Version),
		ServerTime:        storage.FormatTime(now),
		ServerTimeEpoch:   now.UnixMilli(),
		APIEnabled:        apiEnabled,
		CareportalEnabled: apiEnabled && env.Settings.IsEnabled("careportal"),
		BoluscalcEnabled:  apiEnabled && env.Settings.IsEnabled("boluscalc"),
		Settings:          env.Settings,
		ExtendedSettings:  map[string]map[string]any{},
	}
	if plugins != nil {
		info.ExtendedSettings = plugins.ExtendedClientSettings(env.ExtendedSettings)
	}
	if snapshot != nil && snapshot.LastProfileFromSwitch != "" {
		info.ActiveProfile = snapshot.LastProfileFromSwitch
	}
	return info
}

// VersionNum encodes a semantic version as major*10000 + minor*100 + patch,
// or 0 when v does not parse.
func VersionNum(v string) int64 {
	sv, err := semver.NewVersion(v)
	if err != nil {
		return 0
	}
	return sv.Major()*10000 + sv.Minor()*100 + sv.Patch()
}
