package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_SECRET", "")
	t.Setenv("STORAGE_URI", "")
	t.Setenv("HISTORY_HOURS", "")

	env, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory://", env.StorageURI)
	assert.Equal(t, 48, env.HistoryHours)
	assert.Equal(t, 60, env.HeartbeatSeconds)
	assert.Equal(t, "entries", env.EntriesCollection)
	assert.Equal(t, "auth_roles", env.RolesCollection)
	assert.Equal(t, "readable", env.Settings.AuthDefaultRoles)
	assert.Empty(t, env.APISecretHash)
	assert.NoError(t, env.Err)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("API_SECRET", "this is my long pass phrase")
	t.Setenv("ENABLE", "careportal boluscalc basal")
	t.Setenv("DISPLAY_UNITS", "mmol")
	t.Setenv("BASAL_RENDER", "default")
	t.Setenv("BASAL_SHOW_ALWAYS", "true")
	t.Setenv("TREATMENTS_COLLECTION", "tx")

	env, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "b723e97aa97846eb92d5264f084b2823f57c4aa1", env.APISecretHash)
	assert.Equal(t, []string{"careportal", "boluscalc", "basal"}, env.Settings.Enable)
	assert.True(t, env.Settings.IsEnabled("careportal"))
	assert.Equal(t, "mmol", env.Settings.Units)
	assert.Equal(t, "tx", env.Collections()["treatments"])
	assert.Equal(t, map[string]any{"render": "default", "showAlways": true}, env.ExtendedSettings["basal"])
}

func TestShortSecretIsAnEnvError(t *testing.T) {
	env := New(Vars{APISecret: "short", HistoryHours: 48, HeartbeatSeconds: 60}, nil)
	require.Error(t, env.Err)
	assert.Contains(t, env.Err.Error(), "API_SECRET")
	assert.NotEmpty(t, env.APISecretHash)
}

func TestExtendedSettingsOnlyForEnabledPlugins(t *testing.T) {
	ext := extendedFromEnviron([]string{"cage", "pump"}, []string{
		"CAGE_INFO=44",
		"PUMP_FIELDS=reservoir battery",
		"SAGE_INFO=100",
		"CAGE_=ignored",
		"garbage",
	})
	assert.Equal(t, map[string]map[string]any{
		"cage": {"info": 44.0},
		"pump": {"fields": "reservoir battery"},
	}, ext)
}

func TestCamelCase(t *testing.T) {
	assert.Equal(t, "render", camelCase("RENDER"))
	assert.Equal(t, "enableAlerts", camelCase("ENABLE_ALERTS"))
	assert.Equal(t, "warnBatV", camelCase("WARN__BAT_V"))
}

func TestMergeSettings(t *testing.T) {
	base := DefaultSettings()
	merged, err := MergeSettings(base, map[string]any{
		"units":      "mmol",
		"enable":     []any{"careportal"},
		"thresholds": map[string]any{"bgHigh": 300.0},
	})
	require.NoError(t, err)
	assert.Equal(t, "mmol", merged.Units)
	assert.Equal(t, []string{"careportal"}, merged.Enable)
	assert.Equal(t, 300.0, merged.Thresholds.BGHigh)
	assert.Equal(t, base.Thresholds.BGLow, merged.Thresholds.BGLow)
	assert.Equal(t, base.Theme, merged.Theme)
}

func TestMergeSettingsRejectsWrongTypes(t *testing.T) {
	base := DefaultSettings()
	_, err := MergeSettings(base, map[string]any{"timeFormat": "twelve"})
	assert.Error(t, err)
}

func TestMergeExtended(t *testing.T) {
	ext := map[string]map[string]any{"basal": {"render": "default", "opts": map[string]any{"a": 1.0}}}
	ext = MergeExtended(ext, map[string]any{
		"basal": map[string]any{"opts": map[string]any{"b": 2.0}},
		"pump":  map[string]any{"fields": "battery"},
		"bogus": "not an object",
	})
	assert.Equal(t, map[string]any{"render": "default", "opts": map[string]any{"a": 1.0, "b": 2.0}}, ext["basal"])
	assert.Equal(t, map[string]any{"fields": "battery"}, ext["pump"])
	assert.NotContains(t, ext, "bogus")
}
