package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "dynamix/pkg/logx"
)

const sampleConfig = `{
    "plex_url": "http://plex.local:32400",
    "plex_token": "secret",
    "libraries": ["TV Shows", "Movies"],
    "minimum_items": 2,
    "exclusion_days": 3,
    "always_pin_new_episodes": true,
    "pinning_interval": 60,
    "default_limits": {"Movies": 3},
    "libraries_settings": {
        "TV Shows": {
            "default_limit": 6,
            "time_blocks": {
                "Monday": {
                    "Morning": {"start_time": "06:00", "end_time": "12:00", "limit": 2},
                    "Afternoon": {"start_time": "12:00", "end_time": "18:00", "limit": 4},
                    "Evening": {"start_time": "18:00", "end_time": "23:00", "limit": 7}
                }
            }
        }
    }
}`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestManagerLoadJSON(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, "config.json", sampleConfig))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Same(t, cfg, m.Get())

	assert.Equal(t, "http://plex.local:32400", cfg.PlexURL)
	assert.Equal(t, []string{"TV Shows", "Movies"}, cfg.Libraries)
	assert.Equal(t, 2, cfg.MinimumItems)
	assert.True(t, cfg.AlwaysPinNewEpisodes)
	assert.Equal(t, 60*time.Minute, cfg.Interval())
}

func TestTimeBlocksPreserveDeclarationOrder(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, "config.json", sampleConfig))
	cfg, err := m.Load()
	require.NoError(t, err)

	blocks := cfg.LibrariesSettings["TV Shows"].TimeBlocks["Monday"]
	require.Len(t, blocks, 3)
	names := []string{blocks[0].Name, blocks[1].Name, blocks[2].Name}
	assert.Equal(t, []string{"Morning", "Afternoon", "Evening"}, names)
	assert.Equal(t, "06:00", blocks[0].StartTime)
	assert.Equal(t, 7, blocks[2].Limit)
}

func TestBlockListMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	in := BlockList{
		{Name: "B", StartTime: "10:00", EndTime: "12:00", Limit: 1},
		{Name: "A", StartTime: "12:00", EndTime: "14:00", Limit: 2},
	}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out BlockList
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestMalformedTimeBlocksFailSoft(t *testing.T) {
	t.Parallel()

	body := `{
        "plex_url": "http://plex.local:32400",
        "plex_token": "secret",
        "libraries": ["TV Shows"],
        "libraries_settings": {
            "TV Shows": {
                "time_blocks": {
                    "Monday": "what even is this",
                    "Tuesday": {"Morning": {"start_time": "06:00", "end_time": "12:00", "limit": 2}}
                }
            }
        }
    }`
	m := NewManager(writeConfig(t, "config.json", body))
	cfg, err := m.Load()
	require.NoError(t, err, "a malformed day must not fail the whole document")

	tb := cfg.LibrariesSettings["TV Shows"].TimeBlocks
	assert.Empty(t, tb["Monday"])
	require.Len(t, tb["Tuesday"], 1)
	assert.Equal(t, "Morning", tb["Tuesday"][0].Name)
}

func TestMalformedLibrariesSettingsFailSoft(t *testing.T) {
	t.Parallel()

	// The whole mapping is garbage: coerced to empty, not a load error.
	body := `{
        "plex_url": "http://plex.local:32400",
        "plex_token": "secret",
        "libraries": ["TV Shows"],
        "libraries_settings": "oops"
    }`
	m := NewManager(writeConfig(t, "config.json", body))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.LibrariesSettings)

	// A single malformed entry is coerced; siblings survive.
	body = `{
        "plex_url": "http://plex.local:32400",
        "plex_token": "secret",
        "libraries": ["TV Shows", "Movies"],
        "libraries_settings": {
            "TV Shows": 42,
            "Movies": {"default_limit": 3}
        }
    }`
	m = NewManager(writeConfig(t, "config.json", body))
	cfg, err = m.Load()
	require.NoError(t, err)
	assert.Equal(t, LibrarySettings{}, cfg.LibrariesSettings["TV Shows"])
	assert.Equal(t, 3, cfg.LibrariesSettings["Movies"].DefaultLimit)
}

func TestManagerLoadYAML(t *testing.T) {
	t.Parallel()

	body := `
plex_url: http://plex.local:32400
plex_token: secret
libraries:
  - TV Shows
pinning_interval: 15
`
	m := NewManager(writeConfig(t, "config.yaml", body))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"TV Shows"}, cfg.Libraries)
	assert.Equal(t, 15, cfg.PinningInterval)
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	body := `{"plex_url": "u", "plex_token": "t", "libraries": ["TV"]} {"extra": true}`
	m := NewManager(writeConfig(t, "config.json", body))
	_, err := m.Load()
	require.Error(t, err)
}

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{API: APIConfig{Enabled: true}}
	cfg.Normalize(logx.Nop())

	assert.Equal(t, DefaultMinimumItems, cfg.MinimumItems)
	assert.Equal(t, DefaultExclusionDays, cfg.ExclusionDays)
	assert.Equal(t, DefaultPinningInterval, cfg.PinningInterval)
	assert.Equal(t, DefaultAlwaysPinnedTitle, cfg.AlwaysPinnedTitle)
	assert.Equal(t, ".", cfg.StateDir)
	assert.Equal(t, DefaultAPIAddr, cfg.API.Addr)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	ok := &Config{PlexURL: "http://p", PlexToken: "t", Libraries: []string{"TV"}}
	assert.NoError(t, ok.Validate())

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing url", cfg: Config{PlexToken: "t", Libraries: []string{"TV"}}},
		{name: "missing token", cfg: Config{PlexURL: "u", Libraries: []string{"TV"}}},
		{name: "no libraries", cfg: Config{PlexURL: "u", PlexToken: "t"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}

func TestValidHHMM(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"00:00", "09:30", "23:59"} {
		assert.True(t, ValidHHMM(s), s)
	}
	for _, s := range []string{"24:00", "9:30", "12:60", "noon", ""} {
		assert.False(t, ValidHHMM(s), s)
	}
}

func TestLibraryDefaultLimit(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		DefaultLimits: map[string]int{"Movies": 3},
		LibrariesSettings: LibrarySettingsMap{
			"TV Shows": {DefaultLimit: 6},
		},
	}
	assert.Equal(t, 6, cfg.LibraryDefaultLimit("TV Shows"))
	assert.Equal(t, 3, cfg.LibraryDefaultLimit("Movies"))
	assert.Equal(t, DefaultLibraryLimit, cfg.LibraryDefaultLimit("Music"))
}
