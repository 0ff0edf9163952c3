package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	logx "dynamix/pkg/logx"
)

// Config is the on-disk configuration document.
//
// The canonical format is JSON; YAML documents are coerced through the same
// decoder. Unknown keys are tolerated so older documents keep loading.
type Config struct {
	PlexURL   string   `json:"plex_url"`
	PlexToken string   `json:"plex_token"`
	Libraries []string `json:"libraries"`

	// MinimumItems is the smallest item count a collection needs to be
	// considered for pinning. Defaults to 1.
	MinimumItems int `json:"minimum_items"`

	// ExclusionDays is how long a pinned collection stays on cooldown.
	// Defaults to 3.
	ExclusionDays int `json:"exclusion_days"`

	AlwaysPinNewEpisodes bool `json:"always_pin_new_episodes"`

	// AlwaysPinnedTitle is the collection title the always_pin flag applies
	// to. Defaults to "New Episodes". Matched case-insensitively.
	AlwaysPinnedTitle string `json:"always_pinned_title,omitempty"`

	// PinningInterval is the cycle interval in minutes. Defaults to 30.
	PinningInterval int `json:"pinning_interval"`

	DefaultLimits     map[string]int     `json:"default_limits,omitempty"`
	LibrariesSettings LibrarySettingsMap `json:"libraries_settings,omitempty"`

	// RotationCrons are optional cron specs that trigger an extra cycle at
	// wall-clock times (e.g. at time-block boundaries), on top of the
	// regular interval.
	RotationCrons []string `json:"rotation_crons,omitempty"`

	// StateDir is where the cooldown and exemption documents live.
	// Defaults to ".".
	StateDir string `json:"state_dir,omitempty"`

	Logging  LoggingConfig   `json:"logging,omitempty"`
	API      APIConfig       `json:"api,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// APIConfig controls the control-plane HTTP server.
//
// Security note: prefer binding to localhost (e.g. "127.0.0.1:8077");
// the API has no auth of its own.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8077"
}

// TelegramConfig controls optional cycle reports to a Telegram chat.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`
}

// LibrarySettingsMap maps a library title to its scheduling overrides.
// Like WeekSchedule, it fails soft: a non-object value (the whole mapping
// or a single library's entry) is coerced to empty instead of failing the
// document load.
type LibrarySettingsMap map[string]LibrarySettings

func (m *LibrarySettingsMap) UnmarshalJSON(data []byte) error {
	*m = LibrarySettingsMap{}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	for lib, rv := range raw {
		var ls LibrarySettings
		if err := json.Unmarshal(rv, &ls); err != nil {
			(*m)[lib] = LibrarySettings{}
			continue
		}
		(*m)[lib] = ls
	}
	return nil
}

// LibrarySettings holds per-library scheduling overrides.
type LibrarySettings struct {
	// DefaultLimit is the pin quota used when no time block matches.
	DefaultLimit int `json:"default_limit,omitempty"`

	TimeBlocks WeekSchedule `json:"time_blocks,omitempty"`
}

// WeekSchedule maps a weekday name ("Monday".."Sunday") to that day's
// ordered time blocks. A malformed day is coerced to an empty block list
// instead of failing the whole document load.
type WeekSchedule map[string]BlockList

func (ws *WeekSchedule) UnmarshalJSON(data []byte) error {
	*ws = WeekSchedule{}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// whole mapping malformed: coerce to empty
		return nil
	}
	for day, rv := range raw {
		var bl BlockList
		if err := json.Unmarshal(rv, &bl); err != nil {
			(*ws)[day] = BlockList{}
			continue
		}
		(*ws)[day] = bl
	}
	return nil
}

// TimeBlock is one scheduling window within a day. Times are "HH:MM"
// wall-clock strings; the window is half-open [StartTime, EndTime).
//
// Limit is the block's pin quota. A negative value means "use the library
// default"; a document that omits the limit key decodes to -1, while an
// explicit 0 really means pin nothing during the block.
type TimeBlock struct {
	Name      string `json:"-"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Limit     int    `json:"limit"`
}

// BlockList is a day's time blocks in document declaration order.
//
// The document encodes blocks as a JSON object keyed by block name.
// encoding/json maps would lose key order, and the resolver's tie-break
// rule ("first declared block wins") depends on it, so decoding walks the
// token stream instead.
type BlockList []TimeBlock

func (bl *BlockList) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("time blocks: expected object, got %v", tok)
	}
	var out BlockList
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := kt.(string)
		if !ok {
			return fmt.Errorf("time blocks: invalid key %v", kt)
		}
		// Limit decodes through a pointer so an absent key is told apart
		// from an explicit 0.
		var wire struct {
			StartTime string `json:"start_time"`
			EndTime   string `json:"end_time"`
			Limit     *int   `json:"limit"`
		}
		if err := dec.Decode(&wire); err != nil {
			return fmt.Errorf("time block %q: %w", name, err)
		}
		tb := TimeBlock{
			Name:      name,
			StartTime: wire.StartTime,
			EndTime:   wire.EndTime,
			Limit:     -1,
		}
		if wire.Limit != nil {
			tb.Limit = *wire.Limit
		}
		out = append(out, tb)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*bl = out
	return nil
}

func (bl BlockList) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, b := range bl {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(b.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(struct {
			StartTime string `json:"start_time"`
			EndTime   string `json:"end_time"`
			Limit     int    `json:"limit"`
		}{b.StartTime, b.EndTime, b.Limit})
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Defaults applied by Normalize.
const (
	DefaultMinimumItems      = 1
	DefaultExclusionDays     = 3
	DefaultPinningInterval   = 30
	DefaultLibraryLimit      = 5
	DefaultAlwaysPinnedTitle = "New Episodes"
	DefaultAPIAddr           = "127.0.0.1:8077"
)

// Normalize fills defaults and warns about schedule entries that can never
// match (bad HH:MM strings, end not after start). It never drops data; the
// resolver is tolerant of whatever survives.
func (c *Config) Normalize(log logx.Logger) {
	if c.MinimumItems <= 0 {
		c.MinimumItems = DefaultMinimumItems
	}
	if c.ExclusionDays <= 0 {
		c.ExclusionDays = DefaultExclusionDays
	}
	if c.PinningInterval <= 0 {
		c.PinningInterval = DefaultPinningInterval
	}
	if strings.TrimSpace(c.AlwaysPinnedTitle) == "" {
		c.AlwaysPinnedTitle = DefaultAlwaysPinnedTitle
	}
	if strings.TrimSpace(c.StateDir) == "" {
		c.StateDir = "."
	}
	if c.API.Enabled && strings.TrimSpace(c.API.Addr) == "" {
		c.API.Addr = DefaultAPIAddr
	}

	if log.IsZero() {
		return
	}
	for lib, ls := range c.LibrariesSettings {
		for day, blocks := range ls.TimeBlocks {
			for _, b := range blocks {
				if !ValidHHMM(b.StartTime) || !ValidHHMM(b.EndTime) {
					log.Warn("time block has invalid HH:MM times",
						logx.String("library", lib),
						logx.String("day", day),
						logx.String("block", b.Name))
					continue
				}
				if b.EndTime <= b.StartTime {
					// Overnight spans are unsupported; the block never matches.
					log.Warn("time block end is not after start; block will never match",
						logx.String("library", lib),
						logx.String("day", day),
						logx.String("block", b.Name))
				}
			}
		}
	}
}

// Validate reports errors that make the configuration unusable.
// Used both at startup (fatal) and by the watch validator (reject reload).
func (c *Config) Validate() error {
	if strings.TrimSpace(c.PlexURL) == "" {
		return fmt.Errorf("plex_url is required")
	}
	if strings.TrimSpace(c.PlexToken) == "" {
		return fmt.Errorf("plex_token is required")
	}
	if len(c.Libraries) == 0 {
		return fmt.Errorf("libraries must not be empty")
	}
	if c.PinningInterval < 0 {
		return fmt.Errorf("pinning_interval must be >= 0")
	}
	return nil
}

// Interval returns the cycle interval as a duration.
func (c *Config) Interval() time.Duration {
	n := c.PinningInterval
	if n <= 0 {
		n = DefaultPinningInterval
	}
	return time.Duration(n) * time.Minute
}

// LibraryDefaultLimit resolves the quota used when no time block matches:
// per-library settings first, then the top-level default_limits map, then 5.
func (c *Config) LibraryDefaultLimit(library string) int {
	if ls, ok := c.LibrariesSettings[library]; ok && ls.DefaultLimit > 0 {
		return ls.DefaultLimit
	}
	if n, ok := c.DefaultLimits[library]; ok && n > 0 {
		return n
	}
	return DefaultLibraryLimit
}

// ValidHHMM reports whether s is a zero-padded 24h "HH:MM" string.
func ValidHHMM(s string) bool {
	_, err := time.Parse("15:04", s)
	return err == nil && len(s) == 5
}
