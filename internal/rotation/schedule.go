package rotation

import (
	"time"

	"dynamix/internal/config"
)

// DefaultBlockName is the sentinel returned when no time block matches.
const DefaultBlockName = "Default"

// ResolveTimeBlock returns the active block name and pin quota for a
// library at the given instant.
//
// Blocks are checked in document declaration order and the first block
// whose half-open [start_time, end_time) window contains the current
// "HH:MM" wins; later overlapping blocks are unreachable. That tie-break
// is defined behavior, not a bug. Comparison is lexicographic on the
// zero-padded strings, which is correct for same-day ranges only:
// an overnight block (end < start) never matches.
//
// No matching block, an unknown weekday, or a missing/malformed schedule
// all fall back to ("Default", library default quota).
func ResolveTimeBlock(cfg *config.Config, library string, now time.Time) (string, int) {
	defaultLimit := cfg.LibraryDefaultLimit(library)

	ls, ok := cfg.LibrariesSettings[library]
	if !ok {
		return DefaultBlockName, defaultLimit
	}

	day := now.Weekday().String()
	hhmm := now.Format("15:04")

	for _, b := range ls.TimeBlocks[day] {
		if b.StartTime <= hhmm && hhmm < b.EndTime {
			limit := b.Limit
			if limit < 0 {
				limit = defaultLimit
			}
			return b.Name, limit
		}
	}
	return DefaultBlockName, defaultLimit
}
