package rotation

import (
	"encoding/json"
	"time"
)

// CycleSummary describes one completed rotation cycle. It is what the
// cycle-complete hook receives and what the status API reports.
type CycleSummary struct {
	ID       string    `json:"id"`
	Started  time.Time `json:"started"`
	Duration Duration  `json:"duration"`

	// PinnedByLibrary maps library name to the titles pinned this cycle
	// (successfully, i.e. recorded on cooldown).
	PinnedByLibrary map[string][]string `json:"pinned_by_library"`

	// BlockByLibrary maps library name to the resolved time block.
	BlockByLibrary map[string]string `json:"block_by_library"`

	// ResetPerformed is true when the cycle hit the insufficient-quota
	// branch and cleared the cooldown map before the retry pass.
	ResetPerformed bool `json:"reset_performed"`

	// PinErrors counts failed pin/unpin calls (logged and skipped).
	PinErrors int `json:"pin_errors"`

	// LibrariesSkipped counts distinct libraries dropped due to errors,
	// regardless of how many passes they failed in.
	LibrariesSkipped int `json:"libraries_skipped"`
}

// PinnedCount is the total number of collections pinned across libraries.
func (s CycleSummary) PinnedCount() int {
	n := 0
	for _, titles := range s.PinnedByLibrary {
		n += len(titles)
	}
	return n
}

// Duration marshals as a Go duration string ("1m30s") so summaries stay
// human-readable in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Hooks are fire-and-forget notifications for the host. Dispatch is
// asynchronous; a slow host never blocks the loop.
type Hooks struct {
	// CycleComplete fires after every cycle (including reset-retry cycles).
	CycleComplete func(CycleSummary)

	// ExclusionsReset fires whenever the cooldown map is cleared by the
	// loop's reset branch.
	ExclusionsReset func()
}
