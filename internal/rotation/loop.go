package rotation

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"dynamix/internal/config"
	"dynamix/internal/exclusion"
	"dynamix/internal/metrics"
	"dynamix/internal/plex"
	logx "dynamix/pkg/logx"
)

// CollectionService is the remote capability the loop drives. Each call may
// fail independently; the loop treats failures per the recoverable-error
// rules (skip library / skip item), never as fatal mid-cycle.
type CollectionService interface {
	Libraries(ctx context.Context) ([]string, error)
	Collections(ctx context.Context, library string) ([]plex.Collection, error)
	SetPinned(ctx context.Context, library, title string, pinned bool) error
}

// sleepSlice bounds cancellation latency during the inter-cycle sleep.
const sleepSlice = time.Second

// stopTimeout bounds how long Stop waits for the in-flight cycle to reach
// its boundary before giving up (without killing the goroutine).
const stopTimeout = 30 * time.Second

// Deps are the loop's injected collaborators. Config is a snapshot getter
// so hot reloads take effect at the next cycle boundary.
type Deps struct {
	Config  func() *config.Config
	Service CollectionService
	Store   *exclusion.Store
	Clock   clockwork.Clock
	Rand    io.Reader // nil means crypto/rand
	Hooks   Hooks
	Log     logx.Logger
}

// Loop runs rotation cycles on a single background goroutine. Start while
// running is a logged no-op; Stop waits (bounded) for the cycle boundary.
type Loop struct {
	deps Deps

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// kick wakes the sleep phase early (manual trigger, cron trigger).
	kick chan struct{}

	// hookQ decouples hook dispatch from the cycle; a full queue drops the
	// notification rather than blocking the loop.
	hookQ chan func()

	sumMu   sync.Mutex
	lastSum *CycleSummary
}

func New(deps Deps) *Loop {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Loop{
		deps:  deps,
		kick:  make(chan struct{}, 1),
		hookQ: make(chan func(), 16),
	}
}

// Start launches the background cycle goroutine. Starting an already
// running loop is a no-op with a warning, not an error.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		l.deps.Log.Warn("rotation loop already running; start ignored")
		return nil
	}

	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})

	go l.hookWorker(l.stopCh, l.hookQ)
	go l.run(ctx, l.stopCh, l.doneCh)

	l.deps.Log.Info("rotation loop started")
	return nil
}

// Stop signals the loop and waits for the in-flight cycle to reach its
// boundary, up to stopTimeout (or ctx, whichever ends first). The loop is
// cooperative, not preemptible: a timeout returns without a hard kill.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	stopCh, doneCh := l.stopCh, l.doneCh
	l.stopCh, l.doneCh = nil, nil
	l.mu.Unlock()

	close(stopCh)

	t := time.NewTimer(stopTimeout)
	defer t.Stop()
	select {
	case <-doneCh:
		l.deps.Log.Info("rotation loop stopped")
		return nil
	case <-t.C:
		l.deps.Log.Warn("rotation loop did not stop in time; detaching")
		return errors.New("rotation: stop timed out waiting for cycle boundary")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the loop goroutine is active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Trigger wakes the sleep phase so the next cycle starts promptly.
// No-op when the loop is stopped or a trigger is already pending.
func (l *Loop) Trigger() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// LastSummary returns the most recent cycle summary, if any cycle has
// completed since Start.
func (l *Loop) LastSummary() (CycleSummary, bool) {
	l.sumMu.Lock()
	defer l.sumMu.Unlock()
	if l.lastSum == nil {
		return CycleSummary{}, false
	}
	return *l.lastSum, true
}

func (l *Loop) run(ctx context.Context, stopCh chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		if stopped(ctx, stopCh) {
			return
		}

		cfg := l.deps.Config()
		if cfg == nil {
			l.deps.Log.Error("rotation loop has no config; stopping")
			return
		}

		summary := l.runCycle(ctx, cfg)
		l.storeSummary(summary)

		outcome := "ok"
		if summary.ResetPerformed {
			outcome = "reset_retry"
		}
		metrics.CyclesTotal.WithLabelValues(outcome).Inc()
		metrics.CycleDuration.Observe(time.Duration(summary.Duration).Seconds())

		l.deps.Log.Info("cycle complete",
			logx.String("cycle", summary.ID),
			logx.Int("pinned", summary.PinnedCount()),
			logx.Bool("reset", summary.ResetPerformed),
			logx.Duration("took", time.Duration(summary.Duration)),
		)
		if h := l.deps.Hooks.CycleComplete; h != nil {
			s := summary
			l.dispatchHook(func() { h(s) })
		}

		interval := cfg.Interval()
		l.deps.Log.Debug("sleeping until next cycle", logx.Duration("interval", interval))
		if !l.sleep(ctx, stopCh, interval) {
			return
		}
	}
}

// runCycle performs one cycle trigger: a pass, plus at most one immediate
// retry pass after a cooldown reset. The retry is bounded because a reset
// can only grow the eligible set; if a library still cannot fill its quota
// on the retry, it simply pins nothing this cycle.
func (l *Loop) runCycle(ctx context.Context, cfg *config.Config) CycleSummary {
	start := l.deps.Clock.Now()
	summary := CycleSummary{
		ID:              uuid.NewString(),
		Started:         start,
		PinnedByLibrary: map[string][]string{},
		BlockByLibrary:  map[string]string{},
	}
	log := l.deps.Log.With(logx.String("cycle", summary.ID))

	// Distinct libraries skipped this cycle; a library failing in both the
	// first and the retry pass counts once.
	skipped := map[string]struct{}{}

	resetNeeded := l.runPass(ctx, cfg, &summary, skipped, log, false)
	if resetNeeded {
		log.Warn("insufficient eligible collections; resetting exclusion list and retrying")
		if err := l.deps.Store.Reset(); err != nil {
			log.Error("exclusion reset failed", logx.Err(err))
		}
		metrics.ExclusionResetsTotal.WithLabelValues("policy").Inc()
		summary.ResetPerformed = true
		if h := l.deps.Hooks.ExclusionsReset; h != nil {
			l.dispatchHook(h)
		}

		// retry pass: summary accumulates on top of the first pass
		l.runPass(ctx, cfg, &summary, skipped, log, true)
	}

	summary.LibrariesSkipped = len(skipped)
	summary.Duration = Duration(l.deps.Clock.Since(start))
	return summary
}

// runPass walks cycle steps 1-6. Returns true when a library reported an
// insufficient quota and a reset-and-retry is required (never on the final
// pass, where insufficiency just means no pins for that library).
func (l *Loop) runPass(ctx context.Context, cfg *config.Config, summary *CycleSummary, skipped map[string]struct{}, log logx.Logger, finalPass bool) bool {
	now := l.deps.Clock.Now()

	// Step 1: clean expired cooldowns.
	cooldowns, err := l.deps.Store.Clean(now)
	if err != nil {
		log.Error("cooldown cleanup persist failed; continuing from memory", logx.Err(err))
	}
	exemptions := l.deps.Store.LoadExemptions()

	// Step 2: always-pinned special case, before the sweep so the sweep
	// cannot disturb it.
	l.applyAlwaysPinned(ctx, cfg, log)

	// Step 3: unpin sweep.
	l.unpinAll(ctx, cfg, log)

	// Step 4: per-library selection.
	type libPick struct {
		library string
		picks   []plex.Collection
	}
	var picks []libPick

	for _, library := range cfg.Libraries {
		lg := log.With(logx.String("library", library))

		collections, err := l.deps.Service.Collections(ctx, library)
		if err != nil {
			lg.Error("listing collections failed; skipping library", logx.Err(err))
			metrics.LibraryErrorsTotal.WithLabelValues(library).Inc()
			skipped[library] = struct{}{}
			continue
		}

		block, quota := ResolveTimeBlock(cfg, library, now)
		summary.BlockByLibrary[library] = block
		lg.Info("resolved time block", logx.String("block", block), logx.Int("quota", quota))

		res, err := Select(collections, quota, cfg.MinimumItems, cooldowns, exemptions, l.deps.Rand)
		if err != nil {
			lg.Error("selection failed; skipping library", logx.Err(err))
			skipped[library] = struct{}{}
			continue
		}
		metrics.EligibleCollections.WithLabelValues(library).Set(float64(res.EligibleCount))

		if res.InsufficientQuota {
			if !finalPass {
				lg.Warn("not enough eligible collections",
					logx.Int("required", quota), logx.Int("eligible", res.EligibleCount))
				// Remaining libraries are deferred to the retry pass.
				return true
			}
			lg.Warn("still not enough eligible collections after reset; pinning none",
				logx.Int("required", quota), logx.Int("eligible", res.EligibleCount))
			continue
		}

		picks = append(picks, libPick{library: library, picks: res.Selected})
	}

	// Step 5/6: pin and record. Failed pins are skipped and kept off the
	// cooldown list so they stay eligible next cycle.
	var pinned []string
	for _, lp := range picks {
		for _, c := range lp.picks {
			if err := l.deps.Service.SetPinned(ctx, lp.library, c.Title, true); err != nil {
				log.Error("pin failed; skipping collection",
					logx.String("library", lp.library), logx.String("title", c.Title), logx.Err(err))
				metrics.PinOpsTotal.WithLabelValues(lp.library, "pin", "error").Inc()
				summary.PinErrors++
				continue
			}
			metrics.PinOpsTotal.WithLabelValues(lp.library, "pin", "ok").Inc()
			log.Info("collection pinned",
				logx.String("library", lp.library), logx.String("title", c.Title))
			pinned = append(pinned, c.Title)
			summary.PinnedByLibrary[lp.library] = append(summary.PinnedByLibrary[lp.library], c.Title)
		}
	}
	if len(pinned) > 0 {
		if err := l.deps.Store.Record(pinned, cfg.ExclusionDays, now); err != nil {
			log.Error("recording cooldowns failed", logx.Err(err))
		}
	}
	return false
}

// applyAlwaysPinned forces the configured sentinel collection pinned or
// unpinned in every library, per the always_pin flag.
func (l *Loop) applyAlwaysPinned(ctx context.Context, cfg *config.Config, log logx.Logger) {
	want := strings.ToLower(strings.TrimSpace(cfg.AlwaysPinnedTitle))
	if want == "" {
		return
	}
	for _, library := range cfg.Libraries {
		collections, err := l.deps.Service.Collections(ctx, library)
		if err != nil {
			log.Error("always-pinned check: listing failed",
				logx.String("library", library), logx.Err(err))
			continue
		}
		for _, c := range collections {
			if strings.ToLower(c.Title) != want {
				continue
			}
			op := "unpin"
			if cfg.AlwaysPinNewEpisodes {
				op = "pin"
			}
			if err := l.deps.Service.SetPinned(ctx, library, c.Title, cfg.AlwaysPinNewEpisodes); err != nil {
				log.Error("always-pinned update failed",
					logx.String("library", library), logx.String("title", c.Title), logx.Err(err))
				metrics.PinOpsTotal.WithLabelValues(library, op, "error").Inc()
			} else {
				metrics.PinOpsTotal.WithLabelValues(library, op, "ok").Inc()
			}
			// one sentinel collection per library
			break
		}
	}
}

// unpinAll demotes every currently pinned collection, except the sentinel
// when it is configured to stay pinned.
func (l *Loop) unpinAll(ctx context.Context, cfg *config.Config, log logx.Logger) {
	keep := ""
	if cfg.AlwaysPinNewEpisodes {
		keep = strings.ToLower(strings.TrimSpace(cfg.AlwaysPinnedTitle))
	}
	for _, library := range cfg.Libraries {
		collections, err := l.deps.Service.Collections(ctx, library)
		if err != nil {
			log.Error("unpin sweep: listing failed",
				logx.String("library", library), logx.Err(err))
			continue
		}
		for _, c := range collections {
			if !c.Pinned {
				continue
			}
			if keep != "" && strings.ToLower(c.Title) == keep {
				continue
			}
			if err := l.deps.Service.SetPinned(ctx, library, c.Title, false); err != nil {
				log.Error("unpin failed; skipping collection",
					logx.String("library", library), logx.String("title", c.Title), logx.Err(err))
				metrics.PinOpsTotal.WithLabelValues(library, "unpin", "error").Inc()
				continue
			}
			metrics.PinOpsTotal.WithLabelValues(library, "unpin", "ok").Inc()
		}
	}
}

// sleep waits for the interval in short slices so stop/cancel latency stays
// bounded regardless of the configured interval. Returns false when the
// loop should exit, true when the next cycle should run (interval elapsed
// or an explicit trigger arrived).
func (l *Loop) sleep(ctx context.Context, stopCh chan struct{}, d time.Duration) bool {
	deadline := l.deps.Clock.Now().Add(d)
	for {
		remaining := deadline.Sub(l.deps.Clock.Now())
		if remaining <= 0 {
			return true
		}
		slice := sleepSlice
		if remaining < slice {
			slice = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-stopCh:
			return false
		case <-l.kick:
			l.deps.Log.Info("rotation triggered; waking early")
			return true
		case <-l.deps.Clock.After(slice):
		}
	}
}

func (l *Loop) storeSummary(s CycleSummary) {
	l.sumMu.Lock()
	l.lastSum = &s
	l.sumMu.Unlock()
}

func (l *Loop) dispatchHook(fn func()) {
	select {
	case l.hookQ <- fn:
	default:
		l.deps.Log.Warn("hook queue full; dropping notification")
	}
}

func (l *Loop) hookWorker(stopCh chan struct{}, q chan func()) {
	for {
		select {
		case <-stopCh:
			return
		case fn := <-q:
			fn()
		}
	}
}

func stopped(ctx context.Context, stopCh chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stopCh:
		return true
	default:
		return false
	}
}
