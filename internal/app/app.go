// Package app is the composition root: it wires the config manager,
// logging, the Plex client, the exclusion store, the rotation loop, the
// control-plane API, cron triggers, and systemd readiness into one
// start/stop lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	sdaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"dynamix/internal/api"
	"dynamix/internal/config"
	"dynamix/internal/exclusion"
	"dynamix/internal/notify"
	"dynamix/internal/plex"
	"dynamix/internal/rotation"
	logx "dynamix/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	logs *logx.Service
	log  logx.Logger

	plex  *plex.Client
	store *exclusion.Store
	loop  *rotation.Loop
	api   *api.Server
	tg    *notify.Telegram

	cronMu    sync.Mutex
	cron      *cron.Cron
	cronSpecs []string

	watchCancel context.CancelFunc
	watchWG     sync.WaitGroup
}

// New loads and validates the configuration and builds all components.
// Configuration problems are fatal here, before any goroutine starts.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config %q: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || !cfg.Logging.File.Enabled,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	cfgm.SetLogger(logSvc.Logger().With(logx.String("comp", "config")))
	cfgm.SetValidator(func(ctx context.Context, c *config.Config) error {
		return c.Validate()
	})

	pc, err := plex.NewClient(plex.Config{
		BaseURL: cfg.PlexURL,
		Token:   cfg.PlexToken,
	}, logSvc.Logger().With(logx.String("comp", "plex")))
	if err != nil {
		return nil, err
	}

	store := exclusion.NewStore(cfg.StateDir, logSvc.Logger().With(logx.String("comp", "exclusion")))

	a := &App{
		cfgm:  cfgm,
		logs:  logSvc,
		log:   log,
		plex:  pc,
		store: store,
	}

	hooks := rotation.Hooks{}
	if tc := cfg.Telegram; tc != nil && tc.Enabled {
		tg, err := notify.NewTelegram(*tc, logSvc.Logger().With(logx.String("comp", "telegram")))
		if err != nil {
			// Reports are a convenience; a bad token must not keep the
			// scheduler from running.
			log.Warn("telegram notifier disabled", logx.Err(err))
		} else {
			a.tg = tg
			hooks.CycleComplete = tg.CycleComplete
			hooks.ExclusionsReset = tg.ExclusionsReset
		}
	}

	a.loop = rotation.New(rotation.Deps{
		Config:  cfgm.Get,
		Service: pc,
		Store:   store,
		Clock:   clockwork.NewRealClock(),
		Hooks:   hooks,
		Log:     logSvc.Logger().With(logx.String("comp", "rotation")),
	})

	a.api = api.New(a.loop, store, cfgm.Get, a.onManualReset, logSvc.Logger().With(logx.String("comp", "api")))

	return a, nil
}

// Start verifies the Plex server is reachable (fatal if not), then starts
// the rotation loop, the API server, cron triggers, and the config watch.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	name, err := a.plex.Identity(checkCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("plex server unreachable: %w", err)
	}
	a.log.Info("connected to plex server", logx.String("server", name))

	a.warnUnknownLibraries(ctx, cfg)

	if err := a.loop.Start(ctx); err != nil {
		return err
	}

	if cfg.API.Enabled {
		a.api.Start(cfg.API.Addr)
	}

	a.applyCrons(cfg.RotationCrons)

	// Config watch: hot-reload logging and cron triggers; the loop itself
	// reads a fresh snapshot at each cycle boundary.
	watchCtx, watchCancel := context.WithCancel(ctx)
	a.watchCancel = watchCancel
	a.watchWG.Add(2)
	go func() {
		defer a.watchWG.Done()
		_ = a.cfgm.Watch(watchCtx)
	}()
	sub := a.cfgm.Subscribe(1)
	go func() {
		defer a.watchWG.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-watchCtx.Done():
				return
			case nc, ok := <-sub:
				if !ok || nc == nil {
					return
				}
				a.applyConfig(nc)
			}
		}
	}()

	if sent, err := sdaemon.SdNotify(false, sdaemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify: ready")
	}

	a.log.Info("dynamix started",
		logx.Strs("libraries", cfg.Libraries),
		logx.Int("interval_minutes", cfg.PinningInterval))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = sdaemon.SdNotify(false, sdaemon.SdNotifyStopping)

	if a.watchCancel != nil {
		a.watchCancel()
	}

	a.cronMu.Lock()
	if a.cron != nil {
		<-a.cron.Stop().Done()
		a.cron = nil
	}
	a.cronMu.Unlock()

	err := a.loop.Stop(ctx)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if serr := a.api.Shutdown(sctx); serr != nil && err == nil {
		err = serr
	}

	a.watchWG.Wait()
	_ = a.logs.Close()
	return err
}

// Loop exposes the rotation loop (tests, host integration).
func (a *App) Loop() *rotation.Loop { return a.loop }

func (a *App) onManualReset() {
	if a.tg != nil {
		a.tg.ExclusionsReset()
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.log.Info("configuration reloaded; changes apply at the next cycle")
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || !cfg.Logging.File.Enabled,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.applyCrons(cfg.RotationCrons)
}

// applyCrons (re)registers wall-clock rotation triggers. Each spec fires
// Trigger(), which wakes the loop's sleep phase early.
func (a *App) applyCrons(specs []string) {
	a.cronMu.Lock()
	defer a.cronMu.Unlock()

	if equalStrings(a.cronSpecs, specs) {
		return
	}
	if a.cron != nil {
		<-a.cron.Stop().Done()
		a.cron = nil
	}
	a.cronSpecs = append([]string(nil), specs...)
	if len(specs) == 0 {
		return
	}

	c := cron.New()
	registered := 0
	for _, spec := range specs {
		if _, err := c.AddFunc(spec, a.loop.Trigger); err != nil {
			a.log.Warn("invalid rotation cron spec; skipping",
				logx.String("spec", spec), logx.Err(err))
			continue
		}
		registered++
	}
	if registered == 0 {
		return
	}
	c.Start()
	a.cron = c
	a.log.Info("rotation cron triggers registered", logx.Int("count", registered))
}

func (a *App) warnUnknownLibraries(ctx context.Context, cfg *config.Config) {
	lctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	available, err := a.plex.Libraries(lctx)
	if err != nil {
		a.log.Warn("could not list plex libraries", logx.Err(err))
		return
	}
	known := map[string]struct{}{}
	for _, l := range available {
		known[l] = struct{}{}
	}
	for _, l := range cfg.Libraries {
		if _, ok := known[l]; !ok {
			a.log.Warn("configured library not found on server", logx.String("library", l))
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
