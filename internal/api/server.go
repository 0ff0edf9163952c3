// Package api is the control-plane HTTP server: status, exclusion and
// exemption review, manual rotation control, health, and metrics. It
// replaces the GUI surfaces a desktop build of this tool would have.
//
// The API reads persisted state through the exclusion store (fresh reads,
// not the loop's in-memory snapshot), so it never races the cycle.
package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dynamix/internal/config"
	"dynamix/internal/exclusion"
	"dynamix/internal/metrics"
	"dynamix/internal/rotation"
	logx "dynamix/pkg/logx"
)

// RotationController is what the API needs from the rotation loop.
type RotationController interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
	Trigger()
	LastSummary() (rotation.CycleSummary, bool)
}

type Server struct {
	e     *echo.Echo
	loop  RotationController
	store *exclusion.Store
	cfg   func() *config.Config
	log   logx.Logger

	// onExclusionsReset lets the host observe manual resets the same way
	// it observes policy resets from the loop.
	onExclusionsReset func()

	startTime time.Time
}

func New(loop RotationController, store *exclusion.Store, cfg func() *config.Config, onExclusionsReset func(), log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		loop:              loop,
		store:             store,
		cfg:               cfg,
		log:               log,
		onExclusionsReset: onExclusionsReset,
		startTime:         time.Now(),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	g := e.Group("/api")
	g.GET("/status", s.handleStatus)
	g.POST("/rotation/start", s.handleRotationStart)
	g.POST("/rotation/stop", s.handleRotationStop)
	g.POST("/rotation/trigger", s.handleRotationTrigger)
	g.GET("/exclusions", s.handleExclusionsList)
	g.DELETE("/exclusions/:title", s.handleExclusionRemove)
	g.POST("/exclusions/reset", s.handleExclusionsReset)
	g.GET("/exemptions", s.handleExemptionsList)
	g.PUT("/exemptions", s.handleExemptionsPut)

	s.e = e
	return s
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler { return s.e }

// Start serves on addr in a background goroutine.
func (s *Server) Start(addr string) {
	go func() {
		if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server exited", logx.Err(err))
		}
	}()
	s.log.Info("api server listening", logx.String("addr", addr))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	cfg := s.cfg()
	out := map[string]any{
		"running": s.loop.Running(),
	}
	if cfg != nil {
		out["libraries"] = cfg.Libraries
		out["pinning_interval_minutes"] = cfg.PinningInterval
	}
	if sum, ok := s.loop.LastSummary(); ok {
		out["last_cycle"] = sum
		if cfg != nil && s.loop.Running() {
			// Best-effort estimate; a manual trigger or cron can wake the
			// loop earlier.
			out["next_cycle_at"] = sum.Started.
				Add(time.Duration(sum.Duration)).
				Add(cfg.Interval())
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleRotationStart(c echo.Context) error {
	// The loop outlives the request; start it against the server's
	// background context, not the request context.
	if err := s.loop.Start(context.Background()); err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err))
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleRotationStop(c echo.Context) error {
	if err := s.loop.Stop(c.Request().Context()); err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err))
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleRotationTrigger(c echo.Context) error {
	if !s.loop.Running() {
		return c.JSON(http.StatusConflict, map[string]string{"error": "rotation loop is not running"})
	}
	s.loop.Trigger()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) handleExclusionsList(c echo.Context) error {
	return c.JSON(http.StatusOK, s.store.Load())
}

func (s *Server) handleExclusionRemove(c echo.Context) error {
	title, err := url.PathUnescape(c.Param("title"))
	if err != nil || strings.TrimSpace(title) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid title"})
	}
	if err := s.store.Remove(title); err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err))
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "removed", "title": title})
}

func (s *Server) handleExclusionsReset(c echo.Context) error {
	if err := s.store.Reset(); err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err))
	}
	metrics.ExclusionResetsTotal.WithLabelValues("manual").Inc()
	if s.onExclusionsReset != nil {
		s.onExclusionsReset()
	}
	s.log.Info("exclusion list reset via api")
	return c.JSON(http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleExemptionsList(c echo.Context) error {
	return c.JSON(http.StatusOK, s.store.Exemptions())
}

type exemptionsBody struct {
	Titles []string `json:"titles"`
}

func (s *Server) handleExemptionsPut(c echo.Context) error {
	var body exemptionsBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
	}
	if err := s.store.SetExemptions(body.Titles); err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err))
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "saved", "count": len(body.Titles)})
}

func errBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}
