package orchestrator

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

// statusServer is the Status Surface: a read-only HTTP projection of
// Facade.Status, following api/rest.go's echo.New/e.Start shape. Unlike the
// teacher's API surface it carries no auth middleware — it is a local,
// optional, read-only view for a same-host UI shell, never a control path.
type statusServer struct {
	facade *Facade
	echo   *echo.Echo
}

func newStatusServer(f *Facade) *statusServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &statusServer{facade: f, echo: e}
	e.GET("/healthz", s.handleHealthz)
	e.GET("/status/cases", s.handleCases)
	e.GET("/status/jobs", s.handleJobs)
	return s
}

func (s *statusServer) run(addr string) {
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		log.WithErr(err).Error("status surface stopped")
	}
}

func (s *statusServer) shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *statusServer) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *statusServer) handleCases(c echo.Context) error {
	snap, err := s.facade.Status(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, snap.Cases)
}

func (s *statusServer) handleJobs(c echo.Context) error {
	snap, err := s.facade.Status(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"processes": snap.Processes,
		"jobs":      snap.Jobs,
	})
}
