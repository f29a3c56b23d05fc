// Package api registers dubcast's JSON control surface (spec.md §6.1)
// on an echo.Echo instance, the way the teacher's internal/api package
// wires its Newznab controller against a shared *app.Context.
package api

import (
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/dubcastio/dubcast/internal/api/controllers"
	"github.com/dubcastio/dubcast/internal/app"
)

// RegisterRoutes mounts the jobs and health endpoints, and wires the
// request logger into app's own Logger.
func RegisterRoutes(e *echo.Echo, app *app.Context) {
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			app.Logger.Info("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	e.GET("/healthz", func(c *echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	jobsCtrl := &controllers.JobsController{App: app}
	e.POST("/jobs", jobsCtrl.Start)
	e.GET("/jobs", jobsCtrl.List)
	e.GET("/jobs/:id", jobsCtrl.Get)
	e.POST("/jobs/:id/cancel", jobsCtrl.Cancel)
	e.POST("/jobs/:id/retry", jobsCtrl.Retry)
	e.DELETE("/jobs/:id", jobsCtrl.Delete)

	eventsCtrl := &controllers.EventsController{App: app}
	e.GET("/jobs/:id/events", eventsCtrl.Stream)
}
