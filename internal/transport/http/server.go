// Package httpapi provides the HTTP surface of the run engine: project and
// knowledge-base management, run streaming (SSE), trace replay and live
// websocket attach.
package httpapi

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// NewServer creates the echo server with the standard middleware stack and
// all routes registered.
func NewServer(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	h.RegisterRoutes(e)
	return e
}
