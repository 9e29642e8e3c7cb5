// Package http provides the HTTP server for live sessions.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/livesession/internal/service"
	v1 "github.com/xiaot623/livesession/internal/transport/http/v1"
	"github.com/xiaot623/livesession/internal/ws"
)

// Options configures the HTTP server.
type Options struct {
	// BlobDir is served under /blobs when set.
	BlobDir string
	// BodyLimit caps request bodies, e.g. "25M".
	BodyLimit string
}

// NewServer creates and configures the HTTP server: the v1 API, the change feed
// WebSocket endpoint and local blob downloads.
func NewServer(svc *service.Service, wsServer *ws.Server, opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	if opts.BodyLimit != "" {
		e.Use(middleware.BodyLimit(opts.BodyLimit))
	}

	// Handlers
	v1Handler := v1.NewHandler(svc)
	v1Handler.RegisterRoutes(e)

	if wsServer != nil {
		e.GET("/ws", wsServer.HandleWebSocket)
	}
	if opts.BlobDir != "" {
		e.Static("/blobs", opts.BlobDir)
	}

	return e
}
