// Package httpapi assembles the Echo application that hosts the websocket
// endpoint and a small operational API.
package httpapi

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"xchat/server/internal/admin"
	"xchat/server/internal/ban"
	"xchat/server/internal/core"
	"xchat/server/internal/protocol"
	"xchat/server/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the Echo application.
type Server struct {
	echo *echo.Echo
	hub  *core.Hub
}

// New constructs an Echo app with websocket + operational routes.
func New(hub *core.Hub, bans *ban.Store, secrets *admin.Rotator) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, hub: hub}
	e.GET("/health", s.handleHealth)
	e.GET("/api/state", s.handleState)
	ws.NewHandler(hub, bans, secrets).Register(e)
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
// A non-nil tlsConf serves wss/https on addr instead of plain ws/http.
func (s *Server) Run(ctx context.Context, addr string, tlsConf *tls.Config) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsConf != nil {
			err = s.echo.StartServer(&http.Server{Addr: addr, TLSConfig: tlsConf})
		} else {
			err = s.echo.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: s.hub.SessionCount(),
	})
}

type stateResponse struct {
	Sessions int             `json:"sessions"`
	Rooms    []string        `json:"rooms"`
	Users    []protocol.User `json:"users"`
}

func (s *Server) handleState(c echo.Context) error {
	users := s.hub.UsersSnapshot()
	if users == nil {
		users = []protocol.User{}
	}
	return c.JSON(http.StatusOK, stateResponse{
		Sessions: len(users),
		Rooms:    s.hub.Rooms(),
		Users:    users,
	})
}
