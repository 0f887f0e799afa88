package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/user/cmdrelay/internal/relay"
)

// Handler runs the relay protocols over accepted connections.
type Handler interface {
	ServeTarget(ctx context.Context, conn relay.Conn) error
	ServeController(ctx context.Context, conn relay.Conn) error
}

// Server upgrades HTTP requests on the target and controller endpoints.
type Server struct {
	ctx      context.Context
	handler  Handler
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer creates a Server. Connections are closed when ctx is done;
// hijacked connections outlive http.Server.Shutdown otherwise.
func NewServer(ctx context.Context, h Handler, opts Options) *Server {
	return &Server{
		ctx:      ctx,
		handler:  h,
		opts:     opts.withDefaults(),
		upgrader: newUpgrader(),
	}
}

// Register mounts /client-ws and /control-ws on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /client-ws", s.handleTarget)
	mux.HandleFunc("GET /control-ws", s.handleController)
}

func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "target", s.handler.ServeTarget)
}

func (s *Server) handleController(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "controller", s.handler.ServeController)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, role string, run func(context.Context, relay.Conn) error) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		slog.Debug("websocket upgrade failed", "role", role, "remote", r.RemoteAddr, "error", err)
		return
	}
	conn := newConn(ws, s.opts)
	slog.Debug("websocket accepted", "role", role, "session", conn.ID(), "remote", r.RemoteAddr)

	if err := run(s.ctx, conn); err != nil {
		level := slog.LevelDebug
		if errors.Is(err, relay.ErrProtocolViolation) {
			level = slog.LevelWarn
		}
		slog.Log(s.ctx, level, "session ended", "role", role, "session", conn.ID(), "error", err)
	}
}

var _ relay.Conn = (*Conn)(nil)
