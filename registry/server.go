package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgekit/offload/internal/identity"
	"github.com/edgekit/offload/protocol"
)

// Server exposes the registry over websocket at the signaling path.
type Server struct {
	registry *Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer wraps a registry in a websocket endpoint.
func NewServer(reg *Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry: reg,
		logger:   logger.With("component", "signaling"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler serving the signaling endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(protocol.SignalingPath, s.handleWS)
	return mux
}

// Serve runs an HTTP server on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("signaling server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	conn := &wsConn{id: identity.NewID(), ws: ws}
	s.registry.HandleConnect(conn)
	defer func() {
		s.registry.Disconnect(conn.id)
		conn.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.logger.Debug("read loop ended",
				"socket", protocol.ShortID(conn.id), "error", err)
			return
		}
		s.dispatch(r.Context(), conn, data)
	}
}

func (s *Server) dispatch(ctx context.Context, conn *wsConn, data []byte) {
	switch protocol.PeekType(data) {
	case protocol.TypeCreate:
		s.registry.Create(conn)

	case protocol.TypeJoin:
		var req protocol.JoinRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Debug("bad join", "error", err)
			return
		}
		s.registry.Join(conn, req.WorkerDescriptor)

	case protocol.TypeMessage:
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Debug("bad envelope", "error", err)
			return
		}
		s.registry.Relay(env)

	case protocol.TypeGetCapabilities:
		s.registry.GetCapabilities(ctx, conn)

	case protocol.TypeRequestService:
		var req protocol.ServiceRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Debug("bad service request", "error", err)
			return
		}
		s.registry.RequestService(ctx, req.WorkerID)

	default:
		s.logger.Debug("unknown message type dropped",
			"socket", protocol.ShortID(conn.id))
	}
}

// wsConn serializes writes to one websocket connection.
type wsConn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Close()
}
