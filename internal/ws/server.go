// Package ws upgrades HTTP requests to WebSocket connections, tracks the live
// connections, reads client frames through an I/O poller and delivers
// outbound events through per-connection send queues.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/whisper/strangers/internal/ban"
	"github.com/whisper/strangers/internal/logger"
	"github.com/whisper/strangers/internal/metrics"
)

// maxFrameBytes bounds a single client data frame.
const maxFrameBytes = 64 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read workers (epoll only)
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // deadline for reading one frame
	WriteTimeout   time.Duration // deadline for writing one frame
	SendBuffer     int           // per-connection outbound queue length
	TrustProxy     bool          // take the client address from X-Forwarded-For / X-Real-IP
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBuffer:     64,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Admission decides whether a client address may open a connection.
type Admission interface {
	Admit(ctx context.Context, addr string) error
}

// poller reports read readiness of registered connections by calling the read
// function given at construction.
type poller interface {
	Add(c *Connection) error
	Remove(c *Connection) error
	Run(done <-chan struct{}) error
	Close() error
}

// Server accepts WebSocket clients and moves frames between them and the
// application callbacks.
type Server struct {
	config    ServerConfig
	poller    poller
	conns     *ConnectionManager
	admission Admission

	onConnect    func(c *Connection)
	onMessage    func(c *Connection, data []byte)
	onDisconnect func(connID string)

	httpServer *http.Server
	done       chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once
	startedAt  time.Time
	log        *zap.Logger
}

// NewServer creates a Server. admission may be nil to admit everyone.
func NewServer(config ServerConfig, admission Admission) (*Server, error) {
	s := &Server{
		config:    config,
		conns:     NewConnectionManager(),
		admission: admission,
		done:      make(chan struct{}),
		startedAt: time.Now(),
		log:       logger.WithModule("ws"),
	}
	p, err := newPoller(config.WorkerPoolSize, s.handleConn)
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create poller: %w", err)
	}
	s.poller = p
	return s, nil
}

// SetOnConnect registers the callback run after a connection is registered
// and before its first frame is read.
func (s *Server) SetOnConnect(fn func(c *Connection)) { s.onConnect = fn }

// SetOnMessage registers the callback run for every complete data frame.
func (s *Server) SetOnMessage(fn func(c *Connection, data []byte)) { s.onMessage = fn }

// SetOnDisconnect registers the callback run once when a connection is
// removed, whatever the cause.
func (s *Server) SetOnDisconnect(fn func(connID string)) { s.onDisconnect = fn }

// Router returns the HTTP routes: /ws, /health and /metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.config.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Get("/ws", s.handleUpgrade)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	return r
}

// Start launches the poller and heartbeat and serves HTTP until Shutdown.
func (s *Server) Start() error {
	s.startBackground()

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("server listening",
		zap.String("addr", s.config.ListenAddr),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) startBackground() {
	s.startOnce.Do(func() {
		go func() {
			if err := s.poller.Run(s.done); err != nil {
				s.log.Error("poller stopped", zap.Error(err))
			}
		}()
		StartHeartbeat(s, s.config.Heartbeat)
	})
}

// handleUpgrade runs admission for the client address, then upgrades and
// registers the connection.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		metrics.AdmissionDenied.WithLabelValues("capacity").Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	addr := clientIP(r)
	if s.admission != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		err := s.admission.Admit(ctx, addr)
		cancel()
		if err != nil {
			status, body := admissionResponse(err)
			s.log.Info("connection refused", zap.String("addr", addr), zap.Int("status", status), zap.Error(err))
			http.Error(w, body, status)
			return
		}
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("upgrade failed", zap.String("addr", addr), zap.Error(err))
		return
	}

	c := newConnection(uuid.New().String(), addr, netConn, s.config.SendBuffer, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	go c.writeLoop(func(err error) {
		s.log.Debug("write failed", zap.String("conn", c.ID), zap.Error(err))
		s.RemoveConnection(c)
	})

	if s.onConnect != nil {
		s.onConnect(c)
	}

	if err := s.poller.Add(c); err != nil {
		s.log.Error("poller add failed", zap.String("conn", c.ID), zap.Error(err))
		s.RemoveConnection(c)
		return
	}

	s.log.Debug("new connection", zap.String("conn", c.ID), zap.String("addr", addr), zap.Int("total", s.conns.Count()))
}

func admissionResponse(err error) (int, string) {
	switch {
	case errors.Is(err, ban.ErrBanned):
		return http.StatusForbidden, "Your IP has been banned."
	case errors.Is(err, ban.ErrTooManyConnections):
		return http.StatusTooManyRequests, "Too many connections from this IP, please try again later."
	default:
		return http.StatusServiceUnavailable, "Service temporarily unavailable."
	}
}

// clientIP returns the request's remote host without its port. With
// TrustProxy the RealIP middleware has already rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// handleConn reads one frame from a ready connection. Control frames are
// consumed here; a close frame or read error removes the connection.
func (s *Server) handleConn(c *Connection) {
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.conns.Get(c.ID) != c {
		return
	}

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		// A timeout means a stale readiness event; the heartbeat handles
		// dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = c.Conn.SetReadDeadline(time.Time{})
	c.Touch(time.Now())

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if header.Length > maxFrameBytes {
		s.log.Info("frame too large", zap.String("conn", c.ID), zap.Int64("bytes", header.Length))
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c. The disconnect callback runs only
// for the call that actually removed it.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c)

	if s.conns.Remove(c.ID) == nil {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	s.log.Debug("connection closed", zap.String("conn", c.ID), zap.Int("total", s.conns.Count()))
}

// Notify queues msg for connID. It never blocks: when the connection's queue
// is full the connection is dropped asynchronously, since Notify may run
// under a caller's lock.
func (s *Server) Notify(connID string, msg []byte) {
	c := s.conns.Get(connID)
	if c == nil {
		return
	}
	if c.Enqueue(msg) {
		return
	}
	select {
	case <-c.Done():
		return
	default:
	}
	s.log.Warn("send queue full, dropping connection", zap.String("conn", connID))
	go s.RemoveConnection(c)
}

// CloseConnection removes the connection with id, if live.
func (s *Server) CloseConnection(connID string) {
	if c := s.conns.Get(connID); c != nil {
		s.RemoveConnection(c)
	}
}

// Connections returns the live connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections, closes every live connection without
// running the disconnect callback, and releases the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.log.Info("shutting down server")
		close(s.done)

		if s.httpServer != nil {
			err = multierr.Append(err, s.httpServer.Shutdown(ctx))
		}
		for _, c := range s.conns.All() {
			_ = s.poller.Remove(c)
			s.conns.Remove(c.ID)
		}
		metrics.ConnectionsTotal.Set(0)
		err = multierr.Append(err, s.poller.Close())

		s.log.Info("server stopped")
	})
	return err
}
