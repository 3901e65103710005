// Package bridge exposes one session manager to other processes over HTTP
// and a JSON websocket protocol.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"patterm/pkg/session"
)

// Config configures a bridge Server
type Config struct {
	Manager *session.Manager
	Logger  *zap.Logger

	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler

	// SendQueue bounds each client's outbound queue. Defaults to DefaultSendQueue.
	SendQueue int

	// AllowedOrigins lists extra origins (or bare hosts) that may open a
	// websocket. Requests without an Origin header and same-host origins are
	// always accepted.
	AllowedOrigins []string

	// CheckOrigin replaces the origin check entirely.
	CheckOrigin func(r *http.Request) bool
}

// Server serializes manager operations and bus events for remote clients
type Server struct {
	manager   *session.Manager
	logger    *zap.Logger
	metrics   http.Handler
	queueLen  int
	upgrader  websocket.Upgrader
	router    chi.Router
	closeOnce sync.Once
	handlers  sync.WaitGroup

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

// NewServer creates a bridge server
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.Manager == nil {
		return nil, fmt.Errorf("session manager is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	queueLen := config.SendQueue
	if queueLen <= 0 {
		queueLen = DefaultSendQueue
	}
	s := &Server{
		manager:  config.Manager,
		logger:   logger,
		metrics:  config.Metrics,
		queueLen: queueLen,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		clients:        make(map[string]*client),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}
	for _, origin := range config.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		} else {
			s.allowedHosts[trimmed] = true
		}
	}
	s.upgrader.CheckOrigin = config.CheckOrigin
	if s.upgrader.CheckOrigin == nil {
		s.upgrader.CheckOrigin = s.checkOrigin
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWS)
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Get("/ports", s.handleListPorts)
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Clients returns the number of connected websocket clients
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every websocket client and waits for their handlers to
// return. New upgrades are refused.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		clients := make([]*client, 0, len(s.clients))
		for _, c := range s.clients {
			clients = append(clients, c)
		}
		s.mu.Unlock()

		for _, c := range clients {
			c.close()
		}
		s.handlers.Wait()
	})
}

// checkOrigin accepts requests without an Origin header, origins on the
// request's own host and the configured allow list.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.allowedOrigins[origin] {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return parsed.Host == r.Host || s.allowedHosts[parsed.Host]
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("bridge listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown bridge: %w", err)
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "bridge is shutting down")
		return
	}
	s.handlers.Add(1)
	s.mu.Unlock()
	defer s.handlers.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection",
			zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	c := newClient(uuid.NewString(), conn, s, s.queueLen)
	c.sub = s.manager.Bus().Subscribe(c.push)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.close()
		return
	}
	s.clients[c.id] = c
	s.mu.Unlock()

	s.logger.Info("bridge client connected",
		zap.String("client_id", c.id), zap.String("remote_addr", r.RemoteAddr))

	c.start()
	<-c.done

	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.logger.Info("bridge client disconnected", zap.String("client_id", c.id))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.ListSessions())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.SessionState(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.manager.ListPorts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ports)
}

// dispatch runs one request against the manager
func (s *Server) dispatch(ctx context.Context, req Request) Response {
	result, err := s.call(ctx, req)
	if err != nil {
		var info *ErrorInfo
		if !errors.As(err, &info) {
			info = errorInfo(err)
		}
		return Response{ID: req.ID, Error: info}
	}
	return Response{ID: req.ID, OK: true, Result: result}
}

func (s *Server) call(ctx context.Context, req Request) (any, error) {
	m := s.manager
	switch req.Method {
	case MethodCreateSession:
		var p createParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		id, err := m.CreateSession(ctx, p.Config, p.Name)
		if err != nil {
			return nil, err
		}
		return createResult{ID: id}, nil

	case MethodCloseSession, MethodDisconnectSession, MethodReconnectSession, MethodGetSessionState:
		var p idParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		switch req.Method {
		case MethodCloseSession:
			return nil, m.CloseSession(p.ID)
		case MethodDisconnectSession:
			return nil, m.DisconnectSession(p.ID)
		case MethodReconnectSession:
			return nil, m.ReconnectSession(ctx, p.ID)
		default:
			return m.SessionState(p.ID)
		}

	case MethodWrite:
		var p writeParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		data := append(p.Data, p.Text...)
		return nil, m.Write(p.ID, data)

	case MethodListPorts:
		return m.ListPorts(ctx)

	case MethodListSessions:
		return m.ListSessions(), nil

	case MethodRenameSession:
		var p renameParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, &ErrorInfo{Code: CodeInvalidRequest, Message: "name is required"}
		}
		return nil, m.RenameSession(p.ID, p.Name)
	}

	return nil, &ErrorInfo{Code: CodeUnknownMethod, Message: fmt.Sprintf("unknown method %q", req.Method)}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return &ErrorInfo{Code: CodeInvalidRequest, Message: "params are required"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &ErrorInfo{Code: CodeInvalidRequest, Message: err.Error()}
	}
	return nil
}

func httpStatus(err error) int {
	switch errorInfo(err).Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
