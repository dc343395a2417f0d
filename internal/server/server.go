// Package server is the composition root: it owns the store, bus,
// realm, and metrics instances, accepts IRC connections on the
// configured TCP port, serves the ambient admin HTTP surface, and
// runs the periodic heartbeat/reap tick, per spec.md §6's
// process-wide lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ircdd/ircdd/internal/authn"
	"github.com/ircdd/ircdd/internal/bus"
	"github.com/ircdd/ircdd/internal/config"
	"github.com/ircdd/ircdd/internal/irc"
	"github.com/ircdd/ircdd/internal/metrics"
	"github.com/ircdd/ircdd/internal/realm"
	"github.com/ircdd/ircdd/internal/store"
)

const (
	serverVersion     = "ircdd-1.0"
	shutdownGrace     = 30 * time.Second
	heartbeatInterval = 30 * time.Second
	sessionExpiry     = 3 * heartbeatInterval
	reapInterval      = sessionExpiry
)

// Server is the process-wide dependency struct, the systems-language
// analogue of the source's property-bag context dict described in
// SPEC_FULL.md's design notes.
type Server struct {
	cfg    *config.Config
	logger *log.Logger

	store store.Store
	bus   bus.Bus
	realm *realm.Realm

	metrics       *metrics.Metrics
	systemMetrics *metrics.SystemMetrics
	tokens        *authn.TokenManager

	listener   net.Listener
	httpServer *http.Server

	mu    sync.Mutex
	conns map[*irc.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every component of SPEC_FULL.md's EXPANDED COMPONENT SPEC
// together: a RethinkStore for C1, a NatsBus for C2, and the realm
// holding C3-C5. It connects to the store and bootstraps its tables,
// and connects to the bus; it does not bind the IRC listener or the
// admin HTTP server. Call Start for that.
func New(cfg *config.Config, logger *log.Logger) (*Server, error) {
	st, err := store.NewRethinkStore(store.Config{
		Host:       cfg.RDBHost,
		Port:       cfg.RDBPort,
		Database:   cfg.DB,
		SessionTTL: sessionExpiry,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("server: connect store: %w", err)
	}
	if err := st.Bootstrap(); err != nil {
		return nil, fmt.Errorf("server: bootstrap store: %w", err)
	}

	b, err := bus.NewNatsBus(bus.Config{
		URLs:            cfg.NsqdTCPAddress,
		MaxReconnects:   10,
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
		MaxPingsOut:     3,
		PingInterval:    20 * time.Second,
	}, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("server: connect bus: %w", err)
	}

	checker := authn.NewBcryptChecker(0)
	tokens := authn.NewTokenManager(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenExpiration)*time.Second)

	rlm := realm.New(cfg.Hostname, realm.Config{
		CreateUserOnRequest:  cfg.UserOnRequest,
		CreateGroupOnRequest: cfg.GroupOnRequest,
	}, st, b, checker, cfg.Hostname, logger)

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:           cfg,
		logger:        logger,
		store:         st,
		bus:           b,
		realm:         rlm,
		metrics:       metrics.NewMetrics(),
		systemMetrics: metrics.NewSystemMetrics(),
		tokens:        tokens,
		conns:         make(map[*irc.Conn]struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}
	s.setupHTTPServer()

	return s, nil
}

// Store exposes the document-store facade, used by cmd/ircdd's -seed
// bootstrap.
func (s *Server) Store() store.Store { return s.store }

// Realm exposes the installed realm, used by cmd/ircdd's -seed
// bootstrap.
func (s *Server) Realm() *realm.Realm { return s.realm }

func (s *Server) setupHTTPServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stats", s.handleStats)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port+1),
		Handler: s.tokens.RequireAdmin(s.cfg.Auth.RequireAuth, mux),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"uptime_seconds":%d,"active_users":%d,"cpu_percent":%.2f}`,
		int(s.metrics.Uptime().Seconds()), s.metrics.ActiveUsers(), s.systemMetrics.CPUPercent())
}

// Start binds the IRC listener, starts the admin HTTP server, and
// begins accepting connections, then blocks until a shutdown signal
// arrives.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Hostname, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Printf("server: listening for IRC connections on %s", addr)

	s.wg.Add(1)
	go s.acceptLoop()

	s.wg.Add(1)
	go s.heartbeatLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("server: admin HTTP surface listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("server: admin HTTP server error: %v", err)
		}
	}()

	s.waitForShutdown()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Printf("server: accept: %v", err)
				s.metrics.RecordConnectionError()
				continue
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	info := irc.ServerInfo{
		Hostname: s.cfg.Hostname,
		Version:  serverVersion,
		Created:  time.Now().Format(time.RFC1123),
	}
	c := irc.NewConn(netConn, s.realm, info, s.metrics, s.logger)

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	c.Serve()
}

func (s *Server) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	reapTicker := time.NewTicker(reapInterval)
	defer reapTicker.Stop()

	sysTicker := time.NewTicker(time.Duration(s.cfg.Metrics.UpdateInterval) * time.Second)
	defer sysTicker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.realm.Heartbeat()
		case <-reapTicker.C:
			s.realm.Reap(sessionExpiry)
		case <-sysTicker.C:
			s.systemMetrics.Update()
			s.metrics.UpdateCPUUsage(s.systemMetrics.CPUPercent())
			s.metrics.UpdateMemoryUsage(s.systemMetrics.MemoryBytes())
		}
	}
}

func (s *Server) waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	s.logger.Print("server: shutdown signal received")
	_ = s.Shutdown()
}

// Shutdown closes the listener, deactivates every local session,
// flushes outstanding writes, and closes the bus and store clients,
// per spec.md §6's stop sequence.
func (s *Server) Shutdown() error {
	s.cancel()

	if s.listener != nil {
		_ = s.listener.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Printf("server: admin HTTP shutdown: %v", err)
	}

	s.mu.Lock()
	conns := make([]*irc.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	s.wg.Wait()

	if err := s.bus.Close(); err != nil {
		s.logger.Printf("server: bus close: %v", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Printf("server: store close: %v", err)
	}

	return nil
}
