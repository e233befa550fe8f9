// Package server is the Relay Core's composition root: it wires the
// store, auth, connection registry, update log, RPC broker and presence
// tracker into one HTTP server and owns its listen/shutdown lifecycle.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/happy-coder/happy/internal/logging"
	"github.com/happy-coder/happy/internal/relay/auth"
	"github.com/happy-coder/happy/internal/relay/config"
	"github.com/happy-coder/happy/internal/relay/connreg"
	"github.com/happy-coder/happy/internal/relay/metrics"
	"github.com/happy-coder/happy/internal/relay/presence"
	"github.com/happy-coder/happy/internal/relay/rpcbroker"
	"github.com/happy-coder/happy/internal/relay/store"
	"github.com/happy-coder/happy/internal/relay/updatelog"
	"github.com/happy-coder/happy/internal/relay/wsserver"
)

// Server is a reusable Relay Core server instance.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	sqlDB      *sql.DB
	httpServer *http.Server
	shutdownCh chan struct{}
	presence   *presence.Tracker
}

// NewServer opens the database, runs migrations, and wires every Relay
// Core component into one http.Server. Call Serve to start listening.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	st := store.New(sqlDB)

	shutdownCh := make(chan struct{})

	authr := auth.NewAuthenticator(st)
	guard := auth.NewShutdownGuard(shutdownCh)
	reg := connreg.New()
	updates := updatelog.New(st, reg)
	broker := rpcbroker.New()
	pres := presence.New(st, reg, slog.With("component", "presence"))

	wsHandler := &wsserver.Handler{
		Store:             st,
		Auth:              authr,
		Registry:          reg,
		Updates:           updates,
		RPC:               broker,
		Presence:          pres,
		Shutdown:          guard,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		MaxOutboundBuffer: cfg.MaxOutboundBuffer,
		Log:               slog.With("component", "wsserver"),
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/connect", wsHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/snapshot/", snapshotHandler(st, authr))
	mux.HandleFunc("/register/machine", registerMachineHandler(st, authr))
	mux.HandleFunc("/register/session", registerSessionHandler(st, authr))

	h2cHandler := h2c.NewHandler(logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)), &http2.Server{
		MaxConcurrentStreams: 1000,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:        cfg,
		store:      st,
		sqlDB:      sqlDB,
		httpServer: httpServer,
		shutdownCh: shutdownCh,
		presence:   pres,
	}, nil
}

// Store exposes the relay's durable store, e.g. for a standalone
// binary that auto-registers a local account on first run.
func (s *Server) Store() *store.Store { return s.store }

// Serve listens on the configured TCP address and blocks until ctx is
// cancelled, then performs the relay's graceful shutdown sequence:
// reject new work, warn connected daemons of the impending disconnect,
// drain in-flight HTTP requests, checkpoint the WAL, and close the db.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen: %w", err)
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("relay shutting down...")

		// 1. Reject new websocket connections.
		close(s.shutdownCh)

		// 2. Warn connected daemons to back off reconnecting.
		s.presence.NotifyShutdown(10)

		// 3. Drain in-flight HTTP requests (including open websockets).
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)

		close(shutdownDone)
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	slog.Info("relay listening", "addr", s.cfg.Addr)

	if err := <-errCh; err != nil && err != http.ErrServerClosed {
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}

	// 4. Wait for the shutdown goroutine to finish draining.
	<-shutdownDone

	// 5. Checkpoint WAL into the main db file before closing.
	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}

	// 6. Close database.
	_ = s.sqlDB.Close()
	return nil
}
