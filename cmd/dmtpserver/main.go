// Command dmtpserver is the DMTP ingestion and administration server. It
// loads a YAML configuration file, opens the configured persistence backend
// (PostgreSQL or SQLite), starts the duplex (gRPC) and simplex (UDP) device
// ingestion services, exposes the admin REST API and a live-event WebSocket
// feed over HTTP, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"

	"github.com/opendmtp/server/internal/audit"
	"github.com/opendmtp/server/internal/config"
	"github.com/opendmtp/server/internal/policy"
	"github.com/opendmtp/server/internal/rpcwire"
	"github.com/opendmtp/server/internal/server/duplex"
	"github.com/opendmtp/server/internal/server/rest"
	"github.com/opendmtp/server/internal/server/simplex"
	"github.com/opendmtp/server/internal/server/websocket"
	"github.com/opendmtp/server/internal/store/postgres"
	"github.com/opendmtp/server/internal/store/sqlite"
)

// store is the union of the persistence capabilities every listener and the
// REST admin API need; both internal/store/postgres.Store and
// internal/store/sqlite.Store satisfy it.
type store interface {
	duplex.Store
	simplex.Store
	rest.Store
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "dmtpserver.yaml", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		slog.Error("dmtpserver: failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	rpcwire.Register()

	logger.Info("dmtpserver starting",
		slog.String("duplex_addr", cfg.DuplexAddr),
		slog.String("simplex_addr", cfg.SimplexAddr),
		slog.String("rest_addr", cfg.RESTAddr),
		slog.String("store_backend", cfg.StoreBackend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Persistence backend ───────────────────────────────────────────────
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("dmtpserver: failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	gate := policy.NewGate()

	auditLog, err := audit.Open(auditLogPath(cfg))
	if err != nil {
		logger.Error("dmtpserver: failed to open audit log", slog.Any("error", err))
		os.Exit(1)
	}
	defer auditLog.Close()

	broadcaster := websocket.NewBroadcaster(logger, 0)
	defer broadcaster.Close()

	// ── Duplex (gRPC) ingestion service ───────────────────────────────────
	duplexSvc := duplex.NewService(st, gate, broadcaster, auditLog, logger, cfg.ProfileByteLength)

	var grpcSrv *grpc.Server
	if cfg.TLS.CertPath != "" {
		grpcSrv, err = duplex.NewTLSServer(duplex.Config{
			CertPath: cfg.TLS.CertPath,
			KeyPath:  cfg.TLS.KeyPath,
			CAPath:   cfg.TLS.CAPath,
		}, logger, duplexSvc)
		if err != nil {
			logger.Error("dmtpserver: failed to configure duplex mTLS", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		logger.Warn("dmtpserver: TLS not configured; duplex service will serve in plaintext (dev only)")
		grpcSrv = grpc.NewServer()
		duplex.RegisterServer(grpcSrv, duplexSvc)
	}

	duplexLis, err := net.Listen("tcp", cfg.DuplexAddr)
	if err != nil {
		logger.Error("dmtpserver: failed to bind duplex listener", slog.Any("error", err))
		os.Exit(1)
	}

	// ── Simplex (UDP) ingestion service ───────────────────────────────────
	simplexConn, err := net.ListenPacket("udp", cfg.SimplexAddr)
	if err != nil {
		logger.Error("dmtpserver: failed to bind simplex listener", slog.Any("error", err))
		os.Exit(1)
	}
	simplexLis := simplex.NewListener(simplexConn, st, gate, broadcaster, auditLog, logger)

	// ── REST admin API + live WebSocket feed ──────────────────────────────
	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pem, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			logger.Error("dmtpserver: failed to read JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		pubKey, err = jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			logger.Error("dmtpserver: failed to parse JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("JWT validation enabled for REST admin API")
	} else {
		logger.Warn("dmtpserver: jwt_public_key_path not configured; REST admin API authentication disabled (dev mode)")
	}

	restSrv := rest.NewServer(st)
	restSrv.DefaultProfileByteLength = cfg.ProfileByteLength

	mux := http.NewServeMux()
	mux.Handle("/", rest.NewRouter(restSrv, pubKey))
	mux.Handle("/ws", websocket.NewHandler(broadcaster, logger, 0))

	httpServer := &http.Server{
		Addr:         cfg.RESTAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── Start servers ──────────────────────────────────────────────────────
	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("duplex service listening", slog.String("addr", cfg.DuplexAddr))
		grpcErrCh <- grpcSrv.Serve(duplexLis)
	}()

	simplexErrCh := make(chan error, 1)
	go func() {
		logger.Info("simplex service listening", slog.String("addr", cfg.SimplexAddr))
		simplexErrCh <- simplexLis.Serve(ctx)
	}()

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("REST admin API listening", slog.String("addr", cfg.RESTAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		httpErrCh <- nil
	}()

	// ── Wait for shutdown signal or fatal error ───────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-grpcErrCh:
		if err != nil {
			logger.Error("duplex server error", slog.Any("error", err))
		}
	case err := <-simplexErrCh:
		if err != nil && ctx.Err() == nil {
			logger.Error("simplex server error", slog.Any("error", err))
		}
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────
	logger.Info("shutting down servers")
	cancel() // signals simplex Serve to stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	stopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		logger.Warn("duplex graceful stop timed out; forcing stop")
		grpcSrv.Stop()
	}

	_ = simplexConn.Close()

	logger.Info("dmtpserver exited cleanly")
}

// openStore opens the persistence backend cfg.StoreBackend names and
// returns it alongside a cleanup function.
func openStore(ctx context.Context, cfg *config.ServerConfig) (store, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		s, err := postgres.New(ctx, cfg.PostgresDSN, 0, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, func() { s.Close(context.Background()) }, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.SQLitePath, cfg.ProfileByteLength)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store_backend %q", cfg.StoreBackend)
	}
}

// auditLogPath derives the audit log file path from the configured store
// location, keeping it alongside the database rather than requiring a
// separate configuration field.
func auditLogPath(cfg *config.ServerConfig) string {
	if cfg.StoreBackend == "sqlite" && cfg.SQLitePath != "" {
		return cfg.SQLitePath + ".audit.log"
	}
	return "dmtpserver.audit.log"
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
