// Command devicesim is a synthetic DMTP device driver used for demos and
// integration tests against cmd/dmtpserver's duplex ingestion service. It
// loads a YAML configuration file, opens a reconnecting duplex connection,
// and streams simulated position reports on a fixed interval until it
// receives SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/opendmtp/server/internal/config"
	"github.com/opendmtp/server/internal/devicesim"
	"github.com/opendmtp/server/internal/protocol"
	"github.com/opendmtp/server/internal/rpcwire"
	"github.com/opendmtp/server/internal/transport"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "devicesim.yaml", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadDeviceSimConfig(configPath)
	if err != nil {
		slog.Error("devicesim: failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	rpcwire.Register()

	logger.Info("devicesim starting",
		slog.String("server_addr", cfg.ServerAddr),
		slog.String("account_id", cfg.AccountID),
		slog.String("device_id", cfg.DeviceID),
	)

	client := transport.New(transport.Config{
		Addr:     cfg.ServerAddr,
		CertPath: cfg.TLS.CertPath,
		KeyPath:  cfg.TLS.KeyPath,
		CAPath:   cfg.TLS.CAPath,
		Insecure: cfg.TLS.CertPath == "",
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.Start(ctx)
	defer client.Stop()

	sim := devicesim.New(devicesim.Config{
		AccountID:    cfg.AccountID,
		DeviceID:     cfg.DeviceID,
		CustomType:   byte(cfg.CustomType),
		SendInterval: cfg.SendInterval,
		StartPoint:   protocol.GeoPoint{Latitude: 37.7749, Longitude: -122.4194},
	}, client, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() { errCh <- sim.Run(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			logger.Error("devicesim: simulator stopped unexpectedly", slog.Any("error", err))
		}
	}

	cancel()
	logger.Info("devicesim exited cleanly",
		slog.Int64("frames_sent", client.FramesSentTotal()),
		slog.Int64("acks_received", client.AcksTotal()),
		slog.Int64("reconnects", client.ReconnectTotal()),
	)
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
