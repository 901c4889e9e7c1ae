// Package transport implements the reconnecting duplex DMTP client used by
// the device simulator (cmd/devicesim). It drives internal/server/duplex's
// hand-written streaming RPC over a persistent google.golang.org/grpc
// connection, reconnecting with exponential backoff on any stream error —
// the same shape the teacher's gRPC transport client used to reconnect to
// the dashboard, retargeted from alert delivery to DMTP frame delivery.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/opendmtp/server/internal/rpcwire"
	"github.com/opendmtp/server/internal/server/duplex"
)

// Config holds the parameters for connecting a simulated device to a DMTP
// duplex service.
type Config struct {
	// Addr is the duplex service address (e.g. "localhost:4443"). Required.
	Addr string

	// CertPath, KeyPath, CAPath name the PEM files used to present a client
	// certificate and verify the server's, when Insecure is false.
	CertPath string
	KeyPath  string
	CAPath   string

	// ServerName overrides the TLS server name used for SNI verification.
	ServerName string

	// MaxBackoff is the ceiling for the exponential reconnect backoff.
	// Defaults to 60s when zero or negative.
	MaxBackoff time.Duration

	// Insecure disables TLS entirely. Use only in tests/local demos.
	Insecure bool
}

// Client is a reconnecting duplex DMTP client. It is safe for concurrent
// use: Send may be called from any goroutine while the internal run loop
// manages the stream.
//
// Use New to construct a Client, Start to begin the connection loop, and
// Stop to shut down cleanly.
type Client struct {
	cfg    Config
	logger *slog.Logger

	sendCh chan *rpcwire.Frame

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	framesSentTotal atomic.Int64
	acksTotal       atomic.Int64
	reconnectTotal  atomic.Int64

	lastAckMu sync.RWMutex
	lastAck   rpcwire.Ack
	haveAck   bool
}

const sendChanCap = 64

// New creates a Client but does not start it. Call Start to begin the
// connection loop.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		sendCh: make(chan *rpcwire.Frame, sendChanCap),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the connection loop in a background goroutine.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

// Send queues frame for delivery over the current (or next) stream. It
// returns an error only if the send channel is full or the client has
// stopped; a dropped frame is never retried, matching a duplex session's
// "no delivery guarantee across reconnect" nature — unlike the teacher's
// agent, the simulator has no local durable queue to replay from.
func (c *Client) Send(ctx context.Context, frame *rpcwire.Frame) error {
	select {
	case <-c.stopCh:
		return fmt.Errorf("transport: stopped")
	default:
	}
	select {
	case c.sendCh <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return fmt.Errorf("transport: stopped")
	default:
		return fmt.Errorf("transport: send channel full, frame dropped")
	}
}

// Stop signals the run loop to exit and blocks until it has. Safe to call
// more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
}

// FramesSentTotal returns the number of frames written to the stream since
// the client was created (regardless of the Ack received for them).
func (c *Client) FramesSentTotal() int64 { return c.framesSentTotal.Load() }

// AcksTotal returns the number of Acks received since the client was
// created.
func (c *Client) AcksTotal() int64 { return c.acksTotal.Load() }

// ReconnectTotal returns the number of reconnect attempts (connection
// losses) since the client was created.
func (c *Client) ReconnectTotal() int64 { return c.reconnectTotal.Load() }

// LastAck returns the most recently received Ack and whether one has ever
// been received.
func (c *Client) LastAck() (rpcwire.Ack, bool) {
	c.lastAckMu.RLock()
	defer c.lastAckMu.RUnlock()
	return c.lastAck, c.haveAck
}

// run is the main connection loop. It reconnects with exponential backoff
// (github.com/cenkalti/backoff/v4) whenever the stream fails, until ctx is
// cancelled or Stop is called.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = 0 // retry forever

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		err := c.runOnce(ctx)
		if err == nil {
			return
		}

		c.reconnectTotal.Add(1)
		wait := bo.NextBackOff()
		c.logger.Warn("transport: duplex session lost, reconnecting",
			slog.Any("error", err),
			slog.Duration("backoff", wait),
		)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		}
	}
}

// runOnce dials the duplex service, opens one session, and forwards frames
// from sendCh until the stream breaks or the client stops. It returns nil
// only on a clean shutdown (ctx cancelled or Stop called).
func (c *Client) runOnce(ctx context.Context) error {
	creds, err := c.buildCredentials()
	if err != nil {
		return fmt.Errorf("build TLS credentials: %w", err)
	}

	conn, err := grpc.NewClient(c.cfg.Addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpcwire.CodecName)),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	stream, err := duplex.NewClient(ctx, conn)
	if err != nil {
		return fmt.Errorf("open duplex session: %w", err)
	}

	recvErrCh := make(chan error, 1)
	go func() {
		for {
			ack, err := stream.Recv()
			if err != nil {
				recvErrCh <- err
				return
			}
			c.acksTotal.Add(1)
			c.lastAckMu.Lock()
			c.lastAck = *ack
			c.haveAck = true
			c.lastAckMu.Unlock()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		case err := <-recvErrCh:
			return fmt.Errorf("recv ack: %w", err)
		case frame := <-c.sendCh:
			if err := stream.Send(frame); err != nil {
				return fmt.Errorf("send frame: %w", err)
			}
			c.framesSentTotal.Add(1)
		}
	}
}

// buildCredentials constructs gRPC transport credentials from the config.
// When cfg.Insecure is true it returns insecure credentials (testing/demo
// only).
func (c *Client) buildCredentials() (credentials.TransportCredentials, error) {
	if c.cfg.Insecure {
		return insecure.NewCredentials(), nil
	}

	clientCert, err := tls.LoadX509KeyPair(c.cfg.CertPath, c.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key (%s, %s): %w", c.cfg.CertPath, c.cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(c.cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", c.cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", c.cfg.CAPath)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
	}
	if c.cfg.ServerName != "" {
		tlsCfg.ServerName = c.cfg.ServerName
	}

	return credentials.NewTLS(tlsCfg), nil
}
