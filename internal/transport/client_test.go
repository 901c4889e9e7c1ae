package transport_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/opendmtp/server/internal/rpcwire"
	"github.com/opendmtp/server/internal/transport"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClient_StopTwice(t *testing.T) {
	c := transport.New(transport.Config{Addr: "localhost:0", Insecure: true}, newTestLogger())
	c.Start(context.Background())
	c.Stop()
	// Calling Stop a second time must not block or panic.
	c.Stop()
}

func TestClient_SendAfterStop(t *testing.T) {
	c := transport.New(transport.Config{Addr: "localhost:0", Insecure: true}, newTestLogger())
	c.Start(context.Background())
	c.Stop()

	err := c.Send(context.Background(), &rpcwire.Frame{AccountID: "a", DeviceID: "d"})
	if err == nil {
		t.Fatal("expected error sending to a stopped client")
	}
}

func TestClient_BadCertPaths(t *testing.T) {
	c := transport.New(transport.Config{
		Addr:     "localhost:0",
		CertPath: "/nonexistent/device.crt",
		KeyPath:  "/nonexistent/device.key",
		CAPath:   "/nonexistent/ca.crt",
	}, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	// The run loop should keep failing to build credentials and retrying;
	// give it a moment to attempt at least once, then shut down. It must
	// not succeed in connecting (no server is listening) and Stop must
	// return promptly once ctx is cancelled.
	time.Sleep(20 * time.Millisecond)
	cancel()
	c.Stop()

	if c.ReconnectTotal() < 1 {
		t.Fatalf("ReconnectTotal = %d, want at least 1 failed attempt", c.ReconnectTotal())
	}
}

func TestClient_CountersStartAtZero(t *testing.T) {
	c := transport.New(transport.Config{Addr: "localhost:0", Insecure: true}, newTestLogger())
	if c.FramesSentTotal() != 0 || c.AcksTotal() != 0 || c.ReconnectTotal() != 0 {
		t.Fatal("expected all counters to start at zero")
	}
	if _, ok := c.LastAck(); ok {
		t.Fatal("expected no Ack before any session completes")
	}
}
