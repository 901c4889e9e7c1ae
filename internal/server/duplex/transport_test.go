package duplex_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/opendmtp/server/internal/server/duplex"
)

func TestNewTLSServer_BadCertPaths(t *testing.T) {
	cfg := duplex.Config{
		CertPath: "/nonexistent/server.crt",
		KeyPath:  "/nonexistent/server.key",
		CAPath:   "/nonexistent/ca.crt",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := duplex.NewTLSServer(cfg, logger, nil)
	if err == nil {
		t.Fatal("expected error for invalid cert paths; got nil")
	}
}

func TestDeviceCNFromContext_NoPeer(t *testing.T) {
	cn, ok := duplex.DeviceCNFromContext(context.Background())
	if ok || cn != "" {
		t.Errorf("expected (empty, false); got (%q, %v)", cn, ok)
	}
}
