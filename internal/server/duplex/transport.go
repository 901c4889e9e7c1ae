package duplex

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

// Config names the PEM files used to secure the duplex transport with
// mutual TLS (spec.md's Non-goals exclude cryptographic transport security
// from the protocol engine itself, but SPEC_FULL.md's ambient deployment
// stack still requires it at the listener).
type Config struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

// NewTLSServer builds a *grpc.Server secured by mTLS and registers svc on
// it. Clients must present a certificate signed by the CA at CAPath;
// DeviceCNFromContext recovers its Common Name inside a Session handler.
func NewTLSServer(cfg Config, logger *slog.Logger, svc Server) (*grpc.Server, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("duplex: load server keypair: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("duplex: read CA certificate: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("duplex: no certificates parsed from %q", cfg.CAPath)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS12,
	}

	grpcSrv := grpc.NewServer(grpc.Creds(credentials.NewTLS(tlsCfg)))
	RegisterServer(grpcSrv, svc)
	logger.Info("duplex: mTLS server configured", slog.String("ca", cfg.CAPath))
	return grpcSrv, nil
}

// DeviceCNFromContext extracts the Common Name of the client certificate
// that authenticated the current RPC, the device identity the mTLS layer
// vouches for independently of the account_id/device_id a Frame carries.
func DeviceCNFromContext(ctx context.Context) (string, bool) {
	p, ok := peer.FromContext(ctx)
	if !ok || p.AuthInfo == nil {
		return "", false
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.PeerCertificates) == 0 {
		return "", false
	}
	return tlsInfo.State.PeerCertificates[0].Subject.CommonName, true
}
