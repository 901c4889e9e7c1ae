// Package devicesim implements a synthetic DMTP device driver: it builds
// valid position-report payloads against the same field catalog
// internal/protocol decodes (spec.md §6) and pushes them to a duplex
// service through internal/transport, for demos and integration tests that
// need a real client on the wire instead of a unit-test fake.
//
// The packet it emits matches spec.md §8 scenario 1, the minimal position
// report: a 4-byte timestamp, a 2-byte status code, and a 6-byte GPS point,
// so a server decoding it exercises internal/protocol's codec end to end.
package devicesim

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/opendmtp/server/internal/protocol"
	"github.com/opendmtp/server/internal/rpcwire"
)

// Sender is the subset of transport.Client the simulator depends on,
// defined locally so tests can substitute a recorder without a live
// connection.
type Sender interface {
	Send(ctx context.Context, frame *rpcwire.Frame) error
}

// Config parameterizes one simulated device.
type Config struct {
	AccountID  string
	DeviceID   string
	CustomType byte

	// SendInterval is the delay between simulated position reports.
	SendInterval time.Duration

	// StartPoint is the device's initial GPS position; it drifts a small,
	// deterministic amount each tick to produce a moving track.
	StartPoint protocol.GeoPoint
}

// Simulator drives a transport.Client with synthetic position reports on a
// fixed interval.
type Simulator struct {
	cfg    Config
	client Sender
	logger *slog.Logger

	tick int
}

// New constructs a Simulator that sends frames through client.
func New(cfg Config, client Sender, logger *slog.Logger) *Simulator {
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{cfg: cfg, client: client, logger: logger}
}

// Run sends one position report every SendInterval until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sendOnce(ctx)
		}
	}
}

// sendOnce builds and queues one position-report frame. Send errors (a
// full channel, or a stopped client) are logged and dropped: the next tick
// will attempt to send fresh, current data rather than retrying stale data.
func (s *Simulator) sendOnce(ctx context.Context) {
	payload := s.buildPayload()

	frame := &rpcwire.Frame{
		AccountID:  s.cfg.AccountID,
		DeviceID:   s.cfg.DeviceID,
		CustomType: s.cfg.CustomType,
		IsEvent:    true,
		Payload:    payload,
	}

	if err := s.client.Send(ctx, frame); err != nil {
		s.logger.Warn("devicesim: send failed",
			slog.String("account_id", s.cfg.AccountID),
			slog.String("device_id", s.cfg.DeviceID),
			slog.Any("error", err),
		)
		return
	}
	s.tick++
}

// buildPayload packs one DMTP position-report payload: timestamp (4 bytes),
// status code (2 bytes, always STATUS_NONE; a template that declares this
// field keeps the value as sent, since the decoder derives STATUS_LOCATION
// only when the template has no status field), and a drifting GPS point
// (6 bytes).
func (s *Simulator) buildPayload() []byte {
	buf := protocol.NewSinkBuffer(protocol.MaxPayloadSize)

	now := time.Now().UTC().Unix()
	buf.WriteULong(uint64(now), 4)
	buf.WriteULong(0, 2)

	point := s.nextPoint()
	buf.WriteGPS(point, 6)

	return buf.Bytes()
}

// nextPoint advances the simulated track a small, deterministic amount
// along a circular path around StartPoint so successive reports trace a
// visible route rather than jittering around one spot.
func (s *Simulator) nextPoint() protocol.GeoPoint {
	const radiusDeg = 0.01
	angle := float64(s.tick) * (math.Pi / 18) // 10 degrees of arc per tick
	return protocol.GeoPoint{
		Latitude:  s.cfg.StartPoint.Latitude + radiusDeg*math.Sin(angle),
		Longitude: s.cfg.StartPoint.Longitude + radiusDeg*math.Cos(angle),
	}
}
