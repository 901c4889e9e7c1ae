package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/opendmtp/server/internal/audit"
	"github.com/opendmtp/server/internal/model"
	"github.com/opendmtp/server/internal/policy"
	"github.com/opendmtp/server/internal/protocol"
	"github.com/opendmtp/server/internal/rpcwire"
)

// Store is the subset of internal/model's store interfaces the duplex
// service uses. Defined locally so tests can substitute a fake, the same
// pattern the teacher's grpc.AlertService uses for its Store interface.
type Store interface {
	model.DeviceStore
	model.EventSink
}

// Broadcaster fans out accepted events to live subscribers (the duplex
// counterpart of the teacher's websocket.Broadcaster.Publish).
type Broadcaster interface {
	Publish(rec model.EventRecord)
}

// Service implements Server: one gRPC stream per device duplex session.
// Each inbound Frame is admitted by the policy Gate, decoded against the
// owning device's negotiated template, persisted, and acknowledged —
// mirroring the teacher's AlertService.StreamAlerts loop
// (validate-then-persist-then-broadcast-then-ack), retargeted from alerts
// to DMTP events.
type Service struct {
	store       Store
	gate        *policy.Gate
	broadcaster Broadcaster
	auditLog    *audit.Logger
	logger      *slog.Logger

	profileByteLen int
}

// NewService constructs a Service. profileByteLen is kept on the Service
// but not read by it: devices are loaded from the store, which sizes their
// connection profiles itself.
func NewService(store Store, gate *policy.Gate, broadcaster Broadcaster, auditLog *audit.Logger, logger *slog.Logger, profileByteLen int) *Service {
	return &Service{
		store:          store,
		gate:           gate,
		broadcaster:    broadcaster,
		auditLog:       auditLog,
		logger:         logger,
		profileByteLen: profileByteLen,
	}
}

// Session handles one duplex stream end to end. The session is torn down
// (spec.md §4's "Cancellation & timeouts") whenever the client closes the
// stream (io.EOF), the stream's context ends, or receiving or sending on
// the stream fails; a per-frame failure (unknown device, decode, policy, or
// persistence) instead yields an error Ack and the session continues, since
// duplex sessions may carry further frames.
func (s *Service) Session(stream SessionStream) error {
	ctx := stream.Context()

	// The device admitted for this session, cached across frames so that
	// repeated lookups against the same session do not re-hit the store.
	var cached *model.Device

	for {
		frame, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		ack := s.handleFrame(ctx, frame, &cached)
		if err := stream.Send(ack); err != nil {
			return err
		}
	}
}

// handleFrame runs one frame through admission, decode, and persistence,
// never returning an error: all failure modes are reported via the
// returned Ack so the stream itself stays open (spec.md §4's duplex
// continuation rule).
func (s *Service) handleFrame(ctx context.Context, frame *rpcwire.Frame, cached **model.Device) *rpcwire.Ack {
	if frame.AccountID == "" || frame.DeviceID == "" {
		return &rpcwire.Ack{Code: rpcwire.AckMalformed, Message: "account_id and device_id are required"}
	}

	now := time.Now().UTC()

	dev := *cached
	if dev == nil || dev.AccountID != frame.AccountID || dev.DeviceID != frame.DeviceID {
		loaded, err := s.store.Device(ctx, frame.AccountID, frame.DeviceID)
		if err != nil {
			s.logger.Error("duplex: device lookup failed",
				slog.String("account_id", frame.AccountID),
				slog.String("device_id", frame.DeviceID),
				slog.Any("error", err),
			)
			return &rpcwire.Ack{Code: rpcwire.AckRejected, Message: "unknown device"}
		}
		dev = loaded

		// The connection-profile ceiling is admitted once per duplex session,
		// at the point the device is first resolved — not once per frame. A
		// session is one bidirectional stream against one device (spec.md
		// §4.G: "a single physical session counts against exactly one"), so
		// re-admitting on every subsequent frame of the same session would
		// burn the per-minute/absolute quota far faster than intended. Only
		// per-event quota (AdmitEvent, below) is checked per frame.
		if err := s.gate.Admit(dev, model.Duplex, now); err != nil {
			s.auditReject(dev, "duplex_connection", err)
			return &rpcwire.Ack{Code: rpcwire.AckRejected, Message: err.Error()}
		}

		*cached = dev
	}

	pkt := protocol.Packet{CustomType: frame.CustomType, IsEvent: frame.IsEvent, Payload: frame.Payload}
	ev, err := protocol.Decode(pkt, dev, now)
	if err != nil {
		s.logger.Warn("duplex: decode failed",
			slog.String("account_id", frame.AccountID),
			slog.String("device_id", frame.DeviceID),
			slog.Any("error", err),
		)
		return &rpcwire.Ack{Code: rpcwire.AckMalformed, Message: err.Error()}
	}

	if err := s.gate.AdmitEvent(dev, now); err != nil {
		s.auditReject(dev, "event_quota", err)
		return &rpcwire.Ack{Code: rpcwire.AckRejected, Message: err.Error()}
	}

	rec := model.EventRecord{AccountID: frame.AccountID, DeviceID: frame.DeviceID, Event: ev}
	if err := s.store.InsertEvent(ctx, rec); err != nil {
		s.logger.Error("duplex: insert event failed",
			slog.String("account_id", frame.AccountID),
			slog.String("device_id", frame.DeviceID),
			slog.Any("error", err),
		)
		return &rpcwire.Ack{Code: rpcwire.AckRejected, Message: "insert failed"}
	}

	if s.broadcaster != nil {
		s.broadcaster.Publish(rec)
	}

	return &rpcwire.Ack{Code: rpcwire.AckAccepted}
}

// auditReject records a policy rejection in the tamper-evident audit log.
// Failures to write the audit entry are logged but do not change the Ack
// already decided for the frame.
func (s *Service) auditReject(dev *model.Device, reason string, cause error) {
	if s.auditLog == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"account_id": dev.AccountID,
		"device_id":  dev.DeviceID,
		"reason":     reason,
		"detail":     cause.Error(),
	})
	if _, err := s.auditLog.Append(payload); err != nil {
		s.logger.Error("duplex: audit append failed", slog.Any("error", err))
	}
}
