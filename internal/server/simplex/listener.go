package simplex

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/opendmtp/server/internal/audit"
	"github.com/opendmtp/server/internal/model"
	"github.com/opendmtp/server/internal/policy"
	"github.com/opendmtp/server/internal/protocol"
)

// Field lengths within a simplex datagram (see doc.go).
const (
	accountIDFieldLen = 32
	deviceIDFieldLen  = 32
)

// Store is the subset of internal/model's store interfaces the simplex
// listener uses.
type Store interface {
	model.DeviceStore
	model.EventSink
}

// Broadcaster fans out accepted events to live subscribers.
type Broadcaster interface {
	Publish(rec model.EventRecord)
}

// Listener reads DMTP datagrams off a net.PacketConn (typically a UDP
// socket) and admits, decodes, and persists each one independently — a
// simplex connection carries exactly one packet and never replies
// (spec.md §4.F "Simplex connection: one-shot, device-to-server only").
type Listener struct {
	conn        net.PacketConn
	store       Store
	gate        *policy.Gate
	broadcaster Broadcaster
	auditLog    *audit.Logger
	logger      *slog.Logger

	readBuf []byte
}

// NewListener constructs a Listener bound to conn.
func NewListener(conn net.PacketConn, store Store, gate *policy.Gate, broadcaster Broadcaster, auditLog *audit.Logger, logger *slog.Logger) *Listener {
	return &Listener{
		conn:        conn,
		store:       store,
		gate:        gate,
		broadcaster: broadcaster,
		auditLog:    auditLog,
		logger:      logger,
		readBuf:     make([]byte, protocol.MaxPayloadSize),
	}
}

// Serve reads datagrams until ctx is canceled or the socket is closed. Each
// datagram is handled synchronously and independently: a malformed or
// rejected datagram is logged and dropped (there is no simplex NAK per
// spec.md's one-shot contract) and Serve continues reading.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.conn.Close()
	}()

	for {
		n, addr, err := l.conn.ReadFrom(l.readBuf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		l.handleDatagram(ctx, addr, append([]byte(nil), l.readBuf[:n]...))
	}
}

// handleDatagram parses, admits, decodes, and persists one datagram. It
// never returns an error to Serve: every failure mode is logged and the
// listener moves on to the next datagram.
func (l *Listener) handleDatagram(ctx context.Context, addr net.Addr, data []byte) {
	buf := protocol.NewSourceBufferFrom(data)
	accountID := buf.ReadString(accountIDFieldLen)
	deviceID := buf.ReadString(deviceIDFieldLen)
	customType := byte(buf.ReadULong(1, 0))
	isEvent := buf.ReadULong(1, 0) != 0
	payload := buf.ReadBytes(protocol.MaxPayloadSize)

	if accountID == "" || deviceID == "" {
		l.logger.Warn("simplex: malformed datagram", slog.String("remote_addr", addr.String()))
		return
	}

	dev, err := l.store.Device(ctx, accountID, deviceID)
	if err != nil {
		l.logger.Warn("simplex: unknown device",
			slog.String("account_id", accountID),
			slog.String("device_id", deviceID),
			slog.Any("error", err),
		)
		return
	}

	now := time.Now().UTC()
	if err := l.gate.Admit(dev, model.Simplex, now); err != nil {
		l.auditReject(dev, "simplex_connection", err)
		return
	}

	pkt := protocol.Packet{CustomType: customType, IsEvent: isEvent, Payload: payload}
	ev, err := protocol.Decode(pkt, dev, now)
	if err != nil {
		l.logger.Warn("simplex: decode failed",
			slog.String("account_id", accountID),
			slog.String("device_id", deviceID),
			slog.Any("error", err),
		)
		return
	}

	if err := l.gate.AdmitEvent(dev, now); err != nil {
		l.auditReject(dev, "event_quota", err)
		return
	}

	rec := model.EventRecord{AccountID: accountID, DeviceID: deviceID, Event: ev}
	if err := l.store.InsertEvent(ctx, rec); err != nil {
		l.logger.Error("simplex: insert event failed",
			slog.String("account_id", accountID),
			slog.String("device_id", deviceID),
			slog.Any("error", err),
		)
		return
	}

	if l.broadcaster != nil {
		l.broadcaster.Publish(rec)
	}
}

func (l *Listener) auditReject(dev *model.Device, reason string, cause error) {
	if l.auditLog == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"account_id": dev.AccountID,
		"device_id":  dev.DeviceID,
		"reason":     reason,
		"detail":     cause.Error(),
	})
	if _, err := l.auditLog.Append(payload); err != nil {
		l.logger.Error("simplex: audit append failed", slog.Any("error", err))
	}
}
