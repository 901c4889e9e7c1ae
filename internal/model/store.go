package model

import (
	"context"

	"github.com/opendmtp/server/internal/protocol"
)

// AccountStore persists Account records (spec.md §4.H "Account store").
type AccountStore interface {
	Account(ctx context.Context, accountID string) (*Account, error)
	SaveAccount(ctx context.Context, a *Account) error
}

// DeviceStore persists Device records: policy parameters, both connection
// profiles, supported encodings, and template negotiation (spec.md §4.H
// "Device store").
type DeviceStore interface {
	Device(ctx context.Context, accountID, deviceID string) (*Device, error)
	SaveDevice(ctx context.Context, d *Device) error
}

// EventRecord is a decoded event bound to the account/device that produced
// it, ready for insertion (spec.md §6 "Event: account, device, timestamp,
// status code, (lat, lon), speed, heading, altitude, plus any optional
// fields").
type EventRecord struct {
	AccountID string
	DeviceID  string
	Event     protocol.Event
}

// EventSink accepts decoded events for durable storage (spec.md §4.H
// "insertEvent(record) → result code").
type EventSink interface {
	InsertEvent(ctx context.Context, rec EventRecord) error
}

// TemplateStore persists the (account, device, packet type) → template
// mapping independently of the in-memory Device cache (spec.md §6 "Event
// template").
type TemplateStore interface {
	Template(ctx context.Context, accountID, deviceID string, customType byte) (protocol.Template, bool, error)
	SaveTemplate(ctx context.Context, accountID, deviceID string, customType byte, t protocol.Template) error
}
