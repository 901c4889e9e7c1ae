package model

import (
	"sync"
	"time"

	"github.com/opendmtp/server/internal/profile"
	"github.com/opendmtp/server/internal/protocol"
)

// Mode distinguishes a device's two independent connection accounting
// tracks (spec.md §4.F, §4.G).
type Mode int

const (
	// Simplex is the UDP-style, single-packet connection mode.
	Simplex Mode = iota
	// Duplex is the TCP-style, bidirectional connection mode.
	Duplex
)

func (m Mode) String() string {
	if m == Duplex {
		return "duplex"
	}
	return "simplex"
}

// Limits holds a device's six configured policy integers (spec.md §6
// "connection limits (six integers)"): independent per-minute and absolute
// ceilings for each connection mode, the interval the absolute ceiling and
// the event quota are measured over, and the event quota itself.
type Limits struct {
	MaxTotalSimplex     int
	MaxTotalDuplex      int
	MaxPerMinuteSimplex int
	MaxPerMinuteDuplex  int
	LimitInterval       time.Duration
	MaxAllowedEvents    int
}

// Device is the abstract device record the policy gate and event decoder
// operate on (spec.md §3 "Account / Device", §6 "Persisted state"). A
// Device is mutated only through the policy gate (connection admission) or
// the event-insert path (template negotiation, event-count tracking); all
// other access is read-only.
type Device struct {
	AccountID   string
	DeviceID    string
	Description string
	Active      bool
	Limits      Limits

	profileSimplex profile.Profile
	profileDuplex  profile.Profile

	supportedEncodings uint32

	eventCount      int
	eventWindowFrom int64

	mu        sync.RWMutex
	templates map[byte]protocol.Template
}

// NewDevice constructs a Device with fresh, empty connection profiles of
// the given byte length (spec.md §4.F "fixed byte length configured per
// device").
func NewDevice(accountID, deviceID string, profileByteLen int) *Device {
	return &Device{
		AccountID:      accountID,
		DeviceID:       deviceID,
		Active:         true,
		profileSimplex: profile.New(profileByteLen),
		profileDuplex:  profile.New(profileByteLen),
		templates:      make(map[byte]protocol.Template),
	}
}

// IsActive reports whether the device may open new sessions.
func (d *Device) IsActive() bool { return d.Active }

// Profile returns a copy of the device's connection profile for mode.
func (d *Device) Profile(mode Mode) profile.Profile {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if mode == Duplex {
		return d.profileDuplex
	}
	return d.profileSimplex
}

// SetProfile replaces the device's connection profile for mode, as the
// policy gate does after recording an admitted connection.
func (d *Device) SetProfile(mode Mode, p profile.Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mode == Duplex {
		d.profileDuplex = p
	} else {
		d.profileSimplex = p
	}
}

// MaxTotal returns the device's absolute connection ceiling for mode.
func (d *Device) MaxTotal(mode Mode) int {
	if mode == Duplex {
		return d.Limits.MaxTotalDuplex
	}
	return d.Limits.MaxTotalSimplex
}

// MaxPerMinute returns the device's per-minute connection ceiling for mode.
func (d *Device) MaxPerMinute(mode Mode) int {
	if mode == Duplex {
		return d.Limits.MaxPerMinuteDuplex
	}
	return d.Limits.MaxPerMinuteSimplex
}

// SupportsEncoding reports whether bit is set in the device's
// supported-encodings bitmap (spec.md §6).
func (d *Device) SupportsEncoding(bit uint) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.supportedEncodings&(1<<bit) != 0
}

// SetEncoding sets bit in the device's supported-encodings bitmap.
func (d *Device) SetEncoding(bit uint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.supportedEncodings |= 1 << bit
}

// EncodingBitmap returns the device's raw supported-encodings bitmap, for
// persistence by a DeviceStore.
func (d *Device) EncodingBitmap() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.supportedEncodings
}

// SetEncodingBitmap replaces the device's entire supported-encodings
// bitmap in one step, as a DeviceStore does when loading a persisted
// record.
func (d *Device) SetEncodingBitmap(bitmap uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.supportedEncodings = bitmap
}

// RemoveEncoding clears bit in the device's supported-encodings bitmap.
func (d *Device) RemoveEncoding(bit uint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.supportedEncodings &^= 1 << bit
}

// Template looks up the payload template negotiated for customType,
// satisfying protocol.TemplateSource.
func (d *Device) Template(customType byte) (protocol.Template, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.templates[customType]
	return t, ok
}

// AddTemplate registers (or replaces) the payload template for customType.
func (d *Device) AddTemplate(customType byte, t protocol.Template) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.templates[customType] = t
}

// Templates returns a snapshot of every template currently registered on
// the device, for a DeviceStore to persist alongside the device row.
func (d *Device) Templates() map[byte]protocol.Template {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[byte]protocol.Template, len(d.templates))
	for k, v := range d.templates {
		out[k] = v
	}
	return out
}

// EventCount reports the number of events counted since the last window
// reset, and the window's start time (seconds since epoch).
func (d *Device) EventCount() (count int, windowFrom int64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.eventCount, d.eventWindowFrom
}

// RecordEvent increments the event counter, resetting the window first if
// interval has elapsed since it began. Called by internal/policy's Gate
// under the device's exclusive lock.
func (d *Device) RecordEvent(now time.Time, interval time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if interval <= 0 {
		interval = time.Hour
	}
	if d.eventWindowFrom == 0 || now.Sub(time.Unix(d.eventWindowFrom, 0)) >= interval {
		d.eventCount = 0
		d.eventWindowFrom = now.Unix()
	}
	d.eventCount++
}

// RestoreEventState sets the device's event counter and window-start time
// directly, bypassing the increment-and-maybe-reset logic in RecordEvent.
// A DeviceStore calls this once, right after NewDevice, to reproduce
// persisted state exactly.
func (d *Device) RestoreEventState(count int, windowFrom int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eventCount = count
	d.eventWindowFrom = windowFrom
}

// EventCountSince returns the event count applicable to the current
// window, as of now, without mutating state: 0 if the window has already
// expired, the live counter otherwise.
func (d *Device) EventCountSince(now time.Time, interval time.Duration) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if interval <= 0 {
		interval = time.Hour
	}
	if d.eventWindowFrom == 0 || now.Sub(time.Unix(d.eventWindowFrom, 0)) >= interval {
		return 0
	}
	return d.eventCount
}
