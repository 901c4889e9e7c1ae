package policy

import (
	"sync"
	"time"

	"github.com/opendmtp/server/internal/model"
)

// Gate admits or rejects device connections and event inserts against a
// device's configured limits (spec.md §4.G). A Gate is safe for concurrent
// use by multiple sessions across multiple devices; sessions for the same
// device serialize on that device's exclusive lock, so profile mutation
// and the paired lastConnectTime update are atomic (spec.md §5).
type Gate struct {
	locks sync.Map // device key (string) -> *sync.Mutex
}

// NewGate constructs an empty Gate.
func NewGate() *Gate {
	return &Gate{}
}

func deviceKey(d *model.Device) string {
	return d.AccountID + "/" + d.DeviceID
}

func (g *Gate) lockFor(d *model.Device) *sync.Mutex {
	v, _ := g.locks.LoadOrStore(deviceKey(d), &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Admit checks whether a new connection in the given mode may proceed at
// time now, and if so records it against the device's profile for that
// mode. The three checks run in order: active flag, per-minute ceiling,
// absolute ceiling over the device's configured limit interval (spec.md
// §4.G steps 1-3).
func (g *Gate) Admit(d *model.Device, mode model.Mode, now time.Time) error {
	mu := g.lockFor(d)
	mu.Lock()
	defer mu.Unlock()

	if !d.IsActive() {
		return &Error{Reason: ReasonInactive, DeviceID: deviceKey(d)}
	}

	p := d.Profile(mode)

	if p.Count(1)+1 > d.MaxPerMinute(mode) {
		return &Error{Reason: ReasonRateLimit, DeviceID: deviceKey(d)}
	}

	intervalMinutes := int(d.Limits.LimitInterval / time.Minute)
	if p.Count(intervalMinutes)+1 > d.MaxTotal(mode) {
		return &Error{Reason: ReasonQuota, DeviceID: deviceKey(d)}
	}

	p.Record(now)
	d.SetProfile(mode, p)
	return nil
}

// AdmitEvent checks whether inserting one more event at time now would
// exceed the device's event quota for its configured limit interval, and
// if not, records it (spec.md §4.G step 4).
func (g *Gate) AdmitEvent(d *model.Device, now time.Time) error {
	mu := g.lockFor(d)
	mu.Lock()
	defer mu.Unlock()

	if d.EventCountSince(now, d.Limits.LimitInterval)+1 > d.Limits.MaxAllowedEvents {
		return &Error{Reason: ReasonEventQuota, DeviceID: deviceKey(d)}
	}
	d.RecordEvent(now, d.Limits.LimitInterval)
	return nil
}
