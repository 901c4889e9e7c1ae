package policy_test

import (
	"errors"
	"testing"
	"time"

	"github.com/opendmtp/server/internal/model"
	"github.com/opendmtp/server/internal/policy"
)

func newTestDevice() *model.Device {
	d := model.NewDevice("acct1", "dev1", 4)
	d.Limits = model.Limits{
		MaxTotalSimplex:     100,
		MaxTotalDuplex:      100,
		MaxPerMinuteSimplex: 3,
		MaxPerMinuteDuplex:  3,
		LimitInterval:       10 * time.Minute,
		MaxAllowedEvents:    5,
	}
	return d
}

func TestGate_RejectsInactiveDevice(t *testing.T) {
	d := newTestDevice()
	d.Active = false
	g := policy.NewGate()

	err := g.Admit(d, model.Simplex, time.Unix(1700000000, 0))
	var gateErr *policy.Error
	if !errors.As(err, &gateErr) || gateErr.Reason != policy.ReasonInactive {
		t.Fatalf("Admit(inactive) error = %v, want ReasonInactive", err)
	}
}

func TestGate_RateLimitTripScenario(t *testing.T) {
	d := newTestDevice()
	g := policy.NewGate()
	minute0 := time.Unix(1700000000-1700000000%60, 0)

	for i := 0; i < 3; i++ {
		if err := g.Admit(d, model.Simplex, minute0); err != nil {
			t.Fatalf("connection %d at minute0: %v", i+1, err)
		}
	}
	// A fourth attempt in the same slot: popcount stays 1, still admitted.
	if err := g.Admit(d, model.Simplex, minute0); err != nil {
		t.Fatalf("fourth same-minute connection should be admitted: %v", err)
	}

	minute1 := minute0.Add(time.Minute)
	for i := 0; i < 3; i++ {
		if err := g.Admit(d, model.Simplex, minute1); err != nil {
			t.Fatalf("connection %d at minute1: %v", i+1, err)
		}
	}
}

func TestGate_RateLimitRejectsWhenCeilingIsOne(t *testing.T) {
	d := newTestDevice()
	d.Limits.MaxPerMinuteSimplex = 1
	g := policy.NewGate()
	minute0 := time.Unix(1700000000-1700000000%60, 0)

	if err := g.Admit(d, model.Simplex, minute0); err != nil {
		t.Fatalf("first connection should be admitted: %v", err)
	}
	err := g.Admit(d, model.Simplex, minute0)
	var gateErr *policy.Error
	if !errors.As(err, &gateErr) || gateErr.Reason != policy.ReasonRateLimit {
		t.Fatalf("second same-minute connection error = %v, want ReasonRateLimit", err)
	}
}

func TestGate_AbsoluteQuota(t *testing.T) {
	d := newTestDevice()
	d.Limits.MaxTotalSimplex = 2
	d.Limits.LimitInterval = 10 * time.Minute
	g := policy.NewGate()
	base := time.Unix(1700000000-1700000000%60, 0)

	if err := g.Admit(d, model.Simplex, base); err != nil {
		t.Fatalf("connection 1: %v", err)
	}
	if err := g.Admit(d, model.Simplex, base.Add(time.Minute)); err != nil {
		t.Fatalf("connection 2: %v", err)
	}
	err := g.Admit(d, model.Simplex, base.Add(2*time.Minute))
	var gateErr *policy.Error
	if !errors.As(err, &gateErr) || gateErr.Reason != policy.ReasonQuota {
		t.Fatalf("connection 3 error = %v, want ReasonQuota", err)
	}
}

func TestGate_SimplexAndDuplexAreIndependent(t *testing.T) {
	d := newTestDevice()
	d.Limits.MaxPerMinuteSimplex = 1
	d.Limits.MaxPerMinuteDuplex = 1
	g := policy.NewGate()
	now := time.Unix(1700000000, 0)

	if err := g.Admit(d, model.Simplex, now); err != nil {
		t.Fatalf("simplex connection should be admitted: %v", err)
	}
	if err := g.Admit(d, model.Duplex, now); err != nil {
		t.Fatalf("duplex connection should be admitted independently of simplex: %v", err)
	}
}

func TestGate_AdmitEventQuota(t *testing.T) {
	d := newTestDevice()
	d.Limits.MaxAllowedEvents = 2
	d.Limits.LimitInterval = time.Minute
	g := policy.NewGate()
	now := time.Unix(1700000000, 0)

	if err := g.AdmitEvent(d, now); err != nil {
		t.Fatalf("event 1: %v", err)
	}
	if err := g.AdmitEvent(d, now.Add(time.Second)); err != nil {
		t.Fatalf("event 2: %v", err)
	}
	err := g.AdmitEvent(d, now.Add(2*time.Second))
	var gateErr *policy.Error
	if !errors.As(err, &gateErr) || gateErr.Reason != policy.ReasonEventQuota {
		t.Fatalf("event 3 error = %v, want ReasonEventQuota", err)
	}

	// After the window rolls over, the quota resets.
	if err := g.AdmitEvent(d, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("event after window reset: %v", err)
	}
}

func TestGate_DifferentDevicesDoNotShareLimits(t *testing.T) {
	d1 := newTestDevice()
	d2 := model.NewDevice("acct1", "dev2", 4)
	d2.Limits = d1.Limits
	d2.Limits.MaxPerMinuteSimplex = 1
	g := policy.NewGate()
	now := time.Unix(1700000000, 0)

	if err := g.Admit(d1, model.Simplex, now); err != nil {
		t.Fatalf("d1 connection 1: %v", err)
	}
	if err := g.Admit(d1, model.Simplex, now); err != nil {
		t.Fatalf("d1 connection 2: %v", err)
	}
	if err := g.Admit(d2, model.Simplex, now); err != nil {
		t.Fatalf("d2's first connection should be unaffected by d1's history: %v", err)
	}
}
