package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/opendmtp/server/internal/model"
	"github.com/opendmtp/server/internal/protocol"
	"github.com/opendmtp/server/internal/store/sqlite"
)

// openMemStore opens an in-memory Store and registers t.Cleanup to close
// it, ensuring the database is closed even when tests fail.
func openMemStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:", 4)
	if err != nil {
		t.Fatalf("sqlite.Open(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAccount_SaveThenLoad(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	in := &model.Account{ID: "acct1", Description: "test account", Active: true}
	if err := s.SaveAccount(ctx, in); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}

	out, err := s.Account(ctx, "acct1")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if out.ID != in.ID || out.Description != in.Description || out.Active != in.Active {
		t.Errorf("Account = %+v, want %+v", out, in)
	}
}

func TestAccount_SaveTwiceUpdatesInPlace(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	if err := s.SaveAccount(ctx, &model.Account{ID: "acct1", Description: "first", Active: true}); err != nil {
		t.Fatalf("SaveAccount (first): %v", err)
	}
	if err := s.SaveAccount(ctx, &model.Account{ID: "acct1", Description: "second", Active: false}); err != nil {
		t.Fatalf("SaveAccount (second): %v", err)
	}

	out, err := s.Account(ctx, "acct1")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if out.Description != "second" || out.Active {
		t.Errorf("Account = %+v, want description=second active=false", out)
	}
}

func TestAccount_NotFound(t *testing.T) {
	s := openMemStore(t)
	if _, err := s.Account(context.Background(), "missing"); err == nil {
		t.Fatal("expected an error for a missing account")
	}
}

func TestDevice_SaveThenLoad_RoundTripsPolicyAndProfiles(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	d := model.NewDevice("acct1", "dev1", 4)
	d.Description = "a tracker"
	d.Limits = model.Limits{
		MaxTotalSimplex:     100,
		MaxTotalDuplex:      50,
		MaxPerMinuteSimplex: 5,
		MaxPerMinuteDuplex:  3,
		LimitInterval:       10 * time.Minute,
		MaxAllowedEvents:    1000,
	}
	d.SetEncoding(0)
	d.SetEncoding(2)

	now := time.Unix(1_700_000_000, 0)
	simplex := d.Profile(model.Simplex)
	simplex.Record(now)
	d.SetProfile(model.Simplex, simplex)

	d.RecordEvent(now, d.Limits.LimitInterval)
	d.RecordEvent(now, d.Limits.LimitInterval)

	if err := s.SaveDevice(ctx, d); err != nil {
		t.Fatalf("SaveDevice: %v", err)
	}

	out, err := s.Device(ctx, "acct1", "dev1")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}

	if out.Description != "a tracker" {
		t.Errorf("Description = %q, want %q", out.Description, "a tracker")
	}
	if out.Limits != d.Limits {
		t.Errorf("Limits = %+v, want %+v", out.Limits, d.Limits)
	}
	if !out.SupportsEncoding(0) || !out.SupportsEncoding(2) || out.SupportsEncoding(1) {
		t.Errorf("encodings round-trip mismatch")
	}
	if out.Profile(model.Simplex).Count(1) != 1 {
		t.Errorf("simplex profile Count(1) = %d, want 1", out.Profile(model.Simplex).Count(1))
	}
	count, _ := out.EventCount()
	if count != 2 {
		t.Errorf("EventCount = %d, want 2", count)
	}
}

func TestDevice_NotFound(t *testing.T) {
	s := openMemStore(t)
	if _, err := s.Device(context.Background(), "acct1", "missing"); err == nil {
		t.Fatal("expected an error for a missing device")
	}
}

func TestDevice_SaveDevicePersistsItsTemplates(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	d := model.NewDevice("acct1", "dev1", 4)
	fields := []protocol.Field{
		{Type: protocol.FieldGPSPoint, Resolution: protocol.HighResolution, ByteLength: 8},
		{Type: protocol.FieldSpeed, Resolution: protocol.LowResolution, ByteLength: 1},
	}
	d.AddTemplate(5, protocol.NewTemplate(5, fields, true))

	if err := s.SaveDevice(ctx, d); err != nil {
		t.Fatalf("SaveDevice: %v", err)
	}

	out, err := s.Device(ctx, "acct1", "dev1")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	tmpl, ok := out.Template(5)
	if !ok {
		t.Fatal("template 5 not restored")
	}
	if len(tmpl.Fields) != 2 || !tmpl.RepeatLast {
		t.Errorf("restored template = %+v, want 2 fields, RepeatLast=true", tmpl)
	}
}

func TestTemplateStore_SaveThenLoad(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	fields := []protocol.Field{{Type: protocol.FieldSpeed, Resolution: protocol.HighResolution, ByteLength: 2}}
	in := protocol.NewTemplate(9, fields, false)

	if err := s.SaveTemplate(ctx, "acct1", "dev1", 9, in); err != nil {
		t.Fatalf("SaveTemplate: %v", err)
	}

	out, ok, err := s.Template(ctx, "acct1", "dev1", 9)
	if err != nil {
		t.Fatalf("Template: %v", err)
	}
	if !ok {
		t.Fatal("Template reported not found")
	}
	if len(out.Fields) != 1 || out.Fields[0].Type != protocol.FieldSpeed {
		t.Errorf("Template = %+v, want one speed field", out)
	}
}

func TestTemplateStore_Template_NotFoundReturnsFalseNotError(t *testing.T) {
	s := openMemStore(t)
	_, ok, err := s.Template(context.Background(), "acct1", "dev1", 1)
	if err != nil {
		t.Fatalf("Template: %v", err)
	}
	if ok {
		t.Error("Template reported found for an unregistered (account, device, type)")
	}
}

func TestEventSink_InsertEvent(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	var ev protocol.Event
	ev.SetGPS(protocol.GeoPoint{Latitude: 37.422, Longitude: -122.084})
	ev.SetLong("statusCode", -1, int64(protocol.StatusLocation))

	err := s.InsertEvent(ctx, model.EventRecord{AccountID: "acct1", DeviceID: "dev1", Event: ev})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
}
