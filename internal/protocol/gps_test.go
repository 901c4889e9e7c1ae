package protocol_test

import (
	"math"
	"testing"

	"github.com/opendmtp/server/internal/protocol"
)

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestGPS_RoundTrip6Byte(t *testing.T) {
	cases := []protocol.GeoPoint{
		{Latitude: 37.422, Longitude: -122.084},
		{Latitude: -33.868, Longitude: 151.209},
		{Latitude: 0, Longitude: 0},
		{Latitude: 89.999, Longitude: 179.999},
		{Latitude: -89.999, Longitude: -179.999},
	}
	for _, p := range cases {
		buf := protocol.NewSinkBuffer(16)
		buf.WriteGPS(p, 6)
		buf.Reset()
		got := buf.ReadGPS(6)
		// 24-bit-per-coordinate resolution is roughly 180/2^24 degrees.
		if !approxEqual(got.Latitude, p.Latitude, 0.001) || !approxEqual(got.Longitude, p.Longitude, 0.001) {
			t.Errorf("6-byte round trip: got %+v, want ~%+v", got, p)
		}
	}
}

func TestGPS_RoundTrip8Byte(t *testing.T) {
	p := protocol.GeoPoint{Latitude: 37.422, Longitude: -122.084}
	buf := protocol.NewSinkBuffer(16)
	buf.WriteGPS(p, 8)
	buf.Reset()
	got := buf.ReadGPS(8)
	if !approxEqual(got.Latitude, p.Latitude, 0.00001) || !approxEqual(got.Longitude, p.Longitude, 0.00001) {
		t.Errorf("8-byte round trip: got %+v, want ~%+v", got, p)
	}
}

func TestGPS_ZeroValueIsZero(t *testing.T) {
	var p protocol.GeoPoint
	if !p.IsZero() {
		t.Error("zero GeoPoint should be IsZero()")
	}
	p.Latitude = 1
	if p.IsZero() {
		t.Error("non-zero GeoPoint should not be IsZero()")
	}
}

func TestGPS_ShortFieldYieldsZeroPoint(t *testing.T) {
	// Scenario: a template declares a GPS field shorter than 6 bytes; the
	// cursor still advances but the point decodes as zero.
	buf := protocol.NewSourceBufferFrom([]byte{0x01, 0x02, 0x03})
	got := buf.ReadGPS(3)
	if !got.IsZero() {
		t.Errorf("truncated GPS field should decode to zero point, got %+v", got)
	}
	if buf.Cursor() != 3 {
		t.Errorf("cursor = %d, want 3 (still advances past declared length)", buf.Cursor())
	}
}
