package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Status is the DMTP event status code's well-known values (spec.md §4.E).
type Status int64

const (
	// StatusNone means no special status applies.
	StatusNone Status = 0
	// StatusLocation is set when a GPS point was decoded and no
	// status-code field was present in the template.
	StatusLocation Status = 0xF020
)

// value is the tagged-variant storage cell backing one Event key (design
// notes: "Dynamic typed bag → tagged variant").
type value struct {
	hasLong   bool
	long      int64
	hasDouble bool
	double    float64
	hasBytes  bool
	bytes     []byte
	hasString bool
	text      string
}

// Event is a name/index-keyed bag of typed values produced by the decoder
// (spec.md §3 "Event record", §4.D). The zero Event is ready to use.
type Event struct {
	values map[string]value
}

// key composes the physical storage key for a field name and optional
// array index; index < 0 means "no index" (spec.md §4.D).
func key(name string, index int) string {
	if index < 0 {
		return name
	}
	return fmt.Sprintf("%s.%d", name, index)
}

func (e *Event) ensure() {
	if e.values == nil {
		e.values = make(map[string]value)
	}
}

// SetLong stores an integer value under name (and optional index).
func (e *Event) SetLong(name string, index int, v int64) {
	e.ensure()
	e.values[key(name, index)] = value{hasLong: true, long: v}
}

// SetDouble stores a floating-point value under name (and optional index).
func (e *Event) SetDouble(name string, index int, v float64) {
	e.ensure()
	e.values[key(name, index)] = value{hasDouble: true, double: v}
}

// SetBytes stores a byte-array value under name (and optional index).
func (e *Event) SetBytes(name string, index int, v []byte) {
	e.ensure()
	cp := append([]byte(nil), v...)
	e.values[key(name, index)] = value{hasBytes: true, bytes: cp}
}

// SetString stores a string value under name (and optional index).
func (e *Event) SetString(name string, index int, v string) {
	e.ensure()
	e.values[key(name, index)] = value{hasString: true, text: v}
}

// GetLong returns the value stored under name (and optional index) coerced
// to int64, or def if absent. A stored double is truncated; a stored string
// is parsed as a base-10 integer (falling back to def on failure).
func (e *Event) GetLong(name string, index int, def int64) int64 {
	v, ok := e.lookup(name, index)
	if !ok {
		return def
	}
	switch {
	case v.hasLong:
		return v.long
	case v.hasDouble:
		return int64(v.double)
	case v.hasString:
		n, err := strconv.ParseInt(v.text, 10, 64)
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

// GetDouble returns the value stored under name (and optional index)
// coerced to float64, or def if absent.
func (e *Event) GetDouble(name string, index int, def float64) float64 {
	v, ok := e.lookup(name, index)
	if !ok {
		return def
	}
	switch {
	case v.hasDouble:
		return v.double
	case v.hasLong:
		return float64(v.long)
	case v.hasString:
		f, err := strconv.ParseFloat(v.text, 64)
		if err != nil {
			return def
		}
		return f
	default:
		return def
	}
}

// GetBytes returns the raw byte-array value stored under name (and optional
// index), or def if absent or not byte-valued.
func (e *Event) GetBytes(name string, index int, def []byte) []byte {
	v, ok := e.lookup(name, index)
	if !ok || !v.hasBytes {
		return def
	}
	return v.bytes
}

// GetString returns the value stored under name (and optional index)
// coerced to string, or def if absent. A byte-array value stringifies as
// "0x" followed by its lowercase hex digits (spec.md §4.D).
func (e *Event) GetString(name string, index int, def string) string {
	v, ok := e.lookup(name, index)
	if !ok {
		return def
	}
	switch {
	case v.hasString:
		return v.text
	case v.hasBytes:
		return "0x" + hex.EncodeToString(v.bytes)
	case v.hasLong:
		return strconv.FormatInt(v.long, 10)
	case v.hasDouble:
		return strconv.FormatFloat(v.double, 'g', -1, 64)
	default:
		return def
	}
}

// SetGPS stores p's latitude and longitude as two double entries under
// "latitude"/"longitude" (spec.md §3 "GeoPoint... stored as two double
// entries").
func (e *Event) SetGPS(p GeoPoint) {
	e.SetDouble("latitude", -1, p.Latitude)
	e.SetDouble("longitude", -1, p.Longitude)
}

// GPS returns the GeoPoint stored by SetGPS, defaulting each coordinate to
// 0.0 if absent.
func (e *Event) GPS() GeoPoint {
	return GeoPoint{
		Latitude:  e.GetDouble("latitude", -1, 0),
		Longitude: e.GetDouble("longitude", -1, 0),
	}
}

func (e *Event) lookup(name string, index int) (value, bool) {
	if e.values == nil {
		return value{}, false
	}
	v, ok := e.values[key(name, index)]
	return v, ok
}

// Has reports whether a value is stored under name (and optional index).
func (e *Event) Has(name string, index int) bool {
	_, ok := e.lookup(name, index)
	return ok
}

// wireValue is the JSON encoding of one tagged-variant cell: exactly one of
// its fields is set, matching whichever Set* call produced it.
type wireValue struct {
	Long   *int64   `json:"l,omitempty"`
	Double *float64 `json:"d,omitempty"`
	Bytes  []byte   `json:"b,omitempty"`
	String *string  `json:"s,omitempty"`
}

// MarshalJSON encodes the event as a flat object of storage key to tagged
// value, for durable storage alongside the account/device that produced it
// (spec.md §6 "Event").
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]wireValue, len(e.values))
	for k, v := range e.values {
		var wv wireValue
		if v.hasLong {
			l := v.long
			wv.Long = &l
		}
		if v.hasDouble {
			d := v.double
			wv.Double = &d
		}
		if v.hasBytes {
			wv.Bytes = v.bytes
		}
		if v.hasString {
			s := v.text
			wv.String = &s
		}
		out[k] = wv
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes an event from the form produced by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var in map[string]wireValue
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("protocol: unmarshal event: %w", err)
	}
	e.values = make(map[string]value, len(in))
	for k, wv := range in {
		var v value
		if wv.Long != nil {
			v.hasLong = true
			v.long = *wv.Long
		}
		if wv.Double != nil {
			v.hasDouble = true
			v.double = *wv.Double
		}
		if wv.Bytes != nil {
			v.hasBytes = true
			v.bytes = wv.Bytes
		}
		if wv.String != nil {
			v.hasString = true
			v.text = *wv.String
		}
		e.values[k] = v
	}
	return nil
}
