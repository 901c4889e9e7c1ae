package protocol

import (
	"encoding/hex"
	"time"
)

// Packet is the custom-type/payload pair handed to the decoder by a
// transport (internal/server/duplex, internal/server/simplex). IsEvent
// distinguishes event packets from other packet kinds the transport may
// have already handled (handshake, ack, ...).
type Packet struct {
	CustomType byte
	IsEvent    bool
	Payload    []byte
}

// TemplateSource resolves the payload template a device has negotiated for
// a given custom packet type. internal/model.Device satisfies this via its
// template-lookup accessor.
type TemplateSource interface {
	Template(customType byte) (Template, bool)
}

// Decode applies the template registered for pkt.CustomType to pkt.Payload,
// producing a populated Event. now supplies the server-time default for the
// event's timestamp when the template defines none (spec.md §4.E).
//
// Decode enforces the four documented failure modes (ReasonPacketType,
// ReasonPacketPayload, ReasonFormatNotRecognized,
// ReasonFormatDefinitionInvalid) and otherwise never fails: it stops
// cleanly whenever the template or the payload runs out first, discarding
// any unread trailing bytes.
func Decode(pkt Packet, templates TemplateSource, now time.Time) (Event, error) {
	var ev Event

	if !pkt.IsEvent {
		return ev, &DecodeError{Reason: ReasonPacketType}
	}
	if len(pkt.Payload) == 0 {
		return ev, &DecodeError{Reason: ReasonPacketPayload}
	}
	tmpl, ok := templates.Template(pkt.CustomType)
	if !ok {
		return ev, &DecodeError{Reason: ReasonFormatNotRecognized, CustomType: pkt.CustomType}
	}

	// Defaults set before decoding (spec.md §4.E).
	ev.SetString("rawData", -1, "0x"+hex.EncodeToString(pkt.Payload))
	ev.SetLong("statusCode", -1, int64(StatusNone))
	ev.SetLong("timestamp", -1, now.Unix())

	buf := NewSourceBufferFrom(pkt.Payload)
	buf.Reset()

	count := len(tmpl.Fields)
	var sawStatus, sawGPS, sawSequence bool
	var sequenceLength int

	for pos := 0; ; pos++ {
		f, ok := tmpl.FieldAt(pos)
		if !ok {
			break
		}
		if buf.remaining() == 0 {
			break
		}
		if !f.Type.Known() {
			return Event{}, &DecodeError{Reason: ReasonFormatDefinitionInvalid, BadFieldType: f.Type}
		}

		name := f.Type.Name()
		idx := -1
		if f.Type.IsArray() {
			if pos < count {
				idx = f.ArrayIndex
			} else {
				// Repeating occurrence of the last descriptor: advance the
				// index by how far past the explicit field list we are.
				idx = f.ArrayIndex + (pos - (count - 1))
			}
		}

		switch f.Type.kind() {
		case kindGPS:
			p := buf.ReadGPS(f.ByteLength)
			ev.SetGPS(p)
			sawGPS = true
		case kindString:
			s := buf.ReadString(f.ByteLength)
			ev.SetString(name, idx, s)
		case kindBinary:
			b := buf.ReadBytes(f.ByteLength)
			ev.SetBytes(name, idx, b)
		default: // kindLong
			var raw float64
			if f.Type.Signed() {
				raw = float64(buf.ReadLong(f.ByteLength, 0))
			} else {
				raw = float64(buf.ReadULong(f.ByteLength, 0))
			}
			if scaled, applies := scaleValue(f.Type, f.Resolution, raw); applies {
				ev.SetDouble(name, idx, scaled)
			} else {
				ev.SetLong(name, idx, int64(raw))
			}
			if f.Type == FieldStatusCode {
				sawStatus = true
			}
			if f.Type == FieldSequence {
				sawSequence = true
				sequenceLength = f.ByteLength
			}
		}
	}

	// Post-decode finalization (spec.md §4.E).
	if !sawStatus {
		if sawGPS {
			ev.SetLong("statusCode", -1, int64(StatusLocation))
		} else {
			ev.SetLong("statusCode", -1, int64(StatusNone))
		}
	}
	if sawSequence {
		ev.SetLong("sequenceLength", -1, int64(sequenceLength))
	}

	return ev, nil
}

// scaleValue applies the numeric scaling rule for a LONG-kind field type,
// reporting false for field types that are stored as a raw integer with no
// scaling (spec.md §4.E "Numeric scaling rules").
func scaleValue(t FieldType, res Resolution, raw float64) (float64, bool) {
	switch t {
	case FieldSpeed, FieldDistance, FieldTopSpeed, FieldGPSHorzAcc, FieldGPSVertAcc:
		if res == HighResolution {
			return raw / 10.0, true
		}
		return raw, true
	case FieldHeading:
		if res == HighResolution {
			return raw / 100.0, true
		}
		return raw * 360.0 / 255.0, true
	case FieldAltitude, FieldTempLow, FieldTempHigh, FieldTempAvg, FieldGPSGeoid:
		if res == HighResolution {
			return raw / 10.0, true
		}
		return raw, true
	case FieldElapsedTime:
		if res == HighResolution {
			// Open question (spec.md §9): treated as already-milliseconds.
			return raw, true
		}
		return raw * 1000.0, true
	case FieldGPSMagVar:
		return raw / 100.0, true
	case FieldGPSPDOP, FieldGPSHDOP, FieldGPSVDOP:
		return raw / 10.0, true
	default:
		return 0, false
	}
}
