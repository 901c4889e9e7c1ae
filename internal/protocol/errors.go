package protocol

import "fmt"

// Reason is a schema/packet-level decode failure classification, surfaced to
// the device as a NAK code (spec.md §7).
type Reason int

const (
	// ReasonPacketType means the packet was not marked as an event packet.
	ReasonPacketType Reason = iota
	// ReasonPacketPayload means the packet carried an empty payload.
	ReasonPacketPayload
	// ReasonFormatNotRecognized means no template is registered for the
	// packet's custom type.
	ReasonFormatNotRecognized
	// ReasonFormatDefinitionInvalid means a template field descriptor names
	// an unrecognized field type.
	ReasonFormatDefinitionInvalid
)

func (r Reason) String() string {
	switch r {
	case ReasonPacketType:
		return "PACKET_TYPE"
	case ReasonPacketPayload:
		return "PACKET_PAYLOAD"
	case ReasonFormatNotRecognized:
		return "FORMAT_NOT_RECOGNIZED"
	case ReasonFormatDefinitionInvalid:
		return "FORMAT_DEFINITION_INVALID"
	default:
		return "UNKNOWN"
	}
}

// DecodeError is returned by Decode. CustomType and BadFieldType are
// only meaningful for ReasonFormatNotRecognized and
// ReasonFormatDefinitionInvalid respectively.
type DecodeError struct {
	Reason       Reason
	CustomType   byte
	BadFieldType FieldType
}

func (e *DecodeError) Error() string {
	switch e.Reason {
	case ReasonFormatNotRecognized:
		return fmt.Sprintf("protocol: %s: no template for custom type 0x%02x", e.Reason, e.CustomType)
	case ReasonFormatDefinitionInvalid:
		return fmt.Sprintf("protocol: %s: unrecognized field type 0x%02x", e.Reason, byte(e.BadFieldType))
	default:
		return fmt.Sprintf("protocol: %s", e.Reason)
	}
}
