package rpcwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// CodecName is the name under which the codec is registered with
// google.golang.org/grpc/encoding. Clients select it as the call's content
// subtype (grpc.CallContentSubtype), and the server answers with the same
// codec.
const CodecName = "dmtpframe"

// AckCode reports how the server handled a Frame.
type AckCode byte

const (
	// AckAccepted means the frame was decoded, admitted by policy, and
	// persisted.
	AckAccepted AckCode = iota
	// AckRejected means the frame was not accepted: policy denied it
	// (inactive device, connection ceiling, or event quota), the device is
	// unknown, or persisting the event failed.
	AckRejected
	// AckMalformed means the frame's payload failed to decode as a DMTP
	// packet.
	AckMalformed
	// AckClosing tells the client the server is ending the session and no
	// further frames will be processed.
	AckClosing
)

func (c AckCode) String() string {
	switch c {
	case AckAccepted:
		return "ACCEPTED"
	case AckRejected:
		return "REJECTED"
	case AckMalformed:
		return "MALFORMED"
	case AckClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Frame is a single client-to-server message on the duplex stream: one
// already-framed DMTP packet (custom type, event/non-event flag, and
// payload bytes) plus the account/device identifying it, since a gRPC
// stream multiplexes many device sessions behind a single mTLS connection.
// gRPC supplies message framing itself, so unlike a raw TCP/UDP transport
// the duplex service never needs to delimit packets within a byte stream —
// it only needs the custom type and payload internal/protocol.Decode
// already expects.
type Frame struct {
	AccountID  string
	DeviceID   string
	CustomType byte
	IsEvent    bool
	Payload    []byte
}

// Ack is a single server-to-client message on the duplex stream,
// acknowledging the most recently processed Frame.
type Ack struct {
	Code    AckCode
	Message string
}

const (
	kindFrame byte = 1
	kindAck   byte = 2
)

// Codec implements google.golang.org/grpc/encoding.Codec for Frame and Ack
// values. It is registered globally by calling Register (done once from
// cmd/dmtpserver and cmd/devicesim's gRPC dial/serve setup).
type Codec struct{}

// Name implements encoding.Codec.
func (Codec) Name() string { return CodecName }

// Marshal implements encoding.Codec.
func (Codec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	switch m := v.(type) {
	case *Frame:
		buf.WriteByte(kindFrame)
		writeString(&buf, m.AccountID)
		writeString(&buf, m.DeviceID)
		buf.WriteByte(m.CustomType)
		if m.IsEvent {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		writeBytes(&buf, m.Payload)
	case Frame:
		return Codec{}.Marshal(&m)
	case *Ack:
		buf.WriteByte(kindAck)
		buf.WriteByte(byte(m.Code))
		writeString(&buf, m.Message)
	case Ack:
		return Codec{}.Marshal(&m)
	default:
		return nil, fmt.Errorf("rpcwire: Marshal: unsupported type %T", v)
	}
	return buf.Bytes(), nil
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v interface{}) error {
	r := bytes.NewReader(data)
	kind, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("rpcwire: Unmarshal: empty message")
	}
	switch kind {
	case kindFrame:
		m, ok := v.(*Frame)
		if !ok {
			return fmt.Errorf("rpcwire: Unmarshal: frame payload into %T", v)
		}
		accountID, err := readString(r)
		if err != nil {
			return fmt.Errorf("rpcwire: Unmarshal: account_id: %w", err)
		}
		deviceID, err := readString(r)
		if err != nil {
			return fmt.Errorf("rpcwire: Unmarshal: device_id: %w", err)
		}
		customType, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("rpcwire: Unmarshal: custom_type: %w", err)
		}
		isEventByte, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("rpcwire: Unmarshal: is_event: %w", err)
		}
		payload, err := readBytes(r)
		if err != nil {
			return fmt.Errorf("rpcwire: Unmarshal: payload: %w", err)
		}
		m.AccountID = accountID
		m.DeviceID = deviceID
		m.CustomType = customType
		m.IsEvent = isEventByte != 0
		m.Payload = payload
		return nil
	case kindAck:
		m, ok := v.(*Ack)
		if !ok {
			return fmt.Errorf("rpcwire: Unmarshal: ack payload into %T", v)
		}
		codeByte, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("rpcwire: Unmarshal: code: %w", err)
		}
		msg, err := readString(r)
		if err != nil {
			return fmt.Errorf("rpcwire: Unmarshal: message: %w", err)
		}
		m.Code = AckCode(codeByte)
		m.Message = msg
		return nil
	default:
		return fmt.Errorf("rpcwire: Unmarshal: unknown frame kind %d", kind)
	}
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var lenField [4]byte
	binary.BigEndian.PutUint32(lenField[:], uint32(len(b)))
	buf.Write(lenField[:])
	buf.Write(b)
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var lenField [4]byte
	if _, err := io.ReadFull(r, lenField[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenField[:])
	out := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}
