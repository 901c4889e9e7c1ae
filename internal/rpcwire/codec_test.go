package rpcwire_test

import (
	"bytes"
	"testing"

	"github.com/opendmtp/server/internal/rpcwire"
)

func TestCodec_Frame_RoundTrip(t *testing.T) {
	c := rpcwire.Codec{}
	in := &rpcwire.Frame{AccountID: "acct1", DeviceID: "dev1", CustomType: 0x01, IsEvent: true, Payload: []byte{0x01, 0x02, 0x03}}

	data, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out rpcwire.Frame
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.AccountID != in.AccountID || out.DeviceID != in.DeviceID || out.CustomType != in.CustomType ||
		out.IsEvent != in.IsEvent || !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("Frame round-trip = %+v, want %+v", out, in)
	}
}

func TestCodec_Ack_RoundTrip(t *testing.T) {
	c := rpcwire.Codec{}
	in := &rpcwire.Ack{Code: rpcwire.AckRejected, Message: "velocity limit exceeded"}

	data, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out rpcwire.Ack
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != *in {
		t.Errorf("Ack round-trip = %+v, want %+v", out, in)
	}
}

func TestCodec_Frame_EmptyPayload(t *testing.T) {
	c := rpcwire.Codec{}
	in := &rpcwire.Frame{AccountID: "a", DeviceID: "d"}

	data, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out rpcwire.Frame
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(out.Payload) != 0 {
		t.Errorf("Payload = %v, want empty", out.Payload)
	}
}

func TestCodec_Unmarshal_UnknownKind(t *testing.T) {
	c := rpcwire.Codec{}
	var out rpcwire.Frame
	if err := c.Unmarshal([]byte{0xFF}, &out); err == nil {
		t.Error("expected error for unknown frame kind")
	}
}

func TestCodec_Marshal_UnsupportedType(t *testing.T) {
	c := rpcwire.Codec{}
	if _, err := c.Marshal("not a frame"); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestCodec_Name(t *testing.T) {
	if (rpcwire.Codec{}).Name() != rpcwire.CodecName {
		t.Errorf("Name() = %q, want %q", (rpcwire.Codec{}).Name(), rpcwire.CodecName)
	}
}
