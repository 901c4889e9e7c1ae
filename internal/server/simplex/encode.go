package simplex

import "github.com/opendmtp/server/internal/protocol"

// EncodeDatagram builds one simplex datagram from its logical fields, the
// inverse of handleDatagram's parse (see doc.go for the field layout).
// internal/devicesim uses this to drive a real net.PacketConn end to end.
func EncodeDatagram(accountID, deviceID string, customType byte, isEvent bool, payload []byte) []byte {
	buf := protocol.NewSinkBuffer(protocol.MaxPayloadSize)
	buf.WriteString(accountID, accountIDFieldLen)
	buf.WriteString(deviceID, deviceIDFieldLen)
	eventFlag := uint64(0)
	if isEvent {
		eventFlag = 1
	}
	buf.WriteULong(uint64(customType), 1)
	buf.WriteULong(eventFlag, 1)
	remaining := protocol.MaxPayloadSize - buf.Cursor()
	if len(payload) > remaining {
		payload = payload[:remaining]
	}
	buf.WriteBytes(payload, len(payload))
	return buf.Bytes()
}
