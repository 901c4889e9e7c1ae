// Package simplex implements the one-shot, single-datagram (UDP-equivalent)
// DMTP ingestion mode (spec.md §4.F "simplex connection"), the counterpart
// to internal/server/duplex's gRPC-streamed sessions.
//
// # Datagram framing
//
// A simplex datagram is itself a DMTP payload buffer (spec.md §4.A: at most
// MaxPayloadSize bytes), so framing reuses internal/protocol.Buffer's
// cursor reader directly instead of a bespoke scheme: a null-terminated
// account ID (up to accountIDFieldLen bytes), a null-terminated device ID
// (up to deviceIDFieldLen bytes), a one-byte custom packet type, a one-byte
// event flag, and the remaining bytes as the event payload.
package simplex
