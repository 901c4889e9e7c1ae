// Package protocol implements the DMTP wire-level protocol engine: a
// fixed-capacity payload buffer with cursor-based typed accessors, a compact
// GPS codec, a client-negotiated payload template, a dynamically typed event
// record, and the template-driven event decoder that ties them together.
//
// Nothing in this package touches the network or a persistence layer; it
// operates purely on byte slices handed to it by a transport (see
// internal/server/duplex and internal/server/simplex) and produces Event
// values for a store (see internal/model) to persist.
package protocol
