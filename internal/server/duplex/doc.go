// Package duplex implements the bidirectional (TCP-session-equivalent)
// DMTP ingestion service (spec.md §4.F "duplex connection mode") as a
// google.golang.org/grpc streaming RPC, grounded on the teacher's
// internal/server/grpc.AlertService: a local Store/Broadcaster interface
// pair, one long-lived stream per session, and a
// validate-admit-decode-persist-broadcast-then-acknowledge loop per
// message.
//
// Because no protoc-generated stubs are available (see DESIGN.md), the
// service is registered with a hand-written grpc.ServiceDesc whose message
// type is internal/rpcwire.Frame/Ack, carried by the "dmtpframe"
// encoding.Codec instead of protobuf wire format.
package duplex
