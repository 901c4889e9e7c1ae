// Package rpcwire defines the wire types exchanged over the DMTP duplex
// gRPC stream and a custom google.golang.org/grpc encoding.Codec ("dmtpframe")
// that marshals them directly, without protoc-generated stubs.
//
// The teacher's proto/ package documents a protoc/protoc-gen-go-grpc
// generation step (see DESIGN.md); the generated .pb.go this repository
// would depend on was never retrieved alongside it, and no tool invocation
// is available here to reproduce it. Rather than hand-transcribe
// unverifiable generated code, this package registers its own grpc/encoding
// Codec so the stream still rides on a real google.golang.org/grpc
// transport (TLS, flow control, HTTP/2 multiplexing) while the payload
// format is a small big-endian encoding in the same style as
// internal/protocol's wire codec.
package rpcwire
