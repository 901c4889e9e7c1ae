package rpcwire

import "google.golang.org/grpc/encoding"

// Register installs Codec as the google.golang.org/grpc encoding.Codec named
// CodecName. It is idempotent and must be called once before dialing or
// serving the duplex service; both cmd/dmtpserver and cmd/devicesim call it
// during startup.
func Register() {
	encoding.RegisterCodec(Codec{})
}
