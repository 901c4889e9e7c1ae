package duplex

import (
	"context"

	"google.golang.org/grpc"

	"github.com/opendmtp/server/internal/rpcwire"
)

// ServiceName is the gRPC service path a client dials
// ("/dmtp.Duplex/Session").
const ServiceName = "dmtp.Duplex"

// Server is the interface a duplex ingestion implementation satisfies. It
// plays the role protoc-gen-go-grpc would otherwise generate from
// proto/alert.proto's AlertService.
type Server interface {
	// Session handles one bidirectional stream: a device driver sends a
	// Frame per DMTP packet and receives an Ack for each.
	Session(stream SessionStream) error
}

// SessionStream is the server-side view of one duplex session, trimmed to
// what Service needs; it is satisfied by the *sessionStream wrapper
// constructed in sessionHandler below.
type SessionStream interface {
	grpc.ServerStream
	Send(*rpcwire.Ack) error
	Recv() (*rpcwire.Frame, error)
}

type sessionStream struct {
	grpc.ServerStream
}

func (s *sessionStream) Send(a *rpcwire.Ack) error {
	return s.ServerStream.SendMsg(a)
}

func (s *sessionStream) Recv() (*rpcwire.Frame, error) {
	f := new(rpcwire.Frame)
	if err := s.ServerStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

func sessionHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(Server).Session(&sessionStream{ServerStream: stream})
}

// ServiceDesc is the grpc.ServiceDesc for the duplex ingestion service. It
// is registered with RegisterServer instead of a protoc-generated
// RegisterXxxServer function.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// RegisterServer registers srv with s under ServiceDesc, the hand-written
// counterpart of a protoc-generated RegisterDuplexServer function.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

// ClientStream is the client-side view of one duplex session: a device
// driver sends Frames and receives Acks. It mirrors the streaming client
// interface protoc-gen-go-grpc would generate.
type ClientStream interface {
	grpc.ClientStream
	Send(*rpcwire.Frame) error
	Recv() (*rpcwire.Ack, error)
}

type clientStream struct {
	grpc.ClientStream
}

func (c *clientStream) Send(f *rpcwire.Frame) error {
	return c.ClientStream.SendMsg(f)
}

func (c *clientStream) Recv() (*rpcwire.Ack, error) {
	a := new(rpcwire.Ack)
	if err := c.ClientStream.RecvMsg(a); err != nil {
		return nil, err
	}
	return a, nil
}

// NewClient opens a duplex session on conn, the hand-written counterpart of
// a protoc-generated client method.
func NewClient(ctx context.Context, conn grpc.ClientConnInterface) (ClientStream, error) {
	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Session")
	if err != nil {
		return nil, err
	}
	return &clientStream{ClientStream: stream}, nil
}
