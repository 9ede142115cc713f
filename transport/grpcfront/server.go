package grpcfront

import (
	"context"
	"net"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/vadiminshakov/pbft-core/message"
	"github.com/vadiminshakov/pbft-core/transport"
)

// frontServer is the target of serviceDesc's hand-written method table.
type frontServer interface {
	handleSend(ctx context.Context, envelope []byte) ([]byte, error)
	handleRequest(ctx context.Context, envelope []byte) ([]byte, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "pbft.Front",
	HandlerType: (*frontServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
		{MethodName: "Request", Handler: requestHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pbft_front",
}

func sendHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var in []byte
	if err := dec(&in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(frontServer).handleSend(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/pbft.Front/Send"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(frontServer).handleSend(ctx, req.([]byte))
	}
	return interceptor(ctx, in, info, handler)
}

func requestHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var in []byte
	if err := dec(&in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(frontServer).handleRequest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/pbft.Front/Request"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(frontServer).handleRequest(ctx, req.([]byte))
	}
	return interceptor(ctx, in, info, handler)
}

// Server exposes a local node's transport.Handler/RequestHandler over the
// front service contract of spec section 6.
type Server struct {
	addr       string
	handler    transport.Handler
	reqHandler transport.RequestHandler
	grpcServer *grpc.Server
	listener   net.Listener
}

// NewServer binds a node's inbound handlers to a listen address. reqHandler
// may be nil for nodes that never serve log-sync catch-up requests.
func NewServer(addr string, handler transport.Handler, reqHandler transport.RequestHandler) *Server {
	return &Server{addr: addr, handler: handler, reqHandler: reqHandler}
}

func (s *Server) handleSend(_ context.Context, envelope []byte) ([]byte, error) {
	msg, err := message.Decode(envelope)
	if err != nil {
		s.handler(err, 0, nil)
		return []byte{0}, nil
	}
	s.handler(nil, msg.GetHeader().GeneratedFrom, msg)
	return []byte{1}, nil
}

func (s *Server) handleRequest(ctx context.Context, envelope []byte) ([]byte, error) {
	req, err := message.Decode(envelope)
	if err != nil {
		return nil, errors.Wrap(err, "grpcfront: decode request")
	}
	if s.reqHandler == nil {
		return nil, errors.New("grpcfront: node does not serve requests")
	}
	resp, err := s.reqHandler(ctx, req.GetHeader().GeneratedFrom, req)
	if err != nil {
		return nil, err
	}
	return message.Encode(resp)
}

// Addr returns the actual listen address, populated once Run has started
// (useful when addr was passed as "host:0" to pick an ephemeral port).
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Run starts the gRPC server listening on addr, non-blocking.
func (s *Server) Run() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "grpcfront: listen on %s", s.addr)
	}
	s.listener = lis
	s.grpcServer = grpc.NewServer()
	s.grpcServer.RegisterService(&serviceDesc, s)

	log.Infof("grpcfront: listening on tcp://%s", s.listener.Addr())
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			log.Errorf("grpcfront: serve: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}
