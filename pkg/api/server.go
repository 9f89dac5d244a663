package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/weirhq/weir/pkg/log"
	"github.com/weirhq/weir/pkg/replication"
	"github.com/weirhq/weir/pkg/storage"
	"github.com/weirhq/weir/pkg/types"
)

// defaultReadTimeout bounds GetLog waits when the client sent none
const defaultReadTimeout = 30 * time.Second

// Server exposes the replication log of a running application over gRPC
type Server struct {
	registry *replication.Registry
	storage  storage.Storage
	grpc     *grpc.Server
}

// NewServer creates the gRPC server with the weir-json codec
func NewServer(registry *replication.Registry, st storage.Storage) *Server {
	grpcServer := grpc.NewServer(
		grpc.ForceServerCodec(Codec{}),
		grpc.UnaryInterceptor(MetricsInterceptor()),
	)
	return &Server{
		registry: registry,
		storage:  st,
		grpc:     grpcServer,
	}
}

// Start starts serving on addr and blocks until Stop
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.grpc.RegisterService(&serviceDesc, s)
	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("replication API listening")
	return s.grpc.Serve(lis)
}

// Serve serves on an existing listener; used by tests and embedded setups
func (s *Server) Serve(lis net.Listener) error {
	s.grpc.RegisterService(&serviceDesc, s)
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// DescribeApplication lists every endpoint with its schema, cache name and
// next log position
func (s *Server) DescribeApplication(ctx context.Context, req *DescribeApplicationRequest) (*DescribeApplicationResponse, error) {
	endpoints := make(map[string]EndpointInfo)
	for _, name := range s.registry.Endpoints() {
		l, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		endpoints[name] = EndpointInfo{
			Schema:       l.Schema(),
			CacheName:    l.CacheName(),
			NextPosition: l.End(),
		}
	}
	return &DescribeApplicationResponse{
		Endpoints: endpoints,
		Storage:   s.storage.Describe(),
	}, nil
}

// GetLog reads a range of one endpoint's log. Responses may be short; the
// client drives its position forward.
func (s *Server) GetLog(ctx context.Context, req *GetLogRequest) (*GetLogResponse, error) {
	l, ok := s.registry.Get(req.Endpoint)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown endpoint: %s", req.Endpoint)
	}
	if req.End <= req.Start {
		return nil, status.Errorf(codes.InvalidArgument, "empty range [%d,%d)", req.Start, req.End)
	}

	timeout := defaultReadTimeout
	if req.TimeoutMillis > 0 {
		timeout = time.Duration(req.TimeoutMillis) * time.Millisecond
	}

	resp, err := l.Read(ctx, types.LogRange{Start: req.Start, End: req.End}, timeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		return nil, status.Errorf(codes.OutOfRange, "%v", err)
	}
	return &GetLogResponse{Persisted: resp.Persisted, Ops: resp.Ops}, nil
}
