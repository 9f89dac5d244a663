package api

import (
	"context"

	"google.golang.org/grpc"

	"github.com/weirhq/weir/pkg/storage"
	"github.com/weirhq/weir/pkg/types"
)

// ServiceName is the fully qualified replication service name
const ServiceName = "weir.Replication"

// EndpointInfo describes one queryable output in a describe response
type EndpointInfo struct {
	Schema       types.Schema `json:"schema"`
	CacheName    string       `json:"cache_name"`
	NextPosition uint64       `json:"next_position"`
}

// DescribeApplicationRequest asks for the application's endpoints
type DescribeApplicationRequest struct{}

// DescribeApplicationResponse lists every endpoint plus the storage the
// client downloads persisted segments from
type DescribeApplicationResponse struct {
	Endpoints map[string]EndpointInfo `json:"endpoints"`
	Storage   storage.Description     `json:"storage"`
}

// GetLogRequest reads a range of one endpoint's log
type GetLogRequest struct {
	Endpoint      string `json:"endpoint"`
	Start         uint64 `json:"start"`
	End           uint64 `json:"end"`
	TimeoutMillis uint64 `json:"timeout_millis"`
}

// GetLogResponse carries either a persisted segment pointer (the caller
// downloads the segment from object storage directly) or in-memory
// operations starting exactly at the requested position
type GetLogResponse struct {
	Persisted *types.PersistedLogEntry `json:"persisted,omitempty"`
	Ops       []types.LogOperation     `json:"ops,omitempty"`
}

// ReplicationServer is the service contract
type ReplicationServer interface {
	DescribeApplication(ctx context.Context, req *DescribeApplicationRequest) (*DescribeApplicationResponse, error)
	GetLog(ctx context.Context, req *GetLogRequest) (*GetLogResponse, error)
}

func describeApplicationHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DescribeApplicationRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServer).DescribeApplication(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + ServiceName + "/DescribeApplication",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicationServer).DescribeApplication(ctx, req.(*DescribeApplicationRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getLogHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetLogRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServer).GetLog(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + ServiceName + "/GetLog",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicationServer).GetLog(ctx, req.(*GetLogRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc registers the replication service without generated stubs
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReplicationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "DescribeApplication", Handler: describeApplicationHandler},
		{MethodName: "GetLog", Handler: getLogHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "weir/replication",
}
