package api

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/weirhq/weir/pkg/metrics"
)

// MetricsInterceptor records request counts and latency per method
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		timer := metrics.NewTimer()
		resp, err := handler(ctx, req)

		method := methodName(info.FullMethod)
		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
		metrics.APIRequestsTotal.WithLabelValues(method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// methodName extracts the bare method from a full path like
// "/weir.Replication/GetLog"
func methodName(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	return parts[len(parts)-1]
}
