package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/weirhq/weir/pkg/api"
	"github.com/weirhq/weir/pkg/replication"
	"github.com/weirhq/weir/pkg/storage"
	"github.com/weirhq/weir/pkg/types"
)

// localTransport serves reader traffic in-process. Builders colocated
// with the pipeline skip the network hop entirely; remote readers use
// api.Client against the same contract.
type localTransport struct {
	registry *replication.Registry
	storage  storage.Storage
}

func (t *localTransport) DescribeApplication(ctx context.Context) (*api.DescribeApplicationResponse, error) {
	endpoints := make(map[string]api.EndpointInfo)
	for _, name := range t.registry.Endpoints() {
		l, ok := t.registry.Get(name)
		if !ok {
			continue
		}
		endpoints[name] = api.EndpointInfo{
			Schema:       l.Schema(),
			CacheName:    l.CacheName(),
			NextPosition: l.End(),
		}
	}
	return &api.DescribeApplicationResponse{
		Endpoints: endpoints,
		Storage:   t.storage.Describe(),
	}, nil
}

func (t *localTransport) GetLog(ctx context.Context, req *api.GetLogRequest) (*api.GetLogResponse, error) {
	l, ok := t.registry.Get(req.Endpoint)
	if !ok {
		return nil, fmt.Errorf("unknown endpoint: %s", req.Endpoint)
	}
	timeout := 30 * time.Second
	if req.TimeoutMillis > 0 {
		timeout = time.Duration(req.TimeoutMillis) * time.Millisecond
	}
	resp, err := l.Read(ctx, types.LogRange{Start: req.Start, End: req.End}, timeout)
	if err != nil {
		return nil, err
	}
	return &api.GetLogResponse{Persisted: resp.Persisted, Ops: resp.Ops}, nil
}
