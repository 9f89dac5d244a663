package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/weirhq/weir/pkg/types"
)

// ErrInvalidOperation reports a data operation arriving on an edge that
// never had a schema announced
var ErrInvalidOperation = errors.New("operation received before schema was announced on edge")

// channelForwarder delivers messages into the bounded channels of a node's
// outgoing edges. Sends block when a channel is full (backpressure) and
// abort when the pipeline is being killed.
type channelForwarder struct {
	ctx     context.Context
	outputs map[types.Port][]chan<- message
	all     []chan<- message // every output channel, in edge order
}

func newChannelForwarder(ctx context.Context, outputs map[types.Port][]chan<- message) *channelForwarder {
	f := &channelForwarder{ctx: ctx, outputs: outputs}
	for _, port := range sortedPorts(outputs) {
		f.all = append(f.all, outputs[port]...)
	}
	return f
}

func sortedPorts(outputs map[types.Port][]chan<- message) []types.Port {
	ports := make([]types.Port, 0, len(outputs))
	for p := range outputs {
		ports = append(ports, p)
	}
	for i := 1; i < len(ports); i++ {
		for j := i; j > 0 && ports[j] < ports[j-1]; j-- {
			ports[j], ports[j-1] = ports[j-1], ports[j]
		}
	}
	return ports
}

func (f *channelForwarder) send(ch chan<- message, msg message) error {
	select {
	case ch <- msg:
		return nil
	case <-f.ctx.Done():
		return f.ctx.Err()
	}
}

// Forward emits an operation to every edge attached to one output port
func (f *channelForwarder) Forward(op types.Operation, port types.Port) error {
	chans, ok := f.outputs[port]
	if !ok {
		return fmt.Errorf("%w: output port %d", ErrInvalidOperation, port)
	}
	for _, ch := range chans {
		if err := f.send(ch, message{kind: msgOp, op: op}); err != nil {
			return err
		}
	}
	return nil
}

// broadcast emits a control message to every outgoing edge
func (f *channelForwarder) broadcast(msg message) error {
	for _, ch := range f.all {
		if err := f.send(ch, msg); err != nil {
			return err
		}
	}
	return nil
}
