package executor

import (
	"context"

	"github.com/weirhq/weir/pkg/types"
)

// inputEvent is one message read off an input edge, tagged with its port.
// Commit markers carry a resume channel: the reading goroutine blocks
// until the worker completes the barrier, so no operation of the next
// epoch can overtake the commit on any other edge.
type inputEvent struct {
	port   types.Port
	msg    message
	resume chan struct{}
}

// runInput pumps one edge channel into the worker's mux. It exits on the
// terminate marker or when the pipeline is killed.
func runInput(ctx context.Context, port types.Port, ch <-chan message, mux chan<- inputEvent) {
	for {
		var msg message
		select {
		case msg = <-ch:
		case <-ctx.Done():
			return
		}

		ev := inputEvent{port: port, msg: msg}
		if msg.kind == msgCommit {
			ev.resume = make(chan struct{})
		}
		select {
		case mux <- ev:
		case <-ctx.Done():
			return
		}

		switch msg.kind {
		case msgCommit:
			select {
			case <-ev.resume:
			case <-ctx.Done():
				return
			}
		case msgTerminate:
			return
		}
	}
}

// startInputs launches one pump per input edge and returns the shared mux
func startInputs(ctx context.Context, inputs map[types.Port]<-chan message) <-chan inputEvent {
	mux := make(chan inputEvent)
	for port, ch := range inputs {
		go runInput(ctx, port, ch, mux)
	}
	return mux
}
