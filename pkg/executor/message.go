package executor

import (
	"github.com/weirhq/weir/pkg/types"
)

// messageKind tags what travels on an edge besides data
type messageKind int

const (
	msgOp messageKind = iota
	msgCommit
	msgTerminate
	msgSnapshottingStarted
	msgSnapshottingDone
)

// message is one element of an edge channel. Every edge carries the same
// commit markers in the same order; terminate is always the last message.
type message struct {
	kind       messageKind
	op         types.Operation
	epoch      types.Epoch
	persist    bool
	connection string
}
