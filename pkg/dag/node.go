package dag

import (
	"context"

	"github.com/weirhq/weir/pkg/storage"
	"github.com/weirhq/weir/pkg/types"
)

// NodeKind tags the three node roles of a DAG
type NodeKind string

const (
	NodeSource    NodeKind = "source"
	NodeProcessor NodeKind = "processor"
	NodeSink      NodeKind = "sink"
)

// IngestionKind tags the messages a source connector pushes into the
// pipeline
type IngestionKind string

const (
	IngestionOperation           IngestionKind = "operation"
	IngestionSnapshottingStarted IngestionKind = "snapshotting_started"
	IngestionSnapshottingDone    IngestionKind = "snapshotting_done"
)

// IngestionMessage is one event from a source connector. Operations carry
// the output port they belong to and, optionally, the connector-defined
// resumable position reached after this operation.
type IngestionMessage struct {
	Kind       IngestionKind
	Port       types.Port
	Op         types.Operation
	State      types.OpIdentifier
	Connection string
}

// IngestionForwarder is handed to a connector's Start; the implementation
// applies backpressure by blocking the connector thread
type IngestionForwarder interface {
	Send(msg IngestionMessage) error
}

// Source is a running source node. Start blocks for the lifetime of the
// ingestion and returns when the upstream is exhausted, the context is
// canceled, or the connector fails.
type Source interface {
	Start(ctx context.Context, fw IngestionForwarder, from types.OpIdentifier) error
	// CanStartFrom declares whether the connector can resume from a
	// previously committed position
	CanStartFrom(state types.OpIdentifier) (bool, error)
}

// TableInfo names one upstream table during schema discovery
type TableInfo struct {
	Connection string
	Name       string
}

// Connector extends Source with the discovery surface used before a
// pipeline starts. Concrete connectors live outside the core.
type Connector interface {
	Source
	ListTables(ctx context.Context) ([]TableInfo, error)
	ListColumns(ctx context.Context, table TableInfo) ([]string, error)
	GetSchemas(ctx context.Context, tables []TableInfo) ([]types.Schema, error)
}

// SourceFactory declares a source's output ports and schemas and builds
// the running source
type SourceFactory interface {
	OutputPorts() []types.Port
	OutputSchema(port types.Port) (types.Schema, error)
	Build(outputSchemas map[types.Port]types.Schema) (Source, error)
}

// ProcessorForwarder lets a processor emit operations to its downstream
// edges during Process
type ProcessorForwarder interface {
	Forward(op types.Operation, port types.Port) error
}

// Processor is a running transformation node. State methods support
// checkpointing; stateless processors return nil state.
type Processor interface {
	Process(from types.Port, op types.Operation, fw ProcessorForwarder) error
	Commit(epoch types.Epoch) error
	SerializeState() ([]byte, error)
	RestoreState(data []byte) error
}

// ProcessorFactory declares ports, propagates schemas and builds the
// running processor
type ProcessorFactory interface {
	InputPorts() []types.Port
	OutputPorts() []types.Port
	OutputSchema(port types.Port, inputs map[types.Port]types.Schema) (types.Schema, error)
	Build(inputs, outputs map[types.Port]types.Schema) (Processor, error)
}

// Sink is a running sink node participating in the commit protocol
type Sink interface {
	Process(from types.Port, op types.Operation) error
	Commit(ctx context.Context, epoch types.Epoch) error
	// Persist is called when a committed epoch was chosen for persistence;
	// the sink enqueues whatever it needs onto the shared upload queue
	Persist(ctx context.Context, epoch types.Epoch, queue *storage.UploadQueue) error
	OnSourceSnapshottingStarted(connection string) error
	OnSourceSnapshottingDone(connection string) error
	// SetSourceState / GetSourceState carry opaque per-sink recovery bytes
	SetSourceState(data []byte) error
	GetSourceState() ([]byte, bool, error)
	// GetLatestOpID returns the newest source position this sink has
	// durably recorded, used to resume sources after a restart
	GetLatestOpID() (types.OpIdentifier, bool, error)
}

// SinkFactory declares input ports and builds the running sink
type SinkFactory interface {
	InputPorts() []types.Port
	Build(inputs map[types.Port]types.Schema) (Sink, error)
}
