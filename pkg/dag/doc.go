/*
Package dag describes a pipeline as a typed directed acyclic multigraph of
node factories.

Nodes are sources, processors or sinks; edges connect an output port to an
input port and carry operations of a single schema. The description is
inert — pkg/executor materializes it into channels and workers.

# Construction Rules

  - node handles are unique (ErrDuplicateNode)
  - both ends of an edge must be ports their node advertises
    (ErrInvalidPortHandle)
  - an input port accepts exactly one incoming edge
  - the cycle check runs at edge-insertion time (ErrCycle)
  - Validate rejects any advertised port left unconnected
    (ErrMissingNodeInput / ErrMissingNodeOutput)

# External Interfaces

The package also declares the narrow interfaces the core consumes:
Source/Connector for ingestion, Processor for transformations, Sink for
the commit protocol. Concrete connectors and sink backends live outside
the core and are handed in through the factories.
*/
package dag
