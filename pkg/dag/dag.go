package dag

import (
	"errors"
	"fmt"

	"github.com/weirhq/weir/pkg/types"
)

var (
	// ErrDuplicateNode reports two nodes added under one handle
	ErrDuplicateNode = errors.New("duplicate node handle")
	// ErrInvalidPortHandle reports a connection to a port the node does
	// not advertise
	ErrInvalidPortHandle = errors.New("invalid port handle")
	// ErrMissingNodeInput reports a processor or sink input left
	// unconnected
	ErrMissingNodeInput = errors.New("node input not connected")
	// ErrMissingNodeOutput reports a source or processor output left
	// unconnected
	ErrMissingNodeOutput = errors.New("node output not connected")
	// ErrCycle reports an edge that would close a cycle
	ErrCycle = errors.New("edge would create a cycle")
	// ErrUnknownNode reports a connection to a handle that was never added
	ErrUnknownNode = errors.New("unknown node handle")
)

// Endpoint addresses one port on one node
type Endpoint struct {
	Node types.NodeHandle
	Port types.Port
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Node, e.Port)
}

// Edge is a directed, schema-typed connection between two endpoints
type Edge struct {
	From Endpoint
	To   Endpoint
}

// Node is one vertex of the DAG: a factory of the matching kind
type Node struct {
	Handle    types.NodeHandle
	Kind      NodeKind
	Source    SourceFactory
	Processor ProcessorFactory
	Sink      SinkFactory
}

// Dag is a typed directed acyclic multigraph of node factories. It only
// describes the pipeline; the executor materializes it.
type Dag struct {
	nodes map[types.NodeHandle]*Node
	order []types.NodeHandle // insertion order, kept for deterministic iteration
	edges []Edge
}

// New creates an empty DAG
func New() *Dag {
	return &Dag{nodes: make(map[types.NodeHandle]*Node)}
}

func (d *Dag) addNode(n *Node) error {
	if _, ok := d.nodes[n.Handle]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.Handle)
	}
	d.nodes[n.Handle] = n
	d.order = append(d.order, n.Handle)
	return nil
}

// AddSource adds a source node
func (d *Dag) AddSource(handle types.NodeHandle, factory SourceFactory) error {
	return d.addNode(&Node{Handle: handle, Kind: NodeSource, Source: factory})
}

// AddProcessor adds a processor node
func (d *Dag) AddProcessor(handle types.NodeHandle, factory ProcessorFactory) error {
	return d.addNode(&Node{Handle: handle, Kind: NodeProcessor, Processor: factory})
}

// AddSink adds a sink node
func (d *Dag) AddSink(handle types.NodeHandle, factory SinkFactory) error {
	return d.addNode(&Node{Handle: handle, Kind: NodeSink, Sink: factory})
}

func portAdvertised(ports []types.Port, port types.Port) bool {
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}

func (d *Dag) outputPorts(n *Node) []types.Port {
	switch n.Kind {
	case NodeSource:
		return n.Source.OutputPorts()
	case NodeProcessor:
		return n.Processor.OutputPorts()
	default:
		return nil
	}
}

func (d *Dag) inputPorts(n *Node) []types.Port {
	switch n.Kind {
	case NodeProcessor:
		return n.Processor.InputPorts()
	case NodeSink:
		return n.Sink.InputPorts()
	default:
		return nil
	}
}

// Connect adds an edge. Both ports must be advertised by their nodes, the
// target input port must be free, and the edge must not close a cycle.
func (d *Dag) Connect(from, to Endpoint) error {
	fromNode, ok := d.nodes[from.Node]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, from.Node)
	}
	toNode, ok := d.nodes[to.Node]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, to.Node)
	}
	if !portAdvertised(d.outputPorts(fromNode), from.Port) {
		return fmt.Errorf("%w: %s has no output port %d", ErrInvalidPortHandle, from.Node, from.Port)
	}
	if !portAdvertised(d.inputPorts(toNode), to.Port) {
		return fmt.Errorf("%w: %s has no input port %d", ErrInvalidPortHandle, to.Node, to.Port)
	}
	for _, e := range d.edges {
		if e.To == to {
			return fmt.Errorf("%w: input %s is already connected", ErrInvalidPortHandle, to)
		}
	}
	if d.reachable(to.Node, from.Node) {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, from, to)
	}
	d.edges = append(d.edges, Edge{From: from, To: to})
	return nil
}

// reachable reports whether dst can be reached from src along edges
func (d *Dag) reachable(src, dst types.NodeHandle) bool {
	if src == dst {
		return true
	}
	visited := map[types.NodeHandle]bool{src: true}
	stack := []types.NodeHandle{src}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range d.edges {
			if e.From.Node != cur || visited[e.To.Node] {
				continue
			}
			if e.To.Node == dst {
				return true
			}
			visited[e.To.Node] = true
			stack = append(stack, e.To.Node)
		}
	}
	return false
}

// Validate checks that every advertised port is connected
func (d *Dag) Validate() error {
	for _, h := range d.order {
		n := d.nodes[h]
		for _, p := range d.outputPorts(n) {
			if !d.hasEdgeFrom(Endpoint{Node: h, Port: p}) {
				return fmt.Errorf("%w: %s:%d", ErrMissingNodeOutput, h, p)
			}
		}
		for _, p := range d.inputPorts(n) {
			if !d.hasEdgeTo(Endpoint{Node: h, Port: p}) {
				return fmt.Errorf("%w: %s:%d", ErrMissingNodeInput, h, p)
			}
		}
	}
	return nil
}

func (d *Dag) hasEdgeFrom(ep Endpoint) bool {
	for _, e := range d.edges {
		if e.From == ep {
			return true
		}
	}
	return false
}

func (d *Dag) hasEdgeTo(ep Endpoint) bool {
	for _, e := range d.edges {
		if e.To == ep {
			return true
		}
	}
	return false
}

// Node returns the node under handle
func (d *Dag) Node(handle types.NodeHandle) (*Node, bool) {
	n, ok := d.nodes[handle]
	return n, ok
}

// Nodes returns every node in insertion order
func (d *Dag) Nodes() []*Node {
	out := make([]*Node, 0, len(d.order))
	for _, h := range d.order {
		out = append(out, d.nodes[h])
	}
	return out
}

// Edges returns every edge in insertion order
func (d *Dag) Edges() []Edge {
	return append([]Edge(nil), d.edges...)
}

// Sources returns the handles of all source nodes in insertion order
func (d *Dag) Sources() []types.NodeHandle {
	var out []types.NodeHandle
	for _, h := range d.order {
		if d.nodes[h].Kind == NodeSource {
			out = append(out, h)
		}
	}
	return out
}

// TopoOrder returns the handles in a topological order. Validate and the
// per-edge cycle check guarantee one exists.
func (d *Dag) TopoOrder() []types.NodeHandle {
	indegree := make(map[types.NodeHandle]int, len(d.nodes))
	for _, h := range d.order {
		indegree[h] = 0
	}
	for _, e := range d.edges {
		indegree[e.To.Node]++
	}
	var queue, out []types.NodeHandle
	for _, h := range d.order {
		if indegree[h] == 0 {
			queue = append(queue, h)
		}
	}
	counted := make(map[Edge]bool)
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		out = append(out, h)
		for _, e := range d.edges {
			if e.From.Node != h || counted[e] {
				continue
			}
			counted[e] = true
			indegree[e.To.Node]--
			if indegree[e.To.Node] == 0 {
				queue = append(queue, e.To.Node)
			}
		}
	}
	return out
}
