package processor

import (
	"fmt"

	"github.com/weirhq/weir/pkg/dag"
	"github.com/weirhq/weir/pkg/types"
)

// Predicate decides whether a record passes a filter
type Predicate func(types.Record) bool

// FieldEquals builds a predicate comparing one field to a constant
func FieldEquals(field int, value types.Field) Predicate {
	return func(r types.Record) bool {
		return types.Compare(r.Values[field], value) == 0
	}
}

// FilterFactory builds filter processors: single input, single output,
// schema passed through unchanged
type FilterFactory struct {
	Predicate Predicate
}

func (f *FilterFactory) InputPorts() []types.Port  { return []types.Port{types.DefaultPort} }
func (f *FilterFactory) OutputPorts() []types.Port { return []types.Port{types.DefaultPort} }

func (f *FilterFactory) OutputSchema(port types.Port, inputs map[types.Port]types.Schema) (types.Schema, error) {
	schema, ok := inputs[types.DefaultPort]
	if !ok {
		return types.Schema{}, fmt.Errorf("filter: no input schema")
	}
	return schema, nil
}

func (f *FilterFactory) Build(inputs, outputs map[types.Port]types.Schema) (dag.Processor, error) {
	if f.Predicate == nil {
		return nil, fmt.Errorf("filter: predicate is required")
	}
	return &filter{pred: f.Predicate}, nil
}

type filter struct {
	pred Predicate
}

// Process rewrites operations against the filtered view: an update moving
// a row across the predicate boundary becomes an insert or a delete
func (p *filter) Process(from types.Port, op types.Operation, fw dag.ProcessorForwarder) error {
	switch op.Kind {
	case types.OperationInsert:
		if p.pred(*op.New) {
			return fw.Forward(op, types.DefaultPort)
		}
	case types.OperationDelete:
		if p.pred(*op.Old) {
			return fw.Forward(op, types.DefaultPort)
		}
	case types.OperationUpdate:
		oldIn, newIn := p.pred(*op.Old), p.pred(*op.New)
		switch {
		case oldIn && newIn:
			return fw.Forward(op, types.DefaultPort)
		case oldIn:
			return fw.Forward(types.Delete(*op.Old), types.DefaultPort)
		case newIn:
			return fw.Forward(types.Insert(*op.New), types.DefaultPort)
		}
	case types.OperationBatchInsert:
		var kept []types.Record
		for _, rec := range op.Batch {
			if p.pred(rec) {
				kept = append(kept, rec)
			}
		}
		if len(kept) > 0 {
			return fw.Forward(types.BatchInsert(kept), types.DefaultPort)
		}
	}
	return nil
}

func (p *filter) Commit(epoch types.Epoch) error      { return nil }
func (p *filter) SerializeState() ([]byte, error)     { return nil, nil }
func (p *filter) RestoreState(data []byte) error      { return nil }
