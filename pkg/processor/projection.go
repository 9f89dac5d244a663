package processor

import (
	"fmt"

	"github.com/weirhq/weir/pkg/dag"
	"github.com/weirhq/weir/pkg/types"
)

// ProjectionFactory builds processors that keep a subset of fields in a
// chosen order
type ProjectionFactory struct {
	Fields []int
}

func (f *ProjectionFactory) InputPorts() []types.Port  { return []types.Port{types.DefaultPort} }
func (f *ProjectionFactory) OutputPorts() []types.Port { return []types.Port{types.DefaultPort} }

// OutputSchema keeps the selected field definitions. The primary index
// survives only when every key field is kept; otherwise the full row
// becomes the key.
func (f *ProjectionFactory) OutputSchema(port types.Port, inputs map[types.Port]types.Schema) (types.Schema, error) {
	in, ok := inputs[types.DefaultPort]
	if !ok {
		return types.Schema{}, fmt.Errorf("projection: no input schema")
	}
	out := types.Schema{Fields: make([]types.FieldDefinition, 0, len(f.Fields))}
	newPos := make(map[int]int, len(f.Fields))
	for i, pos := range f.Fields {
		if pos < 0 || pos >= len(in.Fields) {
			return types.Schema{}, fmt.Errorf("projection: field %d out of range", pos)
		}
		out.Fields = append(out.Fields, in.Fields[pos])
		newPos[pos] = i
	}
	for _, pk := range in.PrimaryIndex {
		mapped, kept := newPos[pk]
		if !kept {
			out.PrimaryIndex = nil
			return out, nil
		}
		out.PrimaryIndex = append(out.PrimaryIndex, mapped)
	}
	return out, nil
}

func (f *ProjectionFactory) Build(inputs, outputs map[types.Port]types.Schema) (dag.Processor, error) {
	fields := append([]int(nil), f.Fields...)
	return &projection{fields: fields}, nil
}

type projection struct {
	fields []int
}

func (p *projection) project(rec types.Record) types.Record {
	return rec.Project(p.fields)
}

func (p *projection) Process(from types.Port, op types.Operation, fw dag.ProcessorForwarder) error {
	switch op.Kind {
	case types.OperationInsert:
		return fw.Forward(types.Insert(p.project(*op.New)), types.DefaultPort)
	case types.OperationDelete:
		return fw.Forward(types.Delete(p.project(*op.Old)), types.DefaultPort)
	case types.OperationUpdate:
		return fw.Forward(types.Update(p.project(*op.Old), p.project(*op.New)), types.DefaultPort)
	case types.OperationBatchInsert:
		out := make([]types.Record, len(op.Batch))
		for i, rec := range op.Batch {
			out[i] = p.project(rec)
		}
		return fw.Forward(types.BatchInsert(out), types.DefaultPort)
	}
	return nil
}

func (p *projection) Commit(epoch types.Epoch) error  { return nil }
func (p *projection) SerializeState() ([]byte, error) { return nil, nil }
func (p *projection) RestoreState(data []byte) error  { return nil }
