package processor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/weirhq/weir/pkg/dag"
	"github.com/weirhq/weir/pkg/types"
)

// AggregationFactory builds a running grouped sum: one output row per
// group carrying the group fields, the sum and the row count. Incremental
// CDC semantics: a group's first row emits an insert, changes emit
// updates, an emptied group emits a delete.
type AggregationFactory struct {
	GroupBy  []int
	SumField int
}

func (f *AggregationFactory) InputPorts() []types.Port  { return []types.Port{types.DefaultPort} }
func (f *AggregationFactory) OutputPorts() []types.Port { return []types.Port{types.DefaultPort} }

func (f *AggregationFactory) OutputSchema(port types.Port, inputs map[types.Port]types.Schema) (types.Schema, error) {
	in, ok := inputs[types.DefaultPort]
	if !ok {
		return types.Schema{}, fmt.Errorf("aggregation: no input schema")
	}
	if f.SumField < 0 || f.SumField >= len(in.Fields) {
		return types.Schema{}, fmt.Errorf("aggregation: sum field %d out of range", f.SumField)
	}
	switch in.Fields[f.SumField].Type {
	case types.FieldInt, types.FieldFloat, types.FieldDecimal:
	default:
		return types.Schema{}, fmt.Errorf("aggregation: cannot sum %s field %q", in.Fields[f.SumField].Type, in.Fields[f.SumField].Name)
	}

	out := types.Schema{}
	for i, pos := range f.GroupBy {
		if pos < 0 || pos >= len(in.Fields) {
			return types.Schema{}, fmt.Errorf("aggregation: group field %d out of range", pos)
		}
		out.Fields = append(out.Fields, in.Fields[pos])
		out.PrimaryIndex = append(out.PrimaryIndex, i)
	}
	sumDef := in.Fields[f.SumField]
	sumDef.Name = "sum_" + sumDef.Name
	sumDef.Source = types.SourceDefinition{}
	out.Fields = append(out.Fields, sumDef)
	out.Fields = append(out.Fields, types.FieldDefinition{Name: "count", Type: types.FieldInt})
	return out, nil
}

func (f *AggregationFactory) Build(inputs, outputs map[types.Port]types.Schema) (dag.Processor, error) {
	in := inputs[types.DefaultPort]
	return &aggregation{
		groupBy:  append([]int(nil), f.GroupBy...),
		sumField: f.SumField,
		sumKind:  in.Fields[f.SumField].Type,
		groups:   make(map[string]*group),
	}, nil
}

// group is the running state of one group-by key
type group struct {
	Key    types.Record    `json:"key"`
	Sum    decimal.Decimal `json:"sum"`
	Count  int64           `json:"count"`
	Live   bool            `json:"live"` // emitted downstream at least once
}

type aggregation struct {
	groupBy  []int
	sumField int
	sumKind  types.FieldKind
	groups   map[string]*group
}

func (p *aggregation) groupKey(rec types.Record) (string, types.Record) {
	key := rec.Project(p.groupBy)
	return base64.StdEncoding.EncodeToString(key.AppendBinary(nil)), key
}

func (p *aggregation) sumValue(rec types.Record) (decimal.Decimal, error) {
	f := rec.Values[p.sumField]
	switch f.Kind {
	case types.FieldInt:
		return decimal.NewFromInt(f.Int), nil
	case types.FieldFloat:
		return decimal.NewFromFloat(f.Float), nil
	case types.FieldDecimal:
		return f.Decimal, nil
	case types.FieldNull, "":
		return decimal.Zero, nil
	default:
		return decimal.Zero, fmt.Errorf("aggregation: cannot sum %s value", f.Kind)
	}
}

// row renders a group's current output record
func (p *aggregation) row(g *group) types.Record {
	out := g.Key.Clone()
	var sum types.Field
	switch p.sumKind {
	case types.FieldInt:
		sum = types.IntField(g.Sum.IntPart())
	case types.FieldFloat:
		f, _ := g.Sum.Float64()
		sum = types.FloatField(f)
	default:
		sum = types.DecimalField(g.Sum)
	}
	out.Values = append(out.Values, sum, types.IntField(g.Count))
	return out
}

// apply folds one record in or out of its group and emits the resulting
// CDC operation
func (p *aggregation) apply(rec types.Record, sign int64, fw dag.ProcessorForwarder) error {
	keyStr, key := p.groupKey(rec)
	delta, err := p.sumValue(rec)
	if err != nil {
		return err
	}

	g, ok := p.groups[keyStr]
	if !ok {
		g = &group{Key: key}
		p.groups[keyStr] = g
	}
	var before types.Record
	if g.Live {
		before = p.row(g)
	}

	if sign >= 0 {
		g.Sum = g.Sum.Add(delta)
		g.Count++
	} else {
		g.Sum = g.Sum.Sub(delta)
		g.Count--
	}

	switch {
	case !g.Live && g.Count > 0:
		g.Live = true
		return fw.Forward(types.Insert(p.row(g)), types.DefaultPort)
	case g.Live && g.Count <= 0:
		delete(p.groups, keyStr)
		return fw.Forward(types.Delete(before), types.DefaultPort)
	case g.Live:
		return fw.Forward(types.Update(before, p.row(g)), types.DefaultPort)
	default:
		// count fell to or below zero before the group ever went live
		delete(p.groups, keyStr)
		return nil
	}
}

func (p *aggregation) Process(from types.Port, op types.Operation, fw dag.ProcessorForwarder) error {
	switch op.Kind {
	case types.OperationInsert:
		return p.apply(*op.New, 1, fw)
	case types.OperationDelete:
		return p.apply(*op.Old, -1, fw)
	case types.OperationUpdate:
		if err := p.apply(*op.Old, -1, fw); err != nil {
			return err
		}
		return p.apply(*op.New, 1, fw)
	case types.OperationBatchInsert:
		for i := range op.Batch {
			if err := p.apply(op.Batch[i], 1, fw); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *aggregation) Commit(epoch types.Epoch) error { return nil }

// SerializeState snapshots the running groups for checkpointing
func (p *aggregation) SerializeState() ([]byte, error) {
	return json.Marshal(p.groups)
}

// RestoreState reloads a checkpointed snapshot
func (p *aggregation) RestoreState(data []byte) error {
	groups := make(map[string]*group)
	if err := json.Unmarshal(data, &groups); err != nil {
		return fmt.Errorf("aggregation: corrupted state: %w", err)
	}
	p.groups = groups
	return nil
}
