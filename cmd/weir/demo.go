package main

import (
	"context"
	"fmt"

	"github.com/weirhq/weir/pkg/dag"
	"github.com/weirhq/weir/pkg/types"
)

// generatorSourceFactory feeds a demo stream of user rows so a fresh
// install has an endpoint to query before any real connector is wired up
type generatorSourceFactory struct {
	records int
}

func (f *generatorSourceFactory) OutputPorts() []types.Port {
	return []types.Port{types.DefaultPort}
}

func (f *generatorSourceFactory) OutputSchema(port types.Port) (types.Schema, error) {
	return types.Schema{
		Fields: []types.FieldDefinition{
			{Name: "id", Type: types.FieldInt},
			{Name: "name", Type: types.FieldString},
			{Name: "score", Type: types.FieldInt},
		},
		PrimaryIndex: []int{0},
	}, nil
}

func (f *generatorSourceFactory) Build(map[types.Port]types.Schema) (dag.Source, error) {
	return &generatorSource{records: f.records}, nil
}

type generatorSource struct {
	records int
}

func (s *generatorSource) CanStartFrom(state types.OpIdentifier) (bool, error) {
	return true, nil
}

func (s *generatorSource) Start(ctx context.Context, fw dag.IngestionForwarder, from types.OpIdentifier) error {
	start := 0
	if from != nil {
		if _, err := fmt.Sscanf(string(from), "row-%d", &start); err == nil {
			start++
		}
	}

	if start == 0 {
		if err := fw.Send(dag.IngestionMessage{Kind: dag.IngestionSnapshottingStarted, Connection: "demo"}); err != nil {
			return err
		}
	}
	for i := start; i < s.records; i++ {
		op := types.Insert(types.NewRecord(
			types.IntField(int64(i)),
			types.StringField(fmt.Sprintf("user-%04d", i)),
			types.IntField(int64(i%100)),
		))
		msg := dag.IngestionMessage{
			Kind:  dag.IngestionOperation,
			Port:  types.DefaultPort,
			Op:    op,
			State: types.OpIdentifier(fmt.Sprintf("row-%d", i)),
		}
		if err := fw.Send(msg); err != nil {
			return err
		}
	}
	return fw.Send(dag.IngestionMessage{Kind: dag.IngestionSnapshottingDone, Connection: "demo"})
}
