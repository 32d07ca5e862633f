package storage

import (
	"context"
	"testing"

	"pertnet/internal/model"
)

func testRun(id string, created int64) model.RunRecord {
	return model.RunRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		ID:              id,
		Model:           "CellBox",
		CreatedUnix:     created,
		Dataset:         model.DatasetInfo{Samples: 6, Nodes: 3, TrainEnd: 4, MonitorEnd: 5, EvalEnd: 6},
		Config:          []byte(`{"model":"CellBox","n_x":3}`),
		StopReason:      "completed",
	}
}

func TestMemoryStoreRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	if err := store.SaveRun(ctx, testRun("run-1", 100)); err != nil {
		t.Fatalf("save run: %v", err)
	}

	run, ok, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted run")
	}
	if run.ID != "run-1" || run.StopReason != "completed" {
		t.Fatalf("unexpected run: %+v", run)
	}

	_, ok, err = store.GetRun(ctx, "missing")
	if err != nil {
		t.Fatalf("get missing run: %v", err)
	}
	if ok {
		t.Fatal("expected missing run")
	}
}

func TestMemoryStoreListRunsOrdered(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	for _, run := range []model.RunRecord{testRun("run-b", 300), testRun("run-a", 100), testRun("run-c", 100)} {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run %s: %v", run.ID, err)
		}
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("run count: got=%d want=3", len(runs))
	}
	if runs[0].ID != "run-a" || runs[1].ID != "run-c" || runs[2].ID != "run-b" {
		t.Fatalf("unexpected order: %s, %s, %s", runs[0].ID, runs[1].ID, runs[2].ID)
	}
}

func TestMemoryStoreParamsByRun(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	first := model.ParamSnapshot{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		ID:              "params-1",
		RunID:           "run-1",
		Model:           "CellBox",
		Tensors:         map[string]model.TensorRecord{"W": {Rows: 1, Cols: 2, Data: []float64{0.5, -0.5}}},
	}
	second := first
	second.ID = "params-2"
	second.Tensors = map[string]model.TensorRecord{"W": {Rows: 1, Cols: 2, Data: []float64{0.9, -0.9}}}

	if err := store.SaveParams(ctx, first); err != nil {
		t.Fatalf("save params: %v", err)
	}
	if err := store.SaveParams(ctx, second); err != nil {
		t.Fatalf("save params again: %v", err)
	}

	byID, ok, err := store.GetParams(ctx, "params-1")
	if err != nil {
		t.Fatalf("get params: %v", err)
	}
	if !ok || byID.Tensors["W"].Data[0] != 0.5 {
		t.Fatalf("unexpected params by id: %+v", byID)
	}

	// The latest snapshot wins the per-run lookup.
	byRun, ok, err := store.GetRunParams(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run params: %v", err)
	}
	if !ok || byRun.ID != "params-2" {
		t.Fatalf("unexpected params by run: %+v", byRun)
	}

	_, ok, err = store.GetRunParams(ctx, "run-unknown")
	if err != nil {
		t.Fatalf("get unknown run params: %v", err)
	}
	if ok {
		t.Fatal("expected missing params")
	}
}

func TestMemoryStoreLossHistoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	input := model.LossHistory{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		RunID:           "run-1",
		Points: []model.LossPoint{
			{Iteration: 0, TrainLoss: 0.8, MonitorLoss: 0.9},
			{Iteration: 1, TrainLoss: 0.5, MonitorLoss: 0.7},
		},
	}
	if err := store.SaveLossHistory(ctx, input); err != nil {
		t.Fatalf("save history: %v", err)
	}
	output, ok, err := store.GetLossHistory(ctx, "run-1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted loss history")
	}
	if len(output.Points) != 2 || output.Points[1].TrainLoss != 0.5 {
		t.Fatalf("unexpected history: %+v", output)
	}
}

func TestMemoryStoreCopiesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	params := model.ParamSnapshot{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		ID:              "params-1",
		RunID:           "run-1",
		Tensors:         map[string]model.TensorRecord{"W": {Rows: 1, Cols: 1, Data: []float64{42}}},
	}
	if err := store.SaveParams(ctx, params); err != nil {
		t.Fatalf("save params: %v", err)
	}
	params.Tensors["W"].Data[0] = -1

	got, ok, err := store.GetParams(ctx, "params-1")
	if err != nil || !ok {
		t.Fatalf("get params: ok=%v err=%v", ok, err)
	}
	if got.Tensors["W"].Data[0] != 42 {
		t.Fatalf("caller mutation leaked into store: %v", got.Tensors["W"].Data[0])
	}

	got.Tensors["W"].Data[0] = -2
	again, _, err := store.GetParams(ctx, "params-1")
	if err != nil {
		t.Fatalf("get params again: %v", err)
	}
	if again.Tensors["W"].Data[0] != 42 {
		t.Fatalf("read mutation leaked into store: %v", again.Tensors["W"].Data[0])
	}
}
