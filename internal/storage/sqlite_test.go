//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"pertnet/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "pertnet.db")

	store := NewSQLiteStore(dbPath)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestSQLiteStoreRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	run := testRun("run-1", 100)
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}

	loaded, ok, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !ok {
		t.Fatalf("expected run %s", run.ID)
	}
	if loaded.ID != run.ID || loaded.CreatedUnix != run.CreatedUnix || loaded.StopReason != run.StopReason {
		t.Fatalf("unexpected run loaded: %+v", loaded)
	}

	// Saving the same id again replaces the payload.
	run.StopReason = "patience"
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("update run: %v", err)
	}
	loaded, _, err = store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get updated run: %v", err)
	}
	if loaded.StopReason != "patience" {
		t.Fatalf("unexpected stop reason: %s", loaded.StopReason)
	}

	_, ok, err = store.GetRun(ctx, "missing")
	if err != nil {
		t.Fatalf("get missing run: %v", err)
	}
	if ok {
		t.Fatal("expected missing run")
	}
}

func TestSQLiteStoreListRunsOrdered(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

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

func TestSQLiteStoreParamsByRun(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

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

func TestSQLiteStoreLossHistoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

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
