package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"pertnet/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	params      map[string]model.ParamSnapshot
	paramsByRun map[string]string
	history     map[string]model.LossHistory
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.params = make(map[string]model.ParamSnapshot)
	s.paramsByRun = make(map[string]string)
	s.history = make(map[string]model.LossHistory)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = copyRun(run)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return model.RunRecord{}, false, nil
	}
	return copyRun(run), true, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, copyRun(run))
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedUnix != runs[j].CreatedUnix {
			return runs[i].CreatedUnix < runs[j].CreatedUnix
		}
		return runs[i].ID < runs[j].ID
	})
	return runs, nil
}

func (s *MemoryStore) SaveParams(_ context.Context, params model.ParamSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.params[params.ID] = copyParams(params)
	if params.RunID != "" {
		s.paramsByRun[params.RunID] = params.ID
	}
	return nil
}

func (s *MemoryStore) GetParams(_ context.Context, id string) (model.ParamSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	params, ok := s.params[id]
	if !ok {
		return model.ParamSnapshot{}, false, nil
	}
	return copyParams(params), true, nil
}

func (s *MemoryStore) GetRunParams(_ context.Context, runID string) (model.ParamSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.paramsByRun[runID]
	if !ok {
		return model.ParamSnapshot{}, false, nil
	}
	params, ok := s.params[id]
	if !ok {
		return model.ParamSnapshot{}, false, nil
	}
	return copyParams(params), true, nil
}

func (s *MemoryStore) SaveLossHistory(_ context.Context, history model.LossHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[history.RunID] = copyHistory(history)
	return nil
}

func (s *MemoryStore) GetLossHistory(_ context.Context, runID string) (model.LossHistory, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.history[runID]
	if !ok {
		return model.LossHistory{}, false, nil
	}
	return copyHistory(history), true, nil
}

func copyRun(run model.RunRecord) model.RunRecord {
	copied := run
	copied.Config = append(json.RawMessage(nil), run.Config...)
	return copied
}

func copyParams(params model.ParamSnapshot) model.ParamSnapshot {
	copied := params
	copied.Tensors = make(map[string]model.TensorRecord, len(params.Tensors))
	for name, tensor := range params.Tensors {
		tensor.Data = append([]float64(nil), tensor.Data...)
		copied.Tensors[name] = tensor
	}
	return copied
}

func copyHistory(history model.LossHistory) model.LossHistory {
	copied := history
	copied.Points = append([]model.LossPoint(nil), history.Points...)
	return copied
}
