package storage

import (
	"context"

	"pertnet/internal/model"
)

// Store defines persistence operations for fitted runs and their artifacts.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveParams(ctx context.Context, params model.ParamSnapshot) error
	GetParams(ctx context.Context, id string) (model.ParamSnapshot, bool, error)
	GetRunParams(ctx context.Context, runID string) (model.ParamSnapshot, bool, error)
	SaveLossHistory(ctx context.Context, history model.LossHistory) error
	GetLossHistory(ctx context.Context, runID string) (model.LossHistory, bool, error)
}
