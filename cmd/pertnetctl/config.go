package main

import (
	"encoding/json"
	"fmt"
	"os"

	"pertnet/internal/train"
	pertapi "pertnet/pkg/pertnet"
)

// loadFitRequestFromConfig reads a flat JSON fit config. Legacy exports use
// different key names for several fields (pert_file, expr_file, envelop_form,
// lr_val, l1lambda, sub_stages); those are accepted as fallbacks when the
// canonical key is absent.
func loadFitRequestFromConfig(path string) (pertapi.FitRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pertapi.FitRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return pertapi.FitRequest{}, err
	}

	var req pertapi.FitRequest
	if v, ok := asString(raw["run_id"]); ok {
		req.RunID = v
	} else if v, ok := asString(raw["experiment_id"]); ok {
		req.RunID = v
	}
	if v, ok := asString(raw["model"]); ok {
		req.Model = v
	}
	if v, ok := asString(raw["pert_path"]); ok {
		req.PertPath = v
	} else if v, ok := asString(raw["pert_file"]); ok {
		req.PertPath = v
	}
	if v, ok := asString(raw["resp_path"]); ok {
		req.RespPath = v
	} else if v, ok := asString(raw["expr_file"]); ok {
		req.RespPath = v
	}
	if v, ok := asString(raw["dataset_name"]); ok {
		req.DatasetName = v
	}
	if v, ok := asBool(raw["synthetic"]); ok {
		req.Synthetic = v
	}
	if v, ok := asInt(raw["samples"]); ok {
		req.Samples = v
	}
	if v, ok := asInt(raw["max_targets"]); ok {
		req.MaxTargets = v
	}
	if v, ok := asInt(raw["train_end"]); ok {
		req.TrainEnd = v
	} else if v, ok := asInt(raw["trn_end"]); ok {
		req.TrainEnd = v
	}
	if v, ok := asInt(raw["monitor_end"]); ok {
		req.MonitorEnd = v
	} else if v, ok := asInt(raw["val_end"]); ok {
		req.MonitorEnd = v
	}
	if v, ok := asFloat64(raw["train_frac"]); ok {
		req.TrainFrac = v
	} else if v, ok := asFloat64(raw["trainset_ratio"]); ok {
		req.TrainFrac = v
	}
	if v, ok := asFloat64(raw["monitor_frac"]); ok {
		req.MonitorFrac = v
	} else if v, ok := asFloat64(raw["validset_ratio"]); ok {
		req.MonitorFrac = v
	}
	if v, ok := asBool(raw["shuffle"]); ok {
		req.Shuffle = v
	}
	if v, ok := asInt(raw["batch"]); ok {
		req.Batch = v
	} else if v, ok := asInt(raw["batchsize"]); ok {
		req.Batch = v
	}
	if v, ok := asBool(raw["sparse"]); ok {
		req.Sparse = v
	} else if v, ok := asBool(raw["sparse_data"]); ok {
		req.Sparse = v
	}
	if v, ok := asInt(raw["n_x"]); ok {
		req.NX = v
	}
	if v, ok := asInt(raw["n_protein_nodes"]); ok {
		req.NProteinNodes = v
	}
	if v, ok := asInt(raw["n_activity_nodes"]); ok {
		req.NActivityNodes = v
	}
	if v, ok := asString(raw["pert_form"]); ok {
		req.PertForm = v
	}
	if v, ok := asInt(raw["envelope"]); ok {
		req.Envelope = v
	}
	if v, ok := asString(raw["envelope_form"]); ok {
		req.EnvelopeForm = v
	} else if v, ok := asString(raw["envelop_form"]); ok {
		req.EnvelopeForm = v
	}
	if v, ok := asString(raw["ode_solver"]); ok {
		req.ODESolver = v
	}
	if v, ok := asFloat64(raw["dt"]); ok {
		req.DT = v
	}
	if v, ok := asInt(raw["n_t"]); ok {
		req.NT = v
	}
	if v, ok := asInt(raw["ode_last_steps"]); ok {
		req.ODELastSteps = v
	}
	if v, ok := asInt(raw["n_hidden"]); ok {
		req.NHidden = v
	}
	if v, ok := asString(raw["weight_loss"]); ok {
		req.WeightLoss = v
	}
	if v, ok := asString(raw["gradient"]); ok {
		req.Gradient = v
	}
	if v, ok := asString(raw["optimizer"]); ok {
		req.Optimizer = v
	}
	if v, ok := asFloat64(raw["l1_lambda"]); ok {
		req.L1Lambda = v
	} else if v, ok := asFloat64(raw["l1lambda"]); ok {
		req.L1Lambda = v
	}
	if v, ok := asFloat64(raw["l2_lambda"]); ok {
		req.L2Lambda = v
	} else if v, ok := asFloat64(raw["l2lambda"]); ok {
		req.L2Lambda = v
	}
	if v, ok := asFloat64(raw["lr"]); ok {
		req.LR = v
	} else if v, ok := asFloat64(raw["lr_val"]); ok {
		req.LR = v
	}
	if v, ok := asInt(raw["n_iter"]); ok {
		req.Iters = v
	} else if v, ok := asInt(raw["iters"]); ok {
		req.Iters = v
	}
	if v, ok := asInt(raw["n_iter_buffer"]); ok {
		req.Buffer = v
	}
	if v, ok := asInt(raw["n_iter_patience"]); ok {
		req.Patience = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		req.Seed = v
	}
	if v, ok := asInt(raw["ensemble_runs"]); ok {
		req.EnsembleRuns = v
	}
	if v, ok := asString(raw["ensemble_notes"]); ok {
		req.EnsembleNotes = v
	}

	var stages []any
	if items, ok := raw["substages"].([]any); ok {
		stages = items
	} else if items, ok := raw["sub_stages"].([]any); ok {
		stages = items
	}
	if len(stages) > 0 {
		req.Substages = parseSubstages(stages)
		// Legacy exports carry the stop controls on the first stage.
		if first, ok := stages[0].(map[string]any); ok {
			if req.Buffer == 0 {
				if v, ok := asInt(first["n_iter_buffer"]); ok {
					req.Buffer = v
				}
			}
			if req.Patience == 0 {
				if v, ok := asInt(first["n_iter_patience"]); ok {
					req.Patience = v
				}
			}
		}
	}

	return req, nil
}

func parseSubstages(items []any) []train.Substage {
	stages := make([]train.Substage, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var stage train.Substage
		if v, ok := asFloat64(m["l1_lambda"]); ok {
			stage.L1 = v
		} else if v, ok := asFloat64(m["l1lambda"]); ok {
			stage.L1 = v
		}
		if v, ok := asFloat64(m["l2_lambda"]); ok {
			stage.L2 = v
		} else if v, ok := asFloat64(m["l2lambda"]); ok {
			stage.L2 = v
		}
		if v, ok := asFloat64(m["lr"]); ok {
			stage.LR = v
		} else if v, ok := asFloat64(m["lr_val"]); ok {
			stage.LR = v
		}
		if v, ok := asInt(m["n_iter"]); ok {
			stage.Iters = v
		} else if v, ok := asInt(m["iters"]); ok {
			stage.Iters = v
		}
		stages = append(stages, stage)
	}
	return stages
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

func overrideFromFlags(req *pertapi.FitRequest, set map[string]bool, flagValue map[string]any) error {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "run-id":
			req.RunID = v.(string)
		case "model":
			req.Model = v.(string)
		case "pert":
			req.PertPath = v.(string)
		case "resp":
			req.RespPath = v.(string)
		case "dataset-name":
			req.DatasetName = v.(string)
		case "synthetic":
			req.Synthetic = v.(bool)
		case "samples":
			req.Samples = v.(int)
		case "max-targets":
			req.MaxTargets = v.(int)
		case "train-end":
			req.TrainEnd = v.(int)
		case "monitor-end":
			req.MonitorEnd = v.(int)
		case "train-frac":
			req.TrainFrac = v.(float64)
		case "monitor-frac":
			req.MonitorFrac = v.(float64)
		case "shuffle":
			req.Shuffle = v.(bool)
		case "batch":
			req.Batch = v.(int)
		case "sparse":
			req.Sparse = v.(bool)
		case "n-x":
			req.NX = v.(int)
		case "protein-nodes":
			req.NProteinNodes = v.(int)
		case "activity-nodes":
			req.NActivityNodes = v.(int)
		case "pert-form":
			req.PertForm = v.(string)
		case "envelope":
			req.Envelope = v.(int)
		case "envelope-form":
			req.EnvelopeForm = v.(string)
		case "ode-solver":
			req.ODESolver = v.(string)
		case "dt":
			req.DT = v.(float64)
		case "n-t":
			req.NT = v.(int)
		case "ode-last-steps":
			req.ODELastSteps = v.(int)
		case "n-hidden":
			req.NHidden = v.(int)
		case "weight-loss":
			req.WeightLoss = v.(string)
		case "gradient":
			req.Gradient = v.(string)
		case "optimizer":
			req.Optimizer = v.(string)
		case "l1":
			req.L1Lambda = v.(float64)
		case "l2":
			req.L2Lambda = v.(float64)
		case "lr":
			req.LR = v.(float64)
		case "iters":
			req.Iters = v.(int)
		case "buffer":
			req.Buffer = v.(int)
		case "patience":
			req.Patience = v.(int)
		case "seed":
			req.Seed = v.(int64)
		case "ensemble-runs":
			req.EnsembleRuns = v.(int)
		case "ensemble-notes":
			req.EnsembleNotes = v.(string)
		}
	}
	return nil
}

func loadOrDefaultFitRequest(configPath string) (pertapi.FitRequest, error) {
	if configPath == "" {
		return pertapi.FitRequest{}, nil
	}
	req, err := loadFitRequestFromConfig(configPath)
	if err != nil {
		return pertapi.FitRequest{}, fmt.Errorf("load config: %w", err)
	}
	return req, nil
}
