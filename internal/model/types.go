package model

import "encoding/json"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

type RunRecord struct {
	VersionedRecord
	ID          string          `json:"id"`
	Model       string          `json:"model"`
	CreatedUnix int64           `json:"created_unix"`
	Dataset     DatasetInfo     `json:"dataset"`
	Config      json.RawMessage `json:"config"`
	Iterations  int             `json:"iterations"`
	StopReason  string          `json:"stop_reason"`
	TrainLoss   float64         `json:"train_loss"`
	MonitorLoss float64         `json:"monitor_loss"`
	EvalLoss    float64         `json:"eval_loss"`
}

type DatasetInfo struct {
	Name       string `json:"name,omitempty"`
	Samples    int    `json:"samples"`
	Nodes      int    `json:"nodes"`
	TrainEnd   int    `json:"train_end"`
	MonitorEnd int    `json:"monitor_end"`
	EvalEnd    int    `json:"eval_end"`
	Sparse     bool   `json:"sparse"`
}

type TensorRecord struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

type ParamSnapshot struct {
	VersionedRecord
	ID      string                  `json:"id"`
	RunID   string                  `json:"run_id"`
	Model   string                  `json:"model"`
	Tensors map[string]TensorRecord `json:"tensors"`
}

type LossPoint struct {
	Substage     int     `json:"substage"`
	Iteration    int     `json:"iteration"`
	TrainLoss    float64 `json:"train_loss"`
	TrainRecon   float64 `json:"train_recon"`
	MonitorLoss  float64 `json:"monitor_loss"`
	MonitorRecon float64 `json:"monitor_recon"`
}

type LossHistory struct {
	VersionedRecord
	RunID  string      `json:"run_id"`
	Points []LossPoint `json:"points"`
}
