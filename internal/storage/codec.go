package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"pertnet/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeParams(p model.ParamSnapshot) ([]byte, error) {
	return json.Marshal(p)
}

func DecodeParams(data []byte) (model.ParamSnapshot, error) {
	var params model.ParamSnapshot
	if err := json.Unmarshal(data, &params); err != nil {
		return model.ParamSnapshot{}, err
	}
	if err := checkVersion(params.VersionedRecord); err != nil {
		return model.ParamSnapshot{}, err
	}
	for name, tensor := range params.Tensors {
		if tensor.Rows*tensor.Cols != len(tensor.Data) {
			return model.ParamSnapshot{}, fmt.Errorf("tensor %q: payload has %d values for %dx%d",
				name, len(tensor.Data), tensor.Rows, tensor.Cols)
		}
	}
	return params, nil
}

func EncodeLossHistory(h model.LossHistory) ([]byte, error) {
	return json.Marshal(h)
}

func DecodeLossHistory(data []byte) (model.LossHistory, error) {
	var history model.LossHistory
	if err := json.Unmarshal(data, &history); err != nil {
		return model.LossHistory{}, err
	}
	if err := checkVersion(history.VersionedRecord); err != nil {
		return model.LossHistory{}, err
	}
	return history, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
