package poller

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

type offsetState struct {
	Watermark float64 `json:"watermark"`
}

func loadOffset(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var state offsetState
	if err := json.Unmarshal(data, &state); err != nil {
		return 0, err
	}
	return state.Watermark, nil
}

func writeOffset(path string, state offsetState) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
