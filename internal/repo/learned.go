package repo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// loadLearned reads the learned-repo registry. A missing file is an empty
// registry, not an error.
func loadLearned(path string) (map[string]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Record{}, nil
		}
		return nil, fmt.Errorf("read learned repos: %w", err)
	}
	var m map[string]Record
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse learned repos: %w", err)
	}
	if m == nil {
		m = map[string]Record{}
	}
	return m, nil
}

func saveLearned(path string, m map[string]Record) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write learned repos: %w", err)
	}
	return os.Rename(tmp, path)
}
