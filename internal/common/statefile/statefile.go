// Package statefile handles atomic persistence of small JSON state files.
// Writers go through a temp file and rename so readers never observe a
// partially written state.
package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Save marshals v as indented JSON and atomically replaces path.
func Save(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return Write(path, data)
}

// Write atomically replaces path with data via tmp+rename.
func Write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// Load unmarshals path into v. A missing file leaves v untouched and
// returns found=false.
func Load(path string, v any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read state: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse state %s: %w", filepath.Base(path), err)
	}
	return true, nil
}
