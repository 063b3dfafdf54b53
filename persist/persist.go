// Package persist implements the atomic JSON file write shared by every
// learner/tracker that the spec requires to persist its state across
// restarts. Grounded on the temp-file + os.Rename pattern from
// foae-marstek-energy-trading's recorder.saveTrades — the only atomic
// persistence precedent in the retrieved corpus, since the teacher itself
// persists its own per-cycle numbers to Postgres rather than JSON files.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteJSON marshals v with stable indentation and writes it to path
// atomically: write to path+".tmp", then rename over path. A failure
// leaves the previous file untouched.
func WriteJSON(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("persist: create directory %s: %w", dir, err)
		}
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal %s: %w", path, err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("persist: write temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persist: rename %s to %s: %w", tmpPath, path, err)
	}
	return nil
}

// ReadJSON loads and unmarshals path into v. A missing file is reported
// via os.IsNotExist on the returned error so callers can treat "never
// persisted before" as a normal startup case.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("persist: unmarshal %s: %w", path, err)
	}
	return nil
}
