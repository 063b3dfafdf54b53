package persist

import (
	"os"
	"path/filepath"
	"testing"
)

type sample struct {
	Version int    `json:"version"`
	Name    string `json:"name"`
}

func TestWriteReadJSON_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state", "model.json")

	want := sample{Version: 1, Name: "hello"}
	if err := WriteJSON(path, want); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var got sample
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestWriteJSON_NoLeftoverTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")

	if err := WriteJSON(path, sample{Version: 1, Name: "x"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("expected temp file to be gone after rename, stat err = %v", err)
	}
}

func TestWriteJSON_SaveReloadSaveIsByteIdentical(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")
	v := sample{Version: 2, Name: "stable"}

	if err := WriteJSON(path, v); err != nil {
		t.Fatalf("first WriteJSON: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read after first write: %v", err)
	}

	var reloaded sample
	if err := ReadJSON(path, &reloaded); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if err := WriteJSON(path, reloaded); err != nil {
		t.Fatalf("second WriteJSON: %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read after second write: %v", err)
	}

	if string(first) != string(second) {
		t.Errorf("save -> reload -> save produced different bytes:\nfirst:  %s\nsecond: %s", first, second)
	}
}

func TestReadJSON_MissingFileIsNotExist(t *testing.T) {
	dir := t.TempDir()
	err := ReadJSON(filepath.Join(dir, "missing.json"), &sample{})
	if !os.IsNotExist(err) {
		t.Errorf("err = %v, want os.IsNotExist", err)
	}
}
