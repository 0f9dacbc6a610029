// Package testutil holds helpers shared by package tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// LoadJSON reads testdata/<filename> relative to this package. If target is
// provided, the document is also unmarshaled into it.
func LoadJSON(filename string, target ...any) (map[string]any, error) {
	data, err := readFixture(filename)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	if len(target) > 0 && target[0] != nil {
		if err := json.Unmarshal(data, target[0]); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// Fixture returns testdata/<filename> compacted, failing t if it is missing or
// not valid JSON.
func Fixture(t testing.TB, filename string) json.RawMessage {
	t.Helper()
	data, err := readFixture(filename)
	if err != nil {
		t.Fatalf("fixture %s: %v", filename, err)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		t.Fatalf("fixture %s: %v", filename, err)
	}
	return json.RawMessage(buf.Bytes())
}

func readFixture(filename string) ([]byte, error) {
	_, currentFile, _, _ := runtime.Caller(0)
	return os.ReadFile(filepath.Join(filepath.Dir(currentFile), "testdata", filename))
}
