package storage

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/deploymenttheory/bundle-recovery/internal/logger"
)

// JSONSidecar implements Sidecar using a single JSON file, generalizing
// the teacher's JSONStorage (which stored one flat array of processed-
// file records) into an array-of-arrays-of-fragments document: each
// element is the current fragment list for one discovered bundle,
// indexed by discovery order.
type JSONSidecar struct {
	filePath string
	data     [][]Fragment
	mutex    sync.Mutex
}

// New creates a JSONSidecar pre-sized to hold count bundles, each
// starting with a single placeholder fragment of size 0 — the same
// initial shape the original writes immediately after the Finder stage,
// before the Reader has filled anything in.
func New(filePath string, count int) *JSONSidecar {
	data := make([][]Fragment, count)
	for i := range data {
		data[i] = []Fragment{{Position: 0, Size: 0}}
	}
	return &JSONSidecar{filePath: filePath, data: data}
}

// Record appends or replaces the fragment list for bundle index i.
func (s *JSONSidecar) Record(i int, fragments []Fragment) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if i < 0 || i >= len(s.data) {
		return nil
	}
	s.data[i] = fragments
	return nil
}

// Flush writes the current state to disk.
func (s *JSONSidecar) Flush() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	file, err := os.Create(s.filePath)
	if err != nil {
		logger.Errorf("storage: failed to open sidecar %s: %v", s.filePath, err)
		return err
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(s.data)
}
