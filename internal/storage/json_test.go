package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestFlushWritesRecordedFragments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fragments.json")
	s := New(path, 2)

	if err := s.Record(0, []Fragment{{Position: 0x1000, Size: 0x200}}); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}

	var got [][]Fragment
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0][0].Position != 0x1000 || got[0][0].Size != 0x200 {
		t.Fatalf("got[0] = %+v, want [{0x1000 0x200}]", got[0])
	}
	if got[1][0] != (Fragment{}) {
		t.Fatalf("got[1] = %+v, want untouched placeholder {0 0}", got[1])
	}
}

func TestRecordOutOfRangeIsIgnored(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "fragments.json"), 1)
	if err := s.Record(5, []Fragment{{Position: 1, Size: 1}}); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
}
