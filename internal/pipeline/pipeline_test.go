package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/klauspost/compress/zlib"

	"github.com/deploymenttheory/bundle-recovery/internal/bundlefmt"
)

func zlibCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("zlib write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zlib close: %v", err)
	}
	return buf.Bytes()
}

// buildBnd2V2 writes a single intact one-resource bnd2 v2 bundle at the
// given offset into image.
func buildBnd2V2(t *testing.T, image []byte, at int) {
	t.Helper()
	const headerLen = 0x28
	const entrySize = 0x40
	const uncompressedSize = 0x80

	comp := zlibCompress(t, bytes.Repeat([]byte{0}, uncompressedSize))
	resourceDataOffset := headerLen + entrySize

	put32 := func(off int, v uint32) { binary.LittleEndian.PutUint32(image[at+off:], v) }

	copy(image[at:], "bnd2")
	put32(4, 2)    // version
	put32(8, 0x01) // flags: compressed
	put32(12, 0)   // debugDataOffset
	put32(16, 1)   // entry count
	put32(20, headerLen)
	put32(24, uint32(resourceDataOffset)) // chunk 0
	put32(28, uint32(resourceDataOffset)) // chunk 1
	put32(32, uint32(resourceDataOffset)) // chunk 2 (last, holds data)

	off := at + headerLen
	put64Local := func(rel int, v uint64) { binary.LittleEndian.PutUint64(image[off+rel:], v) }
	put32Local := func(rel int, v uint32) { binary.LittleEndian.PutUint32(image[off+rel:], v) }
	put64Local(0, 7)  // resourceId
	put64Local(8, 0)  // importHash
	put32Local(16, uint32(bundlefmt.PackSAA(0, 1)))
	put32Local(20, uint32(bundlefmt.PackSAA(0, 1)))
	put32Local(24, uint32(bundlefmt.PackSAA(uncompressedSize, 1)))
	put32Local(28, 0)
	put32Local(32, 0)
	put32Local(36, uint32(bundlefmt.PackSAA(uint32(len(comp)), 1)))
	put32Local(40, 0)
	put32Local(44, 0)
	put32Local(48, 0) // diskOffset[2]
	put32Local(52, 0) // importOffset
	put32Local(56, 0x10)
	binary.LittleEndian.PutUint16(image[off+60:], 0)
	image[off+62] = 0
	image[off+63] = 0

	copy(image[at+resourceDataOffset:], comp)
}

func TestRunFindsReadsValidatesAndExtracts(t *testing.T) {
	image := make([]byte, 0x4000)
	buildBnd2V2(t, image, 0x1000)
	buildBnd2V2(t, image, 0x3000)

	outDir := t.TempDir()
	cfg := Config{
		Workers:  2,
		Interval: 2048,
		Platform: bundlefmt.PlatformPC,
		EndOffset: uint64(len(image)),
		OutputDir: outDir,
		ExtractFlag: true,
	}

	candidates, stats, err := Run(context.Background(), image, cfg)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Found != 2 || stats.Read != 2 || stats.Extracted != 2 {
		t.Fatalf("stats = %+v, want Found=2 Read=2 Extracted=2", stats)
	}

	gotOffsets := make([]uint64, len(candidates))
	for i, c := range candidates {
		gotOffsets[i] = c.Info.Pos[0]
	}
	want := []uint64{0x1000, 0x3000}
	if diff := cmp.Diff(want, gotOffsets); diff != "" {
		t.Errorf("candidate offsets not sorted ascending (-want +got):\n%s", diff)
	}

	for _, c := range candidates {
		if c.Corruption != bundlefmt.Intact {
			t.Errorf("candidate at %#x: Corruption = %v, want Intact", c.Info.Pos[0], c.Corruption)
		}
	}
}

func TestRunWithNoCandidatesReturnsEmptyStats(t *testing.T) {
	image := make([]byte, 4096)
	candidates, stats, err := Run(context.Background(), image, Config{Workers: 2, Interval: 2048, EndOffset: uint64(len(image))})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	want := Stats{}
	if diff := cmp.Diff(want, stats, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	if len(candidates) != 0 {
		t.Fatalf("len(candidates) = %d, want 0", len(candidates))
	}
}
