package reader

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/klauspost/compress/zlib"

	"github.com/deploymenttheory/bundle-recovery/internal/bundlefmt"
	"github.com/deploymenttheory/bundle-recovery/internal/validator"
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

func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
func putU64(b []byte, off int, v uint64) { binary.LittleEndian.PutUint64(b[off:], v) }

// buildBnd2V2 builds a single intact bnd2 v2 bundle (scenario 1, §8): one
// chunk of two compressed resources, little-endian, flags=0x01.
func buildBnd2V2(t *testing.T) (bundleBytes []byte, uncompressedPerResource int) {
	t.Helper()
	const headerLen = 0x28
	const entrySize = 0x40
	const entryCount = 2
	const uncompressedSize = 0x100

	payload0 := bytes.Repeat([]byte{0}, uncompressedSize)
	payload1 := bytes.Repeat([]byte{0}, uncompressedSize)
	comp0 := zlibCompress(t, payload0)
	comp1 := zlibCompress(t, payload1)

	entriesOffset := headerLen
	resourceDataOffset := 0x100
	bundleLen := resourceDataOffset + len(comp0) + len(comp1)

	buf := make([]byte, bundleLen)
	copy(buf[0:4], "bnd2")
	putU32(buf, 4, 2) // version
	putU32(buf, 8, 0x01) // flags: compressed
	putU32(buf, 12, 0) // debugDataOffset (unused, flags&8==0)
	putU32(buf, 16, entryCount)
	putU32(buf, 20, uint32(entriesOffset))
	putU32(buf, 24, uint32(resourceDataOffset)) // chunk 0
	putU32(buf, 28, uint32(resourceDataOffset)) // chunk 1 (unused)
	putU32(buf, 32, uint32(resourceDataOffset)) // chunk 2 (last, holds data)

	writeEntry := func(idx int, id uint64, diskOffset, compSize uint32) {
		off := entriesOffset + idx*entrySize
		putU64(buf, off+0, id)
		putU64(buf, off+8, 0) // importHash
		// uncompressedSaa[0..2]
		putU32(buf, off+16, bundlefmt_pack(0, 1))
		putU32(buf, off+20, bundlefmt_pack(0, 1))
		putU32(buf, off+24, bundlefmt_pack(uncompressedSize, 1))
		// saaOnDisk[0..2]
		putU32(buf, off+28, 0)
		putU32(buf, off+32, 0)
		putU32(buf, off+36, bundlefmt_pack(compSize, 1))
		// diskOffset[0..2]
		putU32(buf, off+40, 0)
		putU32(buf, off+44, 0)
		putU32(buf, off+48, diskOffset)
		putU32(buf, off+52, 0) // importOffset
		putU32(buf, off+56, 0x10) // resourceTypeId
		// importCount:u16, flags:u8, streamIndex:u8
		binary.LittleEndian.PutUint16(buf[off+60:], 0)
		buf[off+62] = 0
		buf[off+63] = 0
	}
	writeEntry(0, 1, 0, uint32(len(comp0)))
	writeEntry(1, 2, uint32(len(comp0)), uint32(len(comp1)))

	copy(buf[resourceDataOffset:], comp0)
	copy(buf[resourceDataOffset+len(comp0):], comp1)

	return buf, uncompressedSize
}

func bundlefmt_pack(size, alignment uint32) uint32 { return uint32(bundlefmt.PackSAA(size, alignment)) }

func TestIntactBnd2V2RoundTrip(t *testing.T) {
	bundleBytes, uncompressedSize := buildBnd2V2(t)

	const base = 0x2000
	image := make([]byte, base+len(bundleBytes))
	copy(image[base:], bundleBytes)

	c := bundlefmt.Candidate{
		Info: bundlefmt.FileInfo{Pos: []uint64{base}, Sz: []uint64{0}},
		Header: bundlefmt.Header{
			Magic:    bundlefmt.MagicBnd2,
			Version:  2,
			Platform: bundlefmt.PlatformPC,
		},
	}

	if err := Read(image, &c); err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if len(c.Resources) != 2 {
		t.Fatalf("len(Resources) = %d, want 2", len(c.Resources))
	}

	validator.Validate(image, &c, 2048)

	if c.Corruption != bundlefmt.Intact {
		t.Fatalf("Corruption = %v, want Intact (fail offset %#x)", c.Corruption, c.FailOffset)
	}
	if uncompressedSize != 0x100 {
		t.Fatalf("test fixture uncompressedSize = %#x, want 0x100", uncompressedSize)
	}
	if c.Info.Sz[0] != uint64(len(bundleBytes)) {
		t.Fatalf("Sz[0] = %#x, want %#x", c.Info.Sz[0], len(bundleBytes))
	}
}

// putSizeAlignment writes a bndl (size,alignment) pair at off.
func putSizeAlignment(b []byte, off int, size, alignment uint32) {
	putU32(b, off, size)
	putU32(b, off+4, alignment)
}

// xorshiftBytes fills n bytes with a deterministic high-entropy sequence,
// so the zlib payload in bndl fixtures stays close to its uncompressed
// size instead of compressing down to a few bytes.
func xorshiftBytes(n int) []byte {
	out := make([]byte, n)
	state := uint32(0x9E3779B9)
	for i := range out {
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		out[i] = byte(state)
	}
	return out
}

// buildBndlV4 builds a single intact bndl v4 bundle (spec.md §8 scenario 4's
// family): one chunk holding one compressed resource, flags=0x01, no debug
// data or import table. Layout: header(0x68) | resourceIds(8) |
// entries(0x70) | compressionInfo(0x28) | compressed resource data.
func buildBndlV4(t *testing.T) (bundleBytes []byte, dataOffset int, compLen int, uncompressedSize int) {
	t.Helper()
	const headerLen = 0x68
	const idsOffset = headerLen
	const entriesOffset = idsOffset + 8
	const entrySize = 0x70
	const compInfoOffset = entriesOffset + entrySize
	const compInfoRecSize = 0x28
	dataOffset = compInfoOffset + compInfoRecSize

	uncompressedSize = 256
	payload := xorshiftBytes(uncompressedSize)
	compressed := zlibCompress(t, payload)
	compLen = len(compressed)

	chunkSize := uint32(dataOffset + compLen)
	bundleLen := dataOffset + compLen
	buf := make([]byte, bundleLen)

	copy(buf[0:4], "bndl")
	putU32(buf, 4, 4) // version

	putU32(buf, 8, 1) // resourceEntriesCount
	putSizeAlignment(buf, 12, chunkSize, 1) // chunks[0]
	// chunks[1..4] left zero
	// chunkMemAddr[0..4] left zero (offsets 52..72)
	putU32(buf, 72, idsOffset)      // resourceIdsOffset
	putU32(buf, 76, entriesOffset)  // resourceEntriesOffset
	putU32(buf, 80, 0)              // importsOffset
	putU32(buf, 84, 0)              // resourceDataOffset0
	putU32(buf, 88, 0)              // platform
	putU32(buf, 92, 1)              // flags: compressed
	putU32(buf, 96, 1)              // numCompressedResources
	putU32(buf, 100, compInfoOffset)

	putU64(buf, idsOffset, 7) // resourceId

	e := entriesOffset
	putU32(buf, e+0, 0)    // resourceDataMemAddr
	putU32(buf, e+4, 0)    // importOffset
	putU32(buf, e+8, 0x10) // resourceTypeId
	putSizeAlignment(buf, e+12, uint32(compLen), 1) // bndlSaaOnDisk[0]
	putSizeAlignment(buf, e+52, uint32(dataOffset), 0) // bndlDiskOffset[0]
	// memAddr[0..4] left zero (e+92..e+112)

	putSizeAlignment(buf, compInfoOffset, uint32(uncompressedSize), 1) // compressionInfo[0]

	copy(buf[dataOffset:], compressed)

	return buf, dataOffset, compLen, uncompressedSize
}

func TestIntactBndlV4RoundTrip(t *testing.T) {
	bundleBytes, _, _, _ := buildBndlV4(t)

	const base = 0x4000
	image := make([]byte, base+len(bundleBytes))
	copy(image[base:], bundleBytes)

	c := bundlefmt.Candidate{
		Info: bundlefmt.FileInfo{Pos: []uint64{base}, Sz: []uint64{0}},
		Header: bundlefmt.Header{
			Magic:    bundlefmt.MagicBndl,
			Version:  4,
			Platform: bundlefmt.PlatformPC,
		},
	}

	if err := Read(image, &c); err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if len(c.Resources) != 1 {
		t.Fatalf("len(Resources) = %d, want 1", len(c.Resources))
	}
	if c.Resources[0].ResourceId != 7 {
		t.Fatalf("ResourceId = %d, want 7", c.Resources[0].ResourceId)
	}

	validator.Validate(image, &c, 2048)

	if c.Corruption != bundlefmt.Intact {
		t.Fatalf("Corruption = %v, want Intact (fail offset %#x)", c.Corruption, c.FailOffset)
	}
	if c.Info.Sz[0] != uint64(len(bundleBytes)) {
		t.Fatalf("Sz[0] = %#x, want %#x", c.Info.Sz[0], len(bundleBytes))
	}
}

// TestBndlV4OneByteFlipClassifiesZlibData covers spec.md §8 scenario 4: a
// bndl v4 bundle compressed with a one-byte flip inside the first
// resource's zlib stream classifies as ZlibData.
func TestBndlV4OneByteFlipClassifiesZlibData(t *testing.T) {
	bundleBytes, dataOffset, compLen, _ := buildBndlV4(t)
	if compLen < 8 {
		t.Fatalf("compLen = %d, fixture too small to flip", compLen)
	}
	bundleBytes[dataOffset+4] ^= 0xFF

	const base = 0
	image := bundleBytes
	c := bundlefmt.Candidate{
		Info: bundlefmt.FileInfo{Pos: []uint64{base}, Sz: []uint64{0}},
		Header: bundlefmt.Header{
			Magic:    bundlefmt.MagicBndl,
			Version:  4,
			Platform: bundlefmt.PlatformPC,
		},
	}
	if err := Read(image, &c); err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	validator.Validate(image, &c, 2048)
	if c.Corruption != bundlefmt.ZlibData {
		t.Fatalf("Corruption = %v, want ZlibData (fail offset %#x)", c.Corruption, c.FailOffset)
	}
}

func TestUncompressedBnd2V2ClassifiesUncompressed(t *testing.T) {
	bundleBytes, _ := buildBnd2V2(t)
	// clear the compressed flag
	putU32(bundleBytes, 8, 0)

	const base = 0
	image := bundleBytes
	c := bundlefmt.Candidate{
		Info: bundlefmt.FileInfo{Pos: []uint64{base}, Sz: []uint64{0}},
		Header: bundlefmt.Header{
			Magic:    bundlefmt.MagicBnd2,
			Version:  2,
			Platform: bundlefmt.PlatformPC,
		},
	}
	if err := Read(image, &c); err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	validator.Validate(image, &c, 2048)
	if c.Corruption != bundlefmt.Uncompressed {
		t.Fatalf("Corruption = %v, want Uncompressed", c.Corruption)
	}
}
