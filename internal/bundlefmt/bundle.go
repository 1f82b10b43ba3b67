// Package bundlefmt describes the on-disk layout of Bundle container
// files: the two magic families ("bndl", "bnd2"), their version profiles,
// the packed size-and-alignment word, and the resource/import record
// shapes read out of them by the reader stage.
package bundlefmt

import "fmt"

// Magic identifies which container family a header belongs to.
type Magic string

const (
	MagicBndl Magic = "bndl"
	MagicBnd2 Magic = "bnd2"
)

// Platform selects the byte order a bundle was written in.
type Platform int

const (
	PlatformPC      Platform = iota // little-endian
	PlatformConsole                 // big-endian
)

// CorruptionType tags the structural health of a candidate bundle. The
// zero value is Intact: a freshly-found candidate is assumed healthy
// until the validator says otherwise.
type CorruptionType int

const (
	Intact CorruptionType = iota
	DebugData
	ResourceId
	ResourceEntries
	ResourceCompressionInfo
	ResourceImports
	ZlibData
	Uncompressed
	Unknown
)

func (c CorruptionType) String() string {
	switch c {
	case Intact:
		return "Intact"
	case DebugData:
		return "DebugData"
	case ResourceId:
		return "ResourceId"
	case ResourceEntries:
		return "ResourceEntries"
	case ResourceCompressionInfo:
		return "ResourceCompressionInfo"
	case ResourceImports:
		return "ResourceImports"
	case ZlibData:
		return "ZlibData"
	case Uncompressed:
		return "Uncompressed"
	default:
		return "Unknown"
	}
}

// Prefix is the extractor's output-filename prefix for this classification,
// per the original corruption-to-name mapping (Extractor.bundleName).
func (c CorruptionType) Prefix() string {
	switch c {
	case Intact:
		return ""
	case DebugData:
		return "corrupt-debug-data_"
	case ResourceId:
		return "corrupt-ids_"
	case ResourceEntries:
		return "corrupt-entries_"
	case ResourceCompressionInfo:
		return "corrupt-compression-info_"
	case ResourceImports:
		return "corrupt-imports" // source quirk: no trailing underscore
	case ZlibData:
		return "corrupt-data_"
	case Uncompressed:
		return "uncompressed_"
	default:
		return "unknown_"
	}
}

// SizeAlignment is the unpacked (size, alignment) pair used throughout the
// bndl family: unlike bnd2's packed SAA word, bndl stores size and
// alignment as two separate uint32 fields on disk (chunk descriptors,
// per-resource saaOnDisk/diskOffset, and the compression-info table).
type SizeAlignment struct {
	Size      uint32
	Alignment uint32
}

// SAA is a packed 32-bit (size, alignment) word: low 28 bits hold the size,
// high 4 bits hold log2(alignment). Used by bnd2 only.
type SAA uint32

// Size returns the size component of the packed word (I2).
func (w SAA) Size() uint32 { return uint32(w) & 0x0FFFFFFF }

// Alignment returns the alignment component of the packed word (I2).
func (w SAA) Alignment() uint32 { return 1 << ((uint32(w) >> 28) & 0xF) }

// PackSAA builds a packed word from a size and an alignment, the inverse
// of Size/Alignment (round-trip law P1). Alignment must be a power of two.
func PackSAA(size uint32, alignment uint32) SAA {
	log2 := uint32(0)
	for (uint32(1) << log2) < alignment {
		log2++
	}
	return SAA((log2&0xF)<<28 | (size & 0x0FFFFFFF))
}

// NearestMultiple rounds val to the nearest multiple of mult (not floor,
// not ceil) — ties round up. Mirrors BundleRecovery::nearestMultiple.
// The defragmenter does not call it and does not round fragment sizes to
// interval.
func NearestMultiple(val, mult uint64) uint64 {
	if mult == 0 {
		return val
	}
	half := mult / 2
	return ((val + half) / mult) * mult
}

// AlignUp rounds val up to the next multiple of mult.
func AlignUp(val, mult uint64) uint64 {
	if mult == 0 || val%mult == 0 {
		return val
	}
	return val + (mult - val%mult)
}

// AlignDown rounds val down to the previous multiple of mult.
func AlignDown(val, mult uint64) uint64 {
	if mult == 0 {
		return val
	}
	return val - (val % mult)
}

// Header is the sum type over the known version profiles, replacing the
// original's single struct with fields aliased across families. Exactly
// one of BndlHeader/Bnd2Header is populated.
type Header struct {
	Magic    Magic
	Version  int
	Platform Platform
	Flags    uint32

	Bndl *BndlHeader
	Bnd2 *Bnd2Header
}

// BndlHeader holds the fields meaningful to the bndl family (v1-v5), in
// the order they appear on disk (Reader.cpp's readBndlHeader).
type BndlHeader struct {
	ResourceEntriesCount  uint32
	Chunks                [5]SizeAlignment // size+alignment per chunk
	ChunkMemAddr          [5]uint32
	ResourceIdsOffset     uint32
	ResourceEntriesOffset uint32
	ImportsOffset         uint32
	ResourceDataOffset0   uint32 // aliases bnd2's resourceDataOffset[0] slot
	Platform              uint32

	NumCompressedResources uint32 // v4+
	CompressionInfoOffset  uint32 // v4+

	Unk0 uint32 // v5 only
	Unk1 uint32 // v5 only
}

// Bnd2Header holds the fields meaningful to the bnd2 family (v2,v3,v5).
type Bnd2Header struct {
	DebugDataOffset        uint32
	ResourceEntriesCount   uint32
	ResourceEntriesOffset  uint32
	ResourceDataOffset     []uint32 // 3 (v2), 4 (v3/v5) chunk base offsets
	DefaultResourceId      uint64   // v5 only
	DefaultStreamIndex     uint32   // v5 only
	StreamNames            [4]string // v5 only, 15 bytes each
	ResourceIdsOffset      uint32
	ImportsOffset          uint32
	NumCompressedResources uint32
	CompressionInfoOffset  uint32
}

// HeaderLength returns the byte length of the fixed header for a given
// (magic, version), per the §3 version profile table.
func HeaderLength(magic Magic, version int) (int, error) {
	switch magic {
	case MagicBndl:
		switch {
		case version >= 1 && version <= 3:
			return 0x5C, nil
		case version == 4:
			return 0x68, nil
		case version == 5:
			return 0x70, nil
		}
	case MagicBnd2:
		switch version {
		case 2:
			return 0x28, nil
		case 3:
			return 0x2C, nil
		case 5:
			return 0x70, nil
		}
	}
	return 0, fmt.Errorf("bundlefmt: no header length for %s v%d", magic, version)
}

// ChunkCount returns the number of resource-data chunks for a header, per
// BundleRecovery::GetChunkCount.
func ChunkCount(magic Magic, version int) int {
	if magic == MagicBndl {
		return 5
	}
	switch version {
	case 2:
		return 3
	default: // 3, 5
		return 4
	}
}

// ResourceEntrySize returns the byte size of one ResourceEntry record for
// a header, per BundleRecovery::ResourceEntrySize.
func ResourceEntrySize(magic Magic, version int) int {
	if magic == MagicBndl {
		return 0x70
	}
	switch version {
	case 2:
		return 0x40
	case 3:
		return 0x50
	default: // 5
		return 0x48
	}
}

// ResourceEntry is a single parsed record. It covers both families'
// fields in one struct (spec.md §3 already presents them side by side as
// one conceptual record); unused fields for a given family are left zero.
type ResourceEntry struct {
	// bnd2 fields
	ResourceId      uint64
	ImportHash      uint64 // v2/v3 only
	UncompressedSaa []SAA  // per chunk
	SaaOnDisk       []SAA  // per chunk
	DiskOffset      []uint64
	ImportOffset    uint32
	ResourceTypeId  uint32
	ImportCount     uint16 // packed with Flags/StreamIndex into one 4-byte field on disk
	Flags           uint8
	StreamIndex     uint8

	// bndl-only fields: saaOnDisk and diskOffset are both unpacked
	// (size, alignment) pairs on disk, not the packed SAA word bnd2 uses.
	ResourceDataMemAddr uint32
	BndlSaaOnDisk       []SizeAlignment // per chunk
	BndlDiskOffset      []SizeAlignment // per chunk
	MemAddr             [5]uint32
	CompressionInfo     [5]SizeAlignment
}

// ImportEntry is one import-table record (bndl only).
type ImportEntry struct {
	ResourceId uint64
	Offset     uint32
}

// FileInfo is the physical layout of one bundle on the image as
// reconstructed so far: an ordered sequence of fragments that concatenate
// to the logical bundle byte stream (I1).
type FileInfo struct {
	Pos []uint64
	Sz  []uint64
}

// TotalSize sums the fragment sizes.
func (f FileInfo) TotalSize() uint64 {
	var total uint64
	for _, sz := range f.Sz {
		total += sz
	}
	return total
}

// Candidate is one discovered bundle as it flows through the pipeline
// stages: Finder fills Info and Header's magic/version; Reader fills the
// header body plus tables; Validator sets Corruption and FailOffset;
// Defragmenter may extend Info and mutate Corruption.
type Candidate struct {
	Info       FileInfo
	Header     Header
	DebugData  string
	Resources  []ResourceEntry
	Imports    [][]ImportEntry // per-resource import lists
	Corruption CorruptionType
	FailOffset uint64
}
