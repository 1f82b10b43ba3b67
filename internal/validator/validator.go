// Package validator walks a candidate's sections in a fixed order and
// classifies its structural health into exactly one CorruptionType,
// recording the byte offset of the first section that could not be
// proven valid (§4.5).
package validator

import (
	"encoding/xml"
	"io"
	"strings"

	"github.com/deploymenttheory/bundle-recovery/internal/bundlefmt"
	"github.com/deploymenttheory/bundle-recovery/internal/cursor"
	"github.com/deploymenttheory/bundle-recovery/internal/oracle"
)

// maxResourceTypeIdV2V3 and maxResourceTypeIdV5 bound resourceTypeId
// (B3: 0x11004 passes, 0x11005 fails, for v2/v3).
const (
	maxResourceTypeIdV2V3 = 0x11004
	maxResourceTypeIdV5   = 0x701
	maxChunkSize          = 0x800000
	maxImportCount        = 0x3DB
	maxImportOffset       = 0x4A0DC
)

// Validate runs the fixed check order against c, mutating c.Corruption and
// c.FailOffset, and (for bndl) c.Imports. image is the full byte source;
// interval is the scan/alignment grain used by the debug-data masking
// compensation.
func Validate(image []byte, c *bundlefmt.Candidate, interval uint64) {
	c.Corruption = bundlefmt.Intact
	c.FailOffset = 0

	if c.Header.Magic == bundlefmt.MagicBnd2 && c.Header.Version == 2 && c.Header.Flags&8 != 0 {
		if pos, bad := validateDebugData(c); bad {
			c.Corruption = bundlefmt.DebugData
			c.FailOffset = pos
			return
		}
	}

	if c.Header.Magic == bundlefmt.MagicBndl {
		if pos, bad := validateResourceIds(c); bad {
			c.Corruption = bundlefmt.ResourceId
			c.FailOffset = pos
			return
		}
	}

	if pos, bad := validateResourceEntries(c); bad {
		c.Corruption = bundlefmt.ResourceEntries
		c.FailOffset = pos
		return
	}

	if c.Header.Magic == bundlefmt.MagicBndl && c.Header.Flags&1 != 0 {
		if pos, bad := validateCompressionInfo(c); bad {
			c.Corruption = bundlefmt.ResourceCompressionInfo
			c.FailOffset = pos
			return
		}
	}

	if c.Header.Magic == bundlefmt.MagicBndl {
		readImports(image, c)
		if pos, bad := validateImports(c); bad {
			c.Corruption = bundlefmt.ResourceImports
			c.FailOffset = pos
			return
		}
	}

	// size assignment
	size := bundlefmt.BundleSize(c.Header, c.Resources)
	if len(c.Info.Sz) == 0 {
		c.Info.Sz = []uint64{0}
	}
	c.Info.Sz[0] = size

	if c.Header.Flags&1 == 0 {
		c.Corruption = bundlefmt.Uncompressed
		return
	}

	if pos, bad := validateCompressedResources(image, c, interval); bad {
		c.Corruption = bundlefmt.ZlibData
		c.FailOffset = pos
		return
	}

	c.Corruption = bundlefmt.Intact
}

// validateDebugData parses c.DebugData as XML and returns the first
// tokeniser error position, aligned up to 16, with the 16 KiB masking
// compensation from §4.5 step 1.
func validateDebugData(c *bundlefmt.Candidate) (uint64, bool) {
	dec := xml.NewDecoder(strings.NewReader(c.DebugData))
	var failOff int64 = -1
	for {
		off := dec.InputOffset()
		_, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			failOff = off
			break
		}
	}
	if failOff < 0 {
		return 0, false
	}

	pos := uint64(failOff)
	pos = (pos + 15) &^ 15 // align up to 16

	debugStart := uint64(c.Header.Bnd2.DebugDataOffset)
	abs := debugStart + pos
	if abs > 0x4000 && abs&0xFFF != 0 {
		abs &^= 0x3FFF
	}
	return abs, true
}

// validateResourceIds checks I-bnd-independent bndl resource ids (§4.5
// step 2): any resourceId > 0xFFFFFFFF fails.
func validateResourceIds(c *bundlefmt.Candidate) (uint64, bool) {
	base := uint64(c.Header.Bndl.ResourceIdsOffset)
	for i, r := range c.Resources {
		if r.ResourceId > 0xFFFFFFFF {
			return base + uint64(i)*8, true
		}
	}
	return 0, false
}

// validateResourceEntries checks §4.5 step 3, per family.
func validateResourceEntries(c *bundlefmt.Candidate) (uint64, bool) {
	if c.Header.Magic == bundlefmt.MagicBndl {
		return validateBndlEntries(c)
	}
	return validateBnd2Entries(c)
}

func validateBndlEntries(c *bundlefmt.Candidate) (uint64, bool) {
	h := c.Header.Bndl
	entryBase := uint64(h.ResourceEntriesOffset)
	entrySize := uint64(bundlefmt.ResourceEntrySize(bundlefmt.MagicBndl, c.Header.Version))

	for i, r := range c.Resources {
		if r.ResourceTypeId > maxResourceTypeIdV2V3 {
			return entryBase + uint64(i)*entrySize, true
		}
		for j := 0; j < 5; j++ {
			saa := r.BndlSaaOnDisk[j]
			if saa.Size == 0 {
				continue // B4: skipped in every per-chunk check
			}
			if saa.Size > maxChunkSize {
				return entryBase + uint64(i)*entrySize, true
			}
			chunkSize := h.Chunks[j].Size
			if uint64(r.BndlDiskOffset[j].Size)+uint64(saa.Size) > uint64(chunkSize) {
				return entryBase + uint64(i)*entrySize, true
			}
		}
	}
	return 0, false
}

func validateBnd2Entries(c *bundlefmt.Candidate) (uint64, bool) {
	h := c.Header.Bnd2
	entryBase := uint64(h.ResourceEntriesOffset)
	entrySize := uint64(bundlefmt.ResourceEntrySize(bundlefmt.MagicBnd2, c.Header.Version))
	maxTypeId := uint32(maxResourceTypeIdV2V3)
	if c.Header.Version == 5 {
		maxTypeId = maxResourceTypeIdV5
	}

	var prevId uint64
	for i, r := range c.Resources {
		off := entryBase + uint64(i)*entrySize

		if c.Header.Version == 2 {
			if r.ResourceId > 0xFFFFFFFF || r.ImportHash > 0xFFFFFFFF {
				return off, true
			}
			if i > 0 && r.ResourceId < prevId {
				return off, true // I3: sorted ascending
			}
			prevId = r.ResourceId
		} else {
			tag := byte(r.ResourceId >> 56)
			switch tag {
			case 0x00, 0x01, 0x80, 0xC0:
				// permitted tags; low 56 bits carry the id payload, no
				// further range constraint beyond fitting in 56 bits
				// (guaranteed by the field width itself).
			default:
				return off, true
			}
		}

		if r.ResourceTypeId > maxTypeId {
			return off, true
		}

		chunkCount := bundlefmt.ChunkCount(bundlefmt.MagicBnd2, c.Header.Version)
		for j := 0; j < chunkCount; j++ {
			saa := r.SaaOnDisk[j]
			if saa.Size() == 0 {
				continue // B4
			}
			u := r.UncompressedSaa[j].Size()
			comp := saa.Size()
			if uint64(u)+13 < uint64(comp) {
				return off, true // I5
			}
			if j < chunkCount-1 {
				boundary := uint64(h.ResourceDataOffset[j]) + r.DiskOffset[j] + uint64(comp)
				if boundary > uint64(h.ResourceDataOffset[j+1]) {
					return off, true // I4
				}
			}
		}
	}
	return 0, false
}

// validateCompressionInfo checks §4.5 step 4 (bndl v4+ with flags&1).
func validateCompressionInfo(c *bundlefmt.Candidate) (uint64, bool) {
	base := uint64(c.Header.Bndl.CompressionInfoOffset)
	for i, r := range c.Resources {
		for j, ci := range r.CompressionInfo {
			if ci.Size == 0 {
				continue
			}
			if ci.Size > maxChunkSize {
				return base + uint64(i)*0x28 + uint64(j)*8, true
			}
			comp := r.BndlSaaOnDisk[j].Size
			if uint64(ci.Size)+13 < uint64(comp) {
				return base + uint64(i)*0x28 + uint64(j)*8, true
			}
		}
	}
	return 0, false
}

// readImports reads the import table for each bndl resource using the
// already-trusted entry table, per §4.4's deferral policy.
func readImports(image []byte, c *bundlefmt.Candidate) {
	c.Imports = make([][]bundlefmt.ImportEntry, len(c.Resources))
	base := c.Info.Pos[0]

	for i, r := range c.Resources {
		if r.ImportOffset == 0 {
			continue
		}
		headerStart := base + uint64(r.ImportOffset)
		if headerStart+8 > uint64(len(image)) {
			continue
		}
		cur := cursorFor(image[headerStart:headerStart+8], c.Header.Platform)
		count := cur.U32()
		cur.Skip(4) // pad
		c.Resources[i].ImportCount = uint16(min(count, 0xFFFF))

		entriesStart := headerStart + 8
		entriesEnd := entriesStart + uint64(count)*16
		if entriesEnd > uint64(len(image)) {
			continue
		}
		entries := make([]bundlefmt.ImportEntry, count)
		ecur := cursorFor(image[entriesStart:entriesEnd], c.Header.Platform)
		for j := range entries {
			entries[j].ResourceId = ecur.U64()
			entries[j].Offset = ecur.U32()
			ecur.Skip(4)
		}
		c.Imports[i] = entries
	}
}

func cursorFor(buf []byte, platform bundlefmt.Platform) *cursor.Cursor {
	if platform == bundlefmt.PlatformConsole {
		return cursor.BigEndian(buf)
	}
	return cursor.LittleEndian(buf)
}

// validateImports checks §4.5 step 5.
func validateImports(c *bundlefmt.Candidate) (uint64, bool) {
	for i, r := range c.Resources {
		if r.ImportCount > maxImportCount {
			return uint64(r.ImportOffset), true
		}
		for _, imp := range c.Imports[i] {
			if imp.Offset > maxImportOffset {
				return uint64(r.ImportOffset), true
			}
			if imp.ResourceId > 0xFFFFFFFF {
				return uint64(r.ImportOffset), true
			}
		}
	}
	return 0, false
}

// validateCompressedResources runs the compression oracle over every
// non-empty compressed resource (§4.5 step 7), returning the first fail
// position via the fast-reject scan, falling back to BytesRead.
func validateCompressedResources(image []byte, c *bundlefmt.Candidate, interval uint64) (uint64, bool) {
	base := c.Info.Pos[0]
	chunkOffsets := chunkBaseOffsets(c.Header)
	bndl := c.Header.Magic == bundlefmt.MagicBndl

	for _, r := range c.Resources {
		chunkCount := len(r.SaaOnDisk)
		if bndl {
			chunkCount = len(r.BndlSaaOnDisk)
		}
		for j := 0; j < chunkCount; j++ {
			comp := chunkCompSize(r, bndl, j)
			if comp == 0 {
				continue // B4
			}
			uncompressed := uncompressedSize(c.Header, r, j)
			start := base + chunkOffsets[j] + chunkDiskOffset(r, bndl, j)
			if start+uint64(comp) > uint64(len(image)) {
				return start - base, true
			}
			buf := image[start : start+uint64(comp)]
			if oracle.Verify(buf, int(uncompressed)) {
				continue
			}

			if pos, ok := oracle.FastRejectFailPos(image, start, uint64(comp), interval); ok {
				return pos - base, true
			}
			consumed := oracle.BytesRead(buf, int(uncompressed))
			return start + uint64(consumed) - base, true
		}
	}
	return 0, false
}

func chunkBaseOffsets(h bundlefmt.Header) []uint64 {
	if h.Bndl != nil {
		out := make([]uint64, 5)
		return out // bndl resource diskOffset is chunk-relative to 0 by convention
	}
	out := make([]uint64, len(h.Bnd2.ResourceDataOffset))
	for i, v := range h.Bnd2.ResourceDataOffset {
		out[i] = uint64(v)
	}
	return out
}

// chunkCompSize returns a chunk's on-disk compressed size, reading from
// whichever family's saaOnDisk representation the entry actually carries.
func chunkCompSize(r bundlefmt.ResourceEntry, bndl bool, chunk int) uint32 {
	if bndl {
		return r.BndlSaaOnDisk[chunk].Size
	}
	return r.SaaOnDisk[chunk].Size()
}

// chunkDiskOffset returns a chunk's on-disk byte offset within its chunk,
// per family.
func chunkDiskOffset(r bundlefmt.ResourceEntry, bndl bool, chunk int) uint64 {
	if bndl {
		return uint64(r.BndlDiskOffset[chunk].Size)
	}
	return r.DiskOffset[chunk]
}

func uncompressedSize(h bundlefmt.Header, r bundlefmt.ResourceEntry, chunk int) uint32 {
	if h.Bndl != nil {
		if chunk < len(r.CompressionInfo) {
			return r.CompressionInfo[chunk].Size
		}
		return 0
	}
	if chunk < len(r.UncompressedSaa) {
		return r.UncompressedSaa[chunk].Size()
	}
	return 0
}
