// Package reader parses a candidate's header, optional debug-data blob,
// resource-id table, resource-entry table, and compression-info table.
// Import-table reading is deferred to the validator, since it requires
// the entry table to already be trusted (§4.4).
package reader

import (
	"fmt"

	"github.com/deploymenttheory/bundle-recovery/internal/bundlefmt"
	"github.com/deploymenttheory/bundle-recovery/internal/cursor"
)

func byteOrderCursor(buf []byte, platform bundlefmt.Platform) *cursor.Cursor {
	if platform == bundlefmt.PlatformConsole {
		return cursor.BigEndian(buf)
	}
	return cursor.LittleEndian(buf)
}

// Read fills out c's header and tables from image, starting at
// c.Info.Pos[0]. It mutates c in place and returns an error when the
// (magic, version) pair has no header length, when the image is too short
// to hold the header, or when the resource entry table runs past the end
// of the image — Read fails fast rather than slicing out of bounds.
func Read(image []byte, c *bundlefmt.Candidate) error {
	base := c.Info.Pos[0]
	headerLen, err := bundlefmt.HeaderLength(c.Header.Magic, c.Header.Version)
	if err != nil {
		return err
	}
	if base+uint64(headerLen) > uint64(len(image)) {
		return fmt.Errorf("reader: header at 0x%X overruns image", base)
	}

	if err := readHeader(image[base:base+uint64(headerLen)], c); err != nil {
		return err
	}

	if c.Header.Magic == bundlefmt.MagicBnd2 && c.Header.Version == 2 && c.Header.Flags&8 != 0 {
		readDebugData(image, base, c)
	}

	if c.Header.Magic == bundlefmt.MagicBndl {
		readResourceIds(image, base, c)
	}

	if err := readResourceEntries(image, base, c); err != nil {
		return err
	}

	if c.Header.Magic == bundlefmt.MagicBndl && c.Header.Flags&1 != 0 && c.Header.Bndl.CompressionInfoOffset != 0 {
		readResourceCompressionInfo(image, base, c)
	}

	return nil
}

func readHeader(buf []byte, c *bundlefmt.Candidate) error {
	cur := byteOrderCursor(buf, c.Header.Platform)
	cur.Skip(4) // magic, already known
	cur.Skip(4) // version/platform word, already known

	if c.Header.Magic == bundlefmt.MagicBndl {
		return readBndlHeader(cur, c)
	}
	return readBnd2Header(cur, c)
}

// readBndlHeader follows Reader.cpp's readHeaders bndl branch field order:
// resourceEntriesCount first, then five (size,alignment) chunk
// descriptors (unpacked, unlike bnd2's packed SAA word), five chunk mem
// addresses, the three table offsets, resourceDataOffset[0] (aliasing the
// same on-disk slot bnd2 uses for its first chunk base), and platform.
// flags/numCompressedResources/compressionInfoOffset only exist on disk
// for version>=4; unk0/unk1 only for version==5.
func readBndlHeader(cur *cursor.Cursor, c *bundlefmt.Candidate) error {
	h := &bundlefmt.BndlHeader{}

	h.ResourceEntriesCount = cur.U32()
	for i := 0; i < 5; i++ {
		h.Chunks[i] = bundlefmt.SizeAlignment{Size: cur.U32(), Alignment: cur.U32()}
	}
	for i := 0; i < 5; i++ {
		h.ChunkMemAddr[i] = cur.U32()
	}
	h.ResourceIdsOffset = cur.U32()
	h.ResourceEntriesOffset = cur.U32()
	h.ImportsOffset = cur.U32()
	h.ResourceDataOffset0 = cur.U32()
	h.Platform = cur.U32()

	if c.Header.Version >= 4 && cur.Remaining() >= 4 {
		c.Header.Flags = cur.U32()
	}
	if c.Header.Version >= 4 && cur.Remaining() >= 8 {
		h.NumCompressedResources = cur.U32()
		h.CompressionInfoOffset = cur.U32()
	}
	if c.Header.Version == 5 && cur.Remaining() >= 8 {
		h.Unk0 = cur.U32()
		h.Unk1 = cur.U32()
	}

	c.Header.Bndl = h
	return nil
}

func readBnd2Header(cur *cursor.Cursor, c *bundlefmt.Candidate) error {
	h := &bundlefmt.Bnd2Header{}

	c.Header.Flags = cur.U32()
	h.DebugDataOffset = cur.U32()
	h.ResourceEntriesCount = cur.U32()
	h.ResourceEntriesOffset = cur.U32()

	chunkCount := bundlefmt.ChunkCount(bundlefmt.MagicBnd2, c.Header.Version)
	h.ResourceDataOffset = make([]uint32, chunkCount)
	for i := 0; i < chunkCount; i++ {
		h.ResourceDataOffset[i] = cur.U32()
	}

	if c.Header.Version == 5 {
		h.DefaultResourceId = cur.U64()
		h.DefaultStreamIndex = cur.U32()
		for i := 0; i < 4; i++ {
			h.StreamNames[i] = cur.Char(15)
		}
	}

	c.Header.Bnd2 = h
	return nil
}

// readDebugData reads the blob in [debugDataOffset, resourceEntriesOffset)
// and truncates at the first NUL (§4.4). Per the Design Notes, this is
// gated on version==2 && flags&8 only: the conservative reading of the
// source's own comment that v3/v5 store debug data elsewhere.
func readDebugData(image []byte, base uint64, c *bundlefmt.Candidate) {
	h := c.Header.Bnd2
	start := base + uint64(h.DebugDataOffset)
	end := base + uint64(h.ResourceEntriesOffset)
	if end > uint64(len(image)) || start > end {
		return
	}
	blob := image[start:end]
	for i, b := range blob {
		if b == 0 {
			blob = blob[:i]
			break
		}
	}
	c.DebugData = string(blob)
}

// readResourceIds reads the 8-byte resource-id table (bndl only).
func readResourceIds(image []byte, base uint64, c *bundlefmt.Candidate) {
	h := c.Header.Bndl
	count := int(h.ResourceEntriesCount)
	start := base + uint64(h.ResourceIdsOffset)
	end := start + uint64(count)*8
	if end > uint64(len(image)) {
		return
	}
	cur := byteOrderCursor(image[start:end], c.Header.Platform)
	ids := make([]uint64, count)
	for i := range ids {
		ids[i] = cur.U64()
	}
	// stash ids as resource entries' ResourceId field; entries aren't
	// populated yet, so allocate c.Resources here. readResourceEntries
	// keeps this slice when its length matches the entry count and fills
	// in the remaining fields.
	c.Resources = make([]bundlefmt.ResourceEntry, count)
	for i, id := range ids {
		c.Resources[i].ResourceId = id
	}
}

func readResourceEntries(image []byte, base uint64, c *bundlefmt.Candidate) error {
	entriesOffset := entriesOffset(c.Header)
	count := entriesCount(c.Header)
	entrySize := bundlefmt.ResourceEntrySize(c.Header.Magic, c.Header.Version)
	start := base + uint64(entriesOffset)
	end := start + uint64(count)*uint64(entrySize)
	if end > uint64(len(image)) {
		return fmt.Errorf("reader: resource entry table at 0x%X overruns image", start)
	}

	if c.Resources == nil || len(c.Resources) != int(count) {
		c.Resources = make([]bundlefmt.ResourceEntry, count)
	}

	for i := 0; i < int(count); i++ {
		entryBuf := image[start+uint64(i)*uint64(entrySize) : start+uint64(i+1)*uint64(entrySize)]
		cur := byteOrderCursor(entryBuf, c.Header.Platform)
		if c.Header.Magic == bundlefmt.MagicBndl {
			readBndlEntry(cur, &c.Resources[i])
		} else {
			readBnd2Entry(cur, c.Header.Version, &c.Resources[i])
		}
	}
	return nil
}

func entriesOffset(h bundlefmt.Header) uint32 {
	if h.Bndl != nil {
		return h.Bndl.ResourceEntriesOffset
	}
	return h.Bnd2.ResourceEntriesOffset
}

func entriesCount(h bundlefmt.Header) uint32 {
	if h.Bndl != nil {
		return h.Bndl.ResourceEntriesCount
	}
	return h.Bnd2.ResourceEntriesCount
}

// readBndlEntry follows Reader.cpp's readResourceEntries bndl branch:
// bndlSaaOnDisk and bndlDiskOffset are both five unpacked (size,alignment)
// pairs (40 bytes each), not the 20-byte packed-SAA arrays bnd2 uses.
// Total: 12 + 40 + 40 + 20 = 112 = 0x70, matching ResourceEntrySize(bndl).
func readBndlEntry(cur *cursor.Cursor, e *bundlefmt.ResourceEntry) {
	e.ResourceDataMemAddr = cur.U32()
	e.ImportOffset = cur.U32()
	e.ResourceTypeId = cur.U32()

	e.BndlSaaOnDisk = make([]bundlefmt.SizeAlignment, 5)
	for i := 0; i < 5; i++ {
		e.BndlSaaOnDisk[i] = bundlefmt.SizeAlignment{Size: cur.U32(), Alignment: cur.U32()}
	}
	e.BndlDiskOffset = make([]bundlefmt.SizeAlignment, 5)
	for i := 0; i < 5; i++ {
		e.BndlDiskOffset[i] = bundlefmt.SizeAlignment{Size: cur.U32(), Alignment: cur.U32()}
	}
	for i := 0; i < 5; i++ {
		e.MemAddr[i] = cur.U32()
	}
}

func readBnd2Entry(cur *cursor.Cursor, version int, e *bundlefmt.ResourceEntry) {
	e.ResourceId = cur.U64()
	if version <= 3 {
		e.ImportHash = cur.U64()
	}

	chunkCount := bundlefmt.ChunkCount(bundlefmt.MagicBnd2, version)
	e.UncompressedSaa = make([]bundlefmt.SAA, chunkCount)
	for i := 0; i < chunkCount; i++ {
		e.UncompressedSaa[i] = bundlefmt.SAA(cur.U32())
	}
	e.SaaOnDisk = make([]bundlefmt.SAA, chunkCount)
	for i := 0; i < chunkCount; i++ {
		e.SaaOnDisk[i] = bundlefmt.SAA(cur.U32())
	}
	e.DiskOffset = make([]uint64, chunkCount)
	for i := 0; i < chunkCount; i++ {
		e.DiskOffset[i] = uint64(cur.U32())
	}

	e.ImportOffset = cur.U32()
	e.ResourceTypeId = cur.U32()
	e.ImportCount = cur.U16()
	e.Flags = cur.U8()
	e.StreamIndex = cur.U8()

	if version == 3 {
		cur.Skip(4) // entry-size ambiguity: v3's declared 0x50 runs 4 bytes past its parsed fields
	}
	if version == 5 {
		cur.Skip(4)
	}
}

// readResourceCompressionInfo reads the 0x28-byte-per-entry table (bndl
// v4+ with flags&1) into each resource's CompressionInfo array.
func readResourceCompressionInfo(image []byte, base uint64, c *bundlefmt.Candidate) {
	h := c.Header.Bndl
	start := base + uint64(h.CompressionInfoOffset)
	count := int(h.NumCompressedResources)
	const recordSize = 0x28
	end := start + uint64(count)*recordSize
	if end > uint64(len(image)) || count > len(c.Resources) {
		return
	}
	for i := 0; i < count; i++ {
		recBuf := image[start+uint64(i)*recordSize : start+uint64(i+1)*recordSize]
		cur := byteOrderCursor(recBuf, c.Header.Platform)
		for j := 0; j < 5; j++ {
			c.Resources[i].CompressionInfo[j] = bundlefmt.SizeAlignment{Size: cur.U32(), Alignment: cur.U32()}
		}
	}
}
