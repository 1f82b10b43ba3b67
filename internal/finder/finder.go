// Package finder scans a raw disk image at a fixed alignment looking for
// candidate bundle headers, emitting (offset, magic, version) stubs for
// the reader stage to fill in.
package finder

import (
	"encoding/binary"
	"sort"

	"github.com/deploymenttheory/bundle-recovery/internal/bundlefmt"
	"github.com/deploymenttheory/bundle-recovery/internal/logger"
)

// Options configures one finder pass.
type Options struct {
	Start        uint64
	End          uint64
	Interval     uint64
	Platform     bundlefmt.Platform
	VersionLimit int // 0 = accept any version in [1,5]
}

// byteOrder returns the configured endianness: console platforms are
// big-endian, PC is little-endian (§6).
func (o Options) byteOrder() binary.ByteOrder {
	if o.Platform == bundlefmt.PlatformConsole {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Scan walks image[opts.Start:opts.End) at opts.Interval granularity and
// returns every candidate whose magic is "bndl" or "bnd2" and whose
// version lies in [1,5] (and matches VersionLimit, if set). The caller is
// expected to fan this out across worker goroutines over disjoint byte
// ranges and merge the results; Scan itself is single-threaded and
// allocation-free beyond its own result slice, matching the design note
// that replaced the original's lock-guarded global vectors with
// per-worker local accumulators merged at the stage barrier.
func Scan(image []byte, opts Options) []bundlefmt.Candidate {
	order := opts.byteOrder()
	end := opts.End
	if end > uint64(len(image)) {
		end = uint64(len(image))
	}

	var out []bundlefmt.Candidate
	offset := bundlefmt.AlignUp(opts.Start, opts.Interval)
	if opts.Interval == 0 {
		offset = opts.Start
	}

	for offset+8 <= end {
		if offset&0xFFFFFFF == 0 {
			logger.StageDebugf(logger.StageFinder, "scanning offset 0x%X", offset)
		}
		magicBytes := image[offset : offset+4]
		magic := bundlefmt.Magic(magicBytes)
		if magic != bundlefmt.MagicBndl && magic != bundlefmt.MagicBnd2 {
			offset = advance(offset, opts.Interval)
			continue
		}

		rawVersion := order.Uint32(image[offset+4 : offset+8])
		version, ok := normalizeVersion(magic, rawVersion, order)
		if !ok {
			offset = advance(offset, opts.Interval)
			continue
		}
		if opts.VersionLimit != 0 && version != opts.VersionLimit {
			offset = advance(offset, opts.Interval)
			continue
		}

		out = append(out, bundlefmt.Candidate{
			Info: bundlefmt.FileInfo{Pos: []uint64{offset}, Sz: []uint64{0}},
			Header: bundlefmt.Header{
				Magic:    magic,
				Version:  version,
				Platform: opts.Platform,
			},
		})

		offset = advance(offset, opts.Interval)
	}

	return out
}

func advance(offset, interval uint64) uint64 {
	if interval == 0 {
		return offset + 1
	}
	return offset + interval
}

// normalizeVersion applies B2: for bnd2, version 5 is encoded as a packed
// 16-bit (version,platform) pair whose raw u32 forms are 0x00010005 (PC)
// and 0x00050002/0x00050003 (console); all three normalise to logical
// version 5. Any other u32 whose low 16 bits exceed 5 is rejected.
func normalizeVersion(magic bundlefmt.Magic, raw uint32, order binary.ByteOrder) (int, bool) {
	if magic == bundlefmt.MagicBnd2 {
		switch raw {
		case 0x00010005, 0x00050002, 0x00050003:
			return 5, true
		}
	}

	low := raw & 0xFFFF
	if low < 1 || low > 5 {
		return 0, false
	}
	return int(low), true
}

// SortByOffset orders candidates by their first fragment's position
// ascending (P5), mirroring BundleRecovery::sortBundles.
func SortByOffset(candidates []bundlefmt.Candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Info.Pos[0] < candidates[j].Info.Pos[0]
	})
}
