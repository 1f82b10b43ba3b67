package validator

import (
	"testing"

	"github.com/deploymenttheory/bundle-recovery/internal/bundlefmt"
)

func bnd2CandidateV2(resources []bundlefmt.ResourceEntry) *bundlefmt.Candidate {
	return &bundlefmt.Candidate{
		Info: bundlefmt.FileInfo{Pos: []uint64{0}, Sz: []uint64{0}},
		Header: bundlefmt.Header{
			Magic:    bundlefmt.MagicBnd2,
			Version:  2,
			Platform: bundlefmt.PlatformPC,
			Flags:    0, // uncompressed: stop before the zlib oracle
			Bnd2: &bundlefmt.Bnd2Header{
				ResourceEntriesOffset: 0x28,
				ResourceDataOffset:    []uint32{0x100, 0x100, 0x100},
			},
		},
		Resources: resources,
	}
}

func entry(id uint64, typeId uint32) bundlefmt.ResourceEntry {
	return bundlefmt.ResourceEntry{
		ResourceId:      id,
		UncompressedSaa: []bundlefmt.SAA{0, 0, 0},
		SaaOnDisk:       []bundlefmt.SAA{0, 0, 0},
		DiskOffset:      []uint64{0, 0, 0},
		ResourceTypeId:  typeId,
	}
}

func TestValidateRejectsUnsortedResourceIds(t *testing.T) {
	c := bnd2CandidateV2([]bundlefmt.ResourceEntry{entry(5, 0x10), entry(3, 0x10)})
	Validate(nil, c, 2048)
	if c.Corruption != bundlefmt.ResourceEntries {
		t.Fatalf("Corruption = %v, want ResourceEntries (I3: ids must be ascending)", c.Corruption)
	}
}

func TestValidateAcceptsSortedResourceIds(t *testing.T) {
	c := bnd2CandidateV2([]bundlefmt.ResourceEntry{entry(1, 0x10), entry(2, 0x10)})
	Validate(nil, c, 2048)
	if c.Corruption != bundlefmt.Uncompressed {
		t.Fatalf("Corruption = %v, want Uncompressed (flags&1==0 short-circuits before the zlib oracle)", c.Corruption)
	}
}

func TestValidateRejectsResourceTypeIdOverCeiling(t *testing.T) {
	c := bnd2CandidateV2([]bundlefmt.ResourceEntry{entry(1, maxResourceTypeIdV2V3+1)})
	Validate(nil, c, 2048)
	if c.Corruption != bundlefmt.ResourceEntries {
		t.Fatalf("Corruption = %v, want ResourceEntries (B3: typeId over ceiling)", c.Corruption)
	}
}

func TestValidateAcceptsResourceTypeIdAtCeiling(t *testing.T) {
	c := bnd2CandidateV2([]bundlefmt.ResourceEntry{entry(1, maxResourceTypeIdV2V3)})
	Validate(nil, c, 2048)
	if c.Corruption != bundlefmt.Uncompressed {
		t.Fatalf("Corruption = %v, want Uncompressed (B3: typeId at ceiling is still valid)", c.Corruption)
	}
}

func TestValidateSkipsZeroSizedChunks(t *testing.T) {
	// every SaaOnDisk entry is zero: B4 says these are skipped entirely,
	// never treated as an out-of-bounds chunk.
	c := bnd2CandidateV2([]bundlefmt.ResourceEntry{entry(1, 0x10)})
	Validate(nil, c, 2048)
	if c.Corruption != bundlefmt.Uncompressed {
		t.Fatalf("Corruption = %v, want Uncompressed", c.Corruption)
	}
}
