package bundlefmt

// BundleSize computes a candidate's logical byte size from its header and
// resource table, per BundleRecovery::GetBundleSize: for bndl, the sum of
// chunk sizes; for bnd2, the end of the last non-empty resource in the
// last chunk, found by walking resources in reverse to skip trailing
// empty entries.
func BundleSize(h Header, resources []ResourceEntry) uint64 {
	if h.Bndl != nil {
		var total uint64
		for _, chunk := range h.Bndl.Chunks {
			total += uint64(chunk.Size)
		}
		return total
	}

	bnd2 := h.Bnd2
	if bnd2 == nil || len(bnd2.ResourceDataOffset) == 0 {
		return 0
	}
	lastChunk := len(bnd2.ResourceDataOffset) - 1
	base := uint64(bnd2.ResourceDataOffset[lastChunk])

	for i := len(resources) - 1; i >= 0; i-- {
		r := resources[i]
		if lastChunk >= len(r.SaaOnDisk) {
			continue
		}
		saa := r.SaaOnDisk[lastChunk]
		if saa.Size() == 0 {
			continue
		}
		return base + r.DiskOffset[lastChunk] + uint64(saa.Size())
	}
	return base
}
