// Package extractor concatenates a candidate's known fragments into an
// output file named by its corruption class and, optionally, a name
// lookup (§4.7).
package extractor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/deploymenttheory/bundle-recovery/internal/bundlefmt"
	"github.com/deploymenttheory/bundle-recovery/internal/logger"
	"github.com/deploymenttheory/bundle-recovery/internal/namemap"
)

// Extract reads c's fragments from image in order and writes them to
// outDir under a name derived from its CorruptionType, optionally
// overridden by names.
func Extract(image []byte, c bundlefmt.Candidate, outDir string, names *namemap.Map) (string, error) {
	var data []byte
	for i, pos := range c.Info.Pos {
		sz := c.Info.Sz[i]
		if pos+sz > uint64(len(image)) {
			return "", fmt.Errorf("extractor: fragment [0x%X,+0x%X) overruns image", pos, sz)
		}
		data = append(data, image[pos:pos+sz]...)
	}

	name := bundleName(c, names)
	outPath := filepath.Join(outDir, name)
	if err := os.WriteFile(outPath, data, 0644); err != nil {
		return "", fmt.Errorf("extractor: write %s: %w", outPath, err)
	}
	logger.Stagef(logger.StageExtract, "wrote %s", filepath.Base(outPath))
	return outPath, nil
}

// bundleName builds the output filename: <prefix><hex pos[0]>, renamed if
// names has a matching rule, with a .BNDL extension appended when the
// resulting name has no '.'.
func bundleName(c bundlefmt.Candidate, names *namemap.Map) string {
	name := fmt.Sprintf("%s%X", c.Corruption.Prefix(), c.Info.Pos[0])

	if names != nil {
		observed := make(map[uint64]struct{}, len(c.Resources))
		for _, r := range c.Resources {
			observed[r.ResourceId] = struct{}{}
		}
		if renamed, ok := names.Lookup(observed); ok {
			name = renamed
		}
	}

	if !strings.Contains(name, ".") {
		name += ".BNDL"
	}
	return name
}
