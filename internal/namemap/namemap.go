// Package namemap implements the rename-by-known-ids lookup the
// extractor consults: a line-oriented rule file of
// "<filename>|<id>[,<id>...]" entries, each id CRC32-hashed for
// comparison against a bundle's observed resourceIds. The original
// source leaves this step a stub (TODO: Renamer); this package gives it
// the mapping semantics spec.md defines.
package namemap

import (
	"bufio"
	"hash/crc32"
	"io"
	"strings"
)

// Rule is one parsed mapping line.
type Rule struct {
	Filename string
	Ids      map[uint32]struct{}
}

// Map is a parsed rule set, checked in file order.
type Map struct {
	rules []Rule
}

// Parse reads rule lines of the form "<filename>|<id>[,<id>...]". Blank
// lines and lines starting with '#' are ignored. Each id is hashed with
// CRC32-IEEE before comparison, since the source identifies resources by
// the CRC32 of their textual name, not the name itself.
func Parse(r io.Reader) (*Map, error) {
	m := &Map{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "|", 2)
		if len(parts) != 2 {
			continue
		}
		rule := Rule{Filename: strings.TrimSpace(parts[0]), Ids: make(map[uint32]struct{})}
		for _, idStr := range strings.Split(parts[1], ",") {
			idStr = strings.TrimSpace(idStr)
			if idStr == "" {
				continue
			}
			rule.Ids[HashId(idStr)] = struct{}{}
		}
		m.rules = append(m.rules, rule)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// HashId computes the CRC32-IEEE digest of a textual resource identifier.
func HashId(id string) uint32 {
	return crc32.ChecksumIEEE([]byte(id))
}

// Lookup returns the first rule whose id set is a subset of observed, and
// true if one was found.
func (m *Map) Lookup(observed map[uint64]struct{}) (string, bool) {
	for _, rule := range m.rules {
		if isSubset(rule.Ids, observed) {
			return rule.Filename, true
		}
	}
	return "", false
}

func isSubset(want map[uint32]struct{}, observed map[uint64]struct{}) bool {
	if len(want) == 0 {
		return false
	}
	for id := range want {
		if _, ok := observed[uint64(id)]; !ok {
			return false
		}
	}
	return true
}
