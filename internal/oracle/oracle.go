// Package oracle answers two questions about a zlib-compressed resource
// byte range with a declared uncompressed length: does it fully decode,
// and how many input bytes were consumed before it stopped. It is the
// acceptance test the validator and defragmenter both drive.
package oracle

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zlib"
)

// ZlibHeader is the two-byte magic every compressed resource must begin
// with: zlib's default-compression, no-preset-dictionary header.
var ZlibHeader = [2]byte{0x78, 0xDA}

// Sentinels are aligned 32-bit words that are statistically impossible
// inside a genuine compressed stream; seeing one while stepping forward
// flags the start of a neighbouring artefact in the image rather than a
// continuation of the current resource.
var sentinelWords = [][4]byte{
	{'b', 'n', 'd', '2'},
	{'b', 'n', 'd', 'l'},
	{'<', '?', 'x', 'm'},
}

const sentinelMagic = 0x126AF046

// Verify fully decodes buf as a zlib stream into a scratch buffer of
// exactly wantSize bytes, returning true iff the decoder reports success
// and produced exactly that many bytes.
func Verify(buf []byte, wantSize int) bool {
	r, err := zlib.NewReader(bytes.NewReader(buf))
	if err != nil {
		return false
	}
	defer r.Close()

	scratch := make([]byte, wantSize)
	n, err := io.ReadFull(r, scratch)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return false
	}
	if n != wantSize {
		return false
	}
	// confirm the stream doesn't have unexpected trailing payload
	var extra [1]byte
	if _, err := r.Read(extra[:]); err != io.EOF {
		return false
	}
	return true
}

// countingReader tracks how many bytes were pulled from the underlying
// reader, mirroring the teacher's countReader wrapper around io.CopyN.
type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

// BytesRead runs a streaming inflate up to wantSize output bytes or until
// error, returning the total compressed input bytes consumed. This is
// documented as imprecise: stream errors may trail the true corruption
// point by some bytes, so callers must treat the result as an upper bound
// on the good prefix, never a byte-exact fault position.
func BytesRead(buf []byte, wantSize int) int {
	cr := &countingReader{r: bytes.NewReader(buf)}
	r, err := zlib.NewReader(cr)
	if err != nil {
		return cr.n
	}
	defer r.Close()

	io.CopyN(io.Discard, r, int64(wantSize))
	return cr.n
}

// FastRejectFailPos implements getCompressedResourcesFailPos's cheap first
// pass: the compressed range must start with the zlib header, and while
// stepping forward at interval granularity, any aligned sentinel word
// marks the failure offset. Returns (offset, true) on a fast-reject hit,
// or (0, false) if the fast checks found nothing (caller should fall back
// to BytesRead).
func FastRejectFailPos(image []byte, start uint64, length uint64, interval uint64) (uint64, bool) {
	if length < 2 || start+2 > uint64(len(image)) {
		return start, true
	}
	if image[start] != ZlibHeader[0] || image[start+1] != ZlibHeader[1] {
		return start, true
	}

	end := start + length
	if end > uint64(len(image)) {
		end = uint64(len(image))
	}
	for off := AlignUp(start, interval); off+4 <= end; off += interval {
		if off == start {
			continue
		}
		word := image[off : off+4]
		for _, s := range sentinelWords {
			if bytes.Equal(word, s[:]) {
				return off, true
			}
		}
		if binary.LittleEndian.Uint32(word) == sentinelMagic {
			return off, true
		}
		if binary.BigEndian.Uint32(word) == sentinelMagic {
			return off, true
		}
		if binary.LittleEndian.Uint32(word) == 0 {
			return off, true
		}
	}
	return 0, false
}

// AlignUp rounds v up to the next multiple of mult.
func AlignUp(v, mult uint64) uint64 {
	if mult == 0 || v%mult == 0 {
		return v
	}
	return v + (mult - v%mult)
}
