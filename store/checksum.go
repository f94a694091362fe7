// Area integrity checksums.
//
// Every area header carries a 64-bit checksum of its payload so that a
// torn or bit-rotted write is caught on read rather than handed to a
// caller as live data. The algorithm is selectable per-Config, the same
// shape as a label-hashing selector would be, just pointed at area
// bytes instead of a string label.
package store

import (
	"hash/fnv"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Checksum algorithm constants.
const (
	ChecksumXXHash3 = 1 // Default, fastest
	ChecksumFNV1a   = 2 // No external dependencies
	ChecksumBlake2b = 3 // Best distribution
)

// checksum computes a 64-bit integrity checksum of buf using the given
// algorithm. Unknown algorithms fall back to XXHash3.
func checksum(buf []byte, alg int) uint64 {
	switch alg {
	case ChecksumFNV1a:
		h := fnv.New64a()
		h.Write(buf)
		return h.Sum64()
	case ChecksumBlake2b:
		h, _ := blake2b.New64(nil)
		h.Write(buf)
		return beUint64(h.Sum(nil))
	default:
		return xxh3.Hash(buf)
	}
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b[:8] {
		v = v<<8 | uint64(c)
	}
	return v
}
