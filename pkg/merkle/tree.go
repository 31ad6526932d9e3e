package merkle

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/shannynalayna/splinter/pkg/types"
)

// Node-type domain separators keep leaf and interior hashes from colliding.
const (
	tagLeaf     = 0x00
	tagInterior = 0x01
	tagEmpty    = 0x02
)

type leaf struct {
	key   []byte
	value []byte
}

// emptyRoot is the hash of a tree with no entries.
func emptyRoot() [sha256.Size]byte {
	return sha256.Sum256([]byte{tagEmpty})
}

func hashLeaf(key, value []byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte{tagLeaf})
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(key)))
	h.Write(n[:])
	h.Write(key)
	binary.LittleEndian.PutUint32(n[:], uint32(len(value)))
	h.Write(n[:])
	h.Write(value)
	var out [sha256.Size]byte
	h.Sum(out[:0])
	return out
}

func hashInterior(left, right [sha256.Size]byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte{tagInterior})
	h.Write(left[:])
	h.Write(right[:])
	var out [sha256.Size]byte
	h.Sum(out[:0])
	return out
}

// computeRoot builds the canonical hash tree over leaves already sorted by
// key. The shape depends only on the leaf count, and leaves are ordered by
// key, so any two stores holding the same data agree on the root no matter
// the order the data arrived in.
func computeRoot(leaves []leaf) [sha256.Size]byte {
	switch len(leaves) {
	case 0:
		return emptyRoot()
	case 1:
		return hashLeaf(leaves[0].key, leaves[0].value)
	}
	mid := len(leaves) / 2
	return hashInterior(computeRoot(leaves[:mid]), computeRoot(leaves[mid:]))
}

func rootString(sum [sha256.Size]byte) types.StateRoot {
	return types.StateRoot(hex.EncodeToString(sum[:]))
}
