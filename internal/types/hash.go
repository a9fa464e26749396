package types

import (
	"crypto/sha256"
	"hash"
	"sync"
)

const HashSize = 32

// Domain separation prefixes for tree node hashing.
const (
	LeafHashPrefix     = 0x00
	InternalHashPrefix = 0x01
)

var sha256Pool = &sync.Pool{
	New: func() any {
		return sha256.New()
	},
}

func DoubleSHA256Sum(data []byte) []byte {
	h := sha256Pool.Get().(hash.Hash)
	defer sha256Pool.Put(h)

	h.Reset()
	_, _ = h.Write(data)

	buf := make([]byte, 0, HashSize)
	first := h.Sum(buf)

	h.Reset()
	_, _ = h.Write(first)
	return h.Sum(buf)
}

// HashInternalNode combines two child hashes into their parent hash.
func HashInternalNode(left, right [HashSize]byte) [HashSize]byte {
	combined := append(append([]byte{InternalHashPrefix}, left[:]...), right[:]...)

	var parent [HashSize]byte
	copy(parent[:], DoubleSHA256Sum(combined))
	return parent
}

// HashLeafNode hashes a leaf as (prefix || path || value hash) so a leaf can
// never collide with an internal node.
func HashLeafNode(path, valueHash [HashSize]byte) [HashSize]byte {
	combined := append(append([]byte{LeafHashPrefix}, path[:]...), valueHash[:]...)

	var leaf [HashSize]byte
	copy(leaf[:], DoubleSHA256Sum(combined))
	return leaf
}
