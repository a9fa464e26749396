package types

import (
	"encoding/binary"
	"fmt"

	"github.com/kelindar/bitmap"
)

// ProofDepth is the number of levels in a full tree path.
const ProofDepth = 256

// MerkleProof carries the sibling hashes from a leaf to the root. Siblings
// equal to the empty-subtree hash of their level are compressed away: the
// Defaults bitmap marks which levels use the default hash, and Siblings holds
// only the remaining ones, ordered leaf to root. Direction at each level is
// derived from the key path, so no separate direction bits travel with the
// proof.
type MerkleProof struct {
	Siblings [][HashSize]byte
	Defaults bitmap.Bitmap
}

// SiblingAt returns the sibling hash for the given level, resolving
// compressed defaults via the supplied empty-subtree table.
func (p *MerkleProof) SiblingAt(level int, empty *[ProofDepth + 1][HashSize]byte, next *int) ([HashSize]byte, error) {
	if p.Defaults.Contains(uint32(level)) {
		return empty[level], nil
	}
	if *next >= len(p.Siblings) {
		return [HashSize]byte{}, fmt.Errorf("proof truncated at level %d", level)
	}
	sib := p.Siblings[*next]
	*next++
	return sib, nil
}

// Serialize renders the proof as length-prefixed bytes.
func (p *MerkleProof) Serialize() []byte {
	bm := p.Defaults.ToBytes()
	out := make([]byte, 0, 4+len(bm)+len(p.Siblings)*HashSize)

	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(len(p.Siblings)))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(bm)))
	out = append(out, hdr[:]...)
	out = append(out, bm...)
	for _, sib := range p.Siblings {
		out = append(out, sib[:]...)
	}
	return out
}

func (p *MerkleProof) Deserialize(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("proof too short: %d bytes", len(data))
	}
	nSiblings := int(binary.BigEndian.Uint16(data[0:2]))
	bmLen := int(binary.BigEndian.Uint16(data[2:4]))
	data = data[4:]

	if len(data) != bmLen+nSiblings*HashSize {
		return fmt.Errorf("proof length mismatch: want %d payload bytes, got %d",
			bmLen+nSiblings*HashSize, len(data))
	}

	p.Defaults = bitmap.FromBytes(append([]byte(nil), data[:bmLen]...))
	data = data[bmLen:]

	p.Siblings = make([][HashSize]byte, nSiblings)
	for i := 0; i < nSiblings; i++ {
		copy(p.Siblings[i][:], data[i*HashSize:(i+1)*HashSize])
	}
	return nil
}

// PathBit returns the branch direction consumed at the given level when
// walking leaf to root: 0 means the current node is the left child.
func PathBit(path [HashSize]byte, level int) byte {
	bit := ProofDepth - 1 - level
	return (path[bit/8] >> (7 - uint(bit%8))) & 1
}
