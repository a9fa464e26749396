package types

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// CommitmentSize is the fixed wire size of a serialized commitment.
	CommitmentSize = 84

	// CommitmentVersion is the current commitment format version.
	CommitmentVersion = 1
)

// CommitmentMagic tags serialized commitments ("UC" + format revision).
var CommitmentMagic = [4]byte{0x55, 0x43, 0x30, 0x31} // "UC01"

// UtxoCommitment is the fixed-size summary standing in for the full UTXO set
// at a checkpoint. TotalSupply must equal the sum of all committed entry
// amounts and never exceed the issuance schedule at Height.
type UtxoCommitment struct {
	Version     uint32
	Height      uint32
	BlockHash   chainhash.Hash
	Root        [HashSize]byte
	TotalSupply uint64
}

// Serialize writes the 84-byte wire form:
// magic (4) | version (4) | height (4) | block hash (32) | root (32) | supply (8).
func (c *UtxoCommitment) Serialize() [CommitmentSize]byte {
	var buf [CommitmentSize]byte
	copy(buf[0:4], CommitmentMagic[:])
	binary.BigEndian.PutUint32(buf[4:8], c.Version)
	binary.BigEndian.PutUint32(buf[8:12], c.Height)
	copy(buf[12:44], c.BlockHash[:])
	copy(buf[44:76], c.Root[:])
	binary.BigEndian.PutUint64(buf[76:84], c.TotalSupply)
	return buf
}

// Deserialize parses the 84-byte wire form, rejecting bad magic or length.
func (c *UtxoCommitment) Deserialize(data []byte) error {
	if len(data) != CommitmentSize {
		return fmt.Errorf("commitment must be %d bytes, got %d", CommitmentSize, len(data))
	}
	if !bytes.Equal(data[0:4], CommitmentMagic[:]) {
		return fmt.Errorf("bad commitment magic %x", data[0:4])
	}
	c.Version = binary.BigEndian.Uint32(data[4:8])
	c.Height = binary.BigEndian.Uint32(data[8:12])
	copy(c.BlockHash[:], data[12:44])
	copy(c.Root[:], data[44:76])
	c.TotalSupply = binary.BigEndian.Uint64(data[76:84])
	return nil
}

// Equal reports byte-exact equality of two commitments.
func (c *UtxoCommitment) Equal(other *UtxoCommitment) bool {
	if other == nil {
		return false
	}
	a, b := c.Serialize(), other.Serialize()
	return bytes.Equal(a[:], b[:])
}

// Key is the tally key for consensus vote counting: peers agree only on an
// exact (root, supply, block hash) triple.
func (c *UtxoCommitment) Key() string {
	buf := c.Serialize()
	return string(buf[:])
}

func (c *UtxoCommitment) RootHex() string {
	return hex.EncodeToString(c.Root[:])
}

func (c *UtxoCommitment) String() string {
	return fmt.Sprintf("commitment{height=%d hash=%s root=%s supply=%d}",
		c.Height, c.BlockHash.String(), c.RootHex(), c.TotalSupply)
}
