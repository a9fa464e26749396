package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// OutpointSize is txid (32) plus output index (4).
	OutpointSize = 36

	// MaxPkScriptSize bounds the script length accepted on the wire.
	MaxPkScriptSize = 10000
)

// Outpoint identifies a transaction output.
type Outpoint struct {
	TxID  chainhash.Hash
	Index uint32
}

// Key returns the canonical 36-byte encoding used as the tree key.
func (o *Outpoint) Key() [OutpointSize]byte {
	var key [OutpointSize]byte
	copy(key[:32], o.TxID[:])
	binary.BigEndian.PutUint32(key[32:], o.Index)
	return key
}

// Path maps the outpoint onto the 256-bit tree path.
func (o *Outpoint) Path() [HashSize]byte {
	key := o.Key()
	var path [HashSize]byte
	copy(path[:], DoubleSHA256Sum(key[:]))
	return path
}

func (o *Outpoint) String() string {
	buf := make([]byte, 2*HashSize+1, 2*HashSize+1+10)
	copy(buf, o.TxID.String())
	buf[2*HashSize] = ':'
	buf = strconv.AppendUint(buf, uint64(o.Index), 10)
	return string(buf)
}

// UtxoEntry is a single unspent output committed into the tree. Immutable
// once inserted, removed exactly once on spend.
type UtxoEntry struct {
	Outpoint Outpoint
	Amount   int64
	PkScript []byte
	Height   uint32
	Coinbase bool
}

// Serialize writes the canonical binary form of the entry.
func (e *UtxoEntry) Serialize(w io.Writer) error {
	key := e.Outpoint.Key()
	if _, err := w.Write(key[:]); err != nil {
		return err
	}

	hcb := e.Height << 1
	if e.Coinbase {
		hcb |= 1
	}
	if err := binary.Write(w, binary.BigEndian, hcb); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint64(e.Amount)); err != nil {
		return err
	}

	if len(e.PkScript) > MaxPkScriptSize {
		return fmt.Errorf("pkscript too long: %d bytes", len(e.PkScript))
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(e.PkScript))); err != nil {
		return err
	}
	_, err := w.Write(e.PkScript)
	return err
}

func (e *UtxoEntry) Deserialize(r io.Reader) error {
	var key [OutpointSize]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return err
	}
	copy(e.Outpoint.TxID[:], key[:32])
	e.Outpoint.Index = binary.BigEndian.Uint32(key[32:])

	var hcb uint32
	if err := binary.Read(r, binary.BigEndian, &hcb); err != nil {
		return err
	}
	e.Coinbase = hcb&1 == 1
	e.Height = hcb >> 1

	var amt uint64
	if err := binary.Read(r, binary.BigEndian, &amt); err != nil {
		return err
	}
	e.Amount = int64(amt)

	var pkSize uint16
	if err := binary.Read(r, binary.BigEndian, &pkSize); err != nil {
		return err
	}
	if pkSize > MaxPkScriptSize {
		return fmt.Errorf("outpoint %s pkscript %d bytes too long", e.Outpoint.String(), pkSize)
	}
	e.PkScript = make([]byte, pkSize)
	_, err := io.ReadFull(r, e.PkScript)
	return err
}

// Bytes returns the serialized entry.
func (e *UtxoEntry) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(e.SerializeSize())
	_ = e.Serialize(&buf)
	return buf.Bytes()
}

// SerializeSize is 36B outpoint, 4B height/coinbase, 8B amount, 2B script
// length, plus the script.
func (e *UtxoEntry) SerializeSize() int {
	return OutpointSize + 14 + len(e.PkScript)
}

// ValueHash is the hash bound into the tree leaf for this entry.
func (e *UtxoEntry) ValueHash() [HashSize]byte {
	var vh [HashSize]byte
	copy(vh[:], DoubleSHA256Sum(e.Bytes()))
	return vh
}

// LeafHash is the full leaf node hash at this entry's path.
func (e *UtxoEntry) LeafHash() [HashSize]byte {
	return HashLeafNode(e.Outpoint.Path(), e.ValueHash())
}
