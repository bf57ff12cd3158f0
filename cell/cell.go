// Package cell implements the bit-level cell tree used for message bodies and
// persisted escrow records. A cell holds up to MaxBits bits of data and up to
// MaxRefs references to child cells.
package cell

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"lukechampine.com/blake3"
)

const (
	MaxBits = 1023
	MaxRefs = 4
)

var (
	ErrBitOverflow = errors.New("cell: bit capacity exceeded")
	ErrRefOverflow = errors.New("cell: reference capacity exceeded")
	ErrUnderflow   = errors.New("cell: underflow")
	ErrMalformed   = errors.New("cell: malformed encoding")
)

// Cell is an immutable bit string with child references. Build cells with a
// Builder and read them with a Slice.
type Cell struct {
	data   []byte
	bitLen int
	refs   []*Cell
}

// Empty returns a cell with no bits and no references.
func Empty() *Cell { return &Cell{} }

// BitLen reports the number of data bits stored in the cell.
func (c *Cell) BitLen() int {
	if c == nil {
		return 0
	}
	return c.bitLen
}

// RefCount reports the number of child references.
func (c *Cell) RefCount() int {
	if c == nil {
		return 0
	}
	return len(c.refs)
}

// Ref returns the i-th child reference.
func (c *Cell) Ref(i int) (*Cell, error) {
	if c == nil || i < 0 || i >= len(c.refs) {
		return nil, fmt.Errorf("%w: ref %d", ErrUnderflow, i)
	}
	return c.refs[i], nil
}

// BeginParse opens a reader positioned at the first bit and reference.
func (c *Cell) BeginParse() *Slice {
	if c == nil {
		c = Empty()
	}
	return &Slice{cell: c}
}

// Hash returns the representation hash of the cell tree. Two cells hash
// equally iff their bits and the hashes of their references match in order.
func (c *Cell) Hash() [32]byte {
	if c == nil {
		c = Empty()
	}
	h := blake3.New(32, nil)
	var hdr [3]byte
	binary.BigEndian.PutUint16(hdr[:2], uint16(c.bitLen))
	hdr[2] = byte(len(c.refs))
	h.Write(hdr[:])
	h.Write(c.data)
	for _, ref := range c.refs {
		sum := ref.Hash()
		h.Write(sum[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Equal reports whether two cells have the same representation.
func (c *Cell) Equal(other *Cell) bool {
	return c.Hash() == other.Hash()
}

// Marshal serializes the cell tree depth first: for every cell a big-endian
// u16 bit length, the packed data bytes, a u8 reference count, then each
// reference.
func (c *Cell) Marshal() []byte {
	var buf bytes.Buffer
	c.marshalTo(&buf)
	return buf.Bytes()
}

func (c *Cell) marshalTo(buf *bytes.Buffer) {
	if c == nil {
		c = Empty()
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(c.bitLen))
	buf.Write(hdr[:])
	buf.Write(c.data[:(c.bitLen+7)/8])
	buf.WriteByte(byte(len(c.refs)))
	for _, ref := range c.refs {
		ref.marshalTo(buf)
	}
}

// Unmarshal decodes a cell tree produced by Marshal. Trailing bytes are
// rejected.
func Unmarshal(raw []byte) (*Cell, error) {
	c, rest, err := unmarshal(raw, 0)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}
	return c, nil
}

func unmarshal(raw []byte, depth int) (*Cell, []byte, error) {
	if depth > 64 {
		return nil, nil, fmt.Errorf("%w: depth limit", ErrMalformed)
	}
	if len(raw) < 2 {
		return nil, nil, fmt.Errorf("%w: short header", ErrMalformed)
	}
	bitLen := int(binary.BigEndian.Uint16(raw[:2]))
	if bitLen > MaxBits {
		return nil, nil, fmt.Errorf("%w: %d bits", ErrMalformed, bitLen)
	}
	raw = raw[2:]
	n := (bitLen + 7) / 8
	if len(raw) < n+1 {
		return nil, nil, fmt.Errorf("%w: short data", ErrMalformed)
	}
	data := append([]byte(nil), raw[:n]...)
	if rem := bitLen % 8; rem != 0 && data[n-1]&(0xFF>>rem) != 0 {
		return nil, nil, fmt.Errorf("%w: non-zero padding", ErrMalformed)
	}
	refCount := int(raw[n])
	if refCount > MaxRefs {
		return nil, nil, fmt.Errorf("%w: %d refs", ErrMalformed, refCount)
	}
	raw = raw[n+1:]
	c := &Cell{data: data, bitLen: bitLen}
	for i := 0; i < refCount; i++ {
		ref, rest, err := unmarshal(raw, depth+1)
		if err != nil {
			return nil, nil, err
		}
		c.refs = append(c.refs, ref)
		raw = rest
	}
	return c, raw, nil
}
