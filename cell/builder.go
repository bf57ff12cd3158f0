package cell

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// AddressBits is the width of a standard address: a 2-bit tag followed by the
// 160-bit account identifier.
const AddressBits = 2 + 160

// MaxCoinBits bounds coin amounts to 15 bytes, the largest value encodable
// with a 4-bit length prefix.
const MaxCoinBits = 120

var errNegativeCoins = errors.New("cell: negative coin amount")

// Builder accumulates bits and references. Store methods record the first
// error and turn into no-ops afterwards; EndCell reports it.
type Builder struct {
	data   []byte
	bitLen int
	refs   []*Cell
	err    error
}

// BeginCell starts a new builder.
func BeginCell() *Builder { return &Builder{} }

// BitLen reports the number of bits written so far.
func (b *Builder) BitLen() int { return b.bitLen }

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// StoreBit appends a single bit.
func (b *Builder) StoreBit(bit bool) *Builder {
	if b.err != nil {
		return b
	}
	if b.bitLen+1 > MaxBits {
		return b.fail(ErrBitOverflow)
	}
	if b.bitLen%8 == 0 {
		b.data = append(b.data, 0)
	}
	if bit {
		b.data[b.bitLen/8] |= 0x80 >> (b.bitLen % 8)
	}
	b.bitLen++
	return b
}

// StoreUint appends the low n bits of v, most significant first.
func (b *Builder) StoreUint(v uint64, n int) *Builder {
	if b.err != nil {
		return b
	}
	if n < 0 || n > 64 {
		return b.fail(fmt.Errorf("cell: invalid width %d", n))
	}
	if n < 64 && v>>n != 0 {
		return b.fail(fmt.Errorf("cell: value %d does not fit in %d bits", v, n))
	}
	if b.bitLen+n > MaxBits {
		return b.fail(ErrBitOverflow)
	}
	for i := n - 1; i >= 0; i-- {
		b.StoreBit(v>>i&1 == 1)
	}
	return b
}

// StoreBigUint appends v as an unsigned integer of exactly n bits.
func (b *Builder) StoreBigUint(v *big.Int, n int) *Builder {
	if b.err != nil {
		return b
	}
	if v == nil {
		v = new(big.Int)
	}
	if v.Sign() < 0 || v.BitLen() > n {
		return b.fail(fmt.Errorf("cell: value does not fit in %d bits", n))
	}
	if b.bitLen+n > MaxBits {
		return b.fail(ErrBitOverflow)
	}
	for i := n - 1; i >= 0; i-- {
		b.StoreBit(v.Bit(i) == 1)
	}
	return b
}

// StoreBytes appends whole bytes.
func (b *Builder) StoreBytes(p []byte) *Builder {
	for _, x := range p {
		b.StoreUint(uint64(x), 8)
	}
	return b
}

// StoreCoins appends a coin amount as a 4-bit byte length followed by the
// big-endian value.
func (b *Builder) StoreCoins(amount *big.Int) *Builder {
	if b.err != nil {
		return b
	}
	if amount == nil {
		amount = new(big.Int)
	}
	if amount.Sign() < 0 {
		return b.fail(errNegativeCoins)
	}
	v, overflow := uint256.FromBig(amount)
	if overflow || v.BitLen() > MaxCoinBits {
		return b.fail(fmt.Errorf("cell: coin amount exceeds %d bits", MaxCoinBits))
	}
	n := v.ByteLen()
	b.StoreUint(uint64(n), 4)
	if n == 0 {
		return b
	}
	raw := v.Bytes32()
	return b.StoreBytes(raw[32-n:])
}

// StoreAddress appends a standard address.
func (b *Builder) StoreAddress(addr [20]byte) *Builder {
	b.StoreUint(0b10, 2)
	return b.StoreBytes(addr[:])
}

// StoreMaybeAddress appends addr, or the 2-bit none tag when addr is nil.
func (b *Builder) StoreMaybeAddress(addr *[20]byte) *Builder {
	if addr == nil {
		return b.StoreUint(0, 2)
	}
	return b.StoreAddress(*addr)
}

// StoreRef appends a child reference.
func (b *Builder) StoreRef(c *Cell) *Builder {
	if b.err != nil {
		return b
	}
	if len(b.refs) >= MaxRefs {
		return b.fail(ErrRefOverflow)
	}
	if c == nil {
		c = Empty()
	}
	b.refs = append(b.refs, c)
	return b
}

// StoreMaybeRef appends a presence bit and, when c is non-nil, the reference.
func (b *Builder) StoreMaybeRef(c *Cell) *Builder {
	if c == nil {
		return b.StoreBit(false)
	}
	return b.StoreBit(true).StoreRef(c)
}

// StoreSlice appends the unread remainder of s, bits and references.
func (b *Builder) StoreSlice(s *Slice) *Builder {
	if b.err != nil {
		return b
	}
	for s.BitsLeft() > 0 {
		bit, err := s.LoadBit()
		if err != nil {
			return b.fail(err)
		}
		b.StoreBit(bit)
	}
	for s.RefsLeft() > 0 {
		ref, err := s.LoadRef()
		if err != nil {
			return b.fail(err)
		}
		b.StoreRef(ref)
	}
	return b
}

// StoreStringTail appends text as raw bytes. Text that does not fit the
// current cell continues in a chained reference.
func (b *Builder) StoreStringTail(text string) *Builder {
	raw := []byte(text)
	free := (MaxBits - b.bitLen) / 8
	if len(raw) <= free {
		return b.StoreBytes(raw)
	}
	b.StoreBytes(raw[:free])
	tail, err := BeginCell().StoreStringTail(string(raw[free:])).EndCell()
	if err != nil {
		return b.fail(err)
	}
	return b.StoreRef(tail)
}

// EndCell finalizes the builder.
func (b *Builder) EndCell() (*Cell, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &Cell{
		data:   append([]byte(nil), b.data...),
		bitLen: b.bitLen,
		refs:   append([]*Cell(nil), b.refs...),
	}, nil
}

// MustEndCell is EndCell for builders whose contents are known to fit.
func (b *Builder) MustEndCell() *Cell {
	c, err := b.EndCell()
	if err != nil {
		panic(err)
	}
	return c
}
