package cell

import (
	"fmt"
	"math/big"
	"strings"
)

// Slice reads bits and references from a cell in order.
type Slice struct {
	cell   *Cell
	bitPos int
	refPos int
}

// BitsLeft reports the number of unread bits.
func (s *Slice) BitsLeft() int { return s.cell.bitLen - s.bitPos }

// RefsLeft reports the number of unread references.
func (s *Slice) RefsLeft() int { return len(s.cell.refs) - s.refPos }

// Empty reports whether the slice has neither bits nor references left.
func (s *Slice) Empty() bool { return s.BitsLeft() == 0 && s.RefsLeft() == 0 }

// LoadBit reads one bit.
func (s *Slice) LoadBit() (bool, error) {
	if s.BitsLeft() < 1 {
		return false, ErrUnderflow
	}
	bit := s.cell.data[s.bitPos/8]&(0x80>>(s.bitPos%8)) != 0
	s.bitPos++
	return bit, nil
}

// LoadUint reads an unsigned integer of n bits, n <= 64.
func (s *Slice) LoadUint(n int) (uint64, error) {
	if n < 0 || n > 64 {
		return 0, fmt.Errorf("cell: invalid width %d", n)
	}
	if s.BitsLeft() < n {
		return 0, fmt.Errorf("%w: need %d bits, have %d", ErrUnderflow, n, s.BitsLeft())
	}
	var v uint64
	for i := 0; i < n; i++ {
		bit, _ := s.LoadBit()
		v <<= 1
		if bit {
			v |= 1
		}
	}
	return v, nil
}

// PreloadUint reads n bits without advancing.
func (s *Slice) PreloadUint(n int) (uint64, error) {
	pos := s.bitPos
	v, err := s.LoadUint(n)
	s.bitPos = pos
	return v, err
}

// LoadBigUint reads an unsigned integer of n bits.
func (s *Slice) LoadBigUint(n int) (*big.Int, error) {
	if s.BitsLeft() < n {
		return nil, fmt.Errorf("%w: need %d bits, have %d", ErrUnderflow, n, s.BitsLeft())
	}
	v := new(big.Int)
	for i := 0; i < n; i++ {
		bit, _ := s.LoadBit()
		v.Lsh(v, 1)
		if bit {
			v.SetBit(v, 0, 1)
		}
	}
	return v, nil
}

// LoadBytes reads n whole bytes.
func (s *Slice) LoadBytes(n int) ([]byte, error) {
	if s.BitsLeft() < n*8 {
		return nil, fmt.Errorf("%w: need %d bytes", ErrUnderflow, n)
	}
	out := make([]byte, n)
	for i := range out {
		v, _ := s.LoadUint(8)
		out[i] = byte(v)
	}
	return out, nil
}

// LoadCoins reads a coin amount written by Builder.StoreCoins.
func (s *Slice) LoadCoins() (*big.Int, error) {
	n, err := s.LoadUint(4)
	if err != nil {
		return nil, err
	}
	return s.LoadBigUint(int(n) * 8)
}

// LoadMaybeAddress reads an address or the none tag.
func (s *Slice) LoadMaybeAddress() (*[20]byte, error) {
	tag, err := s.LoadUint(2)
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0b00:
		return nil, nil
	case 0b10:
		raw, err := s.LoadBytes(20)
		if err != nil {
			return nil, err
		}
		var addr [20]byte
		copy(addr[:], raw)
		return &addr, nil
	default:
		return nil, fmt.Errorf("%w: unsupported address tag %02b", ErrMalformed, tag)
	}
}

// LoadAddress reads a standard address; the none tag is an error.
func (s *Slice) LoadAddress() ([20]byte, error) {
	addr, err := s.LoadMaybeAddress()
	if err != nil {
		return [20]byte{}, err
	}
	if addr == nil {
		return [20]byte{}, fmt.Errorf("%w: address required", ErrMalformed)
	}
	return *addr, nil
}

// LoadRef reads the next reference.
func (s *Slice) LoadRef() (*Cell, error) {
	if s.RefsLeft() < 1 {
		return nil, fmt.Errorf("%w: no reference left", ErrUnderflow)
	}
	ref := s.cell.refs[s.refPos]
	s.refPos++
	return ref, nil
}

// LoadMaybeRef reads a presence bit and, if set, the next reference.
func (s *Slice) LoadMaybeRef() (*Cell, error) {
	present, err := s.LoadBit()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	return s.LoadRef()
}

// LoadStringTail reads the remaining bytes and any chained tail references
// written by Builder.StoreStringTail.
func (s *Slice) LoadStringTail() (string, error) {
	var sb strings.Builder
	cur := s
	for {
		if cur.BitsLeft()%8 != 0 {
			return "", fmt.Errorf("%w: string is not byte aligned", ErrMalformed)
		}
		raw, err := cur.LoadBytes(cur.BitsLeft() / 8)
		if err != nil {
			return "", err
		}
		sb.Write(raw)
		if cur.RefsLeft() == 0 {
			return sb.String(), nil
		}
		next, err := cur.LoadRef()
		if err != nil {
			return "", err
		}
		cur = next.BeginParse()
	}
}

// ToCell copies the unread remainder into a new cell.
func (s *Slice) ToCell() (*Cell, error) {
	clone := *s
	return BeginCell().StoreSlice(&clone).EndCell()
}
