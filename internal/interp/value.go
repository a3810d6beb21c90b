package interp

import (
	"github.com/scantek/bcvm/bytecode"
	"github.com/scantek/bcvm/internal/bcruntime"
)

// Value slots are 64-bit bags accessed at one of five widths. Reads mask to
// the low bits of the width; writes replace only the low bits and leave the
// rest of the cell alone, so a narrower write followed by a wider read sees
// unspecified high bits. The verifier guarantees type-consistent use; the
// bounds checks here stay on regardless.

func readValue(values []uint64, w bytecode.Width, p uint32) uint64 {
	if p >= uint32(len(values)) {
		panic(bcruntime.ErrValueIndexOutOfRange)
	}
	v := values[p]
	switch w {
	case bytecode.WidthI1:
		return v & 1
	case bytecode.WidthI8:
		return uint64(uint8(v))
	case bytecode.WidthI16:
		return uint64(uint16(v))
	case bytecode.WidthI32:
		return uint64(uint32(v))
	default:
		return v
	}
}

// readSigned reads at width w and sign-extends to 64 bits. An i1 read is 0
// or 1, never negative.
func readSigned(values []uint64, w bytecode.Width, p uint32) int64 {
	if p >= uint32(len(values)) {
		panic(bcruntime.ErrValueIndexOutOfRange)
	}
	v := values[p]
	switch w {
	case bytecode.WidthI1:
		return int64(v & 1)
	case bytecode.WidthI8:
		return int64(int8(v))
	case bytecode.WidthI16:
		return int64(int16(v))
	case bytecode.WidthI32:
		return int64(int32(v))
	default:
		return int64(v)
	}
}

func writeValue(values []uint64, w bytecode.Width, p uint32, v uint64) {
	if p >= uint32(len(values)) {
		panic(bcruntime.ErrValueIndexOutOfRange)
	}
	switch w {
	case bytecode.WidthI1:
		// 0 or 1 stored into the low byte.
		values[p] = values[p]&^0xff | v&1
	case bytecode.WidthI8:
		values[p] = values[p]&^0xff | v&0xff
	case bytecode.WidthI16:
		values[p] = values[p]&^0xffff | v&0xffff
	case bytecode.WidthI32:
		values[p] = values[p]&^0xffffffff | v&0xffffffff
	default:
		values[p] = v
	}
}
