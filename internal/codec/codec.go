// Package codec is the default RegisterCodec: assembles transport words
// per configured byte order and reinterprets them as the register's
// data type. No calibration here, the poller applies scale/offset.
package codec

import (
	"math"

	"github.com/juju/errors"

	"github.com/mlutra/fieldgate/internal/types"
)

type Codec struct{}

var _ types.RegisterCodec = Codec{}

func (Codec) DecodeSingle(raw uint16, dt types.DataType) (float64, error) {
	switch dt {
	case types.U16:
		return float64(raw), nil
	case types.S16:
		return float64(int16(raw)), nil
	}
	return 0, errors.NotValidf("data type=%d for single word", dt)
}

func (Codec) DecodeMulti(raw []uint16, dt types.DataType, order types.ByteOrder) (float64, error) {
	switch len(raw) {
	case 2:
		u := uint32(assemble(raw, order))
		switch dt {
		case types.U32:
			return float64(u), nil
		case types.S32:
			return float64(int32(u)), nil
		case types.F32:
			return float64(math.Float32frombits(u)), nil
		}
		return 0, errors.NotValidf("data type=%d for 2 words", dt)

	case 4:
		u := assemble(raw, order)
		switch dt {
		case types.U64:
			return float64(u), nil
		case types.S64:
			return float64(int64(u)), nil
		case types.F64:
			return math.Float64frombits(u), nil
		}
		return 0, errors.NotValidf("data type=%d for 4 words", dt)
	}
	return 0, errors.NotValidf("width=%d words", len(raw))
}

// assemble builds one integer from transport words.
// OrderBig keeps wire order (high word first), OrderLittle reverses
// word order, Swap variants flip bytes within each word.
func assemble(words []uint16, order types.ByteOrder) uint64 {
	swapped := make([]uint16, len(words))
	copy(swapped, words)
	switch order {
	case types.OrderLittle, types.OrderLittleSwap:
		for i, j := 0, len(swapped)-1; i < j; i, j = i+1, j-1 {
			swapped[i], swapped[j] = swapped[j], swapped[i]
		}
	}
	switch order {
	case types.OrderBigSwap, types.OrderLittleSwap:
		for i, w := range swapped {
			swapped[i] = w<<8 | w>>8
		}
	}
	var u uint64
	for _, w := range swapped {
		u = u<<16 | uint64(w)
	}
	return u
}
