package codec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlutra/fieldgate/internal/types"
)

func TestDecodeSingle(t *testing.T) {
	t.Parallel()

	c := Codec{}

	v, err := c.DecodeSingle(0xfff6, types.S16)
	require.NoError(t, err)
	assert.Equal(t, float64(-10), v)

	v, err = c.DecodeSingle(0xfff6, types.U16)
	require.NoError(t, err)
	assert.Equal(t, float64(0xfff6), v)

	_, err = c.DecodeSingle(1, types.F32)
	assert.Error(t, err)
}

func TestDecodeMulti(t *testing.T) {
	t.Parallel()

	c := Codec{}
	f32bits := math.Float32bits(3.14)
	hi, lo := uint16(f32bits>>16), uint16(f32bits&0xffff)

	cases := []struct {
		name   string
		words  []uint16
		dt     types.DataType
		order  types.ByteOrder
		expect float64
	}{
		{"u32/big", []uint16{0x0001, 0x0002}, types.U32, types.OrderBig, 0x10002},
		{"u32/little", []uint16{0x0002, 0x0001}, types.U32, types.OrderLittle, 0x10002},
		{"s32/big", []uint16{0xffff, 0xfffe}, types.S32, types.OrderBig, -2},
		{"f32/big", []uint16{hi, lo}, types.F32, types.OrderBig, float64(float32(3.14))},
		{"f32/little", []uint16{lo, hi}, types.F32, types.OrderLittle, float64(float32(3.14))},
		{"u32/bigswap", []uint16{0x0100, 0x0200}, types.U32, types.OrderBigSwap, 0x10002},
		{"u64/big", []uint16{0, 0, 0, 7}, types.U64, types.OrderBig, 7},
		{"s64/big", []uint16{0xffff, 0xffff, 0xffff, 0xffff}, types.S64, types.OrderBig, -1},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			v, err := Codec{}.DecodeMulti(tc.words, tc.dt, tc.order)
			require.NoError(t, err)
			assert.Equal(t, tc.expect, v)
		})
	}

	_, err := c.DecodeMulti([]uint16{1, 2, 3}, types.U32, types.OrderBig)
	assert.Error(t, err)
	_, err = c.DecodeMulti([]uint16{1, 2}, types.U16, types.OrderBig)
	assert.Error(t, err)
}

func TestF64RoundTrip(t *testing.T) {
	t.Parallel()

	bits := math.Float64bits(-123.456)
	words := []uint16{
		uint16(bits >> 48), uint16(bits >> 32),
		uint16(bits >> 16), uint16(bits),
	}
	v, err := Codec{}.DecodeMulti(words, types.F64, types.OrderBig)
	require.NoError(t, err)
	assert.Equal(t, -123.456, v)
}
