package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestWalkReadsEveryKind(t *testing.T) {
	var inner []byte
	inner = AppendString(inner, 1, "conv")

	var b []byte
	b = AppendInt(b, 1, -3)
	b = AppendBool(b, 2, true)
	b = AppendFloat32(b, 3, 1.5)
	b = AppendFloat64(b, 4, -2.25)
	b = AppendMessage(b, 5, inner)
	b = AppendPackedFloat32s(b, 6, []float32{1, 2})
	b = AppendFloat32s(b, 6, []float32{3})
	b = AppendPackedInt64s(b, 7, []int64{300, 1})
	b = AppendInt64s(b, 7, []int64{-1})

	var floats []float32
	var ints []int64
	var seen []protowire.Number
	err := Walk(b, func(f Field) error {
		seen = append(seen, f.Num)
		var err error
		switch f.Num {
		case 1:
			v, err := f.Int()
			require.NoError(t, err)
			assert.Equal(t, int64(-3), v)
		case 2:
			v, err := f.Bool()
			require.NoError(t, err)
			assert.True(t, v)
		case 3:
			v, err := f.Float32()
			require.NoError(t, err)
			assert.Equal(t, float32(1.5), v)
		case 4:
			v, err := f.Float64()
			require.NoError(t, err)
			assert.Equal(t, -2.25, v)
		case 5:
			msg, err := f.Bytes()
			require.NoError(t, err)
			require.NoError(t, Walk(msg, func(f Field) error {
				s, err := f.Text()
				assert.Equal(t, "conv", s)
				return err
			}))
		case 6:
			floats, err = f.Float32s(floats)
		case 7:
			ints, err = f.Int64s(ints)
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []protowire.Number{1, 2, 3, 4, 5, 6, 6, 7, 7}, seen)
	assert.Equal(t, []float32{1, 2, 3}, floats)
	assert.Equal(t, []int64{300, 1, -1}, ints)
}

func TestWalkErrors(t *testing.T) {
	b := AppendString(nil, 1, "hello")
	require.Error(t, Walk(b[:len(b)-2], func(Field) error { return nil }), "truncated")

	err := Walk(AppendUint(nil, 1, 7), func(f Field) error {
		_, err := f.Text()
		return err
	})
	require.Error(t, err, "wire type mismatch")

	bad := AppendMessage(nil, 2, []byte{1, 2, 3})
	err = Walk(bad, func(f Field) error {
		_, err := f.Float32s(nil)
		return err
	})
	require.Error(t, err, "packed floats must be a multiple of four bytes")
}
