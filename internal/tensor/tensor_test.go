package tensor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndReshape(t *testing.T) {
	x := New(2, 3, 4)
	require.Equal(t, 24, x.Len())
	require.Equal(t, 3, x.Rank())
	require.Equal(t, "(2x3x4)", x.String())

	y, err := x.Reshape(2, 12)
	require.NoError(t, err)
	y.Data[5] = 7
	require.Equal(t, 7.0, x.Data[5], "reshape must share storage")

	_, err = x.Reshape(5, 5)
	require.Error(t, err)
}

func TestSliceAndClone(t *testing.T) {
	x, err := FromData([]float64{1, 2, 3, 4, 5, 6}, 3, 2)
	require.NoError(t, err)
	require.Equal(t, []float64{3, 4}, x.Slice(1))

	c := x.Clone()
	c.Data[0] = 100
	require.Equal(t, 1.0, x.Data[0])
	require.True(t, c.SameShape(x))

	_, err = FromData([]float64{1, 2}, 3)
	require.Error(t, err)
}
