package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestSoftmaxCrossEntropy(t *testing.T) {
	logits := mat.NewDense(2, 3, []float64{
		0, 0, 0,
		10, 0, 0,
	})
	labels := mat.NewDense(2, 3, []float64{
		1, 0, 0,
		1, 0, 0,
	})
	loss, grad := SoftmaxCrossEntropy(logits, labels)
	uniform := math.Log(3)
	confident := -(10 - math.Log(math.Exp(10)+2))
	require.InDelta(t, (uniform+confident)/2, loss, 1e-12)

	r, c := grad.Dims()
	require.Equal(t, 2, r)
	require.Equal(t, 3, c)
	for i := 0; i < r; i++ {
		sum := 0.0
		for j := 0; j < c; j++ {
			sum += grad.At(i, j)
		}
		require.InDelta(t, 0, sum, 1e-12, "gradient rows of softmax-CE sum to zero")
	}
	require.InDelta(t, (1.0/3-1)/2, grad.At(0, 0), 1e-12)

	probs := Softmax(mat.NewDense(1, 2, []float64{1000, 1000}))
	require.InDelta(t, 0.5, probs.At(0, 0), 1e-12)
}

func TestTopNAccuracy(t *testing.T) {
	logits := mat.NewDense(3, 4, []float64{
		4, 3, 2, 1,
		1, 4, 3, 2,
		1, 2, 4, 3,
	})

	t.Run("true class ranked first", func(t *testing.T) {
		require.Equal(t, 1.0, TopNAccuracy(logits, []int{0, 1, 2}, 1))
	})
	t.Run("true class outside top n", func(t *testing.T) {
		require.Equal(t, 0.0, TopNAccuracy(logits, []int{3, 0, 0}, 2))
	})
	t.Run("n covers every class", func(t *testing.T) {
		require.Equal(t, 1.0, TopNAccuracy(logits, []int{3, 0, 0}, 4))
		require.Equal(t, 1.0, TopNAccuracy(logits, []int{3, 0, 0}, 5))
	})
	t.Run("partial", func(t *testing.T) {
		require.InDelta(t, 2.0/3, TopNAccuracy(logits, []int{1, 2, 0}, 2), 1e-12)
	})
}

func TestInTopKTies(t *testing.T) {
	scores := []float64{1, 1, 1, 0}
	for target := 0; target < 3; target++ {
		require.True(t, InTopK(scores, target, 1), "ties with the target count as in the top k")
	}
	require.False(t, InTopK(scores, 3, 3))
	require.False(t, InTopK([]float64{math.NaN(), 0}, 0, 2))
	require.False(t, InTopK([]float64{1, 0}, 2, 2))
}
