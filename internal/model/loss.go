package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Softmax returns the row-wise softmax of logits.
func Softmax(logits *mat.Dense) *mat.Dense {
	rows, cols := logits.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		row := out.RawRowView(i)
		mat.Row(row, i, logits)
		maxLogit := floats.Max(row)
		for j, v := range row {
			row[j] = math.Exp(v - maxLogit)
		}
		floats.Scale(1/floats.Sum(row), row)
	}
	return out
}

// SoftmaxCrossEntropy returns the batch-mean cross-entropy of softmax(logits)
// against the one-hot labels, and its gradient with respect to logits.
func SoftmaxCrossEntropy(logits, labels *mat.Dense) (float64, *mat.Dense) {
	rows, cols := logits.Dims()
	if rows == 0 {
		return 0, nil
	}
	grad := mat.NewDense(rows, cols, nil)
	loss := 0.0
	logit := make([]float64, cols)
	for i := 0; i < rows; i++ {
		mat.Row(logit, i, logits)
		lse := floats.LogSumExp(logit)
		g := grad.RawRowView(i)
		for j, v := range logit {
			y := labels.At(i, j)
			if y != 0 {
				loss -= y * (v - lse)
			}
			g[j] = (math.Exp(v-lse) - y) / float64(rows)
		}
	}
	return loss / float64(rows), grad
}

// InTopK reports whether target is among the k highest scores, counting ties
// with the target's score as in the top k.
func InTopK(scores []float64, target, k int) bool {
	if target < 0 || target >= len(scores) {
		return false
	}
	t := scores[target]
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return false
	}
	higher := 0
	for _, s := range scores {
		if s > t {
			higher++
		}
	}
	return higher < k
}

// TopNAccuracy is the fraction of rows of logits for which classes[i] is in
// the top n scores. An empty batch scores 0.
func TopNAccuracy(logits *mat.Dense, classes []int, n int) float64 {
	rows, cols := logits.Dims()
	if rows == 0 || len(classes) == 0 {
		return 0
	}
	scores := make([]float64, cols)
	correct := 0
	for i := 0; i < rows && i < len(classes); i++ {
		mat.Row(scores, i, logits)
		if InTopK(scores, classes[i], n) {
			correct++
		}
	}
	return float64(correct) / float64(rows)
}
