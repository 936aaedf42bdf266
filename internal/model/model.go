package model

import (
	"gonum.org/v1/gonum/mat"

	"alexnet-finetune/internal/tensor"
)

// Batch represents a minibatch of decoded images and their labels.
type Batch struct {
	// Images is NHWC, BGR, mean subtracted.
	Images *tensor.Tensor
	// Labels holds one one-hot row per image.
	Labels *mat.Dense
	// Classes holds the integer class of every row of Labels.
	Classes []int
}

// Size returns the number of examples in the batch.
func (b Batch) Size() int { return len(b.Classes) }

// Model defines the training functionality required by the fine-tuning loop.
type Model interface {
	// Forward runs the network on images. keepProb < 1 enables dropout.
	Forward(images *tensor.Tensor, keepProb float64) (*mat.Dense, error)
	// Loss is the mean softmax cross-entropy of logits against one-hot labels.
	Loss(logits, labels *mat.Dense) float64
	// Update back-propagates the loss of the last Forward and applies one
	// gradient-descent step to the trainable parameters.
	Update(logits, labels *mat.Dense) error
	// TopNAccuracy is the fraction of rows whose class is in the top n logits.
	TopNAccuracy(logits *mat.Dense, classes []int, n int) float64
}
