// Package model implements the convolutional classifier being fine-tuned: an
// explicit layer registry, forward and backward passes, softmax cross-entropy,
// gradient descent restricted to a trainable subset of layers, top-N accuracy
// and loading of pretrained weights.
package model

import (
	"math"
	"math/rand"

	"alexnet-finetune/internal/tensor"
)

// Param is one named parameter of a layer, e.g. "fc8/weights".
type Param struct {
	Name  string
	Value *tensor.Tensor
	// Grad holds the gradient computed by the last Update, if the layer was
	// part of the backward pass.
	Grad *tensor.Tensor
}

func newParam(layer, kind string, shape ...int) *Param {
	return &Param{Name: layer + "/" + kind, Value: tensor.New(shape...)}
}

// grad allocates the gradient buffer on first use; frozen layers never need one.
func (p *Param) grad() *tensor.Tensor {
	if p.Grad == nil {
		p.Grad = tensor.New(p.Value.Shape...)
	}
	return p.Grad
}

// Layer is the handle the network registry hands out for each layer.
type Layer interface {
	// Name is the layer's scope, e.g. "conv1" or "fc7".
	Name() string
	// Params lists the layer's parameters; empty for pooling, LRN and dropout.
	Params() []*Param
	// OutputShape maps a per-example input shape to the per-example output shape.
	OutputShape(in []int) ([]int, error)

	forward(x *tensor.Tensor, p *pass) (*tensor.Tensor, error)
	// backward receives dL/dy of the last forward. It fills the parameter
	// gradients when withParams is set and returns dL/dx when withInput is set.
	backward(dy *tensor.Tensor, withParams, withInput bool) (*tensor.Tensor, error)
}

// pass carries per-call state for a forward pass.
type pass struct {
	keepProb float64
	rng      *rand.Rand
}

func (p *pass) dropout() bool { return p.keepProb < 1 }

// glorotUniform fills w with U(-limit, limit), limit = sqrt(6/(fanIn+fanOut)).
func glorotUniform(w []float64, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
}

func applyReLUMask(dy, y *tensor.Tensor) {
	for i, v := range y.Data {
		if v <= 0 {
			dy.Data[i] = 0
		}
	}
}

func relu(data []float64) {
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
}
