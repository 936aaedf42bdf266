package model

import (
	"math"

	"github.com/pkg/errors"

	"alexnet-finetune/internal/tensor"
)

// LRN is local response normalisation across channels:
//
//	y[c] = x[c] / (bias + alpha * sum(x[c-r..c+r]^2)) ^ beta
type LRN struct {
	name              string
	radius            int
	alpha, beta, bias float64

	x     *tensor.Tensor
	scale []float64
}

func newLRN(spec LayerSpec, in []int) (*LRN, error) {
	if len(in) != 3 {
		return nil, errors.Errorf("%s: LRN needs HxWxC input, got %v", spec.Name, in)
	}
	return &LRN{name: spec.Name, radius: spec.Radius, alpha: spec.Alpha, beta: spec.Beta, bias: spec.Bias}, nil
}

func (l *LRN) Name() string      { return l.name }
func (l *LRN) Params() []*Param { return nil }

func (l *LRN) OutputShape(in []int) ([]int, error) {
	return append([]int(nil), in...), nil
}

func (l *LRN) window(c, channels int) (lo, hi int) {
	lo, hi = c-l.radius, c+l.radius
	if lo < 0 {
		lo = 0
	}
	if hi > channels-1 {
		hi = channels - 1
	}
	return lo, hi
}

func (l *LRN) forward(x *tensor.Tensor, _ *pass) (*tensor.Tensor, error) {
	channels := x.Shape[len(x.Shape)-1]
	y := tensor.New(x.Shape...)
	if cap(l.scale) < x.Len() {
		l.scale = make([]float64, x.Len())
	}
	l.scale = l.scale[:x.Len()]
	for base := 0; base < x.Len(); base += channels {
		in := x.Data[base : base+channels]
		for c := range in {
			lo, hi := l.window(c, channels)
			sum := 0.0
			for i := lo; i <= hi; i++ {
				sum += in[i] * in[i]
			}
			s := l.bias + l.alpha*sum
			l.scale[base+c] = s
			y.Data[base+c] = in[c] * math.Pow(s, -l.beta)
		}
	}
	l.x = x
	return y, nil
}

func (l *LRN) backward(dy *tensor.Tensor, _, withInput bool) (*tensor.Tensor, error) {
	if l.x == nil {
		return nil, errors.Errorf("%s: backward called before forward", l.name)
	}
	if !withInput {
		return nil, nil
	}
	channels := l.x.Shape[len(l.x.Shape)-1]
	dx := tensor.New(l.x.Shape...)
	// dy[i]*x[i]*scale[i]^(-beta-1), reused by every channel in the window.
	weighted := make([]float64, channels)
	for base := 0; base < l.x.Len(); base += channels {
		in := l.x.Data[base : base+channels]
		scale := l.scale[base : base+channels]
		g := dy.Data[base : base+channels]
		for i := range in {
			weighted[i] = g[i] * in[i] * math.Pow(scale[i], -l.beta-1)
		}
		for j := range in {
			lo, hi := l.window(j, channels)
			sum := 0.0
			for i := lo; i <= hi; i++ {
				sum += weighted[i]
			}
			dx.Data[base+j] = g[j]*math.Pow(scale[j], -l.beta) - 2*l.alpha*l.beta*in[j]*sum
		}
	}
	return dx, nil
}
