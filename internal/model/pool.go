package model

import (
	"math"

	"github.com/pkg/errors"

	"alexnet-finetune/internal/tensor"
)

// MaxPool is a per-channel spatial max pooling over NHWC input.
type MaxPool struct {
	name             string
	kernelH, kernelW int
	stride           int
	padding          Padding

	inH, inW, inC int
	outH, outW    int
	padT, padL    int

	inShape []int
	argmax  []int
}

func newMaxPool(spec LayerSpec, in []int) (*MaxPool, error) {
	if len(in) != 3 {
		return nil, errors.Errorf("%s: pooling needs HxWxC input, got %v", spec.Name, in)
	}
	stride := spec.Stride
	if stride <= 0 {
		stride = spec.KernelH
	}
	p := &MaxPool{
		name:    spec.Name,
		kernelH: spec.KernelH, kernelW: spec.KernelW,
		stride:  stride,
		padding: spec.Padding,
		inH:     in[0], inW: in[1], inC: in[2],
	}
	p.outH, p.padT = p.padding.outputSize(p.inH, p.kernelH, p.stride)
	p.outW, p.padL = p.padding.outputSize(p.inW, p.kernelW, p.stride)
	if p.outH <= 0 || p.outW <= 0 {
		return nil, errors.Errorf("%s: window %dx%d does not fit input %v", p.name, p.kernelH, p.kernelW, in)
	}
	return p, nil
}

func (p *MaxPool) Name() string      { return p.name }
func (p *MaxPool) Params() []*Param { return nil }

func (p *MaxPool) OutputShape(in []int) ([]int, error) {
	if !tensor.EqualShapes(in, []int{p.inH, p.inW, p.inC}) {
		return nil, errors.Errorf("%s: built for input %dx%dx%d, got %v", p.name, p.inH, p.inW, p.inC, in)
	}
	return []int{p.outH, p.outW, p.inC}, nil
}

func (p *MaxPool) forward(x *tensor.Tensor, _ *pass) (*tensor.Tensor, error) {
	n := x.Shape[0]
	y := tensor.New(n, p.outH, p.outW, p.inC)
	if cap(p.argmax) < y.Len() {
		p.argmax = make([]int, y.Len())
	}
	p.argmax = p.argmax[:y.Len()]
	exampleLen := p.inH * p.inW * p.inC
	out := 0
	for s := 0; s < n; s++ {
		base := s * exampleLen
		for oy := 0; oy < p.outH; oy++ {
			for ox := 0; ox < p.outW; ox++ {
				for ch := 0; ch < p.inC; ch++ {
					best, bestIdx := math.Inf(-1), -1
					for ky := 0; ky < p.kernelH; ky++ {
						iy := oy*p.stride + ky - p.padT
						if iy < 0 || iy >= p.inH {
							continue
						}
						for kx := 0; kx < p.kernelW; kx++ {
							ix := ox*p.stride + kx - p.padL
							if ix < 0 || ix >= p.inW {
								continue
							}
							idx := base + (iy*p.inW+ix)*p.inC + ch
							if v := x.Data[idx]; bestIdx < 0 || v > best {
								best, bestIdx = v, idx
							}
						}
					}
					y.Data[out] = best
					p.argmax[out] = bestIdx
					out++
				}
			}
		}
	}
	p.inShape = x.Shape
	return y, nil
}

func (p *MaxPool) backward(dy *tensor.Tensor, _, withInput bool) (*tensor.Tensor, error) {
	if p.inShape == nil {
		return nil, errors.Errorf("%s: backward called before forward", p.name)
	}
	if !withInput {
		return nil, nil
	}
	dx := tensor.New(p.inShape...)
	for i, g := range dy.Data {
		dx.Data[p.argmax[i]] += g
	}
	return dx, nil
}
