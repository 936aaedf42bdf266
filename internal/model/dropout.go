package model

import (
	"github.com/pkg/errors"

	"alexnet-finetune/internal/tensor"
)

// Dropout zeroes activations with probability 1-keepProb and rescales the
// survivors by 1/keepProb. It is the identity when keepProb is 1.
type Dropout struct {
	name string
	mask []float64
	seen bool
}

func newDropout(spec LayerSpec) *Dropout { return &Dropout{name: spec.Name} }

func (d *Dropout) Name() string      { return d.name }
func (d *Dropout) Params() []*Param { return nil }

func (d *Dropout) OutputShape(in []int) ([]int, error) {
	return append([]int(nil), in...), nil
}

func (d *Dropout) forward(x *tensor.Tensor, p *pass) (*tensor.Tensor, error) {
	d.seen = true
	if !p.dropout() {
		d.mask = nil
		return x, nil
	}
	if p.keepProb <= 0 {
		return nil, errors.Errorf("%s: keep probability must be > 0, got %g", d.name, p.keepProb)
	}
	y := tensor.New(x.Shape...)
	if cap(d.mask) < x.Len() {
		d.mask = make([]float64, x.Len())
	}
	d.mask = d.mask[:x.Len()]
	scale := 1 / p.keepProb
	for i, v := range x.Data {
		if p.rng.Float64() < p.keepProb {
			d.mask[i] = scale
			y.Data[i] = v * scale
		} else {
			d.mask[i] = 0
		}
	}
	return y, nil
}

func (d *Dropout) backward(dy *tensor.Tensor, _, withInput bool) (*tensor.Tensor, error) {
	if !d.seen {
		return nil, errors.Errorf("%s: backward called before forward", d.name)
	}
	if !withInput {
		return nil, nil
	}
	if d.mask == nil {
		return dy, nil
	}
	dx := tensor.New(dy.Shape...)
	for i, g := range dy.Data {
		dx.Data[i] = g * d.mask[i]
	}
	return dx, nil
}
