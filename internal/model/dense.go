package model

import (
	"gonum.org/v1/gonum/mat"

	"github.com/pkg/errors"

	"alexnet-finetune/internal/tensor"
)

// Dense is a fully-connected layer. Input examples of any rank are flattened.
type Dense struct {
	name    string
	in, out int
	relu    bool

	weights, biases *Param

	x, y *tensor.Tensor
}

func newDense(spec LayerSpec, in []int) (*Dense, error) {
	if spec.Units <= 0 {
		return nil, errors.Errorf("%s: dense layer needs a positive number of units, got %d", spec.Name, spec.Units)
	}
	d := &Dense{name: spec.Name, in: tensor.Size(in), out: spec.Units, relu: spec.ReLU}
	d.weights = newParam(d.name, "weights", d.in, d.out)
	d.biases = newParam(d.name, "biases", d.out)
	return d, nil
}

func (d *Dense) Name() string      { return d.name }
func (d *Dense) Params() []*Param { return []*Param{d.weights, d.biases} }

func (d *Dense) OutputShape(in []int) ([]int, error) {
	if tensor.Size(in) != d.in {
		return nil, errors.Errorf("%s: built for %d inputs, got shape %v", d.name, d.in, in)
	}
	return []int{d.out}, nil
}

func (d *Dense) forward(x *tensor.Tensor, _ *pass) (*tensor.Tensor, error) {
	n := x.Shape[0]
	if x.Len() != n*d.in {
		return nil, errors.Errorf("%s: input %s does not flatten to %d features", d.name, x, d.in)
	}
	xm := mat.NewDense(n, d.in, x.Data)
	w := mat.NewDense(d.in, d.out, d.weights.Value.Data)
	y := tensor.New(n, d.out)
	ym := mat.NewDense(n, d.out, y.Data)
	ym.Mul(xm, w)
	b := d.biases.Value.Data
	for i := 0; i < n; i++ {
		row := y.Slice(i)
		for j := range row {
			row[j] += b[j]
		}
	}
	if d.relu {
		relu(y.Data)
	}
	d.x, d.y = x, y
	return y, nil
}

func (d *Dense) backward(dy *tensor.Tensor, withParams, withInput bool) (*tensor.Tensor, error) {
	if d.x == nil {
		return nil, errors.Errorf("%s: backward called before forward", d.name)
	}
	if d.relu {
		applyReLUMask(dy, d.y)
	}
	n := d.x.Shape[0]
	dym := mat.NewDense(n, d.out, dy.Data)
	if withParams {
		xm := mat.NewDense(n, d.in, d.x.Data)
		dW := mat.NewDense(d.in, d.out, d.weights.grad().Data)
		dW.Mul(xm.T(), dym)
		db := d.biases.grad().Data
		for j := range db {
			db[j] = 0
		}
		for i := 0; i < n; i++ {
			for j, g := range dy.Slice(i) {
				db[j] += g
			}
		}
	}
	if !withInput {
		return nil, nil
	}
	dx := tensor.New(d.x.Shape...)
	dxm := mat.NewDense(n, d.in, dx.Data)
	dxm.Mul(dym, mat.NewDense(d.in, d.out, d.weights.Value.Data).T())
	return dx, nil
}
