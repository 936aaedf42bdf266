package model

import (
	"gonum.org/v1/gonum/mat"

	"github.com/pkg/errors"

	"alexnet-finetune/internal/tensor"
)

// Padding selects how spatial borders are handled, with TensorFlow semantics.
type Padding int

const (
	Valid Padding = iota
	Same
)

func (p Padding) String() string {
	if p == Same {
		return "SAME"
	}
	return "VALID"
}

// outputSize returns the output length and the padding before the first
// element for one spatial axis.
func (p Padding) outputSize(in, kernel, stride int) (out, before int) {
	if p == Same {
		out = (in + stride - 1) / stride
		total := (out-1)*stride + kernel - in
		if total < 0 {
			total = 0
		}
		return out, total / 2
	}
	return (in-kernel)/stride + 1, 0
}

// Conv2D is a grouped 2D convolution over NHWC input with weights laid out as
// [kernelH, kernelW, inChannels/groups, filters].
type Conv2D struct {
	name             string
	kernelH, kernelW int
	stride           int
	filters, groups  int
	padding          Padding
	relu             bool

	weights, biases *Param

	inH, inW, inC int
	outH, outW    int
	padT, padL    int

	x, y *tensor.Tensor
}

func newConv2D(spec LayerSpec, in []int) (*Conv2D, error) {
	if len(in) != 3 {
		return nil, errors.Errorf("%s: convolution needs HxWxC input, got %v", spec.Name, in)
	}
	groups := spec.Groups
	if groups <= 0 {
		groups = 1
	}
	stride := spec.Stride
	if stride <= 0 {
		stride = 1
	}
	c := &Conv2D{
		name:    spec.Name,
		kernelH: spec.KernelH, kernelW: spec.KernelW,
		stride:  stride,
		filters: spec.Filters, groups: groups,
		padding: spec.Padding,
		relu:    spec.ReLU,
		inH:     in[0], inW: in[1], inC: in[2],
	}
	if c.inC%groups != 0 || c.filters%groups != 0 {
		return nil, errors.Errorf("%s: %d input channels and %d filters must both divide into %d groups",
			c.name, c.inC, c.filters, groups)
	}
	c.outH, c.padT = c.padding.outputSize(c.inH, c.kernelH, c.stride)
	c.outW, c.padL = c.padding.outputSize(c.inW, c.kernelW, c.stride)
	if c.outH <= 0 || c.outW <= 0 {
		return nil, errors.Errorf("%s: kernel %dx%d does not fit input %v", c.name, c.kernelH, c.kernelW, in)
	}
	c.weights = newParam(c.name, "weights", c.kernelH, c.kernelW, c.inC/groups, c.filters)
	c.biases = newParam(c.name, "biases", c.filters)
	return c, nil
}

func (c *Conv2D) Name() string      { return c.name }
func (c *Conv2D) Params() []*Param { return []*Param{c.weights, c.biases} }

func (c *Conv2D) OutputShape(in []int) ([]int, error) {
	if !tensor.EqualShapes(in, []int{c.inH, c.inW, c.inC}) {
		return nil, errors.Errorf("%s: built for input %dx%dx%d, got %v", c.name, c.inH, c.inW, c.inC, in)
	}
	return []int{c.outH, c.outW, c.filters}, nil
}

// patchLen is the number of columns of the im2col matrix of one group.
func (c *Conv2D) patchLen() int { return c.kernelH * c.kernelW * (c.inC / c.groups) }

// im2col lays out the receptive fields of group g of one example as rows.
func (c *Conv2D) im2col(example []float64, g int, cols []float64) {
	cg := c.inC / c.groups
	k := c.patchLen()
	for oy := 0; oy < c.outH; oy++ {
		for ox := 0; ox < c.outW; ox++ {
			row := cols[(oy*c.outW+ox)*k : (oy*c.outW+ox+1)*k]
			for ky := 0; ky < c.kernelH; ky++ {
				iy := oy*c.stride + ky - c.padT
				for kx := 0; kx < c.kernelW; kx++ {
					ix := ox*c.stride + kx - c.padL
					dst := row[(ky*c.kernelW+kx)*cg : (ky*c.kernelW+kx+1)*cg]
					if iy < 0 || iy >= c.inH || ix < 0 || ix >= c.inW {
						for i := range dst {
							dst[i] = 0
						}
						continue
					}
					base := (iy*c.inW+ix)*c.inC + g*cg
					copy(dst, example[base:base+cg])
				}
			}
		}
	}
}

// col2im scatters-adds patch gradients of group g back into dx of one example.
func (c *Conv2D) col2im(cols []float64, g int, dx []float64) {
	cg := c.inC / c.groups
	k := c.patchLen()
	for oy := 0; oy < c.outH; oy++ {
		for ox := 0; ox < c.outW; ox++ {
			row := cols[(oy*c.outW+ox)*k : (oy*c.outW+ox+1)*k]
			for ky := 0; ky < c.kernelH; ky++ {
				iy := oy*c.stride + ky - c.padT
				if iy < 0 || iy >= c.inH {
					continue
				}
				for kx := 0; kx < c.kernelW; kx++ {
					ix := ox*c.stride + kx - c.padL
					if ix < 0 || ix >= c.inW {
						continue
					}
					src := row[(ky*c.kernelW+kx)*cg : (ky*c.kernelW+kx+1)*cg]
					base := (iy*c.inW+ix)*c.inC + g*cg
					for i, v := range src {
						dx[base+i] += v
					}
				}
			}
		}
	}
}

// groupWeights returns the [patchLen, filters/groups] view of group g.
func (c *Conv2D) groupWeights(w *tensor.Tensor, g int) *mat.Dense {
	fg := c.filters / c.groups
	full := mat.NewDense(c.patchLen(), c.filters, w.Data)
	return full.Slice(0, c.patchLen(), g*fg, (g+1)*fg).(*mat.Dense)
}

func (c *Conv2D) forward(x *tensor.Tensor, _ *pass) (*tensor.Tensor, error) {
	n := x.Shape[0]
	positions := c.outH * c.outW
	k := c.patchLen()
	fg := c.filters / c.groups
	y := tensor.New(n, c.outH, c.outW, c.filters)
	cols := make([]float64, positions*k)
	colsM := mat.NewDense(positions, k, cols)
	for s := 0; s < n; s++ {
		out := mat.NewDense(positions, c.filters, y.Slice(s))
		for g := 0; g < c.groups; g++ {
			c.im2col(x.Slice(s), g, cols)
			dst := out.Slice(0, positions, g*fg, (g+1)*fg).(*mat.Dense)
			dst.Mul(colsM, c.groupWeights(c.weights.Value, g))
		}
		data := y.Slice(s)
		for p := 0; p < positions; p++ {
			row := data[p*c.filters : (p+1)*c.filters]
			for f, b := range c.biases.Value.Data {
				row[f] += b
			}
		}
	}
	if c.relu {
		relu(y.Data)
	}
	c.x, c.y = x, y
	return y, nil
}

func (c *Conv2D) backward(dy *tensor.Tensor, withParams, withInput bool) (*tensor.Tensor, error) {
	if c.x == nil {
		return nil, errors.Errorf("%s: backward called before forward", c.name)
	}
	if c.relu {
		applyReLUMask(dy, c.y)
	}
	n := c.x.Shape[0]
	positions := c.outH * c.outW
	k := c.patchLen()
	fg := c.filters / c.groups

	if withParams {
		c.weights.grad().Zero()
		db := c.biases.grad().Data
		for i := range db {
			db[i] = 0
		}
		for i, v := range dy.Data {
			db[i%c.filters] += v
		}
	}
	var dx *tensor.Tensor
	if withInput {
		dx = tensor.New(c.x.Shape...)
	}

	cols := make([]float64, positions*k)
	colsM := mat.NewDense(positions, k, cols)
	var dCols *mat.Dense
	if withInput {
		dCols = mat.NewDense(positions, k, nil)
	}
	var dW mat.Dense
	for s := 0; s < n; s++ {
		dyS := mat.NewDense(positions, c.filters, dy.Slice(s))
		for g := 0; g < c.groups; g++ {
			dyG := dyS.Slice(0, positions, g*fg, (g+1)*fg)
			if withParams {
				c.im2col(c.x.Slice(s), g, cols)
				dW.Reset()
				dW.Mul(colsM.T(), dyG)
				grad := c.groupWeights(c.weights.Grad, g)
				grad.Add(grad, &dW)
			}
			if withInput {
				dCols.Mul(dyG, c.groupWeights(c.weights.Value, g).T())
				c.col2im(dCols.RawMatrix().Data, g, dx.Slice(s))
			}
		}
	}
	return dx, nil
}
