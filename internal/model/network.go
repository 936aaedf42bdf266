package model

import (
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/pkg/errors"

	"alexnet-finetune/internal/tensor"
)

// Options configures a Network.
type Options struct {
	// LearningRate is the gradient-descent step size.
	LearningRate float64
	// Seed drives weight initialisation and dropout.
	Seed int64
}

// Network is a sequential classifier with an explicit layer registry.
//
// Only layers passed to SetTrainable are updated by Update; every other
// parameter is frozen.
type Network struct {
	arch   Architecture
	opts   Options
	layers []Layer
	index  map[string]int
	rng    *rand.Rand

	trainable []Layer
	// lowest is the index of the lowest trainable layer, or len(layers) if none.
	lowest int

	logits *mat.Dense
}

var _ Model = (*Network)(nil)

// NewNetwork builds and randomly initialises arch.
func NewNetwork(arch Architecture, opts Options) (*Network, error) {
	if arch.InputSize <= 0 || arch.Channels <= 0 {
		return nil, errors.Errorf("architecture %q: invalid input %dx%dx%d", arch.Name, arch.InputSize, arch.InputSize, arch.Channels)
	}
	if len(arch.Layers) == 0 {
		return nil, errors.Errorf("architecture %q has no layers", arch.Name)
	}
	n := &Network{
		arch:  arch,
		opts:  opts,
		index: make(map[string]int, len(arch.Layers)),
		rng:   rand.New(rand.NewSource(opts.Seed)),
	}
	shape := arch.InputShape()
	for _, spec := range arch.Layers {
		if _, dup := n.index[spec.Name]; dup || spec.Name == "" {
			return nil, errors.Errorf("architecture %q: layer name %q is empty or repeated", arch.Name, spec.Name)
		}
		layer, err := buildLayer(spec, shape)
		if err != nil {
			return nil, errors.WithMessagef(err, "architecture %q", arch.Name)
		}
		if shape, err = layer.OutputShape(shape); err != nil {
			return nil, err
		}
		n.index[spec.Name] = len(n.layers)
		n.layers = append(n.layers, layer)
	}
	if len(shape) != 1 {
		return nil, errors.Errorf("architecture %q must end in a dense layer, output shape is %v", arch.Name, shape)
	}
	n.initWeights()
	n.lowest = len(n.layers)
	return n, nil
}

func buildLayer(spec LayerSpec, in []int) (Layer, error) {
	switch spec.Kind {
	case ConvLayer:
		return newConv2D(spec, in)
	case MaxPoolLayer:
		return newMaxPool(spec, in)
	case LRNLayer:
		return newLRN(spec, in)
	case DenseLayer:
		return newDense(spec, in)
	case DropoutLayer:
		return newDropout(spec), nil
	}
	return nil, errors.Errorf("layer %q: unknown kind %s", spec.Name, spec.Kind)
}

func (n *Network) initWeights() {
	for _, layer := range n.layers {
		switch l := layer.(type) {
		case *Conv2D:
			receptive := l.kernelH * l.kernelW
			glorotUniform(l.weights.Value.Data, receptive*l.inC/l.groups, receptive*l.filters/l.groups, n.rng)
		case *Dense:
			glorotUniform(l.weights.Value.Data, l.in, l.out, n.rng)
		}
	}
}

// Architecture returns the description the network was built from.
func (n *Network) Architecture() Architecture { return n.arch }

// NumClasses is the width of the logits.
func (n *Network) NumClasses() int {
	last := n.layers[len(n.layers)-1].(*Dense)
	return last.out
}

// LearningRate returns the gradient-descent step size.
func (n *Network) LearningRate() float64 { return n.opts.LearningRate }

// Layers returns the layer handles in network order.
func (n *Network) Layers() []Layer { return append([]Layer(nil), n.layers...) }

// Layer looks up a layer handle by name.
func (n *Network) Layer(name string) (Layer, bool) {
	i, ok := n.index[name]
	if !ok {
		return nil, false
	}
	return n.layers[i], true
}

// Params lists every parameter in network order.
func (n *Network) Params() []*Param {
	var params []*Param
	for _, l := range n.layers {
		params = append(params, l.Params()...)
	}
	return params
}

// SelectTrainable returns the handles of the layers named in names, in network
// order. Names that match no layer are logged and skipped.
func (n *Network) SelectTrainable(names []string) []Layer {
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := n.index[name]; !ok {
			klog.Warningf("trainable layer %q does not exist in %s", name, n.arch.Name)
			continue
		}
		wanted[name] = true
	}
	var selected []Layer
	for _, l := range n.layers {
		if wanted[l.Name()] {
			selected = append(selected, l)
		}
	}
	return selected
}

// SetTrainable marks exactly the given layers as trainable.
func (n *Network) SetTrainable(layers []Layer) error {
	n.trainable = nil
	n.lowest = len(n.layers)
	for _, l := range layers {
		i, ok := n.index[l.Name()]
		if !ok || n.layers[i] != l {
			return errors.Errorf("layer %q does not belong to %s", l.Name(), n.arch.Name)
		}
		if i < n.lowest {
			n.lowest = i
		}
		n.trainable = append(n.trainable, l)
	}
	return nil
}

// Trainable returns the trainable layer handles.
func (n *Network) Trainable() []Layer { return append([]Layer(nil), n.trainable...) }

// IsTrainable reports whether the named layer is updated by Update.
func (n *Network) IsTrainable(name string) bool {
	for _, l := range n.trainable {
		if l.Name() == name {
			return true
		}
	}
	return false
}

// TrainableParams lists the parameters Update changes.
func (n *Network) TrainableParams() []*Param {
	var params []*Param
	for _, l := range n.trainable {
		params = append(params, l.Params()...)
	}
	return params
}

// Forward implements Model.
func (n *Network) Forward(images *tensor.Tensor, keepProb float64) (*mat.Dense, error) {
	want := n.arch.InputShape()
	if images.Rank() != 4 || images.Shape[0] == 0 || !tensor.EqualShapes(images.Shape[1:], want) {
		return nil, errors.Errorf("%s expects images of shape Nx%dx%dx%d, got %s",
			n.arch.Name, want[0], want[1], want[2], images)
	}
	p := &pass{keepProb: keepProb, rng: n.rng}
	x := images
	for _, l := range n.layers {
		var err error
		if x, err = l.forward(x, p); err != nil {
			return nil, errors.WithMessagef(err, "forward %s", l.Name())
		}
	}
	logits := mat.NewDense(x.Shape[0], x.Shape[1], append([]float64(nil), x.Data...))
	n.logits = logits
	return logits, nil
}

// Loss implements Model.
func (n *Network) Loss(logits, labels *mat.Dense) float64 {
	loss, _ := SoftmaxCrossEntropy(logits, labels)
	return loss
}

// Update implements Model. It requires logits to come from the latest Forward.
// Every gradient is computed before any parameter changes.
func (n *Network) Update(logits, labels *mat.Dense) error {
	if n.logits == nil || logits != n.logits {
		return errors.New("update needs the logits of the latest forward pass")
	}
	labelRows, labelCols := labels.Dims()
	if r, c := logits.Dims(); r != labelRows || c != labelCols {
		return errors.Errorf("labels %dx%d do not match logits %dx%d", labelRows, labelCols, r, c)
	}
	if len(n.trainable) == 0 {
		return nil
	}
	_, grad := SoftmaxCrossEntropy(logits, labels)
	rows, cols := grad.Dims()
	dy, err := tensor.FromData(grad.RawMatrix().Data, rows, cols)
	if err != nil {
		return err
	}
	for i := len(n.layers) - 1; i >= n.lowest; i-- {
		l := n.layers[i]
		if dy, err = l.backward(dy, n.IsTrainable(l.Name()), i > n.lowest); err != nil {
			return errors.WithMessagef(err, "backward %s", l.Name())
		}
	}
	for _, p := range n.TrainableParams() {
		floats.AddScaled(p.Value.Data, -n.opts.LearningRate, p.Grad.Data)
	}
	return nil
}

// TopNAccuracy implements Model.
func (n *Network) TopNAccuracy(logits *mat.Dense, classes []int, topN int) float64 {
	return TopNAccuracy(logits, classes, topN)
}
