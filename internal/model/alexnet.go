package model

import "fmt"

// LayerKind enumerates the layer types an Architecture can declare.
type LayerKind int

const (
	ConvLayer LayerKind = iota
	MaxPoolLayer
	LRNLayer
	DenseLayer
	DropoutLayer
)

func (k LayerKind) String() string {
	switch k {
	case ConvLayer:
		return "conv"
	case MaxPoolLayer:
		return "maxpool"
	case LRNLayer:
		return "lrn"
	case DenseLayer:
		return "dense"
	case DropoutLayer:
		return "dropout"
	}
	return fmt.Sprintf("LayerKind(%d)", int(k))
}

// LayerSpec declares one layer. Only the fields relevant to Kind are read.
type LayerSpec struct {
	Kind LayerKind
	Name string

	KernelH, KernelW int
	Stride           int
	Padding          Padding
	Filters          int
	Groups           int

	Units int
	ReLU  bool

	Radius            int
	Alpha, Beta, Bias float64
}

// Conv declares a convolution followed by ReLU.
func Conv(name string, kernel, stride, filters, groups int, padding Padding) LayerSpec {
	return LayerSpec{Kind: ConvLayer, Name: name, KernelH: kernel, KernelW: kernel, Stride: stride,
		Filters: filters, Groups: groups, Padding: padding, ReLU: true}
}

// Pool declares a max pooling layer.
func Pool(name string, kernel, stride int, padding Padding) LayerSpec {
	return LayerSpec{Kind: MaxPoolLayer, Name: name, KernelH: kernel, KernelW: kernel, Stride: stride, Padding: padding}
}

// Norm declares a local response normalisation layer.
func Norm(name string, radius int, alpha, beta, bias float64) LayerSpec {
	return LayerSpec{Kind: LRNLayer, Name: name, Radius: radius, Alpha: alpha, Beta: beta, Bias: bias}
}

// FC declares a fully-connected layer.
func FC(name string, units int, relu bool) LayerSpec {
	return LayerSpec{Kind: DenseLayer, Name: name, Units: units, ReLU: relu}
}

// Drop declares a dropout layer driven by the forward keep probability.
func Drop(name string) LayerSpec {
	return LayerSpec{Kind: DropoutLayer, Name: name}
}

// Architecture is a square-input network description.
type Architecture struct {
	Name      string
	InputSize int
	Channels  int
	Layers    []LayerSpec
}

// InputShape is the per-example HxWxC input shape.
func (a Architecture) InputShape() []int { return []int{a.InputSize, a.InputSize, a.Channels} }

// AlexNet is the two-tower AlexNet on 227x227 BGR input, with the last layer
// sized to numClasses.
func AlexNet(numClasses int) Architecture {
	return Architecture{
		Name:      "alexnet",
		InputSize: 227,
		Channels:  3,
		Layers: []LayerSpec{
			Conv("conv1", 11, 4, 96, 1, Valid),
			Norm("norm1", 2, 2e-05, 0.75, 1.0),
			Pool("pool1", 3, 2, Valid),

			Conv("conv2", 5, 1, 256, 2, Same),
			Norm("norm2", 2, 2e-05, 0.75, 1.0),
			Pool("pool2", 3, 2, Valid),

			Conv("conv3", 3, 1, 384, 1, Same),
			Conv("conv4", 3, 1, 384, 2, Same),
			Conv("conv5", 3, 1, 256, 2, Same),
			Pool("pool5", 3, 2, Valid),

			FC("fc6", 4096, true),
			Drop("dropout6"),
			FC("fc7", 4096, true),
			Drop("dropout7"),
			FC("fc8", numClasses, false),
		},
	}
}
