// Package tensor holds the dense N-dimensional float64 buffer shared by the
// data pipeline, the network and the checkpoint store.
//
// Data is row-major; image batches use NHWC order.
package tensor

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Tensor is a shaped view over a flat float64 slice.
type Tensor struct {
	Shape []int
	Data  []float64
}

// New allocates a zero-filled tensor with the given dimensions.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, Size(shape))}
}

// FromData wraps data without copying. It fails if the length does not match shape.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	if len(data) != Size(shape) {
		return nil, errors.Errorf("tensor: %d values do not fit shape %v", len(data), shape)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Size is the number of elements of shape. The empty shape is a scalar.
func Size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float64(nil), t.Data...)}
}

// Zero resets every element to 0.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// SameShape reports whether both tensors have identical dimensions.
func (t *Tensor) SameShape(other *Tensor) bool {
	return EqualShapes(t.Shape, other.Shape)
}

// EqualShapes compares two dimension lists.
func EqualShapes(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Reshape returns a view of the same data with a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if Size(shape) != len(t.Data) {
		return nil, errors.Errorf("tensor: cannot reshape %v into %v", t.Shape, shape)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: t.Data}, nil
}

// Slice returns a view of the i-th entry along the first axis.
func (t *Tensor) Slice(i int) []float64 {
	stride := len(t.Data) / t.Shape[0]
	return t.Data[i*stride : (i+1)*stride]
}

func (t *Tensor) String() string {
	dims := make([]string, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(dims, "x") + ")"
}
