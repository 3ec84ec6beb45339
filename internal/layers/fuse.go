package layers

import (
	"fmt"

	"github.com/born-ml/born/tensor"
)

// Fuse is a weighted element-wise sum of same-shaped maps:
//
//	out = Σ weights[i] * x[i]
//
// The network uses it to merge the up-sampled heads of several depths into
// one fusion map.
type Fuse[B tensor.Backend] struct {
	weights []float32
	backend B
}

// NewFuse creates a fusion stage with one weight per input.
func NewFuse[B tensor.Backend](weights []float32, backend B) *Fuse[B] {
	if len(weights) == 0 {
		panic("fuse: at least one input is required")
	}
	return &Fuse[B]{weights: append([]float32(nil), weights...), backend: backend}
}

// Weights returns the per-input multipliers.
func (f *Fuse[B]) Weights() []float32 { return f.weights }

// Forward sums the weighted inputs.
func (f *Fuse[B]) Forward(xs ...*tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if len(xs) != len(f.weights) {
		panic(fmt.Sprintf("fuse: got %d inputs, expected %d", len(xs), len(f.weights)))
	}
	shape := xs[0].Shape()
	var acc *tensor.RawTensor
	for i, x := range xs {
		if !x.Shape().Equal(shape) {
			panic(fmt.Sprintf("fuse: input %d shape %v != %v", i, x.Shape(), shape))
		}
		// MulScalar always allocates, so acc is never an alias of an input.
		scaled := f.backend.MulScalar(x.Raw(), f.weights[i])
		if acc == nil {
			acc = scaled
			continue
		}
		acc = f.backend.Add(acc, scaled)
	}
	return wrap(acc, f.backend)
}

// Backward returns weights[i] * grad for every input.
func (f *Fuse[B]) Backward(grad *tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	dxs := make([]*tensor.Tensor[float32, B], len(f.weights))
	for i, w := range f.weights {
		dxs[i] = wrap(f.backend.MulScalar(grad.Raw(), w), f.backend)
	}
	return dxs
}
