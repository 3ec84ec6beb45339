package layers

import (
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// ReLU applies max(0, x) element-wise.
type ReLU[B tensor.Backend] struct {
	backend B
	output  *tensor.RawTensor
}

// NewReLU creates a ReLU activation layer.
func NewReLU[B tensor.Backend](backend B) *ReLU[B] {
	return &ReLU[B]{backend: backend}
}

// Forward applies the activation.
func (r *ReLU[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	out := newFloat32(x.Shape(), x.Device())
	dst := out.AsFloat32()
	for i, v := range x.Raw().AsFloat32() {
		if v > 0 {
			dst[i] = v
		}
	}
	r.output = out
	return wrap(out, r.backend)
}

// Backward passes the gradient where the output was positive.
func (r *ReLU[B]) Backward(grad *tensor.Tensor[float32, B], _ Gradients) *tensor.Tensor[float32, B] {
	if r.output == nil {
		panic("relu: Backward called before Forward")
	}
	dx := newFloat32(grad.Shape(), grad.Device())
	dst := dx.AsFloat32()
	y := r.output.AsFloat32()
	for i, g := range grad.Raw().AsFloat32() {
		if y[i] > 0 {
			dst[i] = g
		}
	}
	return wrap(dx, r.backend)
}

// Parameters returns nil; ReLU has no trainable state.
func (r *ReLU[B]) Parameters() []*nn.Parameter[B] { return nil }

// Dropout zeroes each element with probability 1-keepProb and scales the
// survivors by 1/keepProb. It is the identity when training is off.
type Dropout[B tensor.Backend] struct {
	keepProb float32
	training bool
	rng      *rand.Rand
	backend  B
	mask     []float32
}

// NewDropout creates a dropout layer in training mode.
func NewDropout[B tensor.Backend](keepProb float32, rng *rand.Rand, backend B) *Dropout[B] {
	if keepProb <= 0 || keepProb > 1 {
		panic(fmt.Sprintf("dropout: keep probability must be in (0, 1], got %v", keepProb))
	}
	return &Dropout[B]{keepProb: keepProb, training: true, rng: rng, backend: backend}
}

// SetTraining switches between training (random mask) and inference (identity).
func (d *Dropout[B]) SetTraining(training bool) { d.training = training }

// Forward draws a fresh mask and applies it.
func (d *Dropout[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if !d.training || d.keepProb == 1 {
		d.mask = nil
		return x
	}
	src := x.Raw().AsFloat32()
	if cap(d.mask) < len(src) {
		d.mask = make([]float32, len(src))
	}
	d.mask = d.mask[:len(src)]

	scale := 1 / d.keepProb
	out := newFloat32(x.Shape(), x.Device())
	dst := out.AsFloat32()
	for i, v := range src {
		if d.rng.Float32() < d.keepProb {
			d.mask[i] = scale
			dst[i] = v * scale
		} else {
			d.mask[i] = 0
		}
	}
	return wrap(out, d.backend)
}

// Backward applies the same mask to the gradient.
func (d *Dropout[B]) Backward(grad *tensor.Tensor[float32, B], _ Gradients) *tensor.Tensor[float32, B] {
	if d.mask == nil {
		return grad
	}
	dx := newFloat32(grad.Shape(), grad.Device())
	dst := dx.AsFloat32()
	for i, g := range grad.Raw().AsFloat32() {
		dst[i] = g * d.mask[i]
	}
	return wrap(dx, d.backend)
}

// Parameters returns nil; dropout has no trainable state.
func (d *Dropout[B]) Parameters() []*nn.Parameter[B] { return nil }

// ZeroFraction returns the fraction of elements of x that are exactly zero.
func ZeroFraction[B tensor.Backend](x *tensor.Tensor[float32, B]) float64 {
	data := x.Raw().AsFloat32()
	if len(data) == 0 {
		return 0
	}
	zeros := 0
	for _, v := range data {
		if v == 0 {
			zeros++
		}
	}
	return float64(zeros) / float64(len(data))
}
