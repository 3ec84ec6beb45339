// Package layers implements the building blocks of the contour-aware network
// with explicit forward and backward passes.
//
// Each layer caches what its backward pass needs during Forward and returns
// the input gradient from Backward. Parameter gradients are accumulated into
// a Gradients map keyed by the parameter's raw tensor, which is the format
// Born optimizers consume in Step:
//
//	grads := layers.Gradients{}
//	y := conv.Forward(x)
//	dx := conv.Backward(dy, grads)
//	optimizer.Step(grads)
//
// Born's CPU backend provides the 2D convolution kernels (forward, input
// gradient, kernel gradient). Operations Born does not ship, such as
// transposed convolution and SAME-padded pooling, are implemented here on
// float32 CPU memory.
package layers

import (
	"fmt"
	"runtime"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"golang.org/x/sync/errgroup"
)

// Layer is a differentiable network stage.
type Layer[B tensor.Backend] interface {
	// Forward computes the layer output and caches the state Backward needs.
	Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

	// Backward consumes dL/d(output) of the most recent Forward, adds the
	// parameter gradients to grads and returns dL/d(input).
	Backward(grad *tensor.Tensor[float32, B], grads Gradients) *tensor.Tensor[float32, B]

	// Parameters returns the trainable parameters (empty for stateless layers).
	Parameters() []*nn.Parameter[B]
}

// Gradients maps a parameter's raw tensor to its gradient.
type Gradients map[*tensor.RawTensor]*tensor.RawTensor

// Accumulate adds grad to the gradient stored for key.
func (g Gradients) Accumulate(key, grad *tensor.RawTensor) {
	prev, ok := g[key]
	if !ok {
		g[key] = grad
		return
	}
	dst := prev.AsFloat32()
	for i, v := range grad.AsFloat32() {
		dst[i] += v
	}
}

// newFloat32 allocates a zeroed float32 tensor.
func newFloat32(shape tensor.Shape, device tensor.Device) *tensor.RawTensor {
	raw, err := tensor.NewRaw(shape, tensor.Float32, device)
	if err != nil {
		panic(fmt.Sprintf("layers: allocate %v: %v", shape, err))
	}
	return raw
}

// wrap lifts a raw tensor into the typed API.
func wrap[B tensor.Backend](raw *tensor.RawTensor, backend B) *tensor.Tensor[float32, B] {
	return tensor.New[float32, B](raw, backend)
}

// parallelFor runs fn(i) for every i in [0, n) on at most GOMAXPROCS
// goroutines. Callers partition output memory by i so no two calls write
// the same element.
func parallelFor(n int, fn func(i int)) {
	if n == 1 {
		fn(0)
		return
	}
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

// expect4D panics unless shape is [N, C, H, W].
func expect4D(op string, shape tensor.Shape) {
	if len(shape) != 4 {
		panic(fmt.Sprintf("%s: expected 4D input [N,C,H,W], got %dD", op, len(shape)))
	}
}
