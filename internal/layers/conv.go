package layers

import (
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Conv2D is a stride-1 convolution with SAME padding and a per-channel bias.
//
// Input shape:  [batch, in_channels, height, width]
// Weight shape: [out_channels, in_channels, kernel, kernel]
// Output shape: [batch, out_channels, height, width]
//
// The kernel size must be odd so that SAME padding is symmetric.
type Conv2D[B tensor.Backend] struct {
	inChannels  int
	outChannels int
	kernel      int
	weightDecay float32

	weight *nn.Parameter[B]
	bias   *nn.Parameter[B]

	backend B
	input   *tensor.Tensor[float32, B]
}

// Conv2DConfig describes a convolution layer and its initialization.
type Conv2DConfig struct {
	Name        string  // Variable scope, e.g. "conv1"
	InChannels  int     // Input feature maps
	OutChannels int     // Output feature maps
	Kernel      int     // Square kernel size (odd)
	Stddev      float64 // Truncated normal stddev for the weights
	WeightDecay float32 // L2 multiplier for the weights (0 disables)
	BiasInit    float32 // Initial bias value
}

// NewConv2D creates a convolution layer with truncated normal weights.
func NewConv2D[B tensor.Backend](cfg Conv2DConfig, rng *rand.Rand, backend B) *Conv2D[B] {
	if cfg.InChannels <= 0 || cfg.OutChannels <= 0 {
		panic(fmt.Sprintf("conv2d: invalid channels in=%d, out=%d", cfg.InChannels, cfg.OutChannels))
	}
	if cfg.Kernel <= 0 || cfg.Kernel%2 == 0 {
		panic(fmt.Sprintf("conv2d: kernel size must be odd and positive, got %d", cfg.Kernel))
	}

	weight := TruncatedNormal(tensor.Shape{cfg.OutChannels, cfg.InChannels, cfg.Kernel, cfg.Kernel}, cfg.Stddev, rng, backend)
	bias := Constant(tensor.Shape{cfg.OutChannels}, cfg.BiasInit, backend)

	return &Conv2D[B]{
		inChannels:  cfg.InChannels,
		outChannels: cfg.OutChannels,
		kernel:      cfg.Kernel,
		weightDecay: cfg.WeightDecay,
		weight:      nn.NewParameter(cfg.Name+"/weights", weight),
		bias:        nn.NewParameter(cfg.Name+"/biases", bias),
		backend:     backend,
	}
}

// Forward performs the convolution and adds the bias.
func (c *Conv2D[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	expect4D("conv2d", shape)
	if shape[1] != c.inChannels {
		panic(fmt.Sprintf("conv2d: input channels %d != expected %d", shape[1], c.inChannels))
	}
	c.input = x

	out := c.backend.Conv2D(x.Raw(), c.weight.Tensor().Raw(), 1, c.kernel/2)
	addBias(out, c.bias.Tensor().Raw())
	return wrap(out, c.backend)
}

// Backward returns dL/dx and records dL/dW and dL/db.
func (c *Conv2D[B]) Backward(grad *tensor.Tensor[float32, B], grads Gradients) *tensor.Tensor[float32, B] {
	if c.input == nil {
		panic("conv2d: Backward called before Forward")
	}
	pad := c.kernel / 2
	w := c.weight.Tensor().Raw()

	dx := c.backend.Conv2DInputBackward(c.input.Raw(), w, grad.Raw(), 1, pad)
	dw := c.backend.Conv2DKernelBackward(c.input.Raw(), w, grad.Raw(), 1, pad)

	grads.Accumulate(w, dw)
	grads.Accumulate(c.bias.Tensor().Raw(), biasGrad(grad.Raw()))
	return wrap(dx, c.backend)
}

// Parameters returns the weight and bias.
func (c *Conv2D[B]) Parameters() []*nn.Parameter[B] {
	return []*nn.Parameter[B]{c.weight, c.bias}
}

// Weight returns the kernel parameter.
func (c *Conv2D[B]) Weight() *nn.Parameter[B] { return c.weight }

// WeightDecay returns the L2 multiplier applied to the kernel.
func (c *Conv2D[B]) WeightDecay() float32 { return c.weightDecay }

// String returns a string representation of the layer.
func (c *Conv2D[B]) String() string {
	return fmt.Sprintf("Conv2D(in_channels=%d, out_channels=%d, kernel_size=%d, padding=SAME)",
		c.inChannels, c.outChannels, c.kernel)
}

// addBias adds bias[c] to every element of channel c of out, in place.
func addBias(out, bias *tensor.RawTensor) {
	shape := out.Shape()
	n, ch, plane := shape[0], shape[1], shape[2]*shape[3]
	data := out.AsFloat32()
	b := bias.AsFloat32()
	parallelFor(n*ch, func(k int) {
		v := b[k%ch]
		p := data[k*plane : (k+1)*plane]
		for i := range p {
			p[i] += v
		}
	})
}

// biasGrad sums grad [N, C, H, W] over every axis but C.
func biasGrad(grad *tensor.RawTensor) *tensor.RawTensor {
	shape := grad.Shape()
	n, ch, plane := shape[0], shape[1], shape[2]*shape[3]
	out := newFloat32(tensor.Shape{ch}, grad.Device())
	g := grad.AsFloat32()
	db := out.AsFloat32()
	for b := 0; b < n; b++ {
		for c := 0; c < ch; c++ {
			off := (b*ch + c) * plane
			var sum float32
			for _, v := range g[off : off+plane] {
				sum += v
			}
			db[c] += sum
		}
	}
	return out
}
