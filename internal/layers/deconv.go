package layers

import (
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Deconv2D is a transposed convolution with SAME padding and a fixed output
// size, the up-sampling head of the network.
//
// Input shape:  [batch, in_channels, in_h, in_w]
// Weight shape: [out_channels, in_channels, kernel, kernel]
// Output shape: [batch, out_channels, out_h, out_w]
//
// The output size must satisfy ceil(out_h/stride) == in_h and
// ceil(out_w/stride) == in_w. Per spatial axis the total padding is
// max((in-1)*stride + kernel - out, 0) with the smaller half placed before
// the data, so the layer is the exact adjoint of a SAME convolution of an
// out_h x out_w map.
type Deconv2D[B tensor.Backend] struct {
	inChannels  int
	outChannels int
	kernel      int
	stride      int
	outH, outW  int
	weightDecay float32

	weight *nn.Parameter[B]
	bias   *nn.Parameter[B]

	backend B
	input   *tensor.Tensor[float32, B]
}

// Deconv2DConfig describes a transposed convolution layer.
type Deconv2DConfig struct {
	Name        string  // Variable scope, e.g. "deconv4_0"
	InChannels  int     // Input feature maps
	OutChannels int     // Output maps (classes)
	Kernel      int     // Square kernel size
	Stride      int     // Up-sampling factor
	OutH, OutW  int     // Output spatial size
	Stddev      float64 // Truncated normal stddev for the weights
	WeightDecay float32 // L2 multiplier for the weights (0 disables)
	BiasInit    float32 // Initial bias value
}

// NewDeconv2D creates a transposed convolution layer.
func NewDeconv2D[B tensor.Backend](cfg Deconv2DConfig, rng *rand.Rand, backend B) *Deconv2D[B] {
	if cfg.InChannels <= 0 || cfg.OutChannels <= 0 {
		panic(fmt.Sprintf("deconv2d: invalid channels in=%d, out=%d", cfg.InChannels, cfg.OutChannels))
	}
	if cfg.Kernel <= 0 || cfg.Stride <= 0 {
		panic(fmt.Sprintf("deconv2d: invalid kernel %d or stride %d", cfg.Kernel, cfg.Stride))
	}
	if cfg.OutH <= 0 || cfg.OutW <= 0 {
		panic(fmt.Sprintf("deconv2d: invalid output size %dx%d", cfg.OutH, cfg.OutW))
	}

	weight := TruncatedNormal(tensor.Shape{cfg.OutChannels, cfg.InChannels, cfg.Kernel, cfg.Kernel}, cfg.Stddev, rng, backend)
	bias := Constant(tensor.Shape{cfg.OutChannels}, cfg.BiasInit, backend)

	return &Deconv2D[B]{
		inChannels:  cfg.InChannels,
		outChannels: cfg.OutChannels,
		kernel:      cfg.Kernel,
		stride:      cfg.Stride,
		outH:        cfg.OutH,
		outW:        cfg.OutW,
		weightDecay: cfg.WeightDecay,
		weight:      nn.NewParameter(cfg.Name+"/weights", weight),
		bias:        nn.NewParameter(cfg.Name+"/biases", bias),
		backend:     backend,
	}
}

// SamePadding returns the padding placed before the data on one axis of a
// SAME transposed convolution from size in to size out.
func SamePadding(in, out, kernel, stride int) int {
	total := max((in-1)*stride+kernel-out, 0)
	return total / 2
}

// deconvGeometry bundles the per-call sizes shared by the three kernels.
type deconvGeometry struct {
	n, cin, cout int
	h, w         int // input spatial size
	oh, ow       int // output spatial size
	k, s         int
	padT, padL   int
}

func (d *Deconv2D[B]) geometry(in tensor.Shape) deconvGeometry {
	expect4D("deconv2d", in)
	if in[1] != d.inChannels {
		panic(fmt.Sprintf("deconv2d: input channels %d != expected %d", in[1], d.inChannels))
	}
	h, w := in[2], in[3]
	if (d.outH+d.stride-1)/d.stride != h || (d.outW+d.stride-1)/d.stride != w {
		panic(fmt.Sprintf("deconv2d: output %dx%d with stride %d does not match input %dx%d",
			d.outH, d.outW, d.stride, h, w))
	}
	return deconvGeometry{
		n: in[0], cin: d.inChannels, cout: d.outChannels,
		h: h, w: w, oh: d.outH, ow: d.outW,
		k: d.kernel, s: d.stride,
		padT: SamePadding(h, d.outH, d.kernel, d.stride),
		padL: SamePadding(w, d.outW, d.kernel, d.stride),
	}
}

// Forward scatters every input pixel through the kernel into the output.
//
//	y[n,o,iy*s+ky-padT, ix*s+kx-padL] += x[n,c,iy,ix] * w[o,c,ky,kx]
func (d *Deconv2D[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	g := d.geometry(x.Shape())
	d.input = x

	out := newFloat32(tensor.Shape{g.n, g.cout, g.oh, g.ow}, x.Device())
	src := x.Raw().AsFloat32()
	wt := d.weight.Tensor().Raw().AsFloat32()
	dst := out.AsFloat32()

	parallelFor(g.n*g.cout, func(p int) {
		b, o := p/g.cout, p%g.cout
		y := dst[p*g.oh*g.ow : (p+1)*g.oh*g.ow]
		for c := 0; c < g.cin; c++ {
			in := src[(b*g.cin+c)*g.h*g.w:]
			kern := wt[(o*g.cin+c)*g.k*g.k:]
			for iy := 0; iy < g.h; iy++ {
				for ix := 0; ix < g.w; ix++ {
					v := in[iy*g.w+ix]
					if v == 0 {
						continue
					}
					for ky := 0; ky < g.k; ky++ {
						oy := iy*g.s + ky - g.padT
						if oy < 0 || oy >= g.oh {
							continue
						}
						row := y[oy*g.ow : (oy+1)*g.ow]
						krow := kern[ky*g.k : (ky+1)*g.k]
						for kx := 0; kx < g.k; kx++ {
							ox := ix*g.s + kx - g.padL
							if ox < 0 || ox >= g.ow {
								continue
							}
							row[ox] += v * krow[kx]
						}
					}
				}
			}
		}
	})

	addBias(out, d.bias.Tensor().Raw())
	return wrap(out, d.backend)
}

// Backward returns dL/dx and records dL/dW and dL/db.
func (d *Deconv2D[B]) Backward(grad *tensor.Tensor[float32, B], grads Gradients) *tensor.Tensor[float32, B] {
	if d.input == nil {
		panic("deconv2d: Backward called before Forward")
	}
	g := d.geometry(d.input.Shape())
	if !grad.Shape().Equal(tensor.Shape{g.n, g.cout, g.oh, g.ow}) {
		panic(fmt.Sprintf("deconv2d: gradient shape %v does not match output", grad.Shape()))
	}

	dy := grad.Raw().AsFloat32()
	src := d.input.Raw().AsFloat32()
	wt := d.weight.Tensor().Raw().AsFloat32()

	dx := newFloat32(d.input.Shape(), grad.Device())
	d.inputGrad(g, dy, wt, dx.AsFloat32())

	dw := newFloat32(d.weight.Tensor().Shape(), grad.Device())
	d.kernelGrad(g, dy, src, dw.AsFloat32())

	grads.Accumulate(d.weight.Tensor().Raw(), dw)
	grads.Accumulate(d.bias.Tensor().Raw(), biasGrad(grad.Raw()))
	return wrap(dx, d.backend)
}

// inputGrad gathers dx[n,c,iy,ix] = Σ dy[n,o,oy,ox] * w[o,c,ky,kx].
func (d *Deconv2D[B]) inputGrad(g deconvGeometry, dy, wt, dx []float32) {
	parallelFor(g.n*g.cin, func(p int) {
		b, c := p/g.cin, p%g.cin
		out := dx[p*g.h*g.w : (p+1)*g.h*g.w]
		for o := 0; o < g.cout; o++ {
			gy := dy[(b*g.cout+o)*g.oh*g.ow:]
			kern := wt[(o*g.cin+c)*g.k*g.k:]
			for iy := 0; iy < g.h; iy++ {
				for ix := 0; ix < g.w; ix++ {
					var sum float32
					for ky := 0; ky < g.k; ky++ {
						oy := iy*g.s + ky - g.padT
						if oy < 0 || oy >= g.oh {
							continue
						}
						row := gy[oy*g.ow : (oy+1)*g.ow]
						krow := kern[ky*g.k : (ky+1)*g.k]
						for kx := 0; kx < g.k; kx++ {
							ox := ix*g.s + kx - g.padL
							if ox < 0 || ox >= g.ow {
								continue
							}
							sum += row[ox] * krow[kx]
						}
					}
					out[iy*g.w+ix] += sum
				}
			}
		}
	})
}

// kernelGrad accumulates dw[o,c,ky,kx] = Σ x[n,c,iy,ix] * dy[n,o,oy,ox].
func (d *Deconv2D[B]) kernelGrad(g deconvGeometry, dy, src, dw []float32) {
	parallelFor(g.cout*g.cin, func(p int) {
		o, c := p/g.cin, p%g.cin
		kern := dw[p*g.k*g.k : (p+1)*g.k*g.k]
		for b := 0; b < g.n; b++ {
			in := src[(b*g.cin+c)*g.h*g.w:]
			gy := dy[(b*g.cout+o)*g.oh*g.ow:]
			for iy := 0; iy < g.h; iy++ {
				for ix := 0; ix < g.w; ix++ {
					v := in[iy*g.w+ix]
					if v == 0 {
						continue
					}
					for ky := 0; ky < g.k; ky++ {
						oy := iy*g.s + ky - g.padT
						if oy < 0 || oy >= g.oh {
							continue
						}
						row := gy[oy*g.ow : (oy+1)*g.ow]
						krow := kern[ky*g.k : (ky+1)*g.k]
						for kx := 0; kx < g.k; kx++ {
							ox := ix*g.s + kx - g.padL
							if ox < 0 || ox >= g.ow {
								continue
							}
							krow[kx] += v * row[ox]
						}
					}
				}
			}
		}
	})
}

// Parameters returns the weight and bias.
func (d *Deconv2D[B]) Parameters() []*nn.Parameter[B] {
	return []*nn.Parameter[B]{d.weight, d.bias}
}

// Weight returns the kernel parameter.
func (d *Deconv2D[B]) Weight() *nn.Parameter[B] { return d.weight }

// WeightDecay returns the L2 multiplier applied to the kernel.
func (d *Deconv2D[B]) WeightDecay() float32 { return d.weightDecay }

// String returns a string representation of the layer.
func (d *Deconv2D[B]) String() string {
	return fmt.Sprintf("Deconv2D(in_channels=%d, out_channels=%d, kernel_size=%d, stride=%d, output=%dx%d)",
		d.inChannels, d.outChannels, d.kernel, d.stride, d.outH, d.outW)
}
