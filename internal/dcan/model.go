// Package dcan implements the deep contour-aware network for BBBC006
// nucleus segmentation: the multi-scale encoder with fused transposed
// convolution heads, its multi-term loss and the training schedule.
//
// The network predicts two 2-class maps for every pixel of the input image:
// contours (the boundary of a nucleus) and segments (nucleus vs background).
// Layers 4-6 each contribute one up-sampled head per task; the heads are
// summed into the fusion maps with shallower heads discounted.
//
// Example:
//
//	backend := cpu.New()
//	net := dcan.NewNetwork(dcan.DefaultOptions(520, 696), backend)
//	cFuse, sFuse := net.Inference(images) // [N, 2, 520, 696] each
package dcan

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/dcan/internal/layers"
)

const (
	// NumLayers is the depth of the encoder.
	NumLayers = 6

	// FeatRoot is the feature count before the first doubling.
	FeatRoot = 32

	// DiscountWeight scales every head except the deepest one.
	DiscountWeight = 0.25

	// KeepProb is the dropout keep probability of the deepest layers.
	KeepProb = 0.5

	// NumClasses is the number of classes per task.
	NumClasses = 2

	firstHeadLayer    = 3 // heads on layers 4..NumLayers
	firstDropoutLayer = 4
	flatLayer         = 4 // no feature doubling here

	convKernel    = 3
	headStddev    = 0.01
	headDecay     = 0.004
	headBiasInit  = 0.1
	convDecay     = 0.0
	convBiasInit  = 0.0
	imageChannels = 1
)

// ErrShape reports a tensor whose shape does not fit the network.
var ErrShape = errors.New("dcan: shape mismatch")

// Options configures the network.
type Options struct {
	ImageH, ImageW int     // Input (and output map) size
	NumLayers      int     // Encoder depth, at least 4
	FeatRoot       int     // Features before the first doubling
	DiscountWeight float32 // Multiplier for all heads but the deepest
	KeepProb       float32 // Dropout keep probability on layers >= 5
	Seed           uint64  // Initialization and dropout seed
}

// DefaultOptions returns the BBBC006 architecture for h x w images.
func DefaultOptions(h, w int) Options {
	return Options{
		ImageH:         h,
		ImageW:         w,
		NumLayers:      NumLayers,
		FeatRoot:       FeatRoot,
		DiscountWeight: DiscountWeight,
		KeepProb:       KeepProb,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.ImageH <= 0 || o.ImageW <= 0 {
		return fmt.Errorf("dcan: image size must be positive, got %dx%d", o.ImageH, o.ImageW)
	}
	if o.NumLayers <= firstHeadLayer {
		return fmt.Errorf("dcan: need more than %d layers for any output head, got %d", firstHeadLayer, o.NumLayers)
	}
	if o.FeatRoot <= 0 {
		return fmt.Errorf("dcan: feat root must be positive, got %d", o.FeatRoot)
	}
	if o.KeepProb <= 0 || o.KeepProb > 1 {
		return fmt.Errorf("dcan: keep probability must be in (0, 1], got %v", o.KeepProb)
	}
	return nil
}

// block is one encoder stage: conv, ReLU, optional dropout, optional pool.
type block[B tensor.Backend] struct {
	name string
	conv *layers.Conv2D[B]
	relu *layers.ReLU[B]
	drop *layers.Dropout[B]     // nil below firstDropoutLayer
	pool *layers.MaxPoolSame[B] // nil on the first layer
}

// head holds the contour and segment up-sampling of one encoder stage.
type head[B tensor.Backend] struct {
	layer   int
	contour *layers.Deconv2D[B]
	segment *layers.Deconv2D[B]
}

// activation is a named intermediate output kept for summaries.
type activation[B tensor.Backend] struct {
	name string
	t    *tensor.Tensor[float32, B]
}

// Network is the contour-aware segmentation network.
//
// A Network caches forward state for Backward and is not safe for
// concurrent use.
type Network[B tensor.Backend] struct {
	opts    Options
	blocks  []*block[B]
	heads   []*head[B]
	cFuse   *layers.Fuse[B]
	sFuse   *layers.Fuse[B]
	backend B

	activations []activation[B]
}

// NewNetwork builds the network with freshly initialized parameters.
// It panics on invalid options; use Options.Validate to check first.
func NewNetwork[B tensor.Backend](opts Options, backend B) *Network[B] {
	if err := opts.Validate(); err != nil {
		panic(err.Error())
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))

	net := &Network[B]{opts: opts, backend: backend}
	features := opts.FeatRoot
	var weights []float32

	for l := 0; l < opts.NumLayers; l++ {
		if l != flatLayer {
			features *= 2
		}
		channels := imageChannels
		switch {
		case l == flatLayer:
			channels = features
		case l > 0:
			channels = features / 2
		}

		name := fmt.Sprintf("conv%d", l+1)
		b := &block[B]{
			name: name,
			conv: layers.NewConv2D(layers.Conv2DConfig{
				Name:        name,
				InChannels:  channels,
				OutChannels: features,
				Kernel:      convKernel,
				Stddev:      math.Sqrt(2 / float64(features)),
				WeightDecay: convDecay,
				BiasInit:    convBiasInit,
			}, rng, backend),
			relu: layers.NewReLU(backend),
		}
		if l >= firstDropoutLayer {
			b.drop = layers.NewDropout(opts.KeepProb, rng, backend)
		}
		if l > 0 {
			b.pool = layers.NewMaxPoolSame(backend)
		}
		net.blocks = append(net.blocks, b)

		if l < firstHeadLayer {
			continue
		}
		// After l pools the map is ceil(size / 2^l), so stride 2^l restores it.
		stride := 1 << l
		h := &head[B]{layer: l}
		for i := 0; i < 2; i++ {
			d := layers.NewDeconv2D(layers.Deconv2DConfig{
				Name:        fmt.Sprintf("deconv%d_%d", l+1, i),
				InChannels:  features,
				OutChannels: NumClasses,
				Kernel:      2 * stride,
				Stride:      stride,
				OutH:        opts.ImageH,
				OutW:        opts.ImageW,
				Stddev:      headStddev,
				WeightDecay: headDecay,
				BiasInit:    headBiasInit,
			}, rng, backend)
			if i == 0 {
				h.contour = d
			} else {
				h.segment = d
			}
		}
		net.heads = append(net.heads, h)

		w := opts.DiscountWeight
		if l == opts.NumLayers-1 {
			w = 1
		}
		weights = append(weights, w)
	}

	net.cFuse = layers.NewFuse(weights, backend)
	net.sFuse = layers.NewFuse(weights, backend)
	return net
}

// Options returns the options the network was built with.
func (n *Network[B]) Options() Options { return n.opts }

// SetTraining toggles dropout.
func (n *Network[B]) SetTraining(training bool) {
	for _, b := range n.blocks {
		if b.drop != nil {
			b.drop.SetTraining(training)
		}
	}
}

// CheckImages validates an image batch against the network input.
func (n *Network[B]) CheckImages(images *tensor.Tensor[float32, B]) error {
	shape := images.Shape()
	if len(shape) != 4 || shape[0] == 0 ||
		!shape.Equal(tensor.Shape{shape[0], imageChannels, n.opts.ImageH, n.opts.ImageW}) {
		return fmt.Errorf("%w: images %v, expected [N, %d, %d, %d]",
			ErrShape, shape, imageChannels, n.opts.ImageH, n.opts.ImageW)
	}
	return nil
}

// Inference runs the network on images [N, 1, H, W] and returns the
// contour and segment fusion maps, each [N, 2, H, W] of unnormalized scores.
func (n *Network[B]) Inference(images *tensor.Tensor[float32, B]) (cFuse, sFuse *tensor.Tensor[float32, B]) {
	if err := n.CheckImages(images); err != nil {
		panic(err.Error())
	}
	n.activations = n.activations[:0]

	var contours, segments []*tensor.Tensor[float32, B]
	x := images
	hi := 0
	for l, b := range n.blocks {
		x = b.conv.Forward(x)
		x = b.relu.Forward(x)
		if b.drop != nil {
			x = b.drop.Forward(x)
		}
		n.record(b.name, x)

		if b.pool != nil {
			x = b.pool.Forward(x)
			n.record(fmt.Sprintf("pool%d", l+1), x)
		}

		if hi < len(n.heads) && n.heads[hi].layer == l {
			h := n.heads[hi]
			c := h.contour.Forward(x)
			s := h.segment.Forward(x)
			n.record(fmt.Sprintf("deconv%d_0", l+1), c)
			n.record(fmt.Sprintf("deconv%d_1", l+1), s)
			contours = append(contours, c)
			segments = append(segments, s)
			hi++
		}
	}

	return n.cFuse.Forward(contours...), n.sFuse.Forward(segments...)
}

func (n *Network[B]) record(name string, t *tensor.Tensor[float32, B]) {
	n.activations = append(n.activations, activation[B]{name: name, t: t})
}

// Backward back-propagates the gradients of the loss with respect to the
// fusion maps of the most recent Inference and returns the parameter
// gradients.
func (n *Network[B]) Backward(dcFuse, dsFuse *tensor.Tensor[float32, B]) layers.Gradients {
	grads := layers.Gradients{}
	dcs := n.cFuse.Backward(dcFuse)
	dss := n.sFuse.Backward(dsFuse)

	var carry *tensor.Tensor[float32, B]
	hi := len(n.heads) - 1
	for l := len(n.blocks) - 1; l >= 0; l-- {
		b := n.blocks[l]
		g := carry

		if hi >= 0 && n.heads[hi].layer == l {
			h := n.heads[hi]
			g = n.sum(g, h.contour.Backward(dcs[hi], grads))
			g = n.sum(g, h.segment.Backward(dss[hi], grads))
			hi--
		}
		if g == nil {
			panic(fmt.Sprintf("dcan: no gradient reaches %s", b.name))
		}

		if b.pool != nil {
			g = b.pool.Backward(g, grads)
		}
		if b.drop != nil {
			g = b.drop.Backward(g, grads)
		}
		g = b.relu.Backward(g, grads)
		carry = b.conv.Backward(g, grads)
	}
	return grads
}

// sum adds b to a, treating a nil a as zero.
func (n *Network[B]) sum(a, b *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if a == nil {
		return b
	}
	return tensor.New[float32, B](n.backend.Add(a.Raw(), b.Raw()), n.backend)
}

// Parameters returns all trainable parameters: the convolutions in depth
// order, then the heads.
func (n *Network[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for _, b := range n.blocks {
		params = append(params, b.conv.Parameters()...)
	}
	for _, h := range n.heads {
		params = append(params, h.contour.Parameters()...)
		params = append(params, h.segment.Parameters()...)
	}
	return params
}

// decayed returns every layer that carries a weight-decay term.
func (n *Network[B]) decayed() []layers.Decayed[B] {
	var out []layers.Decayed[B]
	for _, b := range n.blocks {
		if b.conv.WeightDecay() != 0 {
			out = append(out, b.conv)
		}
	}
	for _, h := range n.heads {
		out = append(out, h.contour, h.segment)
	}
	return out
}

// ActivationSummary describes one intermediate output of the last Inference.
type ActivationSummary struct {
	Name     string
	Shape    tensor.Shape
	Sparsity float64 // Fraction of exact zeros
	Mean     float64
}

// Activations summarizes the intermediate outputs of the last Inference.
func (n *Network[B]) Activations() []ActivationSummary {
	out := make([]ActivationSummary, 0, len(n.activations))
	for _, a := range n.activations {
		var sum float64
		data := a.t.Raw().AsFloat32()
		for _, v := range data {
			sum += float64(v)
		}
		mean := 0.0
		if len(data) > 0 {
			mean = sum / float64(len(data))
		}
		out = append(out, ActivationSummary{
			Name:     a.name,
			Shape:    a.t.Shape(),
			Sparsity: layers.ZeroFraction(a.t),
			Mean:     mean,
		})
	}
	return out
}
