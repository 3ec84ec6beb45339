package layers

import (
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Decayed is a layer whose kernel carries an L2 weight-decay term.
type Decayed[B tensor.Backend] interface {
	Weight() *nn.Parameter[B]
	WeightDecay() float32
}

// L2Penalty returns wd * Σ w² / 2 for the layer's kernel.
func L2Penalty[B tensor.Backend](l Decayed[B]) float32 {
	wd := l.WeightDecay()
	if wd == 0 {
		return 0
	}
	var sum float64
	for _, v := range l.Weight().Tensor().Raw().AsFloat32() {
		sum += float64(v) * float64(v)
	}
	return wd * float32(sum/2)
}

// L2PenaltyGrad adds the penalty gradient wd * w to the kernel's gradient.
func L2PenaltyGrad[B tensor.Backend](l Decayed[B], grads Gradients) {
	wd := l.WeightDecay()
	if wd == 0 {
		return
	}
	w := l.Weight().Tensor().Raw()
	g := newFloat32(w.Shape(), w.Device())
	dst := g.AsFloat32()
	for i, v := range w.AsFloat32() {
		dst[i] = wd * v
	}
	grads.Accumulate(w, g)
}
