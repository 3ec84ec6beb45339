package layers

import (
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// MaxPoolSame is 2x2 max pooling with stride 2 and SAME padding.
//
// Unlike Born's MaxPool2D, odd spatial sizes are not truncated: the last
// row/column forms a partial window, so the output is ceil(H/2) x ceil(W/2).
//
// Example:
//
//	Input [1, 1, 3, 3]: [[1,2,3],    Output [1, 1, 2, 2]: [[5,6],
//	                     [4,5,6],                          [8,9]]
//	                     [7,8,9]]
type MaxPoolSame[B tensor.Backend] struct {
	backend B

	inShape tensor.Shape
	argmax  []int32 // Flat index into the input plane for each output element
}

// NewMaxPoolSame creates a SAME-padded 2x2 max pooling layer.
func NewMaxPoolSame[B tensor.Backend](backend B) *MaxPoolSame[B] {
	return &MaxPoolSame[B]{backend: backend}
}

// PooledSize returns ceil(n/2).
func PooledSize(n int) int { return (n + 1) / 2 }

// Forward pools x and remembers where each maximum came from.
func (m *MaxPoolSame[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	expect4D("maxpool_same", shape)
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	ho, wo := PooledSize(h), PooledSize(w)

	out := newFloat32(tensor.Shape{n, c, ho, wo}, x.Device())
	m.inShape = shape.Clone()
	m.argmax = make([]int32, n*c*ho*wo)

	src := x.Raw().AsFloat32()
	dst := out.AsFloat32()
	parallelFor(n*c, func(k int) {
		in := src[k*h*w : (k+1)*h*w]
		res := dst[k*ho*wo : (k+1)*ho*wo]
		idx := m.argmax[k*ho*wo : (k+1)*ho*wo]
		for oy := 0; oy < ho; oy++ {
			y0 := 2 * oy
			y1 := min(y0+2, h)
			for ox := 0; ox < wo; ox++ {
				x0 := 2 * ox
				x1 := min(x0+2, w)
				best := y0*w + x0
				for y := y0; y < y1; y++ {
					for xx := x0; xx < x1; xx++ {
						if in[y*w+xx] > in[best] {
							best = y*w + xx
						}
					}
				}
				res[oy*wo+ox] = in[best]
				idx[oy*wo+ox] = int32(best)
			}
		}
	})
	return wrap(out, m.backend)
}

// Backward routes each output gradient to the input position that won.
func (m *MaxPoolSame[B]) Backward(grad *tensor.Tensor[float32, B], _ Gradients) *tensor.Tensor[float32, B] {
	if m.argmax == nil {
		panic("maxpool_same: Backward called before Forward")
	}
	n, c, h, w := m.inShape[0], m.inShape[1], m.inShape[2], m.inShape[3]
	plane := PooledSize(h) * PooledSize(w)

	dx := newFloat32(m.inShape, grad.Device())
	dst := dx.AsFloat32()
	g := grad.Raw().AsFloat32()
	parallelFor(n*c, func(k int) {
		in := dst[k*h*w : (k+1)*h*w]
		for i, pos := range m.argmax[k*plane : (k+1)*plane] {
			in[pos] += g[k*plane+i]
		}
	})
	return wrap(dx, m.backend)
}

// Parameters returns nil; pooling has no trainable state.
func (m *MaxPoolSame[B]) Parameters() []*nn.Parameter[B] { return nil }
