package layers

import (
	"math"
	"math/rand/v2"

	"github.com/born-ml/born/tensor"
)

// TruncatedNormal returns a tensor drawn from N(0, stddev²) where samples
// farther than two standard deviations from the mean are redrawn.
func TruncatedNormal[B tensor.Backend](shape tensor.Shape, stddev float64, rng *rand.Rand, backend B) *tensor.Tensor[float32, B] {
	raw := newFloat32(shape, backend.Device())
	data := raw.AsFloat32()
	for i := range data {
		v := rng.NormFloat64()
		for math.Abs(v) > 2 {
			v = rng.NormFloat64()
		}
		data[i] = float32(v * stddev)
	}
	return wrap(raw, backend)
}

// Constant returns a tensor filled with value.
func Constant[B tensor.Backend](shape tensor.Shape, value float32, backend B) *tensor.Tensor[float32, B] {
	return tensor.Full[float32](shape, value, backend)
}
