package layers

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Backend = *cpu.Backend

// Conv2D relies on the convolution gradients being part of the public
// backend interface.
var _ interface {
	Conv2DInputBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor
	Conv2DKernelBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor
} = tensor.Backend(nil)

func newRNG() *rand.Rand { return rand.New(rand.NewPCG(7, 11)) }

func randTensor(t *testing.T, shape tensor.Shape, rng *rand.Rand, backend Backend) *tensor.Tensor[float32, Backend] {
	t.Helper()
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	x, err := tensor.FromSlice(data, shape, backend)
	require.NoError(t, err)
	return x
}

// distinctTensor fills shape with a shuffled ramp so no two entries tie
// and none is zero.
func distinctTensor(t *testing.T, shape tensor.Shape, rng *rand.Rand, backend Backend) *tensor.Tensor[float32, Backend] {
	t.Helper()
	data := make([]float32, shape.NumElements())
	center := len(data) / 2
	for i := range data {
		data[i] = float32(i-center)*0.1 + 0.05
	}
	rng.Shuffle(len(data), func(i, j int) { data[i], data[j] = data[j], data[i] })
	x, err := tensor.FromSlice(data, shape, backend)
	require.NoError(t, err)
	return x
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// checkInputGrad compares Backward with central differences of L = Σ r ⊙ f(x).
func checkInputGrad(t *testing.T, layer Layer[Backend], x *tensor.Tensor[float32, Backend], rng *rand.Rand) {
	t.Helper()
	backend := cpu.New()

	y := layer.Forward(x)
	r := randTensor(t, y.Shape(), rng, backend)
	dx := layer.Backward(r, Gradients{})
	analytic := dx.Raw().AsFloat32()

	const eps = 1e-2
	data := x.Raw().AsFloat32()
	for i := range data {
		orig := data[i]
		data[i] = orig + eps
		plus := dot(layer.Forward(x).Raw().AsFloat32(), r.Raw().AsFloat32())
		data[i] = orig - eps
		minus := dot(layer.Forward(x).Raw().AsFloat32(), r.Raw().AsFloat32())
		data[i] = orig

		numeric := (plus - minus) / (2 * eps)
		assert.InDelta(t, numeric, float64(analytic[i]), 1e-2*math.Max(1, math.Abs(numeric)), "input %d", i)
	}
}

// checkParamGrads compares the recorded parameter gradients with central differences.
func checkParamGrads(t *testing.T, layer Layer[Backend], x *tensor.Tensor[float32, Backend], rng *rand.Rand) {
	t.Helper()
	backend := cpu.New()

	y := layer.Forward(x)
	r := randTensor(t, y.Shape(), rng, backend)
	grads := Gradients{}
	layer.Backward(r, grads)

	const eps = 1e-2
	for _, p := range layer.Parameters() {
		raw := p.Tensor().Raw()
		g, ok := grads[raw]
		require.True(t, ok, "missing gradient for %s", p.Name())
		analytic := g.AsFloat32()
		data := raw.AsFloat32()
		for i := range data {
			orig := data[i]
			data[i] = orig + eps
			plus := dot(layer.Forward(x).Raw().AsFloat32(), r.Raw().AsFloat32())
			data[i] = orig - eps
			minus := dot(layer.Forward(x).Raw().AsFloat32(), r.Raw().AsFloat32())
			data[i] = orig

			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, float64(analytic[i]), 1e-2*math.Max(1, math.Abs(numeric)), "%s[%d]", p.Name(), i)
		}
	}
}

func TestTruncatedNormal_WithinTwoStddev(t *testing.T) {
	backend := cpu.New()
	x := TruncatedNormal(tensor.Shape{64, 64}, 0.5, newRNG(), backend)

	var sum float64
	for _, v := range x.Raw().AsFloat32() {
		require.LessOrEqual(t, math.Abs(float64(v)), 1.0)
		sum += float64(v)
	}
	assert.InDelta(t, 0, sum/float64(x.NumElements()), 0.05)
}

func TestConv2D_ForwardShapeAndBias(t *testing.T) {
	backend := cpu.New()
	conv := NewConv2D(Conv2DConfig{
		Name: "conv1", InChannels: 1, OutChannels: 4, Kernel: 3, Stddev: 0.1, BiasInit: 0.5,
	}, newRNG(), backend)

	x := tensor.Zeros[float32](tensor.Shape{2, 1, 5, 7}, backend)
	y := conv.Forward(x)

	assert.Equal(t, tensor.Shape{2, 4, 5, 7}, y.Shape())
	for _, v := range y.Raw().AsFloat32() {
		assert.InDelta(t, 0.5, v, 1e-6)
	}
	require.Len(t, conv.Parameters(), 2)
	assert.Equal(t, "conv1/weights", conv.Parameters()[0].Name())
	assert.Equal(t, "conv1/biases", conv.Parameters()[1].Name())
}

func TestConv2D_Gradients(t *testing.T) {
	backend := cpu.New()
	rng := newRNG()
	conv := NewConv2D(Conv2DConfig{
		Name: "conv", InChannels: 2, OutChannels: 3, Kernel: 3, Stddev: 0.5,
	}, rng, backend)
	x := randTensor(t, tensor.Shape{1, 2, 4, 5}, rng, backend)

	checkInputGrad(t, conv, x, rng)
	checkParamGrads(t, conv, x, rng)
}

func TestReLU_Gradients(t *testing.T) {
	backend := cpu.New()
	rng := newRNG()
	x := distinctTensor(t, tensor.Shape{1, 2, 3, 3}, rng, backend)

	relu := NewReLU(backend)
	y := relu.Forward(x)
	for i, v := range x.Raw().AsFloat32() {
		assert.Equal(t, float32(math.Max(0, float64(v))), y.Raw().AsFloat32()[i])
	}
	checkInputGrad(t, relu, x, rng)
}

func TestDropout_MaskAndScale(t *testing.T) {
	backend := cpu.New()
	drop := NewDropout(0.5, newRNG(), backend)

	x := tensor.Ones[float32](tensor.Shape{1, 1, 32, 32}, backend)
	y := drop.Forward(x)

	kept := 0
	for _, v := range y.Raw().AsFloat32() {
		if v != 0 {
			assert.Equal(t, float32(2), v)
			kept++
		}
	}
	assert.InDelta(t, 512, kept, 100)

	g := drop.Backward(tensor.Ones[float32](x.Shape(), backend), Gradients{})
	assert.Equal(t, y.Raw().AsFloat32(), g.Raw().AsFloat32())

	drop.SetTraining(false)
	assert.Same(t, x, drop.Forward(x))
}

func TestMaxPoolSame_OddSizes(t *testing.T) {
	backend := cpu.New()
	x, err := tensor.FromSlice([]float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}, tensor.Shape{1, 1, 3, 3}, backend)
	require.NoError(t, err)

	pool := NewMaxPoolSame(backend)
	y := pool.Forward(x)

	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, y.Shape())
	assert.Equal(t, []float32{5, 6, 8, 9}, y.Raw().AsFloat32())

	dx := pool.Backward(tensor.Ones[float32](y.Shape(), backend), Gradients{})
	assert.Equal(t, []float32{0, 0, 0, 0, 1, 1, 0, 1, 1}, dx.Raw().AsFloat32())
}

func TestMaxPoolSame_Gradients(t *testing.T) {
	backend := cpu.New()
	rng := newRNG()
	x := distinctTensor(t, tensor.Shape{2, 2, 5, 3}, rng, backend)
	checkInputGrad(t, NewMaxPoolSame(backend), x, rng)
}

func TestPooledSize(t *testing.T) {
	assert.Equal(t, 44, PooledSize(87))
	assert.Equal(t, 33, PooledSize(65))
	assert.Equal(t, 1, PooledSize(1))
}

func TestSamePadding_BBBC006Geometry(t *testing.T) {
	tests := []struct {
		in, out, kernel, stride, want int
	}{
		{65, 520, 16, 8, 4},
		{87, 696, 16, 8, 4},
		{33, 520, 32, 16, 12},
		{44, 696, 32, 16, 12},
		{17, 520, 64, 32, 28},
		{22, 696, 64, 32, 20},
		{3, 5, 4, 2, 1}, // odd total: the extra row goes after the data
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SamePadding(tt.in, tt.out, tt.kernel, tt.stride),
			"in=%d out=%d", tt.in, tt.out)
	}
}

func TestDeconv2D_ForwardShape(t *testing.T) {
	backend := cpu.New()
	deconv := NewDeconv2D(Deconv2DConfig{
		Name: "deconv4_0", InChannels: 3, OutChannels: 2, Kernel: 8, Stride: 4,
		OutH: 10, OutW: 13, Stddev: 0.01, BiasInit: 0.1,
	}, newRNG(), backend)

	x := tensor.Zeros[float32](tensor.Shape{2, 3, 3, 4}, backend)
	y := deconv.Forward(x)

	assert.Equal(t, tensor.Shape{2, 2, 10, 13}, y.Shape())
	for _, v := range y.Raw().AsFloat32() {
		assert.InDelta(t, 0.1, v, 1e-6)
	}
}

// With an odd total padding of 3 the smaller half (1) goes before the
// data, so kernel row 3 of the last input lands outside the output.
func TestDeconv2D_OddPaddingForward(t *testing.T) {
	backend := cpu.New()
	tests := []struct {
		name    string
		in, out tensor.Shape
		want    []float32
	}{
		{"rows", tensor.Shape{1, 1, 3, 1}, tensor.Shape{5, 1}, []float32{12, 26, 56, 50, 100}},
		{"cols", tensor.Shape{1, 1, 1, 3}, tensor.Shape{1, 5}, []float32{12, 35, 38, 59, 64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deconv := NewDeconv2D(Deconv2DConfig{
				Name: "deconv", InChannels: 1, OutChannels: 1, Kernel: 4, Stride: 2,
				OutH: tt.out[0], OutW: tt.out[1], Stddev: 0.1,
			}, newRNG(), backend)
			w := deconv.Weight().Tensor().Raw().AsFloat32()
			for ky := 0; ky < 4; ky++ {
				for kx := 0; kx < 4; kx++ {
					w[ky*4+kx] = float32(10*ky + kx + 1)
				}
			}
			x, err := tensor.FromSlice([]float32{1, 2, 3}, tt.in, backend)
			require.NoError(t, err)

			y := deconv.Forward(x)
			assert.Equal(t, tensor.Shape{1, 1, tt.out[0], tt.out[1]}, y.Shape())
			assert.Equal(t, tt.want, y.Raw().AsFloat32())
		})
	}
}

func TestDeconv2D_RejectsMismatchedOutput(t *testing.T) {
	backend := cpu.New()
	deconv := NewDeconv2D(Deconv2DConfig{
		Name: "deconv", InChannels: 1, OutChannels: 2, Kernel: 4, Stride: 2,
		OutH: 8, OutW: 8, Stddev: 0.01,
	}, newRNG(), backend)

	assert.Panics(t, func() {
		deconv.Forward(tensor.Zeros[float32](tensor.Shape{1, 1, 3, 4}, backend))
	})
}

// The transposed convolution must be the adjoint of Born's Conv2D when the
// SAME padding happens to be symmetric: <deconv(x), y> == <x, conv(y)>.
func TestDeconv2D_AdjointOfConv2D(t *testing.T) {
	backend := cpu.New()
	rng := newRNG()
	const cin, cout, k, s = 3, 2, 4, 2

	deconv := NewDeconv2D(Deconv2DConfig{
		Name: "deconv", InChannels: cin, OutChannels: cout, Kernel: k, Stride: s,
		OutH: 8, OutW: 8, Stddev: 0.5,
	}, rng, backend)

	x := randTensor(t, tensor.Shape{2, cin, 4, 4}, rng, backend)
	y := randTensor(t, tensor.Shape{2, cout, 8, 8}, rng, backend)

	// Conv2D kernel layout is [C_out, C_in, k, k] from the convolution's
	// point of view, so swap the first two axes of the deconv weight.
	w := deconv.Weight().Tensor().Raw().AsFloat32()
	swapped := make([]float32, len(w))
	for o := 0; o < cout; o++ {
		for c := 0; c < cin; c++ {
			copy(swapped[(c*cout+o)*k*k:(c*cout+o+1)*k*k], w[(o*cin+c)*k*k:(o*cin+c+1)*k*k])
		}
	}
	kernel, err := tensor.FromSlice(swapped, tensor.Shape{cin, cout, k, k}, backend)
	require.NoError(t, err)

	pad := SamePadding(4, 8, k, s)
	require.Equal(t, 1, pad)
	conv := backend.Conv2D(y.Raw(), kernel.Raw(), s, pad)
	require.Equal(t, x.Shape(), conv.Shape())

	lhs := dot(deconv.Forward(x).Raw().AsFloat32(), y.Raw().AsFloat32())
	rhs := dot(x.Raw().AsFloat32(), conv.AsFloat32())
	assert.InDelta(t, lhs, rhs, 1e-3*math.Max(1, math.Abs(lhs)))
}

func TestDeconv2D_Gradients(t *testing.T) {
	backend := cpu.New()
	rng := newRNG()
	deconv := NewDeconv2D(Deconv2DConfig{
		Name: "deconv", InChannels: 2, OutChannels: 2, Kernel: 4, Stride: 2,
		OutH: 5, OutW: 6, Stddev: 0.5, BiasInit: 0.1,
	}, rng, backend)
	x := randTensor(t, tensor.Shape{1, 2, 3, 3}, rng, backend)

	checkInputGrad(t, deconv, x, rng)
	checkParamGrads(t, deconv, x, rng)
}

func TestFuse_WeightedSum(t *testing.T) {
	backend := cpu.New()
	a, err := tensor.FromSlice([]float32{1, 2}, tensor.Shape{2}, backend)
	require.NoError(t, err)
	b, err := tensor.FromSlice([]float32{4, 8}, tensor.Shape{2}, backend)
	require.NoError(t, err)

	fuse := NewFuse([]float32{0.25, 1}, backend)
	y := fuse.Forward(a, b)
	assert.InDeltaSlice(t, []float32{4.25, 8.5}, y.Raw().AsFloat32(), 1e-6)
	assert.Equal(t, []float32{1, 2}, a.Raw().AsFloat32(), "inputs must not be modified")

	grads := fuse.Backward(tensor.Ones[float32](tensor.Shape{2}, backend))
	require.Len(t, grads, 2)
	assert.InDeltaSlice(t, []float32{0.25, 0.25}, grads[0].Raw().AsFloat32(), 1e-6)
	assert.InDeltaSlice(t, []float32{1, 1}, grads[1].Raw().AsFloat32(), 1e-6)
}

func TestL2Penalty(t *testing.T) {
	backend := cpu.New()
	deconv := NewDeconv2D(Deconv2DConfig{
		Name: "deconv", InChannels: 1, OutChannels: 1, Kernel: 2, Stride: 1,
		OutH: 1, OutW: 1, WeightDecay: 0.004,
	}, newRNG(), backend)
	copy(deconv.Weight().Tensor().Raw().AsFloat32(), []float32{1, 2, 3, 4})

	assert.InDelta(t, 0.004*30/2, L2Penalty[Backend](deconv), 1e-6)

	grads := Gradients{}
	L2PenaltyGrad[Backend](deconv, grads)
	g := grads[deconv.Weight().Tensor().Raw()]
	require.NotNil(t, g)
	assert.InDeltaSlice(t, []float32{0.004, 0.008, 0.012, 0.016}, g.AsFloat32(), 1e-7)
}

func TestGradients_Accumulate(t *testing.T) {
	backend := cpu.New()
	key := tensor.Zeros[float32](tensor.Shape{2}, backend).Raw()
	a, err := tensor.FromSlice([]float32{1, 2}, tensor.Shape{2}, backend)
	require.NoError(t, err)
	b, err := tensor.FromSlice([]float32{3, 4}, tensor.Shape{2}, backend)
	require.NoError(t, err)

	grads := Gradients{}
	grads.Accumulate(key, a.Raw())
	grads.Accumulate(key, b.Raw())
	assert.Equal(t, []float32{4, 6}, grads[key].AsFloat32())
}

func TestZeroFraction(t *testing.T) {
	backend := cpu.New()
	x, err := tensor.FromSlice([]float32{0, 1, 0, 3}, tensor.Shape{4}, backend)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, ZeroFraction(x), 1e-9)
}
