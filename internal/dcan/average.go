package dcan

import (
	"math"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// LossAverager keeps zero-debiased exponential moving averages of named
// scalar losses. Before the first update of a name its average is 0; after
// the first update it equals that value.
type LossAverager struct {
	decay  float64
	biased map[string]float64
	steps  map[string]int
}

// NewLossAverager creates an averager with the given decay.
func NewLossAverager(decay float64) *LossAverager {
	return &LossAverager{
		decay:  decay,
		biased: make(map[string]float64),
		steps:  make(map[string]int),
	}
}

// Update folds value into the average of name.
func (a *LossAverager) Update(name string, value float32) {
	a.biased[name] = a.biased[name]*a.decay + float64(value)*(1-a.decay)
	a.steps[name]++
}

// UpdateOutput folds every term and the total of a loss output.
func (a *LossAverager) UpdateOutput(terms []LossTerm, total float32) {
	for _, t := range terms {
		a.Update(t.Name, t.Value)
	}
	a.Update(TermTotal, total)
}

// Average returns the debiased average of name.
func (a *LossAverager) Average(name string) float32 {
	n := a.steps[name]
	if n == 0 {
		return 0
	}
	return float32(a.biased[name] / (1 - math.Pow(a.decay, float64(n))))
}

// VariableAverager tracks exponential moving averages of parameters. The
// effective decay at global step s is min(decay, (1+s)/(10+s)) so the
// averages follow the parameters closely early in training.
type VariableAverager[B tensor.Backend] struct {
	decay   float64
	params  []*nn.Parameter[B]
	shadows [][]float32
	swapped bool
}

// NewVariableAverager snapshots the current parameter values as the
// initial averages.
func NewVariableAverager[B tensor.Backend](decay float64, params []*nn.Parameter[B]) *VariableAverager[B] {
	shadows := make([][]float32, len(params))
	for i, p := range params {
		shadows[i] = append([]float32(nil), p.Tensor().Raw().AsFloat32()...)
	}
	return &VariableAverager[B]{decay: decay, params: params, shadows: shadows}
}

// Decay returns the effective decay at step.
func (v *VariableAverager[B]) Decay(step int) float64 {
	return min(v.decay, float64(1+step)/float64(10+step))
}

// Apply moves every average towards its parameter:
//
//	shadow -= (1 - decay) · (shadow - value)
func (v *VariableAverager[B]) Apply(step int) {
	if v.swapped {
		panic("dcan: Apply while averages are swapped in")
	}
	k := float32(1 - v.Decay(step))
	for i, p := range v.params {
		shadow := v.shadows[i]
		for j, w := range p.Tensor().Raw().AsFloat32() {
			shadow[j] -= k * (shadow[j] - w)
		}
	}
}

// Average returns the averaged value of the parameter with the given name.
func (v *VariableAverager[B]) Average(name string) ([]float32, bool) {
	for i, p := range v.params {
		if p.Name() == name {
			if v.swapped {
				return p.Tensor().Raw().AsFloat32(), true
			}
			return v.shadows[i], true
		}
	}
	return nil, false
}

// SwapIn loads the averages into the parameters and returns a function that
// restores the trained values.
func (v *VariableAverager[B]) SwapIn() (restore func()) {
	if v.swapped {
		panic("dcan: averages already swapped in")
	}
	v.swap()
	return v.swap
}

func (v *VariableAverager[B]) swap() {
	for i, p := range v.params {
		data := p.Tensor().Raw().AsFloat32()
		shadow := v.shadows[i]
		for j := range data {
			data[j], shadow[j] = shadow[j], data[j]
		}
	}
	v.swapped = !v.swapped
}
