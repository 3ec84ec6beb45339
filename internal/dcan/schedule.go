package dcan

import "math"

// Training hyper-parameters.
const (
	InitialLearningRate     = 0.001
	LearningRateDecayFactor = 0.1
	NumEpochsPerDecay       = 72
	Momentum                = 0.2
	LossAverageDecay        = 0.9
	MovingAverageDecay      = 0.9999
)

// DecaySteps returns the number of steps between learning rate drops:
// int(examplesPerEpoch / batchSize * NumEpochsPerDecay).
func DecaySteps(examplesPerEpoch, batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return int(float64(examplesPerEpoch) / float64(batchSize) * NumEpochsPerDecay)
}

// LearningRate is the staircase schedule
//
//	InitialLearningRate · LearningRateDecayFactor^floor(step / decaySteps)
//
// A non-positive decaySteps disables decay.
func LearningRate(step, decaySteps int) float32 {
	if decaySteps <= 0 || step < 0 {
		return InitialLearningRate
	}
	drops := step / decaySteps
	return float32(InitialLearningRate * math.Pow(LearningRateDecayFactor, float64(drops)))
}
