package dcan

import (
	"context"
	"fmt"
	"math"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Prediction holds per-pixel class-1 probabilities of both tasks.
type Prediction struct {
	N, H, W  int
	Contours []float32 // P(contour), [N, H, W]
	Segments []float32 // P(nucleus), [N, H, W]
}

// Predict runs the network in inference mode and converts the fusion maps
// to probabilities.
func Predict[B tensor.Backend](net *Network[B], images *tensor.Tensor[float32, B]) (*Prediction, error) {
	if err := net.CheckImages(images); err != nil {
		return nil, err
	}
	net.SetTraining(false)
	defer net.SetTraining(true)

	cFuse, sFuse := net.Inference(images)
	s := cFuse.Shape()
	return &Prediction{
		N: s[0], H: s[2], W: s[3],
		Contours: positiveProbability(cFuse),
		Segments: positiveProbability(sFuse),
	}, nil
}

// positiveProbability is softmax over the class axis of [N, 2, H, W],
// keeping class 1: 1 / (1 + exp(z0 - z1)). It equals Softmax(logits, 1)
// sliced at class 1.
func positiveProbability[B tensor.Backend](logits *tensor.Tensor[float32, B]) []float32 {
	s := logits.Shape()
	n, plane := s[0], s[2]*s[3]
	data := logits.Raw().AsFloat32()
	out := make([]float32, n*plane)
	for b := 0; b < n; b++ {
		z0 := data[(b*2)*plane : (b*2+1)*plane]
		z1 := data[(b*2+1)*plane : (b*2+2)*plane]
		dst := out[b*plane : (b+1)*plane]
		for p := range dst {
			dst[p] = float32(1 / (1 + math.Exp(float64(z0[p]-z1[p]))))
		}
	}
	return out
}

// Segment marks nucleus interiors: pixels likely inside a nucleus and
// unlikely to be on a contour. Touching nuclei are separated by their
// predicted contours.
func Segment(p *Prediction, threshold float32) []int32 {
	mask := make([]int32, len(p.Segments))
	for i := range mask {
		if p.Segments[i] > threshold && p.Contours[i] < threshold {
			mask[i] = 1
		}
	}
	return mask
}

// Accuracy returns the fraction of pixels whose arg-max class matches the
// label, for contours and segments.
func (c *Criterion[B]) Accuracy(cFuse, sFuse *tensor.Tensor[float32, B], labels *tensor.Tensor[int32, B]) (contours, segments float32, err error) {
	if err := checkLabels(cFuse.Shape(), labels); err != nil {
		return 0, 0, err
	}
	contourLabels, segmentLabels := splitLabels(labels, c.backend)
	contours = nn.Accuracy(c.flatten(cFuse), contourLabels)
	segments = nn.Accuracy(c.flatten(sFuse), segmentLabels)
	return contours, segments, nil
}

// EvalResult summarizes a pass over an evaluation set.
type EvalResult struct {
	Batches         int
	Examples        int
	Loss            float32 // Mean total loss per batch
	CrossEntropy    float32 // Mean contour + segment cross-entropy per batch
	ContourAccuracy float32 // Pixel accuracy
	SegmentAccuracy float32
}

// Evaluate scores net on ceil(numExamples / batch size) batches with
// dropout off. When averages is non-nil the moving averages of the
// parameters are used and the trained values restored afterwards.
func Evaluate[B tensor.Backend](
	ctx context.Context,
	net *Network[B],
	averages *VariableAverager[B],
	batches *Batches[B],
	numExamples int,
	backend B,
) (*EvalResult, error) {
	if numExamples <= 0 {
		return nil, fmt.Errorf("evaluate: examples must be > 0 (got %d)", numExamples)
	}
	if averages != nil {
		restore := averages.SwapIn()
		defer restore()
	}
	net.SetTraining(false)
	defer net.SetTraining(true)

	criterion := NewCriterion(backend)
	iterations := (numExamples + batches.BatchSize() - 1) / batches.BatchSize()
	res := &EvalResult{}
	var loss, ce, cAcc, sAcc float64
	for i := 0; i < iterations; i++ {
		images, labels, err := batches.Next(ctx)
		if err != nil {
			return nil, err
		}
		if err := net.CheckImages(images); err != nil {
			return nil, err
		}
		cFuse, sFuse := net.Inference(images)
		out, err := criterion.Forward(net, cFuse, sFuse, labels)
		if err != nil {
			return nil, fmt.Errorf("evaluate: %w", err)
		}
		c, s, err := criterion.Accuracy(cFuse, sFuse, labels)
		if err != nil {
			return nil, fmt.Errorf("evaluate: %w", err)
		}

		loss += float64(out.Total)
		for _, term := range out.Terms[:2] {
			ce += float64(term.Value)
		}
		cAcc += float64(c)
		sAcc += float64(s)
		res.Batches++
		res.Examples += images.Shape()[0]
	}

	n := float64(res.Batches)
	res.Loss = float32(loss / n)
	res.CrossEntropy = float32(ce / n)
	res.ContourAccuracy = float32(cAcc / n)
	res.SegmentAccuracy = float32(sAcc / n)
	return res, nil
}
