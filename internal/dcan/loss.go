package dcan

import (
	"fmt"
	"math"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/dcan/internal/layers"
)

// Loss term names. Weight-decay terms are named "<layer>/weight_loss".
const (
	TermContours = "cross_entropy_c"
	TermSegments = "cross_entropy_s"
	TermTotal    = "total_loss"
)

// LossTerm is one named component of the total loss.
type LossTerm struct {
	Name  string
	Value float32
}

// LossOutput holds the loss of one batch and its gradients with respect to
// the fusion maps.
type LossOutput[B tensor.Backend] struct {
	Total float32
	Terms []LossTerm // Cross-entropy terms first, then weight decay

	DContours *tensor.Tensor[float32, B] // dL/d(cFuse), [N, 2, H, W]
	DSegments *tensor.Tensor[float32, B] // dL/d(sFuse), [N, 2, H, W]
}

// Term returns the value of the named term.
func (o *LossOutput[B]) Term(name string) (float32, bool) {
	if name == TermTotal {
		return o.Total, true
	}
	for _, t := range o.Terms {
		if t.Name == name {
			return t.Value, true
		}
	}
	return 0, false
}

// Criterion computes the multi-term DCAN loss:
//
//	total = CE(contours) + CE(segments) + Σ wd · Σ w² / 2
//
// Each cross-entropy is the mean sparse softmax cross-entropy over every
// pixel of the batch. A full batch holds millions of pixels, so the mean is
// accumulated in float64; the gradient comes from nn.CrossEntropyBackward.
type Criterion[B tensor.Backend] struct {
	backend B
}

// NewCriterion creates the loss for the given backend.
func NewCriterion[B tensor.Backend](backend B) *Criterion[B] {
	return &Criterion[B]{backend: backend}
}

// Forward scores the fusion maps against labels [N, 2, H, W] (channel 0
// contours, channel 1 segments, values 0 or 1) and adds the weight-decay
// terms of net.
func (c *Criterion[B]) Forward(
	net *Network[B],
	cFuse, sFuse *tensor.Tensor[float32, B],
	labels *tensor.Tensor[int32, B],
) (*LossOutput[B], error) {
	if err := checkLabels(cFuse.Shape(), labels); err != nil {
		return nil, err
	}
	if !sFuse.Shape().Equal(cFuse.Shape()) {
		return nil, fmt.Errorf("%w: segment map %v != contour map %v", ErrShape, sFuse.Shape(), cFuse.Shape())
	}
	contourLabels, segmentLabels := splitLabels(labels, c.backend)

	out := &LossOutput[B]{}
	for _, task := range []struct {
		name    string
		logits  *tensor.Tensor[float32, B]
		targets *tensor.Tensor[int32, B]
		grad    **tensor.Tensor[float32, B]
	}{
		{TermContours, cFuse, contourLabels, &out.DContours},
		{TermSegments, sFuse, segmentLabels, &out.DSegments},
	} {
		flat := c.flatten(task.logits)
		value := float32(meanCrossEntropy(flat.Raw(), task.targets.Raw()))
		out.Terms = append(out.Terms, LossTerm{Name: task.name, Value: value})
		out.Total += value

		dflat := nn.CrossEntropyBackward(flat, task.targets, c.backend)
		*task.grad = c.unflatten(dflat, task.logits.Shape())
	}

	for _, l := range net.decayed() {
		value := layers.L2Penalty(l)
		out.Terms = append(out.Terms, LossTerm{Name: decayName(l), Value: value})
		out.Total += value
	}
	return out, nil
}

// WeightDecayGrad adds the gradient of every weight-decay term to grads.
func (c *Criterion[B]) WeightDecayGrad(net *Network[B], grads layers.Gradients) {
	for _, l := range net.decayed() {
		layers.L2PenaltyGrad(l, grads)
	}
}

// flatten reorders [N, C, H, W] scores to NHWC and views them as [N*H*W, C].
func (c *Criterion[B]) flatten(logits *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := logits.Shape()
	nhwc := c.backend.Transpose(logits.Raw(), 0, 2, 3, 1)
	flat := c.backend.Reshape(nhwc, tensor.Shape{s[0] * s[2] * s[3], s[1]})
	return tensor.New[float32, B](flat, c.backend)
}

// unflatten is the inverse of flatten.
func (c *Criterion[B]) unflatten(flat *tensor.Tensor[float32, B], shape tensor.Shape) *tensor.Tensor[float32, B] {
	nhwc := c.backend.Reshape(flat.Raw(), tensor.Shape{shape[0], shape[2], shape[3], shape[1]})
	return tensor.New[float32, B](c.backend.Transpose(nhwc, 0, 3, 1, 2), c.backend)
}

// meanCrossEntropy returns the mean of logsumexp(z) - z[target] over the
// rows of logits [M, C].
func meanCrossEntropy(logits, targets *tensor.RawTensor) float64 {
	s := logits.Shape()
	rows, classes := s[0], s[1]
	z := logits.AsFloat32()
	t := targets.AsInt32()

	var total float64
	for i := 0; i < rows; i++ {
		row := z[i*classes : (i+1)*classes]
		hi := float64(row[0])
		for _, v := range row[1:] {
			hi = math.Max(hi, float64(v))
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v) - hi)
		}
		total += hi + math.Log(sum) - float64(row[t[i]])
	}
	return total / float64(rows)
}

func decayName[B tensor.Backend](l layers.Decayed[B]) string {
	return strings.TrimSuffix(l.Weight().Name(), "/weights") + "/weight_loss"
}

// checkLabels verifies labels are [N, 2, H, W] class indices matching a
// fusion map of shape mapShape.
func checkLabels[B tensor.Backend](mapShape tensor.Shape, labels *tensor.Tensor[int32, B]) error {
	if len(mapShape) != 4 || mapShape[1] != NumClasses {
		return fmt.Errorf("%w: fusion map %v, expected [N, %d, H, W]", ErrShape, mapShape, NumClasses)
	}
	want := tensor.Shape{mapShape[0], 2, mapShape[2], mapShape[3]}
	if !labels.Shape().Equal(want) {
		return fmt.Errorf("%w: labels %v, expected %v", ErrShape, labels.Shape(), want)
	}
	for i, v := range labels.Raw().AsInt32() {
		if v < 0 || v >= NumClasses {
			return fmt.Errorf("dcan: label %d at index %d is not a class in [0, %d)", v, i, NumClasses)
		}
	}
	return nil
}

// splitLabels separates [N, 2, H, W] labels into contour and segment
// targets, each flattened in NHWC order to [N*H*W].
func splitLabels[B tensor.Backend](labels *tensor.Tensor[int32, B], backend B) (contours, segments *tensor.Tensor[int32, B]) {
	s := labels.Shape()
	n, plane := s[0], s[2]*s[3]
	src := labels.Raw().AsInt32()

	split := func(ch int) *tensor.Tensor[int32, B] {
		raw, err := tensor.NewRaw(tensor.Shape{n * plane}, tensor.Int32, backend.Device())
		if err != nil {
			panic(fmt.Sprintf("dcan: allocate labels: %v", err))
		}
		dst := raw.AsInt32()
		for b := 0; b < n; b++ {
			copy(dst[b*plane:(b+1)*plane], src[(b*2+ch)*plane:(b*2+ch+1)*plane])
		}
		return tensor.New[int32, B](raw, backend)
	}
	return split(0), split(1)
}
