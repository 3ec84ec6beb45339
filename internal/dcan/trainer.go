package dcan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/born-ml/dcan/internal/layers"
	"github.com/born-ml/dcan/internal/metrics"
)

// ErrDiverged is returned when the loss becomes NaN or infinite.
var ErrDiverged = errors.New("model diverged")

// TrainerConfig holds the knobs of the training loop.
type TrainerConfig struct {
	ExamplesPerEpoch int // Training examples per epoch, for the decay schedule
	BatchSize        int
	MaxSteps         int
	LogEvery         int // Steps between progress lines
	SummaryEvery     int // Steps between activation and loss-average summaries
}

// StepResult reports one training step.
type StepResult struct {
	Step         int // Global step after the update
	LearningRate float32
	Total        float32
	Terms        []LossTerm

	// Gradients applied in this step, keyed by parameter raw tensor.
	Gradients layers.Gradients
}

// Trainer runs momentum SGD on a Network with the staircase learning rate
// schedule, and keeps moving averages of the losses and the parameters.
type Trainer[B tensor.Backend] struct {
	cfg        TrainerConfig
	net        *Network[B]
	criterion  *Criterion[B]
	opt        *optim.SGD[B]
	losses     *LossAverager
	averages   *VariableAverager[B]
	decaySteps int
	step       int

	runID  string
	logger *log.Entry
}

// NewTrainer creates a trainer for net. The variable averages start from
// the current parameter values.
func NewTrainer[B tensor.Backend](net *Network[B], cfg TrainerConfig, backend B) *Trainer[B] {
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 10
	}
	if cfg.SummaryEvery <= 0 {
		cfg.SummaryEvery = 100
	}
	params := net.Parameters()
	runID := uuid.NewString()
	return &Trainer[B]{
		cfg:       cfg,
		net:       net,
		criterion: NewCriterion(backend),
		opt: optim.NewSGD(params, optim.SGDConfig{
			LR:       InitialLearningRate,
			Momentum: Momentum,
		}, backend),
		losses:     NewLossAverager(LossAverageDecay),
		averages:   NewVariableAverager(MovingAverageDecay, params),
		decaySteps: DecaySteps(cfg.ExamplesPerEpoch, cfg.BatchSize),
		runID:      runID,
		logger:     log.WithField("run_id", runID),
	}
}

// RunID identifies this training run in logs.
func (t *Trainer[B]) RunID() string { return t.runID }

// GlobalStep returns the number of updates applied so far.
func (t *Trainer[B]) GlobalStep() int { return t.step }

// DecaySteps returns the steps between learning rate drops.
func (t *Trainer[B]) DecaySteps() int { return t.decaySteps }

// LearningRate returns the rate the next step will use.
func (t *Trainer[B]) LearningRate() float32 { return LearningRate(t.step, t.decaySteps) }

// Losses returns the loss moving averages.
func (t *Trainer[B]) Losses() *LossAverager { return t.losses }

// Averages returns the parameter moving averages.
func (t *Trainer[B]) Averages() *VariableAverager[B] { return t.averages }

// Criterion returns the loss used for training.
func (t *Trainer[B]) Criterion() *Criterion[B] { return t.criterion }

// Step runs forward, loss, backward and one optimizer update on a batch,
// then advances the global step and the moving averages.
func (t *Trainer[B]) Step(ctx context.Context, images *tensor.Tensor[float32, B], labels *tensor.Tensor[int32, B]) (*StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.net.CheckImages(images); err != nil {
		return nil, err
	}

	lr := t.LearningRate()
	t.opt.SetLR(lr)
	t.net.SetTraining(true)

	cFuse, sFuse := t.net.Inference(images)
	out, err := t.criterion.Forward(t.net, cFuse, sFuse, labels)
	if err != nil {
		return nil, fmt.Errorf("loss: %w", err)
	}
	if math.IsNaN(float64(out.Total)) || math.IsInf(float64(out.Total), 0) {
		return nil, fmt.Errorf("%w with loss = %v at step %d", ErrDiverged, out.Total, t.step)
	}
	t.losses.UpdateOutput(out.Terms, out.Total)

	grads := t.net.Backward(out.DContours, out.DSegments)
	t.criterion.WeightDecayGrad(t.net, grads)
	t.opt.Step(grads)

	t.step++
	t.averages.Apply(t.step)

	return &StepResult{
		Step:         t.step,
		LearningRate: lr,
		Total:        out.Total,
		Terms:        out.Terms,
		Gradients:    grads,
	}, nil
}

// Run trains on batches until MaxSteps updates have been applied or ctx is
// done.
func (t *Trainer[B]) Run(ctx context.Context, batches *Batches[B]) error {
	t.logger.WithFields(log.Fields{
		"max_steps":   t.cfg.MaxSteps,
		"batch_size":  batches.BatchSize(),
		"decay_steps": t.decaySteps,
		"parameters":  len(t.net.Parameters()),
	}).Info("training started")

	var window metrics.Window
	for t.step < t.cfg.MaxSteps {
		startData := time.Now()
		images, labels, err := batches.Next(ctx)
		if err != nil {
			return err
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		res, err := t.Step(ctx, images, labels)
		if err != nil {
			return err
		}
		computeTime := time.Since(startCompute)

		window.Record(images.Shape()[0], dataTime, computeTime, float64(res.Total), float64(res.LearningRate))

		if res.Step%t.cfg.LogEvery == 0 {
			snap := window.Snapshot()
			t.logger.WithFields(log.Fields{
				"step":             res.Step,
				"loss":             fmt.Sprintf("%.4f", snap.LastLoss),
				"loss_avg":         fmt.Sprintf("%.4f", t.losses.Average(TermTotal)),
				"lr":               snap.LearningRate,
				"examples_per_sec": fmt.Sprintf("%.1f", snap.ImagesPerSec),
				"sec_per_batch":    fmt.Sprintf("%.3f", snap.SecPerBatch),
			}).Info("step")
		}
		if res.Step%t.cfg.SummaryEvery == 0 {
			t.summarize(res)
		}
	}

	t.logger.WithField("step", t.step).Info("training finished")
	return nil
}

// summarize logs raw and averaged losses, and at debug level activation
// sparsity and the distribution of every parameter and its gradient.
func (t *Trainer[B]) summarize(res *StepResult) {
	fields := log.Fields{"step": res.Step}
	for _, term := range res.Terms {
		fields[term.Name+"_raw"] = term.Value
		fields[term.Name] = t.losses.Average(term.Name)
	}
	fields[TermTotal+"_raw"] = res.Total
	fields[TermTotal] = t.losses.Average(TermTotal)
	t.logger.WithFields(fields).Info("loss summary")

	if !t.logger.Logger.IsLevelEnabled(log.DebugLevel) {
		return
	}
	for _, a := range t.net.Activations() {
		t.logger.WithFields(log.Fields{
			"step":     res.Step,
			"name":     a.Name,
			"shape":    fmt.Sprint(a.Shape),
			"sparsity": a.Sparsity,
			"mean":     a.Mean,
		}).Debug("activation")
	}
	for _, p := range t.net.Parameters() {
		raw := p.Tensor().Raw()
		t.logger.WithFields(statsFields(res.Step, p.Name(), raw.AsFloat32())).Debug("variable")
		if g, ok := res.Gradients[raw]; ok {
			t.logger.WithFields(statsFields(res.Step, p.Name()+"/gradients", g.AsFloat32())).Debug("gradient")
		}
	}
}

// statsFields summarizes values as mean, stddev, min and max.
func statsFields(step int, name string, values []float32) log.Fields {
	fields := log.Fields{"step": step, "name": name}
	if len(values) == 0 {
		return fields
	}
	lo, hi := values[0], values[0]
	var sum, sumSq float64
	for _, v := range values {
		lo, hi = min(lo, v), max(hi, v)
		sum += float64(v)
		sumSq += float64(v) * float64(v)
	}
	n := float64(len(values))
	mean := sum / n
	fields["mean"] = mean
	fields["stddev"] = math.Sqrt(math.Max(sumSq/n-mean*mean, 0))
	fields["min"] = lo
	fields["max"] = hi
	return fields
}
