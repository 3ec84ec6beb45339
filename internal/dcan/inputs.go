package dcan

import (
	"context"
	"fmt"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/dcan/internal/config"
	"github.com/born-ml/dcan/internal/input"
)

// evalSeedOffset separates the evaluation examples from the training ones.
const evalSeedOffset = 1 << 32

// Batches turns a Source into image and label tensors of a fixed batch size.
type Batches[B tensor.Backend] struct {
	src       input.Source
	batchSize int
	backend   B
}

// NewBatches wraps src.
func NewBatches[B tensor.Backend](src input.Source, batchSize int, backend B) *Batches[B] {
	return &Batches[B]{src: src, batchSize: batchSize, backend: backend}
}

// BatchSize returns the number of examples per batch.
func (b *Batches[B]) BatchSize() int { return b.batchSize }

// Next returns images [N, 1, H, W] and labels [N, 2, H, W].
func (b *Batches[B]) Next(ctx context.Context) (*tensor.Tensor[float32, B], *tensor.Tensor[int32, B], error) {
	batch, err := b.src.Next(ctx, b.batchSize)
	if err != nil {
		return nil, nil, fmt.Errorf("next batch: %w", err)
	}
	images, err := tensor.FromSlice(batch.Images, tensor.Shape{batch.N, 1, batch.H, batch.W}, b.backend)
	if err != nil {
		return nil, nil, fmt.Errorf("images: %w", err)
	}
	labels, err := tensor.FromSlice(batch.Labels, tensor.Shape{batch.N, 2, batch.H, batch.W}, b.backend)
	if err != nil {
		return nil, nil, fmt.Errorf("labels: %w", err)
	}
	return images, labels, nil
}

// DistortedInputs returns shuffled, randomly flipped training batches.
// cfg.DataDir is validated only: the synthetic source renders the images
// in place of reading them from disk.
func DistortedInputs[B tensor.Backend](cfg *config.Config, backend B) (*Batches[B], error) {
	if cfg.DataDir == "" {
		return nil, config.ErrNoDataDir
	}
	sc := input.DefaultSyntheticConfig(cfg.ImageHeight, cfg.ImageWidth, cfg.ExamplesPerEpochTrain)
	sc.Distort = true
	sc.Seed = cfg.Seed
	src, err := input.NewSynthetic(sc)
	if err != nil {
		return nil, err
	}
	return NewBatches(src, cfg.BatchSize, backend), nil
}

// Inputs returns batches in example order, from the evaluation set when
// evalData is true and from the training set otherwise. As with
// DistortedInputs, cfg.DataDir is validated but not read.
func Inputs[B tensor.Backend](cfg *config.Config, evalData bool, backend B) (*Batches[B], error) {
	if cfg.DataDir == "" {
		return nil, config.ErrNoDataDir
	}
	examples, seed := cfg.ExamplesPerEpochTrain, cfg.Seed
	if evalData {
		examples, seed = cfg.ExamplesPerEpochEval, cfg.Seed+evalSeedOffset
	}
	sc := input.DefaultSyntheticConfig(cfg.ImageHeight, cfg.ImageWidth, examples)
	sc.Seed = seed
	src, err := input.NewSynthetic(sc)
	if err != nil {
		return nil, err
	}
	return NewBatches(src, cfg.BatchSize, backend), nil
}
