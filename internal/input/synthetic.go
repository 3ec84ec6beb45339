// Package input supplies image/label batches to the network.
//
// A batch holds N single-channel images [N, 1, H, W] and their labels
// [N, 2, H, W]: channel 0 marks nucleus contours, channel 1 nucleus
// segments, both with values 0 or 1.
package input

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Batch is one set of images and labels in NCHW layout.
type Batch struct {
	N, H, W int
	Images  []float32 // [N, 1, H, W]
	Labels  []int32   // [N, 2, H, W]
}

// Source yields batches.
type Source interface {
	// Next returns the next n examples.
	Next(ctx context.Context, n int) (*Batch, error)
}

// SyntheticConfig describes generated well images.
type SyntheticConfig struct {
	Height, Width int
	Examples      int     // Examples per epoch
	MinNuclei     int     // Nuclei per image, inclusive range
	MaxNuclei     int
	MinRadius     float64 // Ellipse semi-axis range in pixels
	MaxRadius     float64
	Noise         float64 // Stddev of additive Gaussian noise
	Distort       bool    // Shuffle every epoch and flip at random
	Seed          uint64
}

// DefaultSyntheticConfig returns a config scaled to an h x w image.
func DefaultSyntheticConfig(h, w, examples int) SyntheticConfig {
	side := float64(min(h, w))
	return SyntheticConfig{
		Height:    h,
		Width:     w,
		Examples:  examples,
		MinNuclei: 3,
		MaxNuclei: 12,
		MinRadius: max(2, side/40),
		MaxRadius: max(3, side/14),
		Noise:     0.03,
	}
}

// Validate checks the config.
func (c SyntheticConfig) Validate() error {
	if c.Height <= 0 || c.Width <= 0 {
		return fmt.Errorf("synthetic: image size must be > 0 (got %dx%d)", c.Height, c.Width)
	}
	if c.Examples <= 0 {
		return fmt.Errorf("synthetic: examples must be > 0 (got %d)", c.Examples)
	}
	if c.MinNuclei < 0 || c.MaxNuclei < c.MinNuclei {
		return fmt.Errorf("synthetic: invalid nuclei range [%d, %d]", c.MinNuclei, c.MaxNuclei)
	}
	if c.MinRadius <= 0 || c.MaxRadius < c.MinRadius {
		return fmt.Errorf("synthetic: invalid radius range [%v, %v]", c.MinRadius, c.MaxRadius)
	}
	if c.Noise < 0 {
		return errors.New("synthetic: noise must be >= 0")
	}
	return nil
}

// Synthetic renders microscopy-like well images: a dim noisy background
// with bright elliptical nuclei. Example i is a pure function of the seed
// and i, so every epoch sees the same images.
type Synthetic struct {
	cfg SyntheticConfig

	mu    sync.Mutex
	rng   *rand.Rand
	order []int
	pos   int
	epoch int
}

// NewSynthetic creates a generated source.
func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Synthetic{
		cfg:   cfg,
		rng:   rand.New(rand.NewPCG(cfg.Seed, 0x5eed)),
		order: make([]int, cfg.Examples),
	}
	for i := range s.order {
		s.order[i] = i
	}
	if cfg.Distort {
		s.shuffle()
	}
	return s, nil
}

// Config returns the source configuration.
func (s *Synthetic) Config() SyntheticConfig { return s.cfg }

// Epoch returns the number of completed passes over the examples.
func (s *Synthetic) Epoch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *Synthetic) shuffle() {
	s.rng.Shuffle(len(s.order), func(i, j int) { s.order[i], s.order[j] = s.order[j], s.order[i] })
}

// Next returns the next n examples, wrapping around at the end of an epoch.
func (s *Synthetic) Next(ctx context.Context, n int) (*Batch, error) {
	if n <= 0 {
		return nil, fmt.Errorf("synthetic: batch size must be > 0 (got %d)", n)
	}

	type pick struct {
		index        int
		flipH, flipV bool
	}
	picks := make([]pick, n)

	s.mu.Lock()
	for k := range picks {
		if s.pos == len(s.order) {
			s.pos = 0
			s.epoch++
			if s.cfg.Distort {
				s.shuffle()
			}
		}
		picks[k].index = s.order[s.pos]
		s.pos++
		if s.cfg.Distort {
			picks[k].flipH = s.rng.IntN(2) == 1
			picks[k].flipV = s.rng.IntN(2) == 1
		}
	}
	s.mu.Unlock()

	h, w := s.cfg.Height, s.cfg.Width
	plane := h * w
	batch := &Batch{
		N: n, H: h, W: w,
		Images: make([]float32, n*plane),
		Labels: make([]int32, n*2*plane),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for k, p := range picks {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			image := batch.Images[k*plane : (k+1)*plane]
			contours := batch.Labels[(2*k)*plane : (2*k+1)*plane]
			segments := batch.Labels[(2*k+1)*plane : (2*k+2)*plane]
			s.render(p.index, image, contours, segments)
			if p.flipH {
				flipRows(image, h, w)
				flipRows(contours, h, w)
				flipRows(segments, h, w)
			}
			if p.flipV {
				flipCols(image, h, w)
				flipCols(contours, h, w)
				flipCols(segments, h, w)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("synthetic: %w", err)
	}
	return batch, nil
}

// Example renders example i without distortion.
func (s *Synthetic) Example(i int) (image []float32, contours, segments []int32) {
	plane := s.cfg.Height * s.cfg.Width
	image = make([]float32, plane)
	contours = make([]int32, plane)
	segments = make([]int32, plane)
	s.render(i, image, contours, segments)
	return image, contours, segments
}

type nucleus struct {
	cx, cy    float64
	a, b      float64 // semi-axes
	cos, sin  float64
	intensity float64
}

// dist2 returns the squared normalized distance from the center; the pixel
// is inside the nucleus when it is <= 1.
func (n nucleus) dist2(x, y float64) float64 {
	dx, dy := x-n.cx, y-n.cy
	u := (dx*n.cos + dy*n.sin) / n.a
	v := (-dx*n.sin + dy*n.cos) / n.b
	return u*u + v*v
}

// render draws example i into the given planes.
func (s *Synthetic) render(i int, image []float32, contours, segments []int32) {
	cfg := s.cfg
	h, w := cfg.Height, cfg.Width
	rng := rand.New(rand.NewPCG(cfg.Seed, uint64(i)+1))

	owner := make([]int32, h*w)
	count := cfg.MinNuclei + rng.IntN(cfg.MaxNuclei-cfg.MinNuclei+1)
	brightness := make([]float64, h*w)

	for id := int32(1); id <= int32(count); id++ {
		theta := rng.Float64() * math.Pi
		n := nucleus{
			cx:        rng.Float64() * float64(w),
			cy:        rng.Float64() * float64(h),
			a:         cfg.MinRadius + rng.Float64()*(cfg.MaxRadius-cfg.MinRadius),
			b:         cfg.MinRadius + rng.Float64()*(cfg.MaxRadius-cfg.MinRadius),
			cos:       math.Cos(theta),
			sin:       math.Sin(theta),
			intensity: 0.5 + 0.5*rng.Float64(),
		}
		r := math.Max(n.a, n.b)
		y0, y1 := max(0, int(n.cy-r)), min(h-1, int(n.cy+r)+1)
		x0, x1 := max(0, int(n.cx-r)), min(w-1, int(n.cx+r)+1)
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				d := n.dist2(float64(x)+0.5, float64(y)+0.5)
				if d > 1 {
					continue
				}
				owner[y*w+x] = id
				brightness[y*w+x] = n.intensity * (1 - 0.3*d)
			}
		}
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := y*w + x
			v := 0.05 + brightness[p] + cfg.Noise*rng.NormFloat64()
			image[p] = float32(math.Min(1, math.Max(0, v)))

			id := owner[p]
			contours[p], segments[p] = 0, 0
			if id == 0 {
				continue
			}
			segments[p] = 1
			if (y > 0 && owner[p-w] != id) || (y < h-1 && owner[p+w] != id) ||
				(x > 0 && owner[p-1] != id) || (x < w-1 && owner[p+1] != id) {
				contours[p] = 1
			}
		}
	}
}

// flipRows mirrors a plane left to right.
func flipRows[T any](plane []T, h, w int) {
	for y := 0; y < h; y++ {
		row := plane[y*w : (y+1)*w]
		for i, j := 0, w-1; i < j; i, j = i+1, j-1 {
			row[i], row[j] = row[j], row[i]
		}
	}
}

// flipCols mirrors a plane top to bottom.
func flipCols[T any](plane []T, h, w int) {
	for i, j := 0, h-1; i < j; i, j = i+1, j-1 {
		a := plane[i*w : (i+1)*w]
		b := plane[j*w : (j+1)*w]
		for x := range a {
			a[x], b[x] = b[x], a[x]
		}
	}
}
