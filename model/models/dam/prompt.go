package dam

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/jmorganca/dam/ml"
	"github.com/jmorganca/dam/ml/nn"
)

// PromptOptions sizes the learned prompts.
type PromptOptions struct {
	TextLength   int // N_TPRO
	VisionLength int // N_VPRO
	NumSet       int

	TextLayers, VisionLayers int
	TextWidth, VisionWidth   int
}

// PromptStore owns the learned prompt tensors. Global prompts exist for
// every layer but the first; the first layer is driven by the input
// prompts.
type PromptStore struct {
	TextGlobal   []ml.Tensor // [TextLength, TextWidth] each
	TextInput    ml.Tensor   // [TextLength+NumSet, TextWidth]
	VisionGlobal []ml.Tensor // [VisionLength, VisionWidth] each
	VisionInput  ml.Tensor   // [VisionLength, VisionWidth]

	// Projector derives instance prompts from frozen text features.
	Projector *nn.Linear

	opts PromptOptions
}

func NewPromptStore(ctx ml.Context, opts PromptOptions, r *rand.Rand) (*PromptStore, error) {
	switch {
	case opts.TextLength < 1, opts.VisionLength < 1, opts.NumSet < 1:
		return nil, fmt.Errorf("%w: prompt lengths %d/%d with %d structures", ml.ErrShape, opts.TextLength, opts.VisionLength, opts.NumSet)
	case opts.TextLayers < 1, opts.VisionLayers < 1:
		return nil, fmt.Errorf("%w: %d text and %d vision layers", ml.ErrShape, opts.TextLayers, opts.VisionLayers)
	case opts.TextWidth < 1, opts.VisionWidth < 1:
		return nil, fmt.Errorf("%w: widths %d/%d", ml.ErrShape, opts.TextWidth, opts.VisionWidth)
	}

	normal := func(shape ...int) (ml.Tensor, error) {
		s := make([]float32, shape[0]*shape[1])
		for i := range s {
			s[i] = float32(r.NormFloat64() * 0.02)
		}
		return ctx.FromFloatSlice(s, shape...)
	}

	uniform := func(bound float64, shape ...int) (ml.Tensor, error) {
		n := 1
		for _, d := range shape {
			n *= d
		}

		s := make([]float32, n)
		for i := range s {
			s[i] = float32((2*r.Float64() - 1) * bound)
		}
		return ctx.FromFloatSlice(s, shape...)
	}

	var err error
	store := PromptStore{
		TextGlobal:   make([]ml.Tensor, opts.TextLayers-1),
		VisionGlobal: make([]ml.Tensor, opts.VisionLayers-1),
		Projector:    &nn.Linear{},
		opts:         opts,
	}

	for i := range store.TextGlobal {
		if store.TextGlobal[i], err = normal(opts.TextLength, opts.TextWidth); err != nil {
			return nil, err
		}
	}

	if store.TextInput, err = normal(opts.TextLength+opts.NumSet, opts.TextWidth); err != nil {
		return nil, err
	}

	for i := range store.VisionGlobal {
		if store.VisionGlobal[i], err = normal(opts.VisionLength, opts.VisionWidth); err != nil {
			return nil, err
		}
	}

	if store.VisionInput, err = normal(opts.VisionLength, opts.VisionWidth); err != nil {
		return nil, err
	}

	bound := 1 / math.Sqrt(float64(opts.TextWidth))
	if store.Projector.Weight, err = uniform(bound, opts.TextWidth, opts.TextWidth); err != nil {
		return nil, err
	}
	if store.Projector.Bias, err = uniform(bound, opts.TextWidth); err != nil {
		return nil, err
	}

	return &store, nil
}

func (s *PromptStore) Options() PromptOptions {
	return s.opts
}

// TextGlobalAt returns the global prompt spliced in before text layer i+1.
func (s *PromptStore) TextGlobalAt(i int) (ml.Tensor, error) {
	if i < 0 || i >= len(s.TextGlobal) {
		return nil, fmt.Errorf("text global prompt %d out of range [0, %d)", i, len(s.TextGlobal))
	}
	return s.TextGlobal[i], nil
}

// VisionGlobalAt returns the global prompt spliced in before vision layer
// i+1.
func (s *PromptStore) VisionGlobalAt(i int) (ml.Tensor, error) {
	if i < 0 || i >= len(s.VisionGlobal) {
		return nil, fmt.Errorf("vision global prompt %d out of range [0, %d)", i, len(s.VisionGlobal))
	}
	return s.VisionGlobal[i], nil
}

// Instance returns the instance prompts for the first layers-1 text layers:
// each frozen feature f becomes f + projector(f). features holds one
// [classes, structures, width] tensor per layer.
func (s *PromptStore) Instance(ctx ml.Context, features []ml.Tensor) ([]ml.Tensor, error) {
	if len(features) < s.opts.TextLayers-1 {
		return nil, fmt.Errorf("%w: %d frozen feature layers for %d text layers", ml.ErrShape, len(features), s.opts.TextLayers)
	}

	out := make([]ml.Tensor, s.opts.TextLayers-1)
	for l := range out {
		f := features[l].Cast(ctx, ml.DTypeF32)
		out[l] = f.Add(ctx, s.Projector.Forward(ctx, f))
	}
	return out, nil
}

// AssembleVision appends the vision input prompt to every embedded image
// sequence shaped [batch, seq, width].
func (s *PromptStore) AssembleVision(ctx ml.Context, embedded ml.Tensor) ml.Tensor {
	if embedded.Dim(-1) != s.opts.VisionWidth {
		panic(fmt.Errorf("%w: image width %d, prompts are %d wide", ml.ErrShape, embedded.Dim(-1), s.opts.VisionWidth))
	}

	p := s.VisionInput.Cast(ctx, embedded.DType()).Reshape(ctx, 1, s.opts.VisionLength, s.opts.VisionWidth)
	return embedded.Concat(ctx, p.Repeat(ctx, 0, embedded.Dim(0)), 1)
}
