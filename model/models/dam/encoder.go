package dam

import (
	"fmt"

	"github.com/jmorganca/dam/logutil"
	"github.com/jmorganca/dam/ml"
	"github.com/jmorganca/dam/model"
)

// TextEncoder runs the frozen text transformer over assembled prompts,
// rewriting the prompt region before every layer after the first.
type TextEncoder struct {
	text  model.TextEncoder
	store *PromptStore
	dtype ml.DType
}

func NewTextEncoder(text model.TextEncoder, store *PromptStore, dtype ml.DType) (*TextEncoder, error) {
	opts := store.Options()
	if text.HiddenSize() != opts.TextWidth {
		return nil, fmt.Errorf("%w: text width %d, prompts are %d wide", ml.ErrShape, text.HiddenSize(), opts.TextWidth)
	}
	if text.NumLayers() != opts.TextLayers {
		return nil, fmt.Errorf("%w: %d text layers, prompts for %d", ml.ErrShape, text.NumLayers(), opts.TextLayers)
	}

	return &TextEncoder{text: text, store: store, dtype: dtype}, nil
}

// Encode returns f32 features shaped [classes, embedding] in training and
// [classes, structures, embedding] in evaluation.
func (e *TextEncoder) Encode(ctx ml.Context, p *TextPrompts) (ml.Tensor, error) {
	opts := e.store.Options()
	n, seq := p.Embeddings.Dim(0), p.Embeddings.Dim(1)
	suffix := 1 + opts.TextLength + opts.NumSet

	x := p.Embeddings.Add(ctx, e.text.PositionalEmbedding()).Cast(ctx, e.dtype)
	for i := range e.text.NumLayers() {
		if i > 0 {
			global, err := e.store.TextGlobalAt(i - 1)
			if err != nil {
				return nil, err
			}

			global = global.Cast(ctx, e.dtype).Reshape(ctx, 1, opts.TextLength, opts.TextWidth).Repeat(ctx, 0, n)
			x = x.Slice(ctx, 1, 0, 1).
				Concat(ctx, global, 1).
				Concat(ctx, p.Instance[i-1].Cast(ctx, e.dtype), 1).
				Concat(ctx, x.Slice(ctx, 1, suffix, seq), 1)
		}

		bias := p.Bias.Slice(ctx, 1, i, i+1).Reshape(ctx, n, seq, seq)
		x = e.text.RunLayer(ctx, i, x, bias)
		logutil.Trace("prompted text layer", "layer", i, "shape", x.Shape())
	}

	gather, err := summaryRows(ctx, p.EOT, seq)
	if err != nil {
		return nil, err
	}

	x = e.text.FinalNorm(ctx, x)
	x = e.text.Project(ctx, rows(ctx, x, gather)).Cast(ctx, ml.DTypeF32)

	if !p.Training {
		x = x.Reshape(ctx, n/opts.NumSet, opts.NumSet, x.Dim(-1))
	}
	return x, nil
}

// VisionEncoder runs the frozen image transformer with the vision prompt
// appended after the patches and refreshed before every later layer.
type VisionEncoder struct {
	vision model.VisionEncoder
	store  *PromptStore
	dtype  ml.DType
}

func NewVisionEncoder(vision model.VisionEncoder, store *PromptStore, dtype ml.DType) (*VisionEncoder, error) {
	opts := store.Options()
	if vision.HiddenSize() != opts.VisionWidth {
		return nil, fmt.Errorf("%w: vision width %d, prompts are %d wide", ml.ErrShape, vision.HiddenSize(), opts.VisionWidth)
	}
	if vision.NumLayers() != opts.VisionLayers {
		return nil, fmt.Errorf("%w: %d vision layers, prompts for %d", ml.ErrShape, vision.NumLayers(), opts.VisionLayers)
	}

	return &VisionEncoder{vision: vision, store: store, dtype: dtype}, nil
}

// Encode returns f32 features shaped [batch, embedding].
func (e *VisionEncoder) Encode(ctx ml.Context, pixels ml.Tensor) (ml.Tensor, error) {
	opts := e.store.Options()

	x := e.vision.Embed(ctx, pixels.Cast(ctx, e.dtype))
	x = e.store.AssembleVision(ctx, x)
	x = e.vision.PreNorm(ctx, x)

	batchSize, seq := x.Dim(0), x.Dim(1)
	for i := range e.vision.NumLayers() {
		if i > 0 {
			global, err := e.store.VisionGlobalAt(i - 1)
			if err != nil {
				return nil, err
			}

			global = global.Cast(ctx, x.DType()).Reshape(ctx, 1, opts.VisionLength, opts.VisionWidth).Repeat(ctx, 0, batchSize)
			x = x.Slice(ctx, 1, 0, seq-opts.VisionLength).Concat(ctx, global, 1)
		}

		x = e.vision.RunLayer(ctx, i, x)
		logutil.Trace("prompted vision layer", "layer", i, "shape", x.Shape())
	}

	class := x.Slice(ctx, 1, 0, 1).Reshape(ctx, batchSize, opts.VisionWidth)
	class = e.vision.PostNorm(ctx, class)
	return e.vision.Project(ctx, class).Cast(ctx, ml.DTypeF32), nil
}
