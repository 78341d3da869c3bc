package dam

import (
	"fmt"

	"github.com/jmorganca/dam/ml"
	"github.com/jmorganca/dam/model"
)

// ZeroShotText is the frozen text snapshot taken once at construction:
// unit-norm class representations and the per layer summary features of
// each class's descriptions. It never changes afterwards.
type ZeroShotText struct {
	classes ml.Tensor   // [classes, embedding]
	layers  []ml.Tensor // [classes, structures, width] per layer
}

// NewZeroShotText encodes every description of every class with the
// unprompted text encoder. Class representations average all descriptions;
// layer features keep the first numSet.
func NewZeroShotText(ctx ml.Context, text model.TextEncoder, proc model.TextProcessor, classes []string, descriptions Descriptions, numSet int, dtype ml.DType) (*ZeroShotText, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w: no classes", ErrClass)
	}

	reps := make([]ml.Tensor, len(classes))
	perLayer := make([][]ml.Tensor, text.NumLayers())
	for i, class := range classes {
		name := ClassName(class)
		texts := descriptions[name]
		if len(texts) < numSet {
			return nil, fmt.Errorf("%w %q: %d descriptions, need %d", ErrClass, name, len(texts), numSet)
		}

		var ids []int32
		var eot []int32
		for _, s := range texts {
			t, err := proc.Tokenize(s)
			if err != nil {
				return nil, fmt.Errorf("%w %q: %v", ErrClass, name, err)
			}
			ids = append(ids, t...)
			eot = append(eot, int32(argmax(t)))
		}

		input, err := ctx.FromIntSlice(ids, len(texts), proc.ContextLength())
		if err != nil {
			return nil, err
		}

		embeddings, features, err := encodeFrozenText(ctx, text, input, eot, dtype)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrClass, name, err)
		}

		reps[i] = embeddings.L2Norm(ctx).Mean(ctx, 0).L2Norm(ctx)
		for l, f := range features {
			perLayer[l] = append(perLayer[l], f.L2Norm(ctx).Slice(ctx, 0, 0, numSet))
		}
	}

	z := ZeroShotText{
		classes: reps[0].Stack(ctx, 0, reps[1:]...),
		layers:  make([]ml.Tensor, len(perLayer)),
	}
	for l, fs := range perLayer {
		z.layers[l] = fs[0].Stack(ctx, 0, fs[1:]...)
	}

	return &z, nil
}

// Classes returns the class representations shaped [classes, embedding].
func (z *ZeroShotText) Classes() ml.Tensor {
	return z.classes
}

// Layers returns the summary features after every layer, each shaped
// [classes, structures, width].
func (z *ZeroShotText) Layers() []ml.Tensor {
	return append([]ml.Tensor(nil), z.layers...)
}

func (z *ZeroShotText) Layer(l int) (ml.Tensor, error) {
	if l < 0 || l >= len(z.layers) {
		return nil, fmt.Errorf("frozen text layer %d out of range [0, %d)", l, len(z.layers))
	}
	return z.layers[l], nil
}

// encodeFrozenText runs the unprompted text encoder over ids shaped
// [n, seq]. It returns the projected embeddings [n, embedding] and the
// summary feature after each layer [n, width], all in f32.
func encodeFrozenText(ctx ml.Context, text model.TextEncoder, ids ml.Tensor, eot []int32, dtype ml.DType) (ml.Tensor, []ml.Tensor, error) {
	x := text.EmbedTokens(ctx, ids).Add(ctx, text.PositionalEmbedding()).Cast(ctx, dtype)

	gather, err := summaryRows(ctx, eot, x.Dim(1))
	if err != nil {
		return nil, nil, err
	}

	features := make([]ml.Tensor, text.NumLayers())
	for i := range features {
		x = text.RunLayer(ctx, i, x, nil)
		features[i] = rows(ctx, x, gather).Cast(ctx, ml.DTypeF32)
	}

	x = text.FinalNorm(ctx, x)
	return text.Project(ctx, rows(ctx, x, gather)).Cast(ctx, ml.DTypeF32), features, nil
}

// EncodeImage runs the unprompted image encoder and returns unit-norm f32
// features shaped [batch, embedding].
func EncodeImage(ctx ml.Context, vision model.VisionEncoder, pixels ml.Tensor, dtype ml.DType) ml.Tensor {
	x := vision.Embed(ctx, pixels.Cast(ctx, dtype))
	x = vision.PreNorm(ctx, x)
	for i := range vision.NumLayers() {
		x = vision.RunLayer(ctx, i, x)
	}

	class := x.Slice(ctx, 1, 0, 1).Reshape(ctx, x.Dim(0), x.Dim(2))
	class = vision.PostNorm(ctx, class)
	return vision.Project(ctx, class).Cast(ctx, ml.DTypeF32).L2Norm(ctx)
}

// summaryRows returns, for sequences of length seq, the flat row index of
// each summary position.
func summaryRows(ctx ml.Context, positions []int32, seq int) (ml.Tensor, error) {
	ids := make([]int32, len(positions))
	for i, p := range positions {
		if p < 0 || int(p) >= seq {
			return nil, fmt.Errorf("%w: summary position %d outside sequence of %d", ml.ErrShape, p, seq)
		}
		ids[i] = int32(i*seq) + p
	}
	return ctx.FromIntSlice(ids, len(ids))
}

// rows gathers flat rows of x shaped [n, seq, width].
func rows(ctx ml.Context, x, ids ml.Tensor) ml.Tensor {
	return x.Reshape(ctx, x.Dim(0)*x.Dim(1), x.Dim(2)).Rows(ctx, ids)
}
