package toyclip

import (
	"fmt"
	"math"

	"github.com/jmorganca/dam/ml"
	"github.com/jmorganca/dam/ml/nn"
)

type TextModel struct {
	TokenEmbedding *nn.Embedding  `dam:"token_embd"`
	Position       ml.Tensor      `dam:"position_embd"`
	Layers         []EncoderLayer `dam:"blk"`
	OutputNorm     *nn.LayerNorm  `dam:"ln_final"`
	Projection     ml.Tensor      `dam:"projection"`

	*Options
}

func (m *TextModel) EmbedTokens(ctx ml.Context, ids ml.Tensor) ml.Tensor {
	return m.TokenEmbedding.Forward(ctx, ids)
}

func (m *TextModel) PositionalEmbedding() ml.Tensor {
	return m.Position
}

// RunLayer applies layer i under a causal mask. bias, when set, is shaped
// [batch, seq, seq] and added to the mask.
func (m *TextModel) RunLayer(ctx ml.Context, i int, x, bias ml.Tensor) ml.Tensor {
	if i < 0 || i >= len(m.Layers) {
		panic(fmt.Errorf("toyclip: text layer %d out of range [0, %d)", i, len(m.Layers)))
	}

	mask := causalMask(ctx, x.Dim(1))
	if bias != nil {
		mask = mask.Add(ctx, bias)
		mask = mask.Reshape(ctx, mask.Dim(0), 1, mask.Dim(1), mask.Dim(2))
	}

	return m.Layers[i].Forward(ctx, x, mask.Cast(ctx, x.DType()), m.Options)
}

func (m *TextModel) FinalNorm(ctx ml.Context, x ml.Tensor) ml.Tensor {
	return m.OutputNorm.Forward(ctx, x, m.eps)
}

func (m *TextModel) Project(ctx ml.Context, x ml.Tensor) ml.Tensor {
	return x.Mulmat(ctx, m.Projection)
}

func (m *TextModel) NumLayers() int {
	return len(m.Layers)
}

func (m *TextModel) HiddenSize() int {
	return m.hiddenSize
}

func causalMask(ctx ml.Context, n int) ml.Tensor {
	s := make([]float32, n*n)
	for i := range n {
		for j := i + 1; j < n; j++ {
			s[i*n+j] = float32(math.Inf(-1))
		}
	}

	mask, err := ctx.FromFloatSlice(s, n, n)
	if err != nil {
		panic(err)
	}
	return mask
}
