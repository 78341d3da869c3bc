package toyclip

import (
	"math"

	"github.com/jmorganca/dam/ml"
	"github.com/jmorganca/dam/ml/nn"
)

type SelfAttention struct {
	Query  *nn.Linear `dam:"attn_q"`
	Key    *nn.Linear `dam:"attn_k"`
	Value  *nn.Linear `dam:"attn_v"`
	Output *nn.Linear `dam:"attn_output"`
}

// Forward attends over hiddenState shaped [batch, seq, hidden]. mask is
// additive and broadcastable to [batch, heads, seq, seq].
func (sa *SelfAttention) Forward(ctx ml.Context, hiddenState, mask ml.Tensor, opts *Options) ml.Tensor {
	batchSize, seqLen := hiddenState.Dim(0), hiddenState.Dim(1)
	headDim := opts.hiddenSize / opts.numHeads

	heads := func(t ml.Tensor) ml.Tensor {
		return t.Reshape(ctx, batchSize, seqLen, opts.numHeads, headDim).Permute(ctx, 0, 2, 1, 3)
	}

	query := heads(sa.Query.Forward(ctx, hiddenState))
	key := heads(sa.Key.Forward(ctx, hiddenState))
	value := heads(sa.Value.Forward(ctx, hiddenState))

	attention := nn.Attention(ctx, query, key, value, mask, 1.0/math.Sqrt(float64(headDim)))
	attention = attention.Permute(ctx, 0, 2, 1, 3).Reshape(ctx, batchSize, seqLen, opts.hiddenSize)

	return sa.Output.Forward(ctx, attention)
}

type MLP struct {
	Up   *nn.Linear `dam:"ffn_up"`
	Down *nn.Linear `dam:"ffn_down"`
}

func (mlp *MLP) Forward(ctx ml.Context, hiddenState ml.Tensor) ml.Tensor {
	return mlp.Down.Forward(ctx, mlp.Up.Forward(ctx, hiddenState).GELU(ctx))
}

// EncoderLayer is a pre-norm residual transformer block.
type EncoderLayer struct {
	AttentionNorm *nn.LayerNorm `dam:"ln_1"`
	SelfAttention *SelfAttention

	MLPNorm *nn.LayerNorm `dam:"ln_2"`
	MLP     *MLP
}

func (e *EncoderLayer) Forward(ctx ml.Context, hiddenState, mask ml.Tensor, opts *Options) ml.Tensor {
	residual := hiddenState

	// self attention
	hiddenState = e.AttentionNorm.Forward(ctx, hiddenState, opts.eps)
	hiddenState = e.SelfAttention.Forward(ctx, hiddenState, mask, opts)
	hiddenState = hiddenState.Add(ctx, residual)
	residual = hiddenState

	// feed forward
	hiddenState = e.MLPNorm.Forward(ctx, hiddenState, opts.eps)
	hiddenState = e.MLP.Forward(ctx, hiddenState)
	return hiddenState.Add(ctx, residual)
}

// Options are the shape hyperparameters of one encoder tower.
type Options struct {
	hiddenSize, numHeads, numLayers int
	eps                             float32
}
