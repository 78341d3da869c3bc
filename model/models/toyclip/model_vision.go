package toyclip

import (
	"fmt"

	"github.com/jmorganca/dam/ml"
	"github.com/jmorganca/dam/ml/nn"
)

type VisionModelOptions struct {
	imageSize, patchSize, numChannels int
}

type VisionModel struct {
	PatchEmbedding *nn.Linear     `dam:"patch_embd"`
	ClassEmbedding ml.Tensor      `dam:"class_embd"`
	Position       ml.Tensor      `dam:"position_embd"`
	PreLayerNorm   *nn.LayerNorm  `dam:"ln_pre"`
	Layers         []EncoderLayer `dam:"blk"`
	PostLayerNorm  *nn.LayerNorm  `dam:"ln_post"`
	Projection     ml.Tensor      `dam:"projection"`

	*Options
	*VisionModelOptions
}

func (m *VisionModel) numPatches() int {
	g := m.imageSize / m.patchSize
	return g * g
}

// Embed splits pixels into non-overlapping patches, embeds them and prepends
// the class token.
func (m *VisionModel) Embed(ctx ml.Context, pixels ml.Tensor) ml.Tensor {
	shape := pixels.Shape()
	if len(shape) != 4 || shape[1] != m.numChannels || shape[2] != m.imageSize || shape[3] != m.imageSize {
		panic(fmt.Errorf("%w: pixels %v, want [batch %d %d %d]", ml.ErrShape, shape, m.numChannels, m.imageSize, m.imageSize))
	}

	batchSize, g, p := shape[0], m.imageSize/m.patchSize, m.patchSize
	x := pixels.Reshape(ctx, batchSize, m.numChannels, g, p, g, p)
	x = x.Permute(ctx, 0, 2, 4, 1, 3, 5)
	x = x.Reshape(ctx, batchSize, g*g, m.numChannels*p*p)
	x = m.PatchEmbedding.Forward(ctx, x)

	class := m.ClassEmbedding.Reshape(ctx, 1, 1, m.hiddenSize).Repeat(ctx, 0, batchSize)
	x = class.Concat(ctx, x, 1)
	return x.Add(ctx, m.Position)
}

func (m *VisionModel) PreNorm(ctx ml.Context, x ml.Tensor) ml.Tensor {
	return m.PreLayerNorm.Forward(ctx, x, m.eps)
}

func (m *VisionModel) RunLayer(ctx ml.Context, i int, x ml.Tensor) ml.Tensor {
	if i < 0 || i >= len(m.Layers) {
		panic(fmt.Errorf("toyclip: vision layer %d out of range [0, %d)", i, len(m.Layers)))
	}

	return m.Layers[i].Forward(ctx, x, nil, m.Options)
}

func (m *VisionModel) PostNorm(ctx ml.Context, x ml.Tensor) ml.Tensor {
	return m.PostLayerNorm.Forward(ctx, x, m.eps)
}

func (m *VisionModel) Project(ctx ml.Context, x ml.Tensor) ml.Tensor {
	return x.Mulmat(ctx, m.Projection)
}

func (m *VisionModel) NumLayers() int {
	return len(m.Layers)
}

func (m *VisionModel) HiddenSize() int {
	return m.hiddenSize
}
