// Package toyclip is a deterministic, randomly initialised CLIP-shaped dual
// encoder. It is small enough to run in tests and exercises every stage of
// the backbone contract.
package toyclip

import (
	"errors"
	"fmt"

	"github.com/jmorganca/dam/ml"
	"github.com/jmorganca/dam/model"
)

type Model struct {
	TextModel   *TextModel   `dam:"t"`
	VisionModel *VisionModel `dam:"v"`

	tokenizer    *Tokenizer
	logitScale   float64
	dtype        ml.DType
	embeddingDim int
}

func New(c model.Config) (model.Backbone, error) {
	dtype, err := ml.ParsePrecision(c.String("precision", "fp32"))
	if err != nil {
		return nil, err
	}

	tokenizer, err := NewTokenizer(int(c.Uint("vocab_size", 96)), int(c.Uint("context_length", 40)))
	if err != nil {
		return nil, err
	}

	textOpts := &Options{
		hiddenSize: int(c.Uint("embedding_length", 16)),
		numHeads:   int(c.Uint("attention.head_count", 2)),
		numLayers:  int(c.Uint("block_count", 2)),
		eps:        c.Float("attention.layer_norm_epsilon", 1e-5),
	}

	visionOpts := &Options{
		hiddenSize: int(c.Uint("vision.embedding_length", 12)),
		numHeads:   int(c.Uint("vision.attention.head_count", 2)),
		numLayers:  int(c.Uint("vision.block_count", 2)),
		eps:        c.Float("vision.attention.layer_norm_epsilon", 1e-5),
	}

	for _, o := range []*Options{textOpts, visionOpts} {
		if o.numHeads < 1 || o.hiddenSize%o.numHeads != 0 {
			return nil, fmt.Errorf("toyclip: hidden size %d is not divisible by %d heads", o.hiddenSize, o.numHeads)
		}
	}

	imageSize, patchSize := int(c.Uint("vision.image_size", 8)), int(c.Uint("vision.patch_size", 4))
	if patchSize < 1 || imageSize%patchSize != 0 {
		return nil, fmt.Errorf("toyclip: image size %d is not divisible by patch size %d", imageSize, patchSize)
	}

	m := Model{
		TextModel: &TextModel{
			Layers:  make([]EncoderLayer, textOpts.numLayers),
			Options: textOpts,
		},
		VisionModel: &VisionModel{
			Layers:  make([]EncoderLayer, visionOpts.numLayers),
			Options: visionOpts,
			VisionModelOptions: &VisionModelOptions{
				imageSize:   imageSize,
				patchSize:   patchSize,
				numChannels: int(c.Uint("vision.num_channels", 3)),
			},
		},
		tokenizer:    tokenizer,
		logitScale:   float64(c.Float("logit_scale", 2.6592)),
		dtype:        dtype,
		embeddingDim: int(c.Uint("projection_dim", 8)),
	}

	return &m, nil
}

// Validate reports tensors the weights did not provide.
func (m *Model) Validate() error {
	var errs []error
	missing := func(name string, t ml.Tensor) {
		if t == nil {
			errs = append(errs, fmt.Errorf("%w: %s", model.ErrMissingTensor, name))
		}
	}

	if m.TextModel == nil || m.VisionModel == nil {
		return fmt.Errorf("%w: encoder tower", model.ErrMissingTensor)
	}

	if m.TextModel.TokenEmbedding == nil {
		return fmt.Errorf("%w: t.token_embd.weight", model.ErrMissingTensor)
	}
	missing("t.token_embd.weight", m.TextModel.TokenEmbedding.Weight)
	missing("t.position_embd", m.TextModel.Position)
	missing("t.projection", m.TextModel.Projection)
	missing("v.class_embd", m.VisionModel.ClassEmbedding)
	missing("v.position_embd", m.VisionModel.Position)
	missing("v.projection", m.VisionModel.Projection)

	if m.VisionModel.PatchEmbedding == nil {
		missing("v.patch_embd.weight", nil)
	}

	if m.TextModel.OutputNorm == nil {
		missing("t.ln_final.weight", nil)
	}
	if m.VisionModel.PreLayerNorm == nil {
		missing("v.ln_pre.weight", nil)
	}
	if m.VisionModel.PostLayerNorm == nil {
		missing("v.ln_post.weight", nil)
	}

	for prefix, layers := range map[string][]EncoderLayer{"t": m.TextModel.Layers, "v": m.VisionModel.Layers} {
		for i, l := range layers {
			if l.SelfAttention == nil || l.MLP == nil || l.AttentionNorm == nil || l.MLPNorm == nil {
				missing(fmt.Sprintf("%s.blk.%d", prefix, i), nil)
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	if got := m.TextModel.Projection.Dim(-1); got != m.embeddingDim {
		return fmt.Errorf("%w: text projection width %d, want %d", ml.ErrShape, got, m.embeddingDim)
	}
	if got := m.VisionModel.Projection.Dim(-1); got != m.embeddingDim {
		return fmt.Errorf("%w: vision projection width %d, want %d", ml.ErrShape, got, m.embeddingDim)
	}
	if got := m.TextModel.Position.Dim(0); got != m.tokenizer.ContextLength() {
		return fmt.Errorf("%w: %d text positions, context length is %d", ml.ErrShape, got, m.tokenizer.ContextLength())
	}
	if got, want := m.VisionModel.Position.Dim(0), 1+m.VisionModel.numPatches(); got != want {
		return fmt.Errorf("%w: %d vision positions, want %d", ml.ErrShape, got, want)
	}

	return nil
}

func (m *Model) Text() model.TextEncoder {
	return m.TextModel
}

func (m *Model) Vision() model.VisionEncoder {
	return m.VisionModel
}

func (m *Model) Processor() model.TextProcessor {
	return m.tokenizer
}

func (m *Model) Tokenizer() *Tokenizer {
	return m.tokenizer
}

func (m *Model) LogitScale() float64 {
	return m.logitScale
}

func (m *Model) DType() ml.DType {
	return m.dtype
}

func (m *Model) EmbeddingDim() int {
	return m.embeddingDim
}

func init() {
	model.Register("toyclip", New)
}
