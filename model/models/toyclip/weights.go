package toyclip

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/jmorganca/dam/ml"
	"github.com/jmorganca/dam/model"
)

// Config returns the hyperparameters of the default toy backbone: two
// layers per tower, a 40 token context and an 8 wide shared embedding.
func Config() model.KV {
	return model.KV{
		"general.architecture":                "toyclip",
		"toyclip.vocab_size":                  uint32(96),
		"toyclip.context_length":              uint32(40),
		"toyclip.embedding_length":            uint32(16),
		"toyclip.attention.head_count":        uint32(2),
		"toyclip.block_count":                 uint32(2),
		"toyclip.projection_dim":              uint32(8),
		"toyclip.vision.embedding_length":     uint32(12),
		"toyclip.vision.attention.head_count": uint32(2),
		"toyclip.vision.block_count":          uint32(2),
		"toyclip.vision.image_size":           uint32(8),
		"toyclip.vision.patch_size":           uint32(4),
		"toyclip.vision.num_channels":         uint32(3),
		"toyclip.logit_scale":                 float32(math.Log(1 / 0.07)),
		"toyclip.precision":                   "fp32",
	}
}

// Weights draws every tensor the backbone described by c needs from a
// normal distribution seeded with seed.
func Weights(ctx ml.Context, c model.Config, seed int64) (model.Tensors, error) {
	dtype, err := ml.ParsePrecision(c.String("precision", "fp32"))
	if err != nil {
		return nil, err
	}

	r := rand.New(rand.NewSource(seed))
	w := make(model.Tensors)

	var errs []error
	add := func(name string, std float64, shape ...int) {
		n := 1
		for _, d := range shape {
			n *= d
		}

		s := make([]float32, n)
		for i := range s {
			s[i] = float32(r.NormFloat64() * std)
		}

		t, err := ctx.FromFloatSlice(s, shape...)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		w[name] = t.Cast(ctx, dtype)
	}

	constant := func(name string, v float32, n int) {
		s := make([]float32, n)
		for i := range s {
			s[i] = v
		}

		t, err := ctx.FromFloatSlice(s, n)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		w[name] = t.Cast(ctx, dtype)
	}

	norm := func(name string, n int) {
		constant(name+".weight", 1, n)
		constant(name+".bias", 0, n)
	}

	linear := func(name string, out, in int, bias bool) {
		add(name+".weight", 1/math.Sqrt(float64(in)), out, in)
		if bias {
			constant(name+".bias", 0, out)
		}
	}

	layers := func(prefix string, n, hidden int) {
		for i := range n {
			blk := fmt.Sprintf("%s.blk.%d", prefix, i)
			norm(blk+".ln_1", hidden)
			for _, name := range []string{"attn_q", "attn_k", "attn_v", "attn_output"} {
				linear(blk+"."+name, hidden, hidden, true)
			}
			norm(blk+".ln_2", hidden)
			linear(blk+".ffn_up", 4*hidden, hidden, true)
			linear(blk+".ffn_down", hidden, 4*hidden, true)
		}
	}

	vocab, context := int(c.Uint("vocab_size", 96)), int(c.Uint("context_length", 40))
	hidden, embedding := int(c.Uint("embedding_length", 16)), int(c.Uint("projection_dim", 8))

	add("t.token_embd.weight", 0.02*math.Sqrt(float64(hidden)), vocab, hidden)
	add("t.position_embd", 0.01*math.Sqrt(float64(hidden)), context, hidden)
	layers("t", int(c.Uint("block_count", 2)), hidden)
	norm("t.ln_final", hidden)
	add("t.projection", 1/math.Sqrt(float64(hidden)), hidden, embedding)

	vhidden := int(c.Uint("vision.embedding_length", 12))
	imageSize, patchSize := int(c.Uint("vision.image_size", 8)), int(c.Uint("vision.patch_size", 4))
	channels := int(c.Uint("vision.num_channels", 3))
	if patchSize < 1 || imageSize%patchSize != 0 {
		return nil, fmt.Errorf("toyclip: image size %d is not divisible by patch size %d", imageSize, patchSize)
	}
	patches := (imageSize / patchSize) * (imageSize / patchSize)

	linear("v.patch_embd", vhidden, channels*patchSize*patchSize, false)
	add("v.class_embd", 1/math.Sqrt(float64(vhidden)), vhidden)
	add("v.position_embd", 0.1, 1+patches, vhidden)
	norm("v.ln_pre", vhidden)
	layers("v", int(c.Uint("vision.block_count", 2)), vhidden)
	norm("v.ln_post", vhidden)
	add("v.projection", 1/math.Sqrt(float64(vhidden)), vhidden, embedding)

	if len(errs) > 0 {
		return nil, errs[0]
	}

	return w, nil
}

// Random builds the backbone described by c with weights drawn from seed.
func Random(ctx ml.Context, c model.KV, seed int64) (*Model, error) {
	w, err := Weights(ctx, c, seed)
	if err != nil {
		return nil, err
	}

	m, err := model.New(c, w)
	if err != nil {
		return nil, err
	}

	return m.(*Model), nil
}
