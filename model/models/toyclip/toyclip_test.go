package toyclip

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/dam/ml"
	_ "github.com/jmorganca/dam/ml/backend"
	"github.com/jmorganca/dam/model"
)

func setup(tb testing.TB) (ml.Context, *Model) {
	tb.Helper()

	b, err := ml.NewBackend("cpu", ml.BackendParams{})
	if err != nil {
		tb.Fatal(err)
	}

	ctx := b.NewContext()
	tb.Cleanup(func() { ctx.Close() })

	m, err := Random(ctx, Config(), 1)
	if err != nil {
		tb.Fatal(err)
	}

	return ctx, m
}

func TestWords(t *testing.T) {
	cases := []struct {
		input string
		want  []string
	}{
		{input: "X X dog.", want: []string{"x", "x", "dog", "."}},
		{input: "Red fur, long tail.", want: []string{"red", "fur", ",", "long", "tail", "."}},
		{input: "  golden   retriever ", want: []string{"golden", "retriever"}},
		{input: "", want: nil},
	}

	for _, tt := range cases {
		t.Run(tt.input, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, words(tt.input)); diff != "" {
				t.Errorf("unexpected words (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTokenize(t *testing.T) {
	tok, err := NewTokenizer(32, 6)
	require.NoError(t, err)

	ids, err := tok.Tokenize("a cat")
	require.NoError(t, err)
	require.Len(t, ids, 6)
	require.Equal(t, tok.SOT(), ids[0])
	require.Equal(t, tok.EOT(), ids[3])
	require.Equal(t, []int32{0, 0}, ids[4:])

	for _, id := range ids[1:3] {
		require.Greater(t, id, int32(0))
		require.Less(t, id, tok.SOT())
	}

	// truncation keeps the end token
	ids, err = tok.Tokenize("one two three four five six seven")
	require.NoError(t, err)
	require.Equal(t, tok.EOT(), ids[5])

	again, err := tok.Tokenize("One two three four five six seven")
	require.NoError(t, err)
	require.Equal(t, ids, again)

	_, err = NewTokenizer(3, 6)
	require.Error(t, err)
}

func TestTextEncoder(t *testing.T) {
	ctx, m := setup(t)
	text := m.Text()

	tok := m.Tokenizer()
	a, err := tok.Tokenize("a photo of a dog.")
	require.NoError(t, err)
	b, err := tok.Tokenize("a photo of a cat.")
	require.NoError(t, err)

	ids, err := ctx.FromIntSlice(append(a, b...), 2, tok.ContextLength())
	require.NoError(t, err)

	x := text.EmbedTokens(ctx, ids).Add(ctx, text.PositionalEmbedding())
	require.Equal(t, []int{2, 40, 16}, x.Shape())

	for i := range text.NumLayers() {
		x = text.RunLayer(ctx, i, x, nil)
	}
	require.Equal(t, []int{2, 40, 16}, x.Shape())

	// positions before the first differing token only see identical prefixes
	prefix := x.Slice(ctx, 1, 0, 5)
	require.Equal(t, prefix.Slice(ctx, 0, 0, 1).Floats(), prefix.Slice(ctx, 0, 1, 2).Floats())
	require.NotEqual(t, x.Slice(ctx, 0, 0, 1).Floats(), x.Slice(ctx, 0, 1, 2).Floats())

	out := text.Project(ctx, text.FinalNorm(ctx, x).Slice(ctx, 1, 0, 1).Reshape(ctx, 2, 16))
	require.Equal(t, []int{2, 8}, out.Shape())
}

func TestTextBias(t *testing.T) {
	ctx, m := setup(t)
	text := m.Text()

	ids, err := m.Tokenizer().Tokenize("a photo of a dog.")
	require.NoError(t, err)
	input, err := ctx.FromIntSlice(ids, 1, len(ids))
	require.NoError(t, err)
	x := text.EmbedTokens(ctx, input).Add(ctx, text.PositionalEmbedding())

	zeros := ctx.Zeros(ml.DTypeF32, 1, 40, 40)
	require.Equal(t, text.RunLayer(ctx, 0, x, nil).Floats(), text.RunLayer(ctx, 0, x, zeros).Floats())

	s := make([]float32, 40*40)
	s[3*40+1] = 5
	bias, err := ctx.FromFloatSlice(s, 1, 40, 40)
	require.NoError(t, err)
	require.NotEqual(t, text.RunLayer(ctx, 0, x, nil).Floats(), text.RunLayer(ctx, 0, x, bias).Floats())

	require.Panics(t, func() { text.RunLayer(ctx, 2, x, nil) })
}

func TestVisionEncoder(t *testing.T) {
	ctx, m := setup(t)
	vision := m.Vision()

	s := make([]float32, 3*3*8*8)
	for i := range s {
		s[i] = float32(i%7) / 7
	}
	pixels, err := ctx.FromFloatSlice(s, 3, 3, 8, 8)
	require.NoError(t, err)

	x := vision.PreNorm(ctx, vision.Embed(ctx, pixels))
	require.Equal(t, []int{3, 5, 12}, x.Shape())

	for i := range vision.NumLayers() {
		x = vision.RunLayer(ctx, i, x)
	}

	class := vision.PostNorm(ctx, x.Slice(ctx, 1, 0, 1).Reshape(ctx, 3, 12))
	require.Equal(t, []int{3, 8}, vision.Project(ctx, class).Shape())

	bad, err := ctx.FromFloatSlice(make([]float32, 3*4*4), 1, 3, 4, 4)
	require.NoError(t, err)
	require.Panics(t, func() { vision.Embed(ctx, bad) })
}

func TestMissingWeights(t *testing.T) {
	b, err := ml.NewBackend("cpu", ml.BackendParams{})
	require.NoError(t, err)
	ctx := b.NewContext()

	w, err := Weights(ctx, Config(), 1)
	require.NoError(t, err)
	delete(w, "v.projection")

	_, err = model.New(Config(), w)
	require.ErrorIs(t, err, model.ErrMissingTensor)
	require.ErrorContains(t, err, "v.projection")
}

func TestPrecision(t *testing.T) {
	b, err := ml.NewBackend("cpu", ml.BackendParams{})
	require.NoError(t, err)
	ctx := b.NewContext()

	c := Config()
	c["toyclip.precision"] = "fp16"
	m, err := Random(ctx, c, 1)
	require.NoError(t, err)
	require.Equal(t, ml.DTypeF16, m.DType())
	require.Equal(t, ml.DTypeF16, m.TextModel.Projection.DType())
}

func TestAccessors(t *testing.T) {
	_, m := setup(t)

	require.Same(t, m.TextModel, m.Text())
	require.Same(t, m.VisionModel, m.Vision())
	require.Same(t, m.Tokenizer(), m.Processor())
	require.Equal(t, 8, m.EmbeddingDim())
	require.Equal(t, ml.DTypeF32, m.DType())
	require.InDelta(t, 2.6593, m.LogitScale(), 1e-3)
	require.Equal(t, int32(94), m.Tokenizer().SOT())
	require.Equal(t, int32(95), m.Tokenizer().EOT())
}
