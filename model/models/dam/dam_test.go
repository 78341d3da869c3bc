package dam

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/jmorganca/dam/envconfig"
	"github.com/jmorganca/dam/ml"
	_ "github.com/jmorganca/dam/ml/backend"
	"github.com/jmorganca/dam/model/models/toyclip"
)

func setup(tb testing.TB) ml.Context {
	tb.Helper()

	b, err := ml.NewBackend("cpu", ml.BackendParams{NumThreads: 2})
	if err != nil {
		tb.Fatal(err)
	}

	ctx := b.NewContext()
	tb.Cleanup(func() { ctx.Close() })
	return ctx
}

func backbone(tb testing.TB, ctx ml.Context) *toyclip.Model {
	tb.Helper()

	m, err := toyclip.Random(ctx, toyclip.Config(), 1)
	if err != nil {
		tb.Fatal(err)
	}
	return m
}

// processor numbers words in order of first appearance so token spans
// never collide.
type processor struct {
	context int
	ids     map[string]int32
}

func newProcessor(context int) *processor {
	return &processor{context: context, ids: make(map[string]int32)}
}

func (p *processor) sot() int32 { return 998 }
func (p *processor) eot() int32 { return 999 }

func (p *processor) ContextLength() int {
	return p.context
}

func (p *processor) Tokenize(s string) ([]int32, error) {
	s = strings.NewReplacer(".", " . ", ",", " , ").Replace(strings.ToLower(s))

	ids := make([]int32, p.context)
	ids[0] = p.sot()
	n := 1
	for _, w := range strings.Fields(s) {
		if n == p.context-1 {
			break
		}

		id, ok := p.ids[w]
		if !ok {
			id = int32(len(p.ids) + 1)
			p.ids[w] = id
		}
		ids[n] = id
		n++
	}
	ids[n] = p.eot()
	return ids, nil
}

func fixture() ([]string, Descriptions, Topologies) {
	classes := []string{"red_apple", "tabby cat"}

	descriptions := Descriptions{
		"red apple": {
			"a round red fruit.",
			"a shiny apple with a short stem.",
			"a crisp fruit from an orchard.",
		},
		"tabby cat": {
			"a striped cat.",
			"a small cat with green eyes.",
		},
	}

	topologies := Topologies{
		"red apple": {
			{
				Entities:           []string{"skin", "stem"},
				Attributes:         []string{"red", "shiny"},
				EntityRelations:    []EntityRelation{{"stem", "skin"}},
				AttributeRelations: []AttributeRelation{{"skin", "red"}, {"skin", "shiny"}},
			},
			{
				Entities:           []string{"stem", "leaf"},
				Attributes:         []string{"brown", "green"},
				EntityRelations:    []EntityRelation{{"leaf", "stem"}},
				AttributeRelations: []AttributeRelation{{"stem", "brown"}, {"leaf", "green"}},
			},
		},
		"tabby cat": {
			{
				Entities:           []string{"fur", "tail"},
				Attributes:         []string{"striped"},
				EntityRelations:    []EntityRelation{{"fur", "tail"}},
				AttributeRelations: []AttributeRelation{{"fur", "striped"}},
			},
			{
				Entities:           []string{"eyes", "whiskers"},
				Attributes:         []string{"green", "long"},
				EntityRelations:    []EntityRelation{{"eyes", "whiskers"}, {"eyes", "ears"}},
				AttributeRelations: []AttributeRelation{{"eyes", "green"}, {"whiskers", "long"}},
			},
		},
	}

	return classes, descriptions, topologies
}

func options() envconfig.Options {
	return envconfig.Options{
		TextPromptLength:   4,
		VisionPromptLength: 2,
		NumSet:             2,
		ImageAlignM:        0.1,
		TextAlignM:         0.1,
		LossWeight:         1,
		ChunkSize:          100,
		Seed:               1,
		Precision:          "fp32",
		NumThreads:         2,
	}
}

// pixels returns a [n, 3, 8, 8] batch drawn from seed.
func pixels(tb testing.TB, ctx ml.Context, n int, seed int64) ml.Tensor {
	tb.Helper()

	r := rand.New(rand.NewSource(seed))
	s := make([]float32, n*3*8*8)
	for i := range s {
		s[i] = r.Float32()
	}

	t, err := ctx.FromFloatSlice(s, n, 3, 8, 8)
	if err != nil {
		tb.Fatal(err)
	}
	return t
}

func random(tb testing.TB, ctx ml.Context, r *rand.Rand, shape ...int) ml.Tensor {
	tb.Helper()

	n := 1
	for _, d := range shape {
		n *= d
	}

	s := make([]float32, n)
	for i := range s {
		s[i] = float32(r.NormFloat64())
	}

	t, err := ctx.FromFloatSlice(s, shape...)
	if err != nil {
		tb.Fatal(err)
	}
	return t
}

func norms(t ml.Tensor) []float64 {
	d := t.Dim(-1)
	values := t.Floats()

	var out []float64
	for i := 0; i < len(values); i += d {
		var sum float64
		for _, v := range values[i : i+d] {
			sum += float64(v) * float64(v)
		}
		out = append(out, math.Sqrt(sum))
	}
	return out
}
