package dam

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/jmorganca/dam/ml"
	"github.com/jmorganca/dam/model"
)

const (
	EntityToEntity    = "e2e"
	EntityToAttribute = "e2a"
)

const (
	// ReasonUnlisted marks a relation naming something the structure does
	// not list.
	ReasonUnlisted = "unlisted"
	// ReasonUnmatched marks a relation whose name has no token span in the
	// rendered prompt.
	ReasonUnmatched = "unmatched"
)

// Dropped describes a relation that contributes no attention bias.
type Dropped struct {
	Class     string
	Structure int
	Kind      string
	Pair      [2]string
	Reason    string
}

type AttentionOptions struct {
	// Prefix is the number of placeholder words rendered before the class
	// name, the text prompt length plus the number of structures.
	Prefix    int
	NumSet    int
	NumLayers int
}

// AttentionBuilder turns the relations of each class structure into
// token×token attention biases for every text layer. Relation counts are
// computed once; only the per layer scalars are learned.
type AttentionBuilder struct {
	classes []string
	opts    AttentionOptions
	seqLen  int

	e2e, e2a             map[string][][]int32
	e2eCounts, e2aCounts map[string]ml.Tensor

	dropped []Dropped

	// E2EScale and E2AScale weigh the entity-entity and entity-attribute
	// counts per layer. Both are shaped [layers].
	E2EScale ml.Tensor
	E2AScale ml.Tensor
}

func NewAttentionBuilder(ctx ml.Context, proc model.TextProcessor, classes []string, topologies Topologies, opts AttentionOptions) (*AttentionBuilder, error) {
	if opts.NumSet < 1 || opts.NumLayers < 1 {
		return nil, fmt.Errorf("attention: need at least one structure and one layer, got %d and %d", opts.NumSet, opts.NumLayers)
	}

	b := AttentionBuilder{
		classes:   slices.Clone(classes),
		opts:      opts,
		seqLen:    proc.ContextLength(),
		e2e:       make(map[string][][]int32, len(classes)),
		e2a:       make(map[string][][]int32, len(classes)),
		e2eCounts: make(map[string]ml.Tensor, len(classes)),
		e2aCounts: make(map[string]ml.Tensor, len(classes)),
		E2EScale:  ctx.Zeros(ml.DTypeF32, opts.NumLayers),
		E2AScale:  ctx.Zeros(ml.DTypeF32, opts.NumLayers),
	}

	spans := make(map[string][]int32)
	span := func(name string) ([]int32, error) {
		if s, ok := spans[name]; ok {
			return s, nil
		}

		ids, err := proc.Tokenize(name)
		if err != nil {
			return nil, fmt.Errorf("tokenize %q: %w", name, err)
		}

		s := ids[1:argmax(ids)]
		spans[name] = s
		return s, nil
	}

	n := b.seqLen
	for _, class := range classes {
		name := ClassName(class)
		structures := topologies[name]
		if len(structures) < opts.NumSet {
			return nil, fmt.Errorf("%w %q: %d structures, need %d", ErrClass, name, len(structures), opts.NumSet)
		}

		var e2eAll, e2aAll []float32
		for i, t := range structures[:opts.NumSet] {
			tokens, err := proc.Tokenize(Render(opts.Prefix, name, t))
			if err != nil {
				return nil, fmt.Errorf("%w %q: %v", ErrClass, name, err)
			}

			e2e, e2a := t.Relations()
			counts := func(kind string, pairs [][2]string) ([]int32, error) {
				m := make([]int32, n*n)
				for _, pair := range pairs {
					var ab [2][]int
					for j, w := range pair {
						s, err := span(w)
						if err != nil {
							return nil, err
						}
						ab[j] = align(tokens, s)
					}

					if len(ab[0]) == 0 || len(ab[1]) == 0 {
						b.dropped = append(b.dropped, Dropped{Class: name, Structure: i, Kind: kind, Pair: pair, Reason: ReasonUnmatched})
					}

					for _, x := range ab[0] {
						for _, y := range ab[1] {
							m[x*n+y]++
						}
					}
					for _, y := range ab[1] {
						for _, x := range ab[0] {
							m[y*n+x]++
						}
					}
				}
				return m, nil
			}

			mE2E, err := counts(EntityToEntity, e2e)
			if err != nil {
				return nil, err
			}
			mE2A, err := counts(EntityToAttribute, e2a)
			if err != nil {
				return nil, err
			}

			b.e2e[name] = append(b.e2e[name], mE2E)
			b.e2a[name] = append(b.e2a[name], mE2A)
			e2eAll = append(e2eAll, floats(mE2E)...)
			e2aAll = append(e2aAll, floats(mE2A)...)

			unlistedE2E, unlistedE2A := t.Unlisted()
			for _, pair := range unlistedE2E {
				b.dropped = append(b.dropped, Dropped{Class: name, Structure: i, Kind: EntityToEntity, Pair: pair, Reason: ReasonUnlisted})
			}
			for _, pair := range unlistedE2A {
				b.dropped = append(b.dropped, Dropped{Class: name, Structure: i, Kind: EntityToAttribute, Pair: pair, Reason: ReasonUnlisted})
			}
		}

		var err error
		if b.e2eCounts[name], err = ctx.FromFloatSlice(e2eAll, opts.NumSet, 1, n, n); err != nil {
			return nil, err
		}
		if b.e2aCounts[name], err = ctx.FromFloatSlice(e2aAll, opts.NumSet, 1, n, n); err != nil {
			return nil, err
		}
	}

	for _, d := range b.dropped {
		slog.Debug("relation dropped", "class", d.Class, "structure", d.Structure, "kind", d.Kind, "pair", d.Pair, "reason", d.Reason)
	}

	return &b, nil
}

// Build returns, per class, the attention biases shaped
// [structures, layers, seq, seq].
func (b *AttentionBuilder) Build(ctx ml.Context) map[string]ml.Tensor {
	e2e := b.E2EScale.Reshape(ctx, 1, b.opts.NumLayers, 1, 1)
	e2a := b.E2AScale.Reshape(ctx, 1, b.opts.NumLayers, 1, 1)

	out := make(map[string]ml.Tensor, len(b.classes))
	for _, class := range b.classes {
		name := ClassName(class)
		out[name] = b.e2eCounts[name].Mul(ctx, e2e).Add(ctx, b.e2aCounts[name].Mul(ctx, e2a))
	}
	return out
}

// Counts returns copies of the cached entity-entity and entity-attribute
// count matrices of one class structure, each seq*seq long.
func (b *AttentionBuilder) Counts(class string, structure int) (e2e, e2a []int32, err error) {
	name := ClassName(class)
	s, ok := b.e2e[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w %q: unknown", ErrClass, name)
	}
	if structure < 0 || structure >= len(s) {
		return nil, nil, fmt.Errorf("%w %q: structure %d out of range [0, %d)", ErrClass, name, structure, len(s))
	}

	return slices.Clone(s[structure]), slices.Clone(b.e2a[name][structure]), nil
}

// Coverage lists the relations that contribute nothing.
func (b *AttentionBuilder) Coverage() []Dropped {
	return slices.Clone(b.dropped)
}

func (b *AttentionBuilder) SeqLen() int {
	return b.seqLen
}

// argmax returns the index of the first largest id.
func argmax(ids []int32) int {
	best := 0
	for i, id := range ids {
		if id > ids[best] {
			best = i
		}
	}
	return best
}

// align returns the positions of the first occurrence of sub in seq.
func align(seq, sub []int32) []int {
	if len(sub) == 0 {
		return nil
	}

	for i := 0; i+len(sub) <= len(seq); i++ {
		if slices.Equal(seq[i:i+len(sub)], sub) {
			out := make([]int, len(sub))
			for j := range out {
				out[j] = i + j
			}
			return out
		}
	}
	return nil
}

func floats(s []int32) []float32 {
	out := make([]float32, len(s))
	for i, v := range s {
		out[i] = float32(v)
	}
	return out
}
