package dam

import (
	"fmt"

	"github.com/jmorganca/dam/ml"
	"github.com/jmorganca/dam/model"
)

// Sampler picks a structure index in [0, n). *rand.Rand satisfies it.
type Sampler interface {
	Intn(n int) int
}

// TokenEmbedder is the frozen token lookup of the text backbone.
type TokenEmbedder interface {
	EmbedTokens(ctx ml.Context, ids ml.Tensor) ml.Tensor
}

// TextPrompts is everything the prompted text encoder consumes for one
// forward pass. In training there is one sequence per class; in evaluation
// every structure of every class gets a sequence, grouped by class.
type TextPrompts struct {
	// Embeddings are the first layer inputs shaped [sequences, seq, width]:
	// the start token, the text input prompt, then the rendered suffix.
	Embeddings ml.Tensor
	// Instance holds, for layers 1..L-1, the instance prompts of each
	// sequence's class shaped [sequences, structures, width].
	Instance []ml.Tensor
	// Bias is shaped [sequences, layers, seq, seq].
	Bias ml.Tensor
	// EOT is the summary position of each sequence.
	EOT []int32

	Classes    []int
	Structures []int
	Training   bool
}

// TextPromptLearner assembles prompted text sequences from the rendered
// structures of every class.
type TextPromptLearner struct {
	store   *PromptStore
	embed   TokenEmbedder
	sampler Sampler

	classes []string
	tokens  [][][]int32
	seqLen  int
}

func NewTextPromptLearner(proc model.TextProcessor, embed TokenEmbedder, store *PromptStore, classes []string, topologies Topologies, sampler Sampler) (*TextPromptLearner, error) {
	opts := store.Options()
	prefix := opts.TextLength + opts.NumSet
	if proc.ContextLength() < prefix+2 {
		return nil, fmt.Errorf("%w: context length %d cannot hold a %d token prompt", ml.ErrShape, proc.ContextLength(), prefix)
	}

	p := TextPromptLearner{
		store:   store,
		embed:   embed,
		sampler: sampler,
		classes: classes,
		tokens:  make([][][]int32, len(classes)),
		seqLen:  proc.ContextLength(),
	}

	for i, class := range classes {
		name := ClassName(class)
		structures := topologies[name]
		if len(structures) < opts.NumSet {
			return nil, fmt.Errorf("%w %q: %d structures, need %d", ErrClass, name, len(structures), opts.NumSet)
		}

		for _, t := range structures[:opts.NumSet] {
			ids, err := proc.Tokenize(Render(prefix, name, t))
			if err != nil {
				return nil, fmt.Errorf("%w %q: %v", ErrClass, name, err)
			}
			p.tokens[i] = append(p.tokens[i], ids)
		}
	}

	return &p, nil
}

// Assemble builds the prompts for one forward pass. frozen supplies the
// per layer text features instance prompts are derived from and biases the
// per class attention biases from AttentionBuilder.Build.
func (p *TextPromptLearner) Assemble(ctx ml.Context, frozen *ZeroShotText, biases map[string]ml.Tensor, training bool) (*TextPrompts, error) {
	opts := p.store.Options()

	prompts := TextPrompts{Training: training}
	for c := range p.classes {
		if training {
			prompts.Classes = append(prompts.Classes, c)
			prompts.Structures = append(prompts.Structures, p.sampler.Intn(opts.NumSet))
			continue
		}

		for s := range opts.NumSet {
			prompts.Classes = append(prompts.Classes, c)
			prompts.Structures = append(prompts.Structures, s)
		}
	}

	n := len(prompts.Classes)
	ids := make([]int32, 0, n*p.seqLen)
	bias := make([]ml.Tensor, n)
	classIDs := make([]int32, n)
	for i, c := range prompts.Classes {
		s := prompts.Structures[i]
		tokens := p.tokens[c][s]
		ids = append(ids, tokens...)
		prompts.EOT = append(prompts.EOT, int32(argmax(tokens)))
		classIDs[i] = int32(c)

		b, ok := biases[ClassName(p.classes[c])]
		if !ok {
			return nil, fmt.Errorf("%w %q: no attention bias", ErrClass, p.classes[c])
		}
		bias[i] = b.Slice(ctx, 0, s, s+1).Reshape(ctx, b.Dim(1), b.Dim(2), b.Dim(3))
	}

	input, err := ctx.FromIntSlice(ids, n, p.seqLen)
	if err != nil {
		return nil, err
	}

	embedding := p.embed.EmbedTokens(ctx, input)
	if embedding.Dim(-1) != opts.TextWidth {
		return nil, fmt.Errorf("%w: token embeddings are %d wide, prompts %d", ml.ErrShape, embedding.Dim(-1), opts.TextWidth)
	}

	prefix := opts.TextLength + opts.NumSet
	prompt := p.store.TextInput.Cast(ctx, embedding.DType()).Reshape(ctx, 1, prefix, opts.TextWidth).Repeat(ctx, 0, n)
	prompts.Embeddings = embedding.Slice(ctx, 1, 0, 1).
		Concat(ctx, prompt, 1).
		Concat(ctx, embedding.Slice(ctx, 1, 1+prefix, p.seqLen), 1)

	instance, err := p.store.Instance(ctx, frozen.Layers())
	if err != nil {
		return nil, err
	}

	classes, err := ctx.FromIntSlice(classIDs, n)
	if err != nil {
		return nil, err
	}

	for _, f := range instance {
		table := f.Reshape(ctx, f.Dim(0), f.Dim(1)*f.Dim(2))
		prompts.Instance = append(prompts.Instance, table.Rows(ctx, classes).Reshape(ctx, n, f.Dim(1), f.Dim(2)))
	}

	prompts.Bias = bias[0].Stack(ctx, 0, bias[1:]...)
	return &prompts, nil
}
