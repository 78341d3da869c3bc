// Package dam adapts a frozen dual encoder to a set of classes with learned
// prompts, structure-derived attention biases and closed-form feature
// alignment.
package dam

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"slices"
	"sort"
	"strconv"

	"github.com/jmorganca/dam/envconfig"
	"github.com/jmorganca/dam/logutil"
	"github.com/jmorganca/dam/ml"
	"github.com/jmorganca/dam/model"
	"github.com/jmorganca/dam/model/input"
)

var (
	ErrNoLabels = errors.New("training requires labels")
	ErrLabel    = errors.New("label out of range")
	ErrNoImages = errors.New("empty batch")
)

// Model ties the frozen backbone to the learned components. It starts in
// training mode.
type Model struct {
	backbone model.Backbone
	opts     envconfig.Options
	dtype    ml.DType
	classes  []string

	zeroShot  *ZeroShotText
	attention *AttentionBuilder
	prompts   *PromptStore
	learner   *TextPromptLearner

	text   *TextEncoder
	vision *VisionEncoder

	imageAlign *SameModalAlignment
	textAlign  Aligner
	cma        *CrossModalAlignment

	training bool
}

// Open loads descriptions and structures for opts.Dataset from
// opts.GPTDir and builds the model.
func Open(ctx ml.Context, backbone model.Backbone, classes []string, opts envconfig.Options) (*Model, error) {
	descriptions, topologies, err := Load(opts.GPTDir, opts.Dataset)
	if err != nil {
		return nil, err
	}

	return New(ctx, backbone, classes, descriptions, topologies, opts)
}

func New(ctx ml.Context, backbone model.Backbone, classes []string, descriptions Descriptions, topologies Topologies, opts envconfig.Options) (*Model, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w: no classes", ErrClass)
	}
	if err := Check(classes, descriptions, topologies, opts.NumSet); err != nil {
		return nil, err
	}

	text, vision, proc := backbone.Text(), backbone.Vision(), backbone.Processor()
	r := rand.New(rand.NewSource(opts.Seed))

	m := Model{
		backbone: backbone,
		opts:     opts,
		dtype:    opts.DType(),
		classes:  append([]string(nil), classes...),
		training: true,
	}

	var err error
	m.prompts, err = NewPromptStore(ctx, PromptOptions{
		TextLength:   opts.TextPromptLength,
		VisionLength: opts.VisionPromptLength,
		NumSet:       opts.NumSet,
		TextLayers:   text.NumLayers(),
		VisionLayers: vision.NumLayers(),
		TextWidth:    text.HiddenSize(),
		VisionWidth:  vision.HiddenSize(),
	}, r)
	if err != nil {
		return nil, err
	}

	m.zeroShot, err = NewZeroShotText(ctx, text, proc, classes, descriptions, opts.NumSet, m.dtype)
	if err != nil {
		return nil, err
	}

	m.attention, err = NewAttentionBuilder(ctx, proc, classes, topologies, AttentionOptions{
		Prefix:    opts.TextPromptLength + opts.NumSet,
		NumSet:    opts.NumSet,
		NumLayers: text.NumLayers(),
	})
	if err != nil {
		return nil, err
	}

	m.learner, err = NewTextPromptLearner(proc, text, m.prompts, classes, topologies, r)
	if err != nil {
		return nil, err
	}

	if m.text, err = NewTextEncoder(text, m.prompts, m.dtype); err != nil {
		return nil, err
	}
	if m.vision, err = NewVisionEncoder(vision, m.prompts, m.dtype); err != nil {
		return nil, err
	}

	m.imageAlign = NewSameModalAlignment(ctx, opts.NumThreads)
	if opts.CrossDataset {
		m.textAlign = NewSharedTextAlignment(ctx)
	} else {
		m.textAlign = NewSameModalAlignment(ctx, opts.NumThreads)
	}
	m.cma = NewCrossModalAlignment(ctx, opts.NumThreads)

	if dropped := m.attention.Coverage(); len(dropped) > 0 {
		slog.Info("some relations add no attention bias", "count", len(dropped))
	}

	slog.Info("dam", "image_align_m", opts.ImageAlignM, "text_align_m", opts.TextAlignM, "loss_w", opts.LossWeight, "xd", opts.CrossDataset, "cd", opts.CrossTerms)
	slog.Info("parameters to be updated", "names", m.ParamNames())

	return &m, nil
}

func (m *Model) SetTraining(training bool) {
	m.training = training
}

func (m *Model) Training() bool {
	return m.training
}

func (m *Model) Classes() []string {
	return append([]string(nil), m.classes...)
}

func (m *Model) Options() envconfig.Options {
	return m.opts
}

// ZeroShot returns the frozen text snapshot.
func (m *Model) ZeroShot() *ZeroShotText {
	return m.zeroShot
}

// Coverage lists the relations that contribute no attention bias.
func (m *Model) Coverage() []Dropped {
	return m.attention.Coverage()
}

// Output is the result of one forward pass.
type Output struct {
	// Logits are shaped [batch, classes].
	Logits ml.Tensor
	// Loss is set in training mode only.
	Loss    float64
	HasLoss bool
	// Accuracy is the fraction of correct top-1 predictions. It is set
	// whenever the batch carries labels.
	Accuracy    float64
	HasAccuracy bool
	// Mix is the weight of the direct cosine logits against the cross
	// modal logits.
	Mix float64
	// Detached reports that the cross modal logits were computed chunk by
	// chunk and carry no gradient.
	Detached bool
}

// Forward classifies a batch of images against every class.
func (m *Model) Forward(ctx ml.Context, batch input.Batch) (*Output, error) {
	b := batch.Size()
	if b == 0 {
		return nil, ErrNoImages
	}
	if m.training && len(batch.Labels) == 0 {
		return nil, ErrNoLabels
	}
	if len(batch.Labels) > 0 && len(batch.Labels) != b {
		return nil, fmt.Errorf("%w: %d labels for %d images", ml.ErrShape, len(batch.Labels), b)
	}
	for _, l := range batch.Labels {
		if l < 0 || int(l) >= len(m.classes) {
			return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrLabel, l, len(m.classes))
		}
	}
	if v := batch.ZeroShot(); v.Dim(0) != b {
		return nil, fmt.Errorf("%w: %d variants for %d images", ml.ErrShape, v.Dim(0), b)
	}

	logitScale := math.Exp(m.backbone.LogitScale())

	textZS := m.zeroShot.Classes()
	imageZS := EncodeImage(ctx, m.backbone.Vision(), batch.ZeroShot(), m.dtype)

	prompts, err := m.learner.Assemble(ctx, m.zeroShot, m.attention.Build(ctx), m.training)
	if err != nil {
		return nil, err
	}

	text, err := m.text.Encode(ctx, prompts)
	if err != nil {
		return nil, err
	}

	// one representation per class from all of its structures
	if !m.training {
		text = text.L2Norm(ctx).Mean(ctx, 1)
	}
	text = text.L2Norm(ctx)

	image, err := m.vision.Encode(ctx, batch.Images)
	if err != nil {
		return nil, err
	}
	image = image.L2Norm(ctx)

	alignedImage, err := m.imageAlign.Align(ctx, image, imageZS)
	if err != nil {
		return nil, err
	}
	alignedText, err := m.textAlign.Align(ctx, text, textZS)
	if err != nil {
		return nil, err
	}

	image = alignedImage.Scale(ctx, m.opts.ImageAlignM).Add(ctx, image).L2Norm(ctx)
	text = alignedText.Scale(ctx, m.opts.TextAlignM).Add(ctx, text).L2Norm(ctx)

	chunk := 0
	if m.opts.CrossDataset {
		chunk = m.opts.ChunkSize
	}

	cma, err := m.cma.Logits(ctx, image, text, chunk)
	if err != nil {
		return nil, err
	}

	direct := similarity(ctx, image, text).Scale(ctx, logitScale)
	logits := direct.Scale(ctx, cma.Mix).Add(ctx, cma.Logits.Scale(ctx, logitScale*(1-cma.Mix)))

	if m.opts.CrossTerms {
		li := similarity(ctx, image, textZS).Scale(ctx, logitScale)
		lt := similarity(ctx, imageZS, text).Scale(ctx, logitScale)
		logits = logits.Add(ctx, li).Add(ctx, lt).Scale(ctx, 1./3)
	}

	out := Output{Logits: logits, Mix: cma.Mix, Detached: cma.Detached}
	if len(batch.Labels) > 0 {
		out.Accuracy, out.HasAccuracy = accuracy(logits, batch.Labels), true
	}

	if m.training {
		ce := crossEntropy(ctx, logits, batch.Labels)
		consistency := (1 - meanCosine(image, imageZS)) + (1 - meanCosine(text, textZS))
		out.Loss, out.HasLoss = ce+m.opts.LossWeight*consistency, true
		logutil.Trace("loss", "cross_entropy", ce, "consistency", consistency)
	}

	return &out, nil
}

// similarity returns a·bᵗ for rows of a [n, d] and b [k, d].
func similarity(ctx ml.Context, a, b ml.Tensor) ml.Tensor {
	return a.Mulmat(ctx, b.Permute(ctx, 1, 0))
}

// crossEntropy is the mean negative log-likelihood of labels.
func crossEntropy(ctx ml.Context, logits ml.Tensor, labels []int32) float64 {
	n := logits.Dim(1)
	logp := logits.Cast(ctx, ml.DTypeF32).LogSoftmax(ctx).Floats()

	var sum float64
	for i, l := range labels {
		sum -= float64(logp[i*n+int(l)])
	}
	return sum / float64(len(labels))
}

const cosineEpsilon = 1e-7

// meanCosine averages the row-wise cosine similarity of a and b, both
// shaped [n, d].
func meanCosine(a, b ml.Tensor) float64 {
	n, d := a.Dim(0), a.Dim(1)
	av, bv := a.Floats(), b.Floats()

	var sum float64
	for i := range n {
		var dot, na, nb float64
		for j := range d {
			x, y := float64(av[i*d+j]), float64(bv[i*d+j])
			dot += x * y
			na += x * x
			nb += y * y
		}
		sum += dot / math.Max(math.Sqrt(na)*math.Sqrt(nb), cosineEpsilon)
	}
	return sum / float64(n)
}

func accuracy(logits ml.Tensor, labels []int32) float64 {
	n := logits.Dim(1)
	values := logits.Floats()

	var correct int
	for i, l := range labels {
		row := values[i*n : (i+1)*n]
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		if best == int(l) {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}

// slots maps every learned tensor to its checkpoint name.
func (m *Model) slots() map[string]*ml.Tensor {
	s := map[string]*ml.Tensor{
		"prompt_learner.p_input":                &m.prompts.TextInput,
		"prompt_learner.p_ins_projector.weight": &m.prompts.Projector.Weight,
		"prompt_learner.p_ins_projector.bias":   &m.prompts.Projector.Bias,
		"vision_prompt_learner.p_input":         &m.prompts.VisionInput,
		"topo_prompt_learner.e2e_scal":          &m.attention.E2EScale,
		"topo_prompt_learner.e2a_scal":          &m.attention.E2AScale,
		"cma.r":                                 &m.cma.R,
		"cma.alp":                               &m.cma.Alp,
		"cma.scale":                             &m.cma.Scale,
		"cma.logits_scales":                     &m.cma.LogitsScales,
		"img_sma.alpha":                         &m.imageAlign.Alpha,
		"img_sma.beta":                          &m.imageAlign.Beta,
	}

	for i := range m.prompts.TextGlobal {
		s["prompt_learner.p_uni."+strconv.Itoa(i)] = &m.prompts.TextGlobal[i]
	}
	for i := range m.prompts.VisionGlobal {
		s["vision_prompt_learner.p_visual."+strconv.Itoa(i)] = &m.prompts.VisionGlobal[i]
	}

	switch a := m.textAlign.(type) {
	case *SameModalAlignment:
		s["text_sma.alpha"], s["text_sma.beta"] = &a.Alpha, &a.Beta
	case *SharedTextAlignment:
		s["text_sma.alpha"], s["text_sma.beta"] = &a.Alpha, &a.Beta
	}
	return s
}

// ParamNames lists the learned tensors in name order.
func (m *Model) ParamNames() []string {
	var names []string
	for name := range m.slots() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Params returns every learned tensor by name. The frozen backbone and the
// zero-shot snapshot are not included.
func (m *Model) Params() map[string]ml.Tensor {
	out := make(map[string]ml.Tensor)
	for name, t := range m.slots() {
		ml.SetName(*t, name)
		out[name] = *t
	}
	return out
}

// Load replaces learned tensors with those in params. Names the model does
// not know are returned as unexpected and learned tensors params lacks as
// missing; neither is an error. A known name with a different shape is.
func (m *Model) Load(params map[string]ml.Tensor) (missing, unexpected []string, err error) {
	slots := m.slots()
	for name, t := range params {
		slot, ok := slots[name]
		if !ok {
			unexpected = append(unexpected, name)
			continue
		}

		if want, got := (*slot).Shape(), t.Shape(); !slices.Equal(want, got) {
			return nil, nil, fmt.Errorf("%w: %s is %v, checkpoint has %v", ml.ErrShape, name, want, got)
		}
	}

	for name, slot := range slots {
		t, ok := params[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		*slot = t
	}

	sort.Strings(missing)
	sort.Strings(unexpected)
	for _, name := range missing {
		slog.Warn("learned tensor not in checkpoint", "name", name)
	}
	return missing, unexpected, nil
}

// Coefficients returns the scalar learned values worth watching between
// epochs.
func (m *Model) Coefficients() []slog.Attr {
	return []slog.Attr{
		logutil.Values("cma.r", m.cma.R.Floats()),
		logutil.Values("cma.alp", m.cma.Alp.Floats()),
		logutil.Values("cma.logits_scales", m.cma.LogitsScales.Floats()),
		logutil.Values("img_sma.beta", m.imageAlign.Beta.Floats()),
		logutil.Values("topo_prompt_learner.e2e_scal", m.attention.E2EScale.Floats()),
	}
}
