package dam

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/dam/ml"
	"github.com/jmorganca/dam/ml/linalg"
)

// Aligner maps source features toward target features row by row. Both are
// shaped [rows, dim]; the result is f32 with the source's shape.
type Aligner interface {
	Align(ctx ml.Context, source, target ml.Tensor) (ml.Tensor, error)
}

func scalar(t ml.Tensor, i int) float64 {
	return float64(t.Floats()[i])
}

func constant(ctx ml.Context, values ...float32) ml.Tensor {
	t, err := ctx.FromFloatSlice(values, len(values))
	if err != nil {
		panic(err)
	}
	return t
}

// matrices splits a [n, dim] or [n, k, dim] tensor into n k×dim matrices.
func matrices(t ml.Tensor) ([]*mat.Dense, error) {
	shape := t.Shape()
	var n, k, d int
	switch len(shape) {
	case 2:
		n, k, d = shape[0], 1, shape[1]
	case 3:
		n, k, d = shape[0], shape[1], shape[2]
	default:
		return nil, fmt.Errorf("%w: alignment features %v", ml.ErrShape, shape)
	}

	values := t.Floats()
	out := make([]*mat.Dense, n)
	for i := range out {
		out[i] = linalg.Dense(values[i*k*d:(i+1)*k*d], k, d)
	}
	return out, nil
}

func sameShape(source, target ml.Tensor) error {
	s, t := source.Shape(), target.Shape()
	if len(s) != 2 || len(t) != 2 || s[0] != t[0] || s[1] != t[1] {
		return fmt.Errorf("%w: align %v toward %v", ml.ErrShape, s, t)
	}
	return nil
}

// SameModalAlignment fits one dim×dim ridge map per row, pulling each
// prompted feature back toward its zero-shot counterpart.
type SameModalAlignment struct {
	Alpha ml.Tensor // [1]
	Beta  ml.Tensor // [1]

	threads int
}

func NewSameModalAlignment(ctx ml.Context, threads int) *SameModalAlignment {
	return &SameModalAlignment{
		Alpha:   constant(ctx, 0),
		Beta:    constant(ctx, 0.5),
		threads: threads,
	}
}

func (a *SameModalAlignment) Align(ctx ml.Context, source, target ml.Tensor) (ml.Tensor, error) {
	if err := sameShape(source, target); err != nil {
		return nil, err
	}

	ss, err := matrices(source)
	if err != nil {
		return nil, err
	}
	ts, err := matrices(target)
	if err != nil {
		return nil, err
	}

	n, d := source.Dim(0), source.Dim(1)
	lambda := linalg.Lambda(n, d, scalar(a.Alpha, 0))
	beta := scalar(a.Beta, 0)

	sources := make([]mat.Matrix, n)
	for i, s := range ss {
		sources[i] = s
	}

	projectors, err := linalg.ProjectorBatch(sources, lambda, a.threads)
	if err != nil {
		return nil, fmt.Errorf("same modality alignment: %w", err)
	}

	out := make([]float32, 0, n*d)
	for i, p := range projectors {
		var w mat.Dense
		w.Mul(p, ts[i])
		linalg.Shrink(&w, beta)

		var aligned mat.Dense
		aligned.Mul(ss[i], &w)
		out = append(out, linalg.Floats(&aligned)...)
	}

	return ctx.FromFloatSlice(out, n, d)
}

// SharedTextAlignment fits a single dim×dim ridge map for the whole text
// set. It bounds the cost when the class count is large.
type SharedTextAlignment struct {
	Alpha ml.Tensor // [1]
	Beta  ml.Tensor // [1]
}

func NewSharedTextAlignment(ctx ml.Context) *SharedTextAlignment {
	return &SharedTextAlignment{
		Alpha: constant(ctx, 0),
		Beta:  constant(ctx, 0.5),
	}
}

func (a *SharedTextAlignment) Align(ctx ml.Context, source, target ml.Tensor) (ml.Tensor, error) {
	if err := sameShape(source, target); err != nil {
		return nil, err
	}

	n, d := source.Dim(0), source.Dim(1)
	s := linalg.Dense(source.Floats(), n, d)
	t := linalg.Dense(target.Floats(), n, d)

	w, err := linalg.Fit(s, t, linalg.Lambda(n, d, scalar(a.Alpha, 0)))
	if err != nil {
		return nil, fmt.Errorf("shared text alignment: %w", err)
	}
	linalg.Shrink(w, scalar(a.Beta, 0))

	var aligned mat.Dense
	aligned.Mul(s, w)
	return ctx.FromFloatSlice(linalg.Floats(&aligned), n, d)
}

// CrossModalAlignment scores every (image, class) pair by how well a ridge
// map fitted on one side reconstructs the other, in both directions.
type CrossModalAlignment struct {
	// R holds alpha and beta for image→text, then alpha and beta for
	// text→image.
	R            ml.Tensor // [4]
	Alp          ml.Tensor // [1]
	Scale        ml.Tensor // [1]
	LogitsScales ml.Tensor // [1]

	threads int
}

func NewCrossModalAlignment(ctx ml.Context, threads int) *CrossModalAlignment {
	return &CrossModalAlignment{
		R:            constant(ctx, 0, 0, 0, 0),
		Alp:          constant(ctx, 0.5),
		Scale:        constant(ctx, 1),
		LogitsScales: constant(ctx, 0.5),
		threads:      threads,
	}
}

// CrossModalLogits is the result of CrossModalAlignment.Logits.
type CrossModalLogits struct {
	// Logits are log-probabilities over classes shaped [batch, classes].
	Logits ml.Tensor
	// Mix is the weight of the direct cosine logits in the final blend.
	Mix float64
	// Detached is set when the logits were computed chunk by chunk, which
	// happens outside the gradient path.
	Detached bool
}

// Logits computes reconstruction distance logits between image features
// [batch, dim] and text features [classes, dim]. A positive chunk splits
// the class axis into sequential chunks of that size.
func (a *CrossModalAlignment) Logits(ctx ml.Context, image, text ml.Tensor, chunk int) (*CrossModalLogits, error) {
	is, err := matrices(image)
	if err != nil {
		return nil, err
	}
	ts, err := matrices(text)
	if err != nil {
		return nil, err
	}

	if image.Dim(-1) != text.Dim(-1) {
		return nil, fmt.Errorf("%w: image features %v, text features %v", ml.ErrShape, image.Shape(), text.Shape())
	}

	itot, err := a.imageToText(is, ts, chunk)
	if err != nil {
		return nil, fmt.Errorf("cross modal alignment: image to text: %w", err)
	}

	ttoi, err := a.textToImage(is, ts, chunk)
	if err != nil {
		return nil, fmt.Errorf("cross modal alignment: text to image: %w", err)
	}

	alp := scalar(a.Alp, 0)
	rc := make([]float32, len(itot))
	for i := range rc {
		rc[i] = float32(alp*itot[i] + (1-alp)*ttoi[i])
	}

	t, err := ctx.FromFloatSlice(rc, len(is), len(ts))
	if err != nil {
		return nil, err
	}

	return &CrossModalLogits{
		Logits:   t.Scale(ctx, scalar(a.Scale, 0)).LogSoftmax(ctx),
		Mix:      1 / (1 + math.Exp(-scalar(a.LogitsScales, 0))),
		Detached: chunk > 0,
	}, nil
}

// chunks calls fn for consecutive [lo, hi) ranges covering [0, n).
func chunks(n, size int, fn func(lo, hi int) error) error {
	if size <= 0 {
		size = n
	}

	for lo := 0; lo < n; lo += size {
		if err := fn(lo, min(lo+size, n)); err != nil {
			return err
		}
	}
	return nil
}

// distance returns -‖c·x·rho - y‖² averaged over the rows of y.
func distance(c, x, y *mat.Dense, rho float64) float64 {
	var r mat.Dense
	r.Mul(c, x)
	r.Scale(rho, &r)
	r.Sub(&r, y)

	k, _ := y.Dims()
	v := mat.Norm(&r, 2)
	return -v * v / float64(k)
}

// imageToText fits one map per image and reconstructs every class from
// it. The result is [batch, classes] row-major.
func (a *CrossModalAlignment) imageToText(is, ts []*mat.Dense, chunk int) ([]float64, error) {
	b, n := len(is), len(ts)
	_, d := is[0].Dims()
	lambda := linalg.Lambda(b, d, scalar(a.R, 0))
	rho := math.Exp(scalar(a.R, 1))

	sources := make([]mat.Matrix, b)
	for i, m := range is {
		sources[i] = m
	}

	projectors, err := linalg.ProjectorBatch(sources, lambda, a.threads)
	if err != nil {
		return nil, err
	}

	// I·A is k×k, so I·(A·T) = (I·A)·T never needs the dim×dim map.
	cs := make([]*mat.Dense, b)
	for i, p := range projectors {
		cs[i] = &mat.Dense{}
		cs[i].Mul(is[i], p)
	}

	dist := make([]float64, b*n)
	err = chunks(n, chunk, func(lo, hi int) error {
		for j := lo; j < hi; j++ {
			for i := range b {
				dist[i*n+j] = distance(cs[i], ts[j], ts[j], rho)
			}
		}
		return nil
	})
	return dist, err
}

// textToImage fits one map per class and reconstructs every image from it.
// The result is [batch, classes] row-major.
func (a *CrossModalAlignment) textToImage(is, ts []*mat.Dense, chunk int) ([]float64, error) {
	b, n := len(is), len(ts)
	_, d := ts[0].Dims()
	lambda := linalg.Lambda(n, d, scalar(a.R, 2))
	rho := math.Exp(scalar(a.R, 3))

	dist := make([]float64, b*n)
	err := chunks(n, chunk, func(lo, hi int) error {
		sources := make([]mat.Matrix, hi-lo)
		for j := range sources {
			sources[j] = ts[lo+j]
		}

		projectors, err := linalg.ProjectorBatch(sources, lambda, a.threads)
		if err != nil {
			return fmt.Errorf("classes [%d, %d): %w", lo, hi, err)
		}

		for j, p := range projectors {
			var c mat.Dense
			c.Mul(ts[lo+j], p)
			for i := range b {
				dist[i*n+lo+j] = distance(&c, is[i], is[i], rho)
			}
		}
		return nil
	})
	return dist, err
}
