// Package linalg solves the closed-form ridge regression problems used to
// re-align feature spaces. All arithmetic runs in float64.
package linalg

import (
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// ErrSingular is returned when a regularized normal matrix cannot be
// factorized. It is never retried.
var ErrSingular = errors.New("singular matrix")

// Epsilon is added to every ridge penalty.
const Epsilon = 1e-6

// Lambda returns the ridge penalty (rows/dim)·exp(alpha) + Epsilon.
func Lambda(rows, dim int, alpha float64) float64 {
	return float64(rows)/float64(dim)*math.Exp(alpha) + Epsilon
}

// Projector returns A = (SᵗS + λI)⁻¹Sᵗ for a k×d source S. When S has fewer
// rows than columns the identical dual form Sᵗ(SSᵗ + λI)⁻¹ is solved instead,
// which factorizes a k×k system rather than a d×d one.
func Projector(s mat.Matrix, lambda float64) (*mat.Dense, error) {
	k, d := s.Dims()
	if k < d {
		return dual(s, lambda)
	}
	return primal(s, lambda)
}

func primal(s mat.Matrix, lambda float64) (*mat.Dense, error) {
	var g mat.SymDense
	g.SymOuterK(1, s.T())

	chol, err := factorize(&g, lambda)
	if err != nil {
		return nil, err
	}

	var a mat.Dense
	if err := chol.SolveTo(&a, s.T()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	return &a, nil
}

func dual(s mat.Matrix, lambda float64) (*mat.Dense, error) {
	var g mat.SymDense
	g.SymOuterK(1, s)

	chol, err := factorize(&g, lambda)
	if err != nil {
		return nil, err
	}

	// (SSᵗ + λI)⁻¹S is k×d; its transpose is Sᵗ(SSᵗ + λI)⁻¹ since the
	// system is symmetric.
	var x mat.Dense
	if err := chol.SolveTo(&x, s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}

	a := mat.DenseCopyOf(x.T())
	return a, nil
}

func factorize(g *mat.SymDense, lambda float64) (*mat.Cholesky, error) {
	n := g.SymmetricDim()
	for i := range n {
		g.SetSym(i, i, g.At(i, i)+lambda)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(g); !ok {
		return nil, fmt.Errorf("%w: %dx%d system with lambda %g", ErrSingular, n, n, lambda)
	}
	return &chol, nil
}

// Fit returns the d×d map W = (SᵗS + λI)⁻¹SᵗT that best reconstructs the
// k×d target T from the k×d source S.
func Fit(s, t mat.Matrix, lambda float64) (*mat.Dense, error) {
	if sr, tr := rowsOf(s), rowsOf(t); sr != tr {
		return nil, fmt.Errorf("fit: source has %d rows, target %d", sr, tr)
	}

	a, err := Projector(s, lambda)
	if err != nil {
		return nil, err
	}

	var w mat.Dense
	w.Mul(a, t)
	return &w, nil
}

// Shrink moves the square matrix w toward the identity in place:
// W ← W − (W − I)·β.
func Shrink(w *mat.Dense, beta float64) {
	r, c := w.Dims()
	for i := range r {
		for j := range c {
			v := w.At(i, j)
			id := 0.0
			if i == j {
				id = 1
			}
			w.Set(i, j, v-(v-id)*beta)
		}
	}
}

// ProjectorBatch computes Projector for every source, fanning out over at
// most threads goroutines. Zero threads means GOMAXPROCS.
func ProjectorBatch(ss []mat.Matrix, lambda float64, threads int) ([]*mat.Dense, error) {
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}

	out := make([]*mat.Dense, len(ss))

	var g errgroup.Group
	g.SetLimit(threads)
	for i, s := range ss {
		g.Go(func() error {
			a, err := Projector(s, lambda)
			if err != nil {
				return fmt.Errorf("batch element %d: %w", i, err)
			}

			out[i] = a
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func rowsOf(m mat.Matrix) int {
	r, _ := m.Dims()
	return r
}

// Dense wraps row-major float32 values as an r×c float64 matrix.
func Dense(values []float32, r, c int) *mat.Dense {
	if len(values) != r*c {
		panic(fmt.Errorf("linalg: %d values for %dx%d matrix", len(values), r, c))
	}

	data := make([]float64, len(values))
	for i, v := range values {
		data[i] = float64(v)
	}
	return mat.NewDense(r, c, data)
}

// Floats flattens m row-major into float32 values.
func Floats(m mat.Matrix) []float32 {
	r, c := m.Dims()
	out := make([]float32, 0, r*c)
	for i := range r {
		for j := range c {
			out = append(out, float32(m.At(i, j)))
		}
	}
	return out
}
