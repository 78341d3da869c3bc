package linalg

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func random(r *rand.Rand, rows, cols int) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = r.NormFloat64()
	}
	return mat.NewDense(rows, cols, data)
}

func requireClose(t *testing.T, want, got mat.Matrix, tol float64) {
	t.Helper()

	wr, wc := want.Dims()
	gr, gc := got.Dims()
	require.Equal(t, []int{wr, wc}, []int{gr, gc})
	if !mat.EqualApprox(want, got, tol) {
		t.Fatalf("matrices differ\nwant:\n%v\ngot:\n%v", mat.Formatted(want), mat.Formatted(got))
	}
}

func TestFitRecoversIdentity(t *testing.T) {
	r := rand.New(rand.NewSource(1))

	cases := []struct {
		name       string
		rows, cols int
	}{
		{name: "wide", rows: 3, cols: 6},
		{name: "tall", rows: 12, cols: 4},
		{name: "single row", rows: 1, cols: 8},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			s := random(r, tt.rows, tt.cols)

			// alpha → -∞ leaves only Epsilon as the penalty
			lambda := Lambda(tt.rows, tt.cols, math.Inf(-1))
			require.Equal(t, Epsilon, lambda)

			w, err := Fit(s, s, lambda)
			require.NoError(t, err)

			var got mat.Dense
			got.Mul(s, w)
			requireClose(t, s, &got, 1e-4)
		})
	}
}

func TestPrimalDualAgree(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	s := random(r, 3, 5)

	p, err := primal(s, 0.3)
	require.NoError(t, err)
	d, err := dual(s, 0.3)
	require.NoError(t, err)

	requireClose(t, p, d, 1e-9)
}

func TestSingular(t *testing.T) {
	s := mat.NewDense(2, 3, nil)

	_, err := Projector(s, 0)
	require.ErrorIs(t, err, ErrSingular)

	_, err = ProjectorBatch([]mat.Matrix{random(rand.New(rand.NewSource(3)), 2, 3), s}, 0, 2)
	require.ErrorIs(t, err, ErrSingular)
}

func TestShrink(t *testing.T) {
	w := mat.NewDense(2, 2, []float64{3, 2, 2, 3})
	Shrink(w, 0.5)
	requireClose(t, mat.NewDense(2, 2, []float64{2, 1, 1, 2}), w, 0)

	id := mat.NewDense(2, 2, []float64{5, 1, 1, 5})
	Shrink(id, 1)
	requireClose(t, mat.NewDense(2, 2, []float64{1, 0, 0, 1}), id, 0)
}

func TestProjectorBatch(t *testing.T) {
	r := rand.New(rand.NewSource(4))

	var ss []mat.Matrix
	for range 5 {
		ss = append(ss, random(r, 1, 4))
	}

	got, err := ProjectorBatch(ss, 0.1, 3)
	require.NoError(t, err)
	require.Len(t, got, len(ss))

	for i, s := range ss {
		want, err := Projector(s, 0.1)
		require.NoError(t, err)
		requireClose(t, want, got[i], 0)
	}
}

func TestDenseRoundTrip(t *testing.T) {
	values := []float32{1, 2, 3, 4, 5, 6}
	m := Dense(values, 2, 3)
	require.Equal(t, 3.0, m.At(0, 2))
	require.Equal(t, values, Floats(m))
	require.Equal(t, []float32{1, 4, 2, 5, 3, 6}, Floats(m.T()))
}
