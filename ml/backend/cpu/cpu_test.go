package cpu

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/dam/ml"
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

func arange(tb testing.TB, ctx ml.Context, shape ...int) ml.Tensor {
	tb.Helper()

	s := make([]float32, size(shape))
	for i := range s {
		s[i] = float32(i)
	}

	t, err := ctx.FromFloatSlice(s, shape...)
	if err != nil {
		tb.Fatal(err)
	}
	return t
}

var approx = cmpopts.EquateApprox(0, 1e-5)

func TestInferShape(t *testing.T) {
	cases := []struct {
		name  string
		input []int
		want  []int
		err   error
	}{
		{
			name:  "no inferred shape",
			input: []int{2, 3, 4},
			want:  []int{2, 3, 4},
		},
		{
			name:  "infer begin",
			input: []int{-1, 3, 4},
			want:  []int{2, 3, 4},
		},
		{
			name:  "infer mid",
			input: []int{2, -1, 4},
			want:  []int{2, 3, 4},
		},
		{
			name:  "infer end",
			input: []int{2, 3, -1},
			want:  []int{2, 3, 4},
		},
		{
			name:  "too many inferred dims",
			input: []int{-1, 3, -1},
			err:   ml.ErrShape,
		},
		{
			name:  "size mismatch",
			input: []int{2, 3, 5},
			err:   ml.ErrShape,
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := inferShape(24, tt.input)
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected error %v, got %v", tt.err, err)
			}

			if diff := cmp.Diff(tt.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("unexpected shape (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFromFloatSliceShape(t *testing.T) {
	ctx := setup(t)
	_, err := ctx.FromFloatSlice([]float32{1, 2, 3}, 2, 2)
	require.ErrorIs(t, err, ml.ErrShape)
}

func TestBroadcastAdd(t *testing.T) {
	ctx := setup(t)

	a := arange(t, ctx, 2, 3)
	b, err := ctx.FromFloatSlice([]float32{10, 20, 30}, 3)
	require.NoError(t, err)

	got := a.Add(ctx, b)
	require.Equal(t, []int{2, 3}, got.Shape())
	require.Equal(t, []float32{10, 21, 32, 13, 24, 35}, got.Floats())

	col, err := ctx.FromFloatSlice([]float32{1, 2}, 2, 1)
	require.NoError(t, err)
	require.Equal(t, []float32{-1, 0, 1, 1, 2, 3}, a.Sub(ctx, col).Floats())

	require.Panics(t, func() {
		a.Add(ctx, arange(t, ctx, 2))
	})
}

func TestMulmat(t *testing.T) {
	ctx := setup(t)

	cases := []struct {
		name string
		a, b []int
		want []int
	}{
		{name: "matrix", a: []int{2, 3}, b: []int{3, 4}, want: []int{2, 4}},
		{name: "batched", a: []int{5, 2, 3}, b: []int{5, 3, 4}, want: []int{5, 2, 4}},
		{name: "broadcast", a: []int{5, 2, 3}, b: []int{3, 4}, want: []int{5, 2, 4}},
		{name: "broadcast inner", a: []int{2, 1, 2, 3}, b: []int{3, 3, 4}, want: []int{2, 3, 2, 4}},
		{name: "large", a: []int{24, 40}, b: []int{40, 32}, want: []int{24, 32}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			a, b := arange(t, ctx, tt.a...), arange(t, ctx, tt.b...)
			got := a.Mulmat(ctx, b)
			require.Equal(t, tt.want, got.Shape())

			want := naiveMulmat(a.(*Tensor), b.(*Tensor), tt.want)
			if diff := cmp.Diff(want, got.Floats(), cmpopts.EquateApprox(1e-5, 0)); diff != "" {
				t.Errorf("unexpected product (-want +got):\n%s", diff)
			}
		})
	}
}

func naiveMulmat(a, b *Tensor, shape []int) []float32 {
	m, k := a.shape[len(a.shape)-2], a.shape[len(a.shape)-1]
	n := b.shape[len(b.shape)-1]
	batch := shape[:len(shape)-2]

	out := make([]float32, size(shape))
	sa := broadcastStrides(a.shape[:len(a.shape)-2], batch)
	sb := broadcastStrides(b.shape[:len(b.shape)-2], batch)
	st := strides(batch)
	for bi := range size(batch) {
		var ia, ib int
		for d, s := range st {
			ia += (bi / s) % batch[d] * sa[d]
			ib += (bi / s) % batch[d] * sb[d]
		}

		for i := range m {
			for j := range n {
				var sum float64
				for p := range k {
					sum += float64(a.data[ia*m*k+i*k+p]) * float64(b.data[ib*k*n+p*n+j])
				}
				out[bi*m*n+i*n+j] = float32(sum)
			}
		}
	}
	return out
}

func TestSoftmax(t *testing.T) {
	ctx := setup(t)

	x, err := ctx.FromFloatSlice([]float32{1, 2, 3, 0, 0, 0}, 2, 3)
	require.NoError(t, err)

	got := x.Softmax(ctx).Floats()
	e := []float64{math.Exp(1), math.Exp(2), math.Exp(3)}
	sum := e[0] + e[1] + e[2]
	want := []float32{float32(e[0] / sum), float32(e[1] / sum), float32(e[2] / sum), 1. / 3, 1. / 3, 1. / 3}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("unexpected softmax (-want +got):\n%s", diff)
	}

	logs := x.LogSoftmax(ctx).Floats()
	for i := range want {
		require.InDelta(t, math.Log(float64(want[i])), float64(logs[i]), 1e-5)
	}
}

func TestLayerNorm(t *testing.T) {
	ctx := setup(t)

	x, err := ctx.FromFloatSlice([]float32{1, 2, 3, 4}, 1, 4)
	require.NoError(t, err)
	w, err := ctx.FromFloatSlice([]float32{2, 2, 2, 2}, 4)
	require.NoError(t, err)
	b, err := ctx.FromFloatSlice([]float32{1, 1, 1, 1}, 4)
	require.NoError(t, err)

	got := x.LayerNorm(ctx, w, b, 0).Floats()
	std := math.Sqrt(1.25)
	want := []float32{
		float32(1 + 2*(-1.5)/std),
		float32(1 + 2*(-0.5)/std),
		float32(1 + 2*(0.5)/std),
		float32(1 + 2*(1.5)/std),
	}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("unexpected layer norm (-want +got):\n%s", diff)
	}
}

func TestL2NormAndReduce(t *testing.T) {
	ctx := setup(t)

	x, err := ctx.FromFloatSlice([]float32{3, 4, 0, 0}, 2, 2)
	require.NoError(t, err)
	require.Equal(t, []float32{0.6, 0.8, 0, 0}, x.L2Norm(ctx).Floats())

	y := arange(t, ctx, 2, 3, 2)
	require.Equal(t, []int{2, 2}, y.Sum(ctx, 1).Shape())
	require.Equal(t, []float32{6, 9, 24, 27}, y.Sum(ctx, 1).Floats())
	require.Equal(t, []float32{2, 3, 8, 9}, y.Mean(ctx, -2).Floats())
}

func TestShapeOps(t *testing.T) {
	ctx := setup(t)
	x := arange(t, ctx, 2, 3)

	t.Run("permute", func(t *testing.T) {
		got := x.Permute(ctx, 1, 0)
		require.Equal(t, []int{3, 2}, got.Shape())
		require.Equal(t, []float32{0, 3, 1, 4, 2, 5}, got.Floats())
	})

	t.Run("slice", func(t *testing.T) {
		got := x.Slice(ctx, 1, 1, 3)
		require.Equal(t, []int{2, 2}, got.Shape())
		require.Equal(t, []float32{1, 2, 4, 5}, got.Floats())
		require.Equal(t, []float32{2, 5}, x.Slice(ctx, 1, -1, 3).Floats())
	})

	t.Run("concat", func(t *testing.T) {
		got := x.Concat(ctx, x.Slice(ctx, 1, 0, 1), 1)
		require.Equal(t, []int{2, 4}, got.Shape())
		require.Equal(t, []float32{0, 1, 2, 0, 3, 4, 5, 3}, got.Floats())
	})

	t.Run("stack", func(t *testing.T) {
		got := x.Stack(ctx, 0, x, x)
		require.Equal(t, []int{3, 2, 3}, got.Shape())
		require.Equal(t, x.Floats(), got.Slice(ctx, 0, 2, 3).Floats())
	})

	t.Run("repeat", func(t *testing.T) {
		got := x.Reshape(ctx, 1, 2, 3).Repeat(ctx, 0, 2)
		require.Equal(t, []int{2, 2, 3}, got.Shape())
		require.Equal(t, []float32{0, 1, 2, 3, 4, 5, 0, 1, 2, 3, 4, 5}, got.Floats())
	})

	t.Run("rows", func(t *testing.T) {
		ids, err := ctx.FromIntSlice([]int32{1, 1, 0}, 3)
		require.NoError(t, err)
		got := x.Rows(ctx, ids)
		require.Equal(t, []int{3, 3}, got.Shape())
		require.Equal(t, []float32{3, 4, 5, 3, 4, 5, 0, 1, 2}, got.Floats())
	})
}

func TestCast(t *testing.T) {
	ctx := setup(t)

	x, err := ctx.FromFloatSlice([]float32{1.0009765625, 0.1, 65504}, 3)
	require.NoError(t, err)

	f16 := x.Cast(ctx, ml.DTypeF16)
	require.Equal(t, ml.DTypeF16, f16.DType())
	require.Equal(t, float32(1.0009765625), f16.Floats()[0])
	require.NotEqual(t, float32(0.1), f16.Floats()[1])
	require.InDelta(t, 0.1, float64(f16.Floats()[1]), 1e-4)

	bf16 := x.Cast(ctx, ml.DTypeBF16)
	require.Equal(t, float32(1), bf16.Floats()[0])

	// results keep the receiver's precision
	sum := f16.Add(ctx, x)
	require.Equal(t, ml.DTypeF16, sum.DType())
	for _, v := range sum.Floats() {
		require.Equal(t, ml.DTypeF16.Round(v), v)
	}
}

func TestDump(t *testing.T) {
	ctx := setup(t)
	got := ml.Dump(arange(t, ctx, 2, 2), ml.DumpOptions{Items: 3, Precision: 1})
	require.Equal(t, "[[0.0, 1.0],\n [2.0, 3.0]]", got)
}
