package cpu

import (
	"fmt"

	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"

	"github.com/jmorganca/dam/ml"
)

// smallMatmul is the m*k*n volume below which the plain loop beats the
// overhead of wrapping operands as dense tensors.
const smallMatmul = 4096

func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	b := cast(t2)
	if len(t.shape) < 2 || len(b.shape) < 2 {
		panic(fmt.Errorf("%w: mulmat needs matrices, got %v and %v", ml.ErrShape, t.shape, b.shape))
	}

	m, k := t.shape[len(t.shape)-2], t.shape[len(t.shape)-1]
	k2, n := b.shape[len(b.shape)-2], b.shape[len(b.shape)-1]
	if k != k2 {
		panic(fmt.Errorf("%w: mulmat %v by %v", ml.ErrShape, t.shape, b.shape))
	}

	batchA, batchB := t.shape[:len(t.shape)-2], b.shape[:len(b.shape)-2]
	batch, ok := broadcastShape(batchA, batchB)
	if !ok {
		panic(fmt.Errorf("%w: mulmat batch %v with %v", ml.ErrShape, batchA, batchB))
	}

	out := t.like(append(batch, m, n)...)
	sa, sb := broadcastStrides(batchA, batch), broadcastStrides(batchB, batch)
	outer := strides(batch)

	var g errgroup.Group
	g.SetLimit(t.b.threads)
	for i := range size(batch) {
		var ia, ib int
		for d, s := range outer {
			idx := (i / s) % batch[d]
			ia += idx * sa[d]
			ib += idx * sb[d]
		}

		a := t.data[ia*m*k : (ia+1)*m*k]
		bb := b.data[ib*k*n : (ib+1)*k*n]
		dst := out.data[i*m*n : (i+1)*m*n]
		g.Go(func() error {
			return gemm(dst, a, bb, m, k, n)
		})
	}

	if err := g.Wait(); err != nil {
		panic(err)
	}
	return out.round()
}

// gemm writes a(m×k) × b(k×n) into dst.
func gemm(dst, a, b []float32, m, k, n int) error {
	if m == 0 || n == 0 {
		return nil
	}

	if k == 0 {
		clear(dst)
		return nil
	}

	if m*k*n < smallMatmul {
		for i := range m {
			row := dst[i*n : (i+1)*n]
			clear(row)
			for p := range k {
				av := a[i*k+p]
				if av == 0 {
					continue
				}
				for j, bv := range b[p*n : (p+1)*n] {
					row[j] += av * bv
				}
			}
		}
		return nil
	}

	ta := tensor.New(tensor.WithShape(m, k), tensor.WithBacking(a))
	tb := tensor.New(tensor.WithShape(k, n), tensor.WithBacking(b))
	tc, err := ta.MatMul(tb)
	if err != nil {
		return fmt.Errorf("mulmat %dx%d by %dx%d: %w", m, k, k, n, err)
	}

	data, ok := tc.Data().([]float32)
	if !ok || len(data) != m*n {
		return fmt.Errorf("%w: mulmat produced %v", ml.ErrShape, tc.Shape())
	}
	copy(dst, data)
	return nil
}
