package cpu

import (
	"fmt"
	"slices"

	"github.com/jmorganca/dam/ml"
)

// inferShape replaces a single -1 in shape with the size implied by n.
func inferShape(n int, shape []int) ([]int, error) {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == -1 && infer >= 0:
			return nil, fmt.Errorf("%w: only one dimension can be inferred in %v", ml.ErrShape, shape)
		case d == -1:
			infer = i
		case d < 0:
			return nil, fmt.Errorf("%w: invalid dimension in %v", ml.ErrShape, shape)
		default:
			known *= d
		}
	}

	if infer >= 0 {
		if known == 0 || n%known != 0 {
			return nil, fmt.Errorf("%w: cannot infer %v from %d elements", ml.ErrShape, shape, n)
		}
		shape[infer] = n / known
	}

	if size(shape) != n {
		return nil, fmt.Errorf("%w: cannot reshape %d elements into %v", ml.ErrShape, n, shape)
	}
	return shape, nil
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	shape, err := inferShape(len(t.data), shape)
	if err != nil {
		panic(err)
	}

	out := t.like(shape...)
	copy(out.data, t.data)
	return out
}

func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	if len(order) != len(t.shape) {
		panic(fmt.Errorf("%w: permutation %v for rank %d", ml.ErrShape, order, len(t.shape)))
	}

	order = slices.Clone(order)

	seen := make([]bool, len(order))
	shape := make([]int, len(order))
	for i, o := range order {
		o = axis(o, len(order))
		if seen[o] {
			panic(fmt.Errorf("%w: repeated axis in permutation %v", ml.ErrShape, order))
		}
		seen[o] = true
		order[i] = o
		shape[i] = t.shape[o]
	}

	src := strides(t.shape)
	out := t.like(shape...)
	idx := make([]int, len(shape))
	for i := range out.data {
		var j int
		for d, o := range order {
			j += idx[d] * src[o]
		}
		out.data[i] = t.data[j]

		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out
}

// Slice returns elements [start, end) along dim. Negative bounds count from
// the end of the dimension.
func (t *Tensor) Slice(ctx ml.Context, dim, start, end int) ml.Tensor {
	dim = axis(dim, len(t.shape))
	n := t.shape[dim]
	if start < 0 {
		start += n
	}
	if end < 0 {
		end += n
	}
	if start < 0 || end > n || start > end {
		panic(fmt.Errorf("%w: slice [%d:%d] of dimension %d with size %d", ml.ErrShape, start, end, dim, n))
	}

	outer := size(t.shape[:dim])
	inner := size(t.shape[dim+1:])

	shape := slices.Clone(t.shape)
	shape[dim] = end - start
	out := t.like(shape...)

	m := (end - start) * inner
	for o := range outer {
		copy(out.data[o*m:(o+1)*m], t.data[(o*n+start)*inner:(o*n+end)*inner])
	}
	return out
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	return concat(dim, t, cast(t2))
}

func (t *Tensor) Stack(ctx ml.Context, dim int, s ...ml.Tensor) ml.Tensor {
	dim = axis(dim, len(t.shape)+1)

	shape := slices.Insert(slices.Clone(t.shape), dim, 1)
	ts := []*Tensor{t.Reshape(ctx, shape...).(*Tensor)}
	for _, t2 := range s {
		ts = append(ts, t2.Reshape(ctx, shape...).(*Tensor))
	}
	return concat(dim, ts...)
}

func concat(dim int, ts ...*Tensor) *Tensor {
	first := ts[0]
	dim = axis(dim, len(first.shape))

	shape := slices.Clone(first.shape)
	shape[dim] = 0
	for _, t := range ts {
		if len(t.shape) != len(first.shape) {
			panic(fmt.Errorf("%w: cannot concatenate %v and %v", ml.ErrShape, first.shape, t.shape))
		}
		for d := range t.shape {
			if d != dim && t.shape[d] != first.shape[d] {
				panic(fmt.Errorf("%w: cannot concatenate %v and %v along %d", ml.ErrShape, first.shape, t.shape, dim))
			}
		}
		shape[dim] += t.shape[dim]
	}

	out := first.like(shape...)
	outer := size(shape[:dim])
	inner := size(shape[dim+1:])

	offset := 0
	for o := range outer {
		for _, t := range ts {
			m := t.shape[dim] * inner
			copy(out.data[offset:offset+m], t.data[o*m:(o+1)*m])
			offset += m
		}
	}
	return out.round()
}

// Repeat tiles t n times along dim.
func (t *Tensor) Repeat(ctx ml.Context, dim, n int) ml.Tensor {
	if n < 1 {
		panic(fmt.Errorf("%w: repeat count %d", ml.ErrShape, n))
	}

	ts := make([]*Tensor, n)
	for i := range ts {
		ts[i] = t
	}
	return concat(dim, ts...)
}

// Rows gathers rows of a 2D table t by the indices in ids. The result has
// shape ids.Shape() followed by the row width.
func (t *Tensor) Rows(ctx ml.Context, ids ml.Tensor) ml.Tensor {
	if len(t.shape) != 2 {
		panic(fmt.Errorf("%w: rows of non-matrix %v", ml.ErrShape, t.shape))
	}

	rows, width := t.shape[0], t.shape[1]
	out := t.like(append(ids.Shape(), width)...)
	for i, id := range ids.Ints() {
		if id < 0 || int(id) >= rows {
			panic(fmt.Errorf("%w: row %d out of range for %v", ml.ErrShape, id, t.shape))
		}
		copy(out.data[i*width:(i+1)*width], t.data[int(id)*width:(int(id)+1)*width])
	}
	return out
}
