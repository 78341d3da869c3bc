package cpu

import (
	"fmt"
	"math"
	"slices"

	"github.com/jmorganca/dam/ml"
)

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(cast(t2), func(a, b float32) float32 { return a + b })
}

func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(cast(t2), func(a, b float32) float32 { return a - b })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(cast(t2), func(a, b float32) float32 { return a * b })
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	out := t.like(t.shape...)
	for i, v := range t.data {
		out.data[i] = float32(float64(v) * s)
	}
	return out.round()
}

func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	out := t.like(t.shape...)
	for i, v := range t.data {
		x := float64(v)
		out.data[i] = float32(0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x))))
	}
	return out.round()
}

// broadcastShape returns the numpy-style broadcast of a and b.
func broadcastShape(a, b []int) ([]int, bool) {
	n := max(len(a), len(b))
	shape := make([]int, n)
	for i := range n {
		da, db := 1, 1
		if j := len(a) - n + i; j >= 0 {
			da = a[j]
		}
		if j := len(b) - n + i; j >= 0 {
			db = b[j]
		}

		switch {
		case da == db:
			shape[i] = da
		case da == 1:
			shape[i] = db
		case db == 1:
			shape[i] = da
		default:
			return nil, false
		}
	}
	return shape, true
}

// broadcastStrides returns strides that walk src as if it had shape dst.
// Broadcast dimensions get a zero stride.
func broadcastStrides(src, dst []int) []int {
	s := make([]int, len(dst))
	st := strides(src)
	for i := range dst {
		j := len(src) - len(dst) + i
		if j < 0 || src[j] == 1 {
			continue
		}
		s[i] = st[j]
	}
	return s
}

func (t *Tensor) binary(t2 *Tensor, fn func(a, b float32) float32) *Tensor {
	if slices.Equal(t.shape, t2.shape) {
		out := t.like(t.shape...)
		for i := range out.data {
			out.data[i] = fn(t.data[i], t2.data[i])
		}
		return out.round()
	}

	shape, ok := broadcastShape(t.shape, t2.shape)
	if !ok {
		panic(fmt.Errorf("%w: cannot broadcast %v with %v", ml.ErrShape, t.shape, t2.shape))
	}

	out := t.like(shape...)
	sa, sb := broadcastStrides(t.shape, shape), broadcastStrides(t2.shape, shape)
	idx := make([]int, len(shape))
	var ia, ib int
	for i := range out.data {
		out.data[i] = fn(t.data[ia], t2.data[ib])
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			ia += sa[d]
			ib += sb[d]
			if idx[d] < shape[d] {
				break
			}

			ia -= sa[d] * shape[d]
			ib -= sb[d] * shape[d]
			idx[d] = 0
		}
	}
	return out.round()
}

// rows calls fn for each contiguous innermost row of t.
func (t *Tensor) rows(fn func(i int, row []float32)) {
	if len(t.shape) == 0 {
		fn(0, t.data)
		return
	}

	n := t.shape[len(t.shape)-1]
	if n == 0 {
		return
	}
	for i := 0; i*n < len(t.data); i++ {
		fn(i, t.data[i*n:(i+1)*n])
	}
}

func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	out := t.like(t.shape...)
	t.rows(func(i int, row []float32) {
		dst := out.data[i*len(row) : (i+1)*len(row)]
		m := float32(math.Inf(-1))
		for _, v := range row {
			m = max(m, v)
		}

		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - m))
			dst[j] = float32(e)
			sum += e
		}

		for j := range dst {
			dst[j] = float32(float64(dst[j]) / sum)
		}
	})
	return out.round()
}

func (t *Tensor) LogSoftmax(ctx ml.Context) ml.Tensor {
	out := t.like(t.shape...)
	t.rows(func(i int, row []float32) {
		dst := out.data[i*len(row) : (i+1)*len(row)]
		m := float32(math.Inf(-1))
		for _, v := range row {
			m = max(m, v)
		}

		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v - m))
		}

		lse := float64(m) + math.Log(sum)
		for j, v := range row {
			dst[j] = float32(float64(v) - lse)
		}
	})
	return out.round()
}

func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	var w, b []float32
	n := t.shape[len(t.shape)-1]
	if weight != nil {
		if w = cast(weight).data; len(w) != n {
			panic(fmt.Errorf("%w: layer norm weight %v for input %v", ml.ErrShape, weight.Shape(), t.shape))
		}
	}
	if bias != nil {
		if b = cast(bias).data; len(b) != n {
			panic(fmt.Errorf("%w: layer norm bias %v for input %v", ml.ErrShape, bias.Shape(), t.shape))
		}
	}

	out := t.like(t.shape...)
	t.rows(func(i int, row []float32) {
		dst := out.data[i*n : (i+1)*n]

		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(n)

		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(n)

		inv := 1 / math.Sqrt(variance+float64(eps))
		for j, v := range row {
			x := (float64(v) - mean) * inv
			if w != nil {
				x *= float64(w[j])
			}
			if b != nil {
				x += float64(b[j])
			}
			dst[j] = float32(x)
		}
	})
	return out.round()
}

func (t *Tensor) L2Norm(ctx ml.Context) ml.Tensor {
	out := t.like(t.shape...)
	t.rows(func(i int, row []float32) {
		dst := out.data[i*len(row) : (i+1)*len(row)]

		var sum float64
		for _, v := range row {
			sum += float64(v) * float64(v)
		}

		norm := math.Sqrt(sum)
		if norm == 0 {
			copy(dst, row)
			return
		}

		for j, v := range row {
			dst[j] = float32(float64(v) / norm)
		}
	})
	return out.round()
}

// reduce folds dimension dim away, combining the values along it with fn.
func (t *Tensor) reduce(dim int, fn func(values []float64) float64) *Tensor {
	dim = axis(dim, len(t.shape))
	outer := size(t.shape[:dim])
	n := t.shape[dim]
	inner := size(t.shape[dim+1:])

	shape := slices.Delete(slices.Clone(t.shape), dim, dim+1)
	out := t.like(shape...)

	values := make([]float64, n)
	for o := range outer {
		for i := range inner {
			for k := range n {
				values[k] = float64(t.data[(o*n+k)*inner+i])
			}
			out.data[o*inner+i] = float32(fn(values))
		}
	}
	return out.round()
}

func (t *Tensor) Sum(ctx ml.Context, dim int) ml.Tensor {
	return t.reduce(dim, func(values []float64) float64 {
		var s float64
		for _, v := range values {
			s += v
		}
		return s
	})
}

func (t *Tensor) Mean(ctx ml.Context, dim int) ml.Tensor {
	return t.reduce(dim, func(values []float64) float64 {
		if len(values) == 0 {
			return 0
		}

		var s float64
		for _, v := range values {
			s += v
		}
		return s / float64(len(values))
	})
}
