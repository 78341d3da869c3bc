// Package cpu is an eager, pure Go implementation of the ml tensor
// interfaces. Data is kept as row-major float32 regardless of dtype; reduced
// precision dtypes round every result so that values match what a half
// precision backend would produce.
package cpu

import (
	"fmt"
	"runtime"
	"slices"

	"github.com/jmorganca/dam/ml"
)

func init() {
	ml.RegisterBackend("cpu", New)
}

type Backend struct {
	threads int
}

func New(params ml.BackendParams) (ml.Backend, error) {
	threads := params.NumThreads
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}

	return &Backend{threads: threads}, nil
}

func (b *Backend) Name() string {
	return "cpu"
}

func (b *Backend) NewContext() ml.Context {
	return &Context{b: b}
}

type Context struct {
	b *Backend
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return c.b.newTensor(dtype, shape...)
}

func (c *Context) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	if n := size(shape); n != len(s) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ml.ErrShape, len(s), shape)
	}

	t := c.b.newTensor(ml.DTypeF32, shape...)
	copy(t.data, s)
	return t, nil
}

func (c *Context) FromIntSlice(s []int32, shape ...int) (ml.Tensor, error) {
	if n := size(shape); n != len(s) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ml.ErrShape, len(s), shape)
	}

	t := c.b.newTensor(ml.DTypeI32, shape...)
	for i, v := range s {
		t.data[i] = float32(v)
	}
	return t, nil
}

func (c *Context) Close() error {
	return nil
}

type Tensor struct {
	b     *Backend
	name  string
	dtype ml.DType
	shape []int
	data  []float32
}

func (b *Backend) newTensor(dtype ml.DType, shape ...int) *Tensor {
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Errorf("%w: negative dimension in %v", ml.ErrShape, shape))
		}
	}

	return &Tensor{
		b:     b,
		dtype: dtype,
		shape: slices.Clone(shape),
		data:  make([]float32, size(shape)),
	}
}

func (t *Tensor) like(shape ...int) *Tensor {
	return t.b.newTensor(t.dtype, shape...)
}

// round applies the dtype's precision to every element in place.
func (t *Tensor) round() *Tensor {
	if t.dtype == ml.DTypeF32 {
		return t
	}

	for i, v := range t.data {
		t.data[i] = t.dtype.Round(v)
	}
	return t
}

func (t *Tensor) SetName(name string) {
	t.name = name
}

func (t *Tensor) Name() string {
	return t.name
}

func (t *Tensor) String() string {
	if t.name != "" {
		return fmt.Sprintf("%s%v(%s)", t.name, t.shape, t.dtype)
	}
	return fmt.Sprintf("tensor%v(%s)", t.shape, t.dtype)
}

func (t *Tensor) Dim(n int) int {
	if n < 0 {
		n += len(t.shape)
	}
	if n < 0 || n >= len(t.shape) {
		panic(fmt.Errorf("%w: dimension %d out of range for %v", ml.ErrShape, n, t.shape))
	}
	return t.shape[n]
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) Floats() []float32 {
	return slices.Clone(t.data)
}

func (t *Tensor) Ints() []int32 {
	s := make([]int32, len(t.data))
	for i, v := range t.data {
		s[i] = int32(v)
	}
	return s
}

func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	out := t.b.newTensor(dtype, t.shape...)
	copy(out.data, t.data)
	return out.round()
}

func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	return t
}

func cast(t ml.Tensor) *Tensor {
	if t == nil {
		panic("cpu: nil tensor")
	}

	tt, ok := t.(*Tensor)
	if !ok {
		panic(fmt.Errorf("cpu: unsupported tensor type %T", t))
	}
	return tt
}

func size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	n := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = n
		n *= shape[i]
	}
	return s
}

// axis normalizes a possibly negative dimension index.
func axis(dim, rank int) int {
	if dim < 0 {
		dim += rank
	}
	if dim < 0 || dim >= rank {
		panic(fmt.Errorf("%w: dimension %d out of range for rank %d", ml.ErrShape, dim, rank))
	}
	return dim
}
