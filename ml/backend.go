package ml

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// ErrShape is returned (or wrapped in a panic) when tensor shapes do not line up.
var ErrShape = errors.New("shape mismatch")

// BackendParams controls how a backend executes tensor operations.
type BackendParams struct {
	// NumThreads bounds the number of goroutines used to fan out batched
	// operations. Zero means GOMAXPROCS.
	NumThreads int
}

type Backend interface {
	Name() string
	NewContext() Context
}

var backends = make(map[string]func(BackendParams) (Backend, error))

func RegisterBackend(name string, f func(BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

func NewBackend(name string, params BackendParams) (Backend, error) {
	if backend, ok := backends[name]; ok {
		return backend(params)
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}

type Context interface {
	Zeros(dtype DType, shape ...int) Tensor
	FromFloatSlice(s []float32, shape ...int) (Tensor, error)
	FromIntSlice(s []int32, shape ...int) (Tensor, error)

	Close() error
}

// Tensor is an immutable n-dimensional array. Shapes are listed outermost
// dimension first. Every operation returns a new tensor.
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType

	Floats() []float32
	Ints() []int32

	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	// Mulmat multiplies the two innermost dimensions of t by those of t2,
	// broadcasting the leading (batch) dimensions.
	Mulmat(ctx Context, t2 Tensor) Tensor

	Softmax(ctx Context) Tensor
	LogSoftmax(ctx Context) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	Scale(ctx Context, s float64) Tensor
	GELU(ctx Context) Tensor

	// L2Norm scales the innermost dimension to unit length.
	L2Norm(ctx Context) Tensor
	Sum(ctx Context, dim int) Tensor
	Mean(ctx Context, dim int) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, order ...int) Tensor
	Contiguous(ctx Context) Tensor

	Slice(ctx Context, dim, start, end int) Tensor
	Stack(ctx Context, dim int, s ...Tensor) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor
	Repeat(ctx Context, dim, n int) Tensor
	Rows(ctx Context, ids Tensor) Tensor

	Cast(ctx Context, dtype DType) Tensor
}

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func mul[T number](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print. Applies to float32 and float64.
	Precision int
}

func Dump(t Tensor, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	if t == nil {
		return "<nil>"
	}

	switch t.DType() {
	case DTypeF32, DTypeF16, DTypeBF16:
		return dump(t.Floats(), t.Shape(), func(f float32) string {
			return fmt.Sprintf("%.*f", opts[0].Precision, f)
		}, opts[0])
	case DTypeI32:
		return dump(t.Ints(), t.Shape(), func(i int32) string {
			return fmt.Sprint(i)
		}, opts[0])
	default:
		return "<unsupported>"
	}
}

func dump[S ~[]E, E number](s S, shape []int, format func(E) string, opts DumpOptions) string {
	if len(shape) == 0 {
		if len(s) == 0 {
			return "[]"
		}
		return format(s[0])
	}

	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= opts.Items && i < dims[0]-opts.Items {
				fmt.Fprint(&sb, "..., ")
				// skip to next printable element
				skip := dims[0] - 2*opts.Items
				if len(dims) > 1 {
					stride += mul(append(dims[1:], skip)...)
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprint(&sb, format(s[stride+i]))
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeI32
	DTypeF16
	DTypeBF16
	DTypeOther
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeI32:
		return "i32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	default:
		return "other"
	}
}

// Round returns the value v would have after a round trip through d.
func (d DType) Round(v float32) float32 {
	switch d {
	case DTypeF16:
		return float16.Fromfloat32(v).Float32()
	case DTypeBF16:
		return bfloat16.ToFloat32(bfloat16.FromFloat32(v))
	case DTypeI32:
		return float32(math.Round(float64(v)))
	default:
		return v
	}
}

// ParsePrecision maps a training precision mode to the dtype the frozen
// backbone runs in. Mixed precision keeps the backbone in f32.
func ParsePrecision(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "fp32", "amp", "":
		return DTypeF32, nil
	case "fp16":
		return DTypeF16, nil
	case "bf16":
		return DTypeBF16, nil
	default:
		return DTypeOther, fmt.Errorf("unsupported precision %q", s)
	}
}

// SetName labels t on backends that keep tensor names.
func SetName(t Tensor, name string) {
	if n, ok := t.(interface{ SetName(string) }); ok {
		n.SetName(name)
	}
}
