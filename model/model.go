package model

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"github.com/jmorganca/dam/ml"
)

var ErrMissingTensor = errors.New("missing tensor")

// TextProcessor turns text into fixed length token sequences.
type TextProcessor interface {
	// Tokenize returns exactly ContextLength ids: a start token, the text,
	// an end token and zero padding. The end token has the largest id in the
	// vocabulary. Text that does not fit is truncated, keeping the end token.
	Tokenize(s string) ([]int32, error)
	ContextLength() int
}

// TextEncoder exposes the frozen text transformer one stage at a time so
// callers can rewrite the running sequence between layers. Sequences are
// shaped [batch, seq, hidden].
type TextEncoder interface {
	// EmbedTokens looks up ids shaped [batch, seq].
	EmbedTokens(ctx ml.Context, ids ml.Tensor) ml.Tensor
	// PositionalEmbedding is shaped [seq, hidden].
	PositionalEmbedding() ml.Tensor
	// RunLayer runs layer i. bias is an additive attention score shaped
	// [batch, seq, seq] applied on top of the causal mask, or nil.
	RunLayer(ctx ml.Context, i int, x, bias ml.Tensor) ml.Tensor
	FinalNorm(ctx ml.Context, x ml.Tensor) ml.Tensor
	// Project maps [batch, hidden] summary features into the shared
	// embedding space.
	Project(ctx ml.Context, x ml.Tensor) ml.Tensor

	NumLayers() int
	HiddenSize() int
}

// VisionEncoder exposes the frozen image transformer one stage at a time.
type VisionEncoder interface {
	// Embed patchifies pixels shaped [batch, channels, height, width] and
	// returns the class token followed by the patches, positions added.
	Embed(ctx ml.Context, pixels ml.Tensor) ml.Tensor
	PreNorm(ctx ml.Context, x ml.Tensor) ml.Tensor
	RunLayer(ctx ml.Context, i int, x ml.Tensor) ml.Tensor
	PostNorm(ctx ml.Context, x ml.Tensor) ml.Tensor
	Project(ctx ml.Context, x ml.Tensor) ml.Tensor

	NumLayers() int
	HiddenSize() int
}

// Backbone is a frozen dual encoder.
type Backbone interface {
	Text() TextEncoder
	Vision() VisionEncoder
	Processor() TextProcessor

	// LogitScale is the log of the contrastive temperature.
	LogitScale() float64
	DType() ml.DType
	EmbeddingDim() int
}

// Config exposes backbone hyperparameters by key.
type Config interface {
	Architecture() string
	String(string, ...string) string
	Uint(string, ...uint32) uint32
	Float(string, ...float32) float32
	Bool(string, ...bool) bool
}

// Weights resolves tensors by their dotted name.
type Weights interface {
	Get(name string) ml.Tensor
}

// Tensors is a Weights backed by a map.
type Tensors map[string]ml.Tensor

func (t Tensors) Get(name string) ml.Tensor {
	return t[name]
}

var models = make(map[string]func(Config) (Backbone, error))

// Register registers a backbone constructor for the given architecture
func Register(name string, f func(Config) (Backbone, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// New initializes a backbone for the architecture named in c and fills its
// tensor fields from w using their `dam` struct tags.
func New(c Config, w Weights) (Backbone, error) {
	arch := c.Architecture()
	f, ok := models[arch]
	if !ok {
		return nil, fmt.Errorf("unsupported model architecture %q", arch)
	}

	m, err := f(c)
	if err != nil {
		return nil, err
	}

	v := reflect.ValueOf(m)
	if v.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("model: %s constructor returned %T, want a pointer", arch, m)
	}

	v.Elem().Set(populateFields(w, v.Elem()))

	if r, ok := m.(interface{ Validate() error }); ok {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", arch, err)
		}
	}

	return m, nil
}

func populateFields(w Weights, v reflect.Value, tags ...Tag) reflect.Value {
	t := v.Type()

	if t.Kind() == reflect.Struct {
		allNil := true
		for i := range t.NumField() {
			tt := t.Field(i).Type
			vv := v.Field(i)
			if !vv.CanSet() {
				continue
			}

			// make a copy
			tagsCopy := tags
			if tag := t.Field(i).Tag.Get("dam"); tag != "" {
				tagsCopy = append(tagsCopy, ParseTags(tag))
			}

			if tt == reflect.TypeOf((*ml.Tensor)(nil)).Elem() {
				for _, name := range names(tagsCopy) {
					if tensor := w.Get(strings.Join(name, ".")); tensor != nil {
						slog.Debug("found tensor", "name", strings.Join(name, "."))
						vv.Set(reflect.ValueOf(tensor))
						break
					}
				}
			} else if tt.Kind() == reflect.Pointer || tt.Kind() == reflect.Interface {
				setPointer(w, vv, tagsCopy)
			} else if tt.Kind() == reflect.Slice || tt.Kind() == reflect.Array {
				for i := range vv.Len() {
					vvv := vv.Index(i)
					if vvv.Kind() == reflect.Pointer || vvv.Kind() == reflect.Interface {
						setPointer(w, vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)}))
					} else {
						vvv.Set(populateFields(w, vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)})...))
					}
				}
			}

			if !canNil(tt) || !vv.IsNil() {
				allNil = false
			}
		}

		if allNil {
			return reflect.Zero(t)
		}
	}

	return v
}

// names expands tags and their alternates into candidate tensor names.
func names(tags []Tag) (values [][]string) {
	if len(tags) < 1 {
		return nil
	}

	values = [][]string{{tags[0].Name}}
	for _, alt := range tags[0].Alternate {
		values = append(values, []string{alt})
	}

	rest := names(tags[1:])
	if len(rest) == 0 {
		return values
	}

	var out [][]string
	for _, value := range values {
		for _, r := range rest {
			out = append(out, append(append([]string{}, value...), r...))
		}
	}

	return out
}

func setPointer(w Weights, v reflect.Value, tags []Tag) {
	vv := v
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return
		}

		vv = vv.Elem()
	}

	vv = vv.Elem()
	if v.IsNil() {
		vv = reflect.New(v.Type().Elem()).Elem()
	}

	if f := populateFields(w, vv, tags...); f.CanAddr() {
		v.Set(f.Addr())
	}
}

type Tag struct {
	Name      string
	Alternate []string
}

func ParseTags(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	if len(parts) > 0 {
		tag.Name = parts[0]

		for _, part := range parts[1:] {
			if value, ok := strings.CutPrefix(part, "alt:"); ok {
				tag.Alternate = append(tag.Alternate, value)
			}
		}
	}

	return
}

func canNil(t reflect.Type) bool {
	return t.Kind() == reflect.Chan ||
		t.Kind() == reflect.Func ||
		t.Kind() == reflect.Interface ||
		t.Kind() == reflect.Map ||
		t.Kind() == reflect.Pointer ||
		t.Kind() == reflect.Slice
}
