package model

import (
	"bytes"
	"log/slog"
	"reflect"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/dam/ml"
	"github.com/jmorganca/dam/ml/nn"
)

func TestParseTags(t *testing.T) {
	cases := []struct {
		value string
		want  Tag
	}{
		{
			value: "output",
			want: Tag{
				Name: "output",
			},
		},
		{
			value: "output,alt:token_embd",
			want: Tag{
				Name: "output",
				Alternate: []string{
					"token_embd",
				},
			},
		},
	}

	for _, tt := range cases {
		t.Run(tt.value, func(t *testing.T) {
			got := ParseTags(tt.value)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseTags() returned unexpected values (-want +got):\n%s", diff)
			}
		})
	}
}

type fakeWeights []string

type fakeTensor struct {
	ml.Tensor
	Name string
}

func (w fakeWeights) Get(name string) ml.Tensor {
	if slices.Contains(w, name) {
		return &fakeTensor{Name: name}
	}

	return nil
}

func TestPopulateFields(t *testing.T) {
	type fakeLayer struct {
		Query  *nn.Linear `dam:"attn_q"`
		Key    *nn.Linear `dam:"attn_k"`
		Value  *nn.Linear `dam:"attn_v"`
		Output *nn.Linear `dam:"attn_o"`
	}

	type fakeModel struct {
		Input      *nn.Embedding `dam:"input"`
		OutputNorm *nn.LayerNorm `dam:"output_norm"`
		Output     *nn.Linear    `dam:"output"`
		Layers     [2]fakeLayer  `dam:"blk"`
	}

	var m fakeModel
	v := reflect.ValueOf(&m)
	v.Elem().Set(populateFields(fakeWeights{
		"input.weight",
		"blk.0.attn_q.weight",
		"blk.0.attn_k.weight",
		"blk.0.attn_v.weight",
		"blk.1.attn_q.weight",
		"blk.1.attn_k.weight",
		"blk.1.attn_v.weight",
		"output_norm.weight",
		"output_norm.bias",
		"output.weight",
	}, v.Elem()))

	if diff := cmp.Diff(fakeModel{
		Input:      &nn.Embedding{Weight: &fakeTensor{Name: "input.weight"}},
		OutputNorm: &nn.LayerNorm{Weight: &fakeTensor{Name: "output_norm.weight"}, Bias: &fakeTensor{Name: "output_norm.bias"}},
		Output:     &nn.Linear{Weight: &fakeTensor{Name: "output.weight"}},
		Layers: [2]fakeLayer{
			{
				Query: &nn.Linear{Weight: &fakeTensor{Name: "blk.0.attn_q.weight"}},
				Key:   &nn.Linear{Weight: &fakeTensor{Name: "blk.0.attn_k.weight"}},
				Value: &nn.Linear{Weight: &fakeTensor{Name: "blk.0.attn_v.weight"}},
			},
			{
				Query: &nn.Linear{Weight: &fakeTensor{Name: "blk.1.attn_q.weight"}},
				Key:   &nn.Linear{Weight: &fakeTensor{Name: "blk.1.attn_k.weight"}},
				Value: &nn.Linear{Weight: &fakeTensor{Name: "blk.1.attn_v.weight"}},
			},
		},
	}, m); diff != "" {
		t.Errorf("populateFields() set incorrect values (-want +got):\n%s", diff)
	}
}

func TestPopulateFieldsDebug(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	type fakeModel struct {
		Input  *nn.Embedding `dam:"input"`
		Output *nn.Linear    `dam:"output"`
	}

	var m fakeModel
	v := reflect.ValueOf(&m)
	require.NotPanics(t, func() {
		v.Elem().Set(populateFields(fakeWeights{"input.weight", "output.weight"}, v.Elem()))
	})

	require.Equal(t, &fakeTensor{Name: "input.weight"}, m.Input.Weight)
	require.Contains(t, buf.String(), "name=input.weight")
	require.Contains(t, buf.String(), "name=output.weight")
}

func TestPopulateFieldsAlternateName(t *testing.T) {
	type fakeModel struct {
		Input  *nn.Embedding `dam:"input"`
		Output *nn.Linear    `dam:"output,alt:input"`
	}

	m := fakeModel{}
	v := reflect.ValueOf(&m)
	v.Elem().Set(populateFields(fakeWeights{"input.weight"}, v.Elem()))

	if diff := cmp.Diff(fakeModel{
		Input:  &nn.Embedding{Weight: &fakeTensor{Name: "input.weight"}},
		Output: &nn.Linear{Weight: &fakeTensor{Name: "input.weight"}},
	}, m); diff != "" {
		t.Errorf("populateFields() set incorrect values (-want +got):\n%s", diff)
	}
}

type fakeBackbone struct {
	Backbone
	Proj ml.Tensor `dam:"proj"`
}

func (m *fakeBackbone) Validate() error {
	if m.Proj == nil {
		return ErrMissingTensor
	}
	return nil
}

func TestNew(t *testing.T) {
	_, err := New(KV{}, Tensors{})
	require.ErrorContains(t, err, `unsupported model architecture "unknown"`)

	Register("fake", func(c Config) (Backbone, error) {
		return &fakeBackbone{}, nil
	})
	require.Panics(t, func() {
		Register("fake", func(Config) (Backbone, error) { return nil, nil })
	})

	_, err = New(KV{"general.architecture": "fake"}, Tensors{})
	require.ErrorIs(t, err, ErrMissingTensor)

	proj := &fakeTensor{Name: "proj"}
	m, err := New(KV{"general.architecture": "fake"}, Tensors{"proj": proj})
	require.NoError(t, err)
	require.Same(t, proj, m.(*fakeBackbone).Proj)
}

func TestKV(t *testing.T) {
	kv := KV{
		"general.architecture": "clip",
		"clip.block_count":     uint32(2),
		"clip.logit_scale":     float32(2.5),
		"clip.name":            "toy",
		"clip.causal":          true,
	}

	require.Equal(t, "clip", kv.Architecture())
	require.Equal(t, uint32(2), kv.Uint("block_count"))
	require.Equal(t, uint32(7), kv.Uint("missing", 7))
	require.Equal(t, float32(2.5), kv.Float("logit_scale"))
	require.Equal(t, "toy", kv.String("name"))
	require.True(t, kv.Bool("causal"))

	// wrong type falls back to the default
	require.Equal(t, float32(1), kv.Float("block_count", 1))
}
