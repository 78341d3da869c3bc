package nn

import (
	"github.com/jmorganca/dam/ml"
)

type LayerNorm struct {
	Weight ml.Tensor `dam:"weight"`
	Bias   ml.Tensor `dam:"bias"`
}

func (m *LayerNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.LayerNorm(ctx, m.Weight, m.Bias, eps)
}
