package nn

import "github.com/jmorganca/dam/ml"

type Embedding struct {
	Weight ml.Tensor `dam:"weight"`
}

func (m *Embedding) Forward(ctx ml.Context, ids ml.Tensor) ml.Tensor {
	return m.Weight.Rows(ctx, ids)
}
