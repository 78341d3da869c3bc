package nn

import "github.com/jmorganca/dam/ml"

// Linear is an affine map with a weight stored as [out, in].
type Linear struct {
	Weight ml.Tensor `dam:"weight"`
	Bias   ml.Tensor `dam:"bias"`
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = t.Mulmat(ctx, m.Weight.Permute(ctx, 1, 0))
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}
