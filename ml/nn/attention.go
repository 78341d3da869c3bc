package nn

import (
	"fmt"

	"github.com/jmorganca/dam/ml"
)

// Attention implements scaled dot-product attention:
// Attention(Q, K, V) = softmax(QKᵀ·scale + mask)V
//
// Parameters:
//   - query: [batch, heads, seq_len_q, d_k]
//   - key:   [batch, heads, seq_len_k, d_k]
//   - value: [batch, heads, seq_len_k, d_v]
//   - mask:  additive scores broadcastable to [batch, heads, seq_len_q, seq_len_k], may be nil
//   - scale: typically 1/√d_k
//
// Returns:
//
//	Attention output with shape [batch, heads, seq_len_q, d_v]
func Attention(ctx ml.Context, query, key, value, mask ml.Tensor, scale float64) ml.Tensor {
	if query.Dim(-1) != key.Dim(-1) {
		panic(fmt.Errorf("d_k in attention operation does not match between query(%v) and key(%v)", query.Dim(-1), key.Dim(-1)))
	}

	if key.Dim(-2) != value.Dim(-2) {
		panic(fmt.Errorf("seq_len_k in attention operation does not match between key(%v) and value(%v)", key.Dim(-2), value.Dim(-2)))
	}

	kq := query.Mulmat(ctx, key.Permute(ctx, 0, 1, 3, 2))
	kq = kq.Scale(ctx, scale)
	if mask != nil {
		kq = kq.Add(ctx, mask)
	}
	kq = kq.Softmax(ctx)

	return kq.Mulmat(ctx, value)
}
