package sam

import (
	"math"

	"github.com/getcharzp/go-segment/tensor"
	"github.com/getcharzp/go-segment/weights"
)

// attention 图像编码器的多头自注意力, 可选分解式相对位置偏置
type attention struct {
	qkv, proj *linear
	numHeads  int
	scale     float32

	useRelPos        bool
	relPosH, relPosW *tensor.Tensor // (2*size-1, headDim)
}

// newAttention
//
// # Params:
//
//	inputSize: 相对位置表对应的 token 网格大小, 窗口注意力时为窗口大小
func newAttention(vb weights.Builder, dim, numHeads int, qkvBias, useRelPos bool, inputSize Size) (*attention, error) {
	headDim := dim / numHeads
	qkv, err := newLinear(vb.Sub("qkv"), dim, dim*3, qkvBias)
	if err != nil {
		return nil, err
	}
	proj, err := newLinear(vb.Sub("proj"), dim, dim, true)
	if err != nil {
		return nil, err
	}
	a := &attention{
		qkv:       qkv,
		proj:      proj,
		numHeads:  numHeads,
		scale:     float32(1 / math.Sqrt(float64(headDim))),
		useRelPos: useRelPos,
	}
	if useRelPos {
		if a.relPosH, err = vb.Tensor("rel_pos_h", 2*inputSize.H-1, headDim); err != nil {
			return nil, err
		}
		if a.relPosW, err = vb.Tensor("rel_pos_w", 2*inputSize.W-1, headDim); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// forward (B, H, W, C) -> (B, H, W, C)
func (a *attention) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	b, h, w, c := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	nh := a.numHeads
	hd := c / nh

	qkv, err := a.qkv.forward(x)
	if err != nil {
		return nil, err
	}
	// (B, HW, 3, nh, hd) -> (3, B, nh, HW, hd)
	if qkv, err = qkv.Reshape(b, h*w, 3, nh, hd); err != nil {
		return nil, err
	}
	if qkv, err = qkv.Permute(2, 0, 3, 1, 4); err != nil {
		return nil, err
	}
	if qkv, err = qkv.Reshape(3, b*nh, h*w, hd); err != nil {
		return nil, err
	}
	q, err := qkv.Select(0, 0)
	if err != nil {
		return nil, err
	}
	k, err := qkv.Select(0, 1)
	if err != nil {
		return nil, err
	}
	v, err := qkv.Select(0, 2)
	if err != nil {
		return nil, err
	}

	kt, err := k.Transpose(1, 2)
	if err != nil {
		return nil, err
	}
	attn, err := tensor.MatMul(q.Scale(a.scale), kt)
	if err != nil {
		return nil, err
	}
	if a.useRelPos {
		if attn, err = addDecomposedRelPos(attn, q, a.relPosH, a.relPosW, Size{h, w}, Size{h, w}); err != nil {
			return nil, err
		}
	}
	if attn, err = tensor.Softmax(attn); err != nil {
		return nil, err
	}

	out, err := tensor.MatMul(attn, v)
	if err != nil {
		return nil, err
	}
	// (B*nh, HW, hd) -> (B, H, W, nh*hd)
	if out, err = out.Reshape(b, nh, h, w, hd); err != nil {
		return nil, err
	}
	if out, err = out.Permute(0, 2, 3, 1, 4); err != nil {
		return nil, err
	}
	if out, err = out.Reshape(b, h, w, c); err != nil {
		return nil, err
	}
	return a.proj.forward(out)
}

// getRelPos 按 query/key 的相对距离从位置表中取出 (qSize, kSize, C)
//
// 表长度与 2*max(q,k)-1 不一致时先线性插值
func getRelPos(qSize, kSize int, relPos *tensor.Tensor) (*tensor.Tensor, error) {
	maxRelDist := 2*max(qSize, kSize) - 1
	c := relPos.Dim(1)
	if relPos.Dim(0) != maxRelDist {
		// (L, C) -> (C, 1, L) -> 插值 -> (L', C)
		t, err := relPos.Transpose(0, 1)
		if err != nil {
			return nil, err
		}
		if t, err = t.Reshape(c, 1, relPos.Dim(0)); err != nil {
			return nil, err
		}
		if t, err = tensor.UpsampleBilinear2D(t, 1, maxRelDist); err != nil {
			return nil, err
		}
		if t, err = t.Reshape(c, maxRelDist); err != nil {
			return nil, err
		}
		if relPos, err = t.Transpose(0, 1); err != nil {
			return nil, err
		}
	}

	qScale := max(float64(kSize)/float64(qSize), 1)
	kScale := max(float64(qSize)/float64(kSize), 1)
	rows := make([]*tensor.Tensor, 0, qSize*kSize)
	for i := 0; i < qSize; i++ {
		for j := 0; j < kSize; j++ {
			idx := int(float64(i)*qScale - float64(j)*kScale + float64(kSize-1)*kScale)
			row, err := relPos.Narrow(0, idx, 1)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
	}
	out, err := tensor.Cat(rows, 0)
	if err != nil {
		return nil, err
	}
	return out.Reshape(qSize, kSize, c)
}

// addDecomposedRelPos 在注意力 logits 上加分解式相对位置偏置
//
// # Params:
//
//	attn: (B, qh*qw, kh*kw)
//	q: 未缩放的 query, (B, qh*qw, C)
//	relPosH, relPosW: 高/宽方向的位置表
//	qs, ks: query 与 key 的网格大小
func addDecomposedRelPos(attn, q, relPosH, relPosW *tensor.Tensor, qs, ks Size) (*tensor.Tensor, error) {
	rh, err := getRelPos(qs.H, ks.H, relPosH)
	if err != nil {
		return nil, err
	}
	rw, err := getRelPos(qs.W, ks.W, relPosW)
	if err != nil {
		return nil, err
	}
	b, c := q.Dim(0), q.Dim(2)
	rq, err := q.Reshape(b, qs.H, qs.W, c)
	if err != nil {
		return nil, err
	}

	// relH[b,y,x,ky] = sum_c rq[b,y,x,c] * rh[y,ky,c]
	qy, err := rq.Permute(1, 0, 2, 3)
	if err != nil {
		return nil, err
	}
	if qy, err = qy.Reshape(qs.H, b*qs.W, c); err != nil {
		return nil, err
	}
	rhT, err := rh.Transpose(1, 2)
	if err != nil {
		return nil, err
	}
	relH, err := tensor.MatMul(qy, rhT)
	if err != nil {
		return nil, err
	}
	if relH, err = relH.Reshape(qs.H, b, qs.W, ks.H); err != nil {
		return nil, err
	}
	if relH, err = relH.Permute(1, 0, 2, 3); err != nil {
		return nil, err
	}
	if relH, err = relH.Reshape(b, qs.H, qs.W, ks.H, 1); err != nil {
		return nil, err
	}

	// relW[b,y,x,kx] = sum_c rq[b,y,x,c] * rw[x,kx,c]
	qx, err := rq.Permute(2, 0, 1, 3)
	if err != nil {
		return nil, err
	}
	if qx, err = qx.Reshape(qs.W, b*qs.H, c); err != nil {
		return nil, err
	}
	rwT, err := rw.Transpose(1, 2)
	if err != nil {
		return nil, err
	}
	relW, err := tensor.MatMul(qx, rwT)
	if err != nil {
		return nil, err
	}
	if relW, err = relW.Reshape(qs.W, b, qs.H, ks.W); err != nil {
		return nil, err
	}
	if relW, err = relW.Permute(1, 2, 0, 3); err != nil {
		return nil, err
	}
	if relW, err = relW.Reshape(b, qs.H, qs.W, 1, ks.W); err != nil {
		return nil, err
	}

	a5, err := attn.Reshape(b, qs.H, qs.W, ks.H, ks.W)
	if err != nil {
		return nil, err
	}
	if a5, err = tensor.Add(a5, relH); err != nil {
		return nil, err
	}
	if a5, err = tensor.Add(a5, relW); err != nil {
		return nil, err
	}
	return a5.Reshape(b, qs.H*qs.W, ks.H*ks.W)
}
