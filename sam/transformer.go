package sam

import (
	"math"

	"github.com/getcharzp/go-segment/tensor"
	"github.com/getcharzp/go-segment/weights"
)

// decoderAttention 掩码解码器的多头注意力, 可把内部维度缩小 downsampleRate 倍
type decoderAttention struct {
	qProj, kProj, vProj, outProj *linear
	numHeads                     int
}

func newDecoderAttention(vb weights.Builder, dim, numHeads, downsampleRate int) (*decoderAttention, error) {
	internal := dim / downsampleRate
	a := &decoderAttention{numHeads: numHeads}
	var err error
	if a.qProj, err = newLinear(vb.Sub("q_proj"), dim, internal, true); err != nil {
		return nil, err
	}
	if a.kProj, err = newLinear(vb.Sub("k_proj"), dim, internal, true); err != nil {
		return nil, err
	}
	if a.vProj, err = newLinear(vb.Sub("v_proj"), dim, internal, true); err != nil {
		return nil, err
	}
	if a.outProj, err = newLinear(vb.Sub("out_proj"), internal, dim, true); err != nil {
		return nil, err
	}
	return a, nil
}

// separateHeads (B, N, C) -> (B, heads, N, C/heads)
func (a *decoderAttention) separateHeads(x *tensor.Tensor) (*tensor.Tensor, error) {
	b, n, c := x.Dim(0), x.Dim(1), x.Dim(2)
	x, err := x.Reshape(b, n, a.numHeads, c/a.numHeads)
	if err != nil {
		return nil, err
	}
	return x.Permute(0, 2, 1, 3)
}

// forward q (B, Nq, D), k/v (B, Nk, D) -> (B, Nq, D)
func (a *decoderAttention) forward(q, k, v *tensor.Tensor) (*tensor.Tensor, error) {
	q, err := a.qProj.forward(q)
	if err != nil {
		return nil, err
	}
	if k, err = a.kProj.forward(k); err != nil {
		return nil, err
	}
	if v, err = a.vProj.forward(v); err != nil {
		return nil, err
	}
	b, nq, c := q.Dim(0), q.Dim(1), q.Dim(2)

	if q, err = a.separateHeads(q); err != nil {
		return nil, err
	}
	if k, err = a.separateHeads(k); err != nil {
		return nil, err
	}
	if v, err = a.separateHeads(v); err != nil {
		return nil, err
	}

	kt, err := k.Transpose(2, 3)
	if err != nil {
		return nil, err
	}
	attn, err := tensor.MatMul(q, kt)
	if err != nil {
		return nil, err
	}
	attn = attn.Scale(float32(1 / math.Sqrt(float64(c/a.numHeads))))
	if attn, err = tensor.Softmax(attn); err != nil {
		return nil, err
	}
	out, err := tensor.MatMul(attn, v)
	if err != nil {
		return nil, err
	}
	// (B, heads, Nq, c) -> (B, Nq, C)
	if out, err = out.Permute(0, 2, 1, 3); err != nil {
		return nil, err
	}
	if out, err = out.Reshape(b, nq, c); err != nil {
		return nil, err
	}
	return a.outProj.forward(out)
}

// twoWayAttentionBlock 稀疏 token 与稠密图像特征的双向注意力
//
// 1. token 自注意力 2. token -> 图像交叉注意力 3. token MLP 4. 图像 -> token 交叉注意力
type twoWayAttentionBlock struct {
	selfAttn                   *decoderAttention
	crossTokenToImage          *decoderAttention
	crossImageToToken          *decoderAttention
	mlp                        *mlpBlock
	norm1, norm2, norm3, norm4 *layerNorm
	skipFirstLayerPE           bool
}

func newTwoWayAttentionBlock(vb weights.Builder, dim, numHeads, mlpDim, downsampleRate int, skipFirstLayerPE bool) (*twoWayAttentionBlock, error) {
	blk := &twoWayAttentionBlock{skipFirstLayerPE: skipFirstLayerPE}
	var err error
	if blk.selfAttn, err = newDecoderAttention(vb.Sub("self_attn"), dim, numHeads, 1); err != nil {
		return nil, err
	}
	if blk.norm1, err = newLayerNorm(vb.Sub("norm1"), dim, 1e-5); err != nil {
		return nil, err
	}
	if blk.crossTokenToImage, err = newDecoderAttention(vb.Sub("cross_attn_token_to_image"), dim, numHeads, downsampleRate); err != nil {
		return nil, err
	}
	if blk.norm2, err = newLayerNorm(vb.Sub("norm2"), dim, 1e-5); err != nil {
		return nil, err
	}
	if blk.mlp, err = newMLPBlock(vb.Sub("mlp"), dim, mlpDim, relu); err != nil {
		return nil, err
	}
	if blk.norm3, err = newLayerNorm(vb.Sub("norm3"), dim, 1e-5); err != nil {
		return nil, err
	}
	if blk.norm4, err = newLayerNorm(vb.Sub("norm4"), dim, 1e-5); err != nil {
		return nil, err
	}
	if blk.crossImageToToken, err = newDecoderAttention(vb.Sub("cross_attn_image_to_token"), dim, numHeads, downsampleRate); err != nil {
		return nil, err
	}
	return blk, nil
}

// residual x + f(x), 然后归一化
func residual(x, delta *tensor.Tensor, norm *layerNorm) (*tensor.Tensor, error) {
	y, err := tensor.Add(x, delta)
	if err != nil {
		return nil, err
	}
	return norm.forward(y)
}

func (blk *twoWayAttentionBlock) forward(queries, keys, queryPE, keyPE *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	var (
		attnOut *tensor.Tensor
		err     error
	)
	// token 自注意力, 第一层不加位置编码
	if blk.skipFirstLayerPE {
		if queries, err = blk.selfAttn.forward(queries, queries, queries); err != nil {
			return nil, nil, err
		}
	} else {
		q, err := tensor.Add(queries, queryPE)
		if err != nil {
			return nil, nil, err
		}
		if attnOut, err = blk.selfAttn.forward(q, q, queries); err != nil {
			return nil, nil, err
		}
		if queries, err = tensor.Add(queries, attnOut); err != nil {
			return nil, nil, err
		}
	}
	if queries, err = blk.norm1.forward(queries); err != nil {
		return nil, nil, err
	}

	// token -> 图像
	q, err := tensor.Add(queries, queryPE)
	if err != nil {
		return nil, nil, err
	}
	k, err := tensor.Add(keys, keyPE)
	if err != nil {
		return nil, nil, err
	}
	if attnOut, err = blk.crossTokenToImage.forward(q, k, keys); err != nil {
		return nil, nil, err
	}
	if queries, err = residual(queries, attnOut, blk.norm2); err != nil {
		return nil, nil, err
	}

	// MLP
	mlpOut, err := blk.mlp.forward(queries)
	if err != nil {
		return nil, nil, err
	}
	if queries, err = residual(queries, mlpOut, blk.norm3); err != nil {
		return nil, nil, err
	}

	// 图像 -> token
	if q, err = tensor.Add(queries, queryPE); err != nil {
		return nil, nil, err
	}
	if attnOut, err = blk.crossImageToToken.forward(k, q, queries); err != nil {
		return nil, nil, err
	}
	if keys, err = residual(keys, attnOut, blk.norm4); err != nil {
		return nil, nil, err
	}
	return queries, keys, nil
}

// TwoWayTransformer 以提示 token 为 query、图像特征为 key 的双向 Transformer
type TwoWayTransformer struct {
	layers    []*twoWayAttentionBlock
	finalAttn *decoderAttention
	normFinal *layerNorm
}

func newTwoWayTransformer(vb weights.Builder, depth, dim, numHeads, mlpDim int) (*TwoWayTransformer, error) {
	const downsampleRate = 2
	t := &TwoWayTransformer{}
	for i := range depth {
		layer, err := newTwoWayAttentionBlock(vb.Sub("layers", i), dim, numHeads, mlpDim, downsampleRate, i == 0)
		if err != nil {
			return nil, err
		}
		t.layers = append(t.layers, layer)
	}
	var err error
	if t.finalAttn, err = newDecoderAttention(vb.Sub("final_attn_token_to_image"), dim, numHeads, downsampleRate); err != nil {
		return nil, err
	}
	if t.normFinal, err = newLayerNorm(vb.Sub("norm_final_attn"), dim, 1e-5); err != nil {
		return nil, err
	}
	return t, nil
}

// Forward
//
// # Params:
//
//	imageEmbedding: (B, C, H, W)
//	imagePE: (B, C, H, W)
//	pointEmbedding: (B, N, C)
//
// 返回更新后的 token (B, N, C) 和图像特征 (B, HW, C)
func (t *TwoWayTransformer) Forward(imageEmbedding, imagePE, pointEmbedding *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	keys, err := flattenSpatial(imageEmbedding)
	if err != nil {
		return nil, nil, err
	}
	keyPE, err := flattenSpatial(imagePE)
	if err != nil {
		return nil, nil, err
	}
	queries := pointEmbedding
	for _, layer := range t.layers {
		if queries, keys, err = layer.forward(queries, keys, pointEmbedding, keyPE); err != nil {
			return nil, nil, err
		}
	}

	q, err := tensor.Add(queries, pointEmbedding)
	if err != nil {
		return nil, nil, err
	}
	k, err := tensor.Add(keys, keyPE)
	if err != nil {
		return nil, nil, err
	}
	attnOut, err := t.finalAttn.forward(q, k, keys)
	if err != nil {
		return nil, nil, err
	}
	if queries, err = residual(queries, attnOut, t.normFinal); err != nil {
		return nil, nil, err
	}
	return queries, keys, nil
}

// flattenSpatial (B, C, H, W) -> (B, HW, C)
func flattenSpatial(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dims() != 4 {
		return nil, &tensor.ShapeError{Op: "TwoWayTransformer", Dim: "dims", Got: x.Dims(), Want: 4}
	}
	y, err := x.Reshape(x.Dim(0), x.Dim(1), x.Dim(2)*x.Dim(3))
	if err != nil {
		return nil, err
	}
	return y.Permute(0, 2, 1)
}
