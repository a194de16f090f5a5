package sam

import (
	"fmt"

	"github.com/getcharzp/go-segment/tensor"
	"github.com/getcharzp/go-segment/weights"
)

// MaskDecoder 根据图像特征和提示嵌入预测掩码及其 IoU 分数
type MaskDecoder struct {
	transformerDim int
	numMaskTokens  int // 多掩码数量 + 1

	iouToken   *tensor.Tensor // (1, C)
	maskTokens *tensor.Tensor // (numMaskTokens, C)

	transformer *TwoWayTransformer

	upConv1 *convTranspose2d
	upNorm  *layerNorm2d
	upConv2 *convTranspose2d

	hypernetworks []*mlp
	iouHead       *mlp
}

type maskDecoderConfig struct {
	transformerDim      int
	depth               int
	numHeads            int
	mlpDim              int
	numMultimaskOutputs int
	iouHeadDepth        int
	iouHeadHiddenDim    int
}

func newMaskDecoder(vb weights.Builder, cfg maskDecoderConfig) (*MaskDecoder, error) {
	c := cfg.transformerDim
	d := &MaskDecoder{
		transformerDim: c,
		numMaskTokens:  cfg.numMultimaskOutputs + 1,
	}
	var err error
	if d.iouToken, err = vb.Sub("iou_token").Tensor("weight", 1, c); err != nil {
		return nil, err
	}
	if d.maskTokens, err = vb.Sub("mask_tokens").Tensor("weight", d.numMaskTokens, c); err != nil {
		return nil, err
	}
	if d.transformer, err = newTwoWayTransformer(vb.Sub("transformer"), cfg.depth, c, cfg.numHeads, cfg.mlpDim); err != nil {
		return nil, err
	}

	up := vb.Sub("output_upscaling")
	if d.upConv1, err = newConvTranspose2d(up.Sub(0), c, c/4, 2, 2); err != nil {
		return nil, err
	}
	if d.upNorm, err = newLayerNorm2d(up.Sub(1), c/4); err != nil {
		return nil, err
	}
	if d.upConv2, err = newConvTranspose2d(up.Sub(3), c/4, c/8, 2, 2); err != nil {
		return nil, err
	}

	for i := range d.numMaskTokens {
		h, err := newMLP(vb.Sub("output_hypernetworks_mlps", i), c, c, c/8, 3)
		if err != nil {
			return nil, err
		}
		d.hypernetworks = append(d.hypernetworks, h)
	}
	if d.iouHead, err = newMLP(vb.Sub("iou_prediction_head"), c, cfg.iouHeadHiddenDim, d.numMaskTokens, cfg.iouHeadDepth); err != nil {
		return nil, err
	}
	return d, nil
}

// TransformerDim 解码器宽度, 图像特征通道数必须与之一致
func (d *MaskDecoder) TransformerDim() int { return d.transformerDim }

// Forward 预测掩码
//
// # Params:
//
//	imageEmb: 单张图的特征 (1, C, H, W), 也接受已经按批展开的 (B, C, H, W)
//	imagePE: (1, C, H, W)
//	sparse: (B, K, C)
//	dense: (B, C, H, W)
//	multimask: true 输出 NumMultimaskOutputs 个候选, false 只输出 1 个
//
// 返回低分辨率 logits (B, M, 4H, 4W) 和 IoU 预测 (B, M)
func (d *MaskDecoder) Forward(imageEmb, imagePE, sparse, dense *tensor.Tensor, multimask bool) (*tensor.Tensor, *tensor.Tensor, error) {
	masks, iou, err := d.predictMasks(imageEmb, imagePE, sparse, dense)
	if err != nil {
		return nil, nil, err
	}

	start, n := 0, 1
	if multimask {
		start, n = 1, d.numMaskTokens-1
	}
	if masks, err = masks.Narrow(1, start, n); err != nil {
		return nil, nil, err
	}
	if iou, err = iou.Narrow(1, start, n); err != nil {
		return nil, nil, err
	}
	return masks, iou, nil
}

// checkInputs 校验输入形状, 返回批大小
func (d *MaskDecoder) checkInputs(imageEmb, imagePE, sparse, dense *tensor.Tensor) (int, error) {
	const op = "MaskDecoder"
	if imageEmb.Dims() != 4 {
		return 0, &tensor.ShapeError{Op: op, Dim: "image_embeddings", Msg: fmt.Sprintf("期望 (1, C, H, W), 得到 %v", imageEmb.Shape())}
	}
	if imageEmb.Dim(1) != d.transformerDim {
		return 0, &tensor.ShapeError{Op: op, Dim: "channels", Got: imageEmb.Dim(1), Want: d.transformerDim}
	}
	if sparse.Dims() != 3 || sparse.Dim(2) != d.transformerDim {
		return 0, &tensor.ShapeError{Op: op, Dim: "sparse_prompt_embeddings", Msg: fmt.Sprintf("期望 (B, K, %d), 得到 %v", d.transformerDim, sparse.Shape())}
	}
	bs := sparse.Dim(0)
	if dense.Dims() != 4 || dense.Dim(0) != bs || dense.Dim(1) != d.transformerDim ||
		dense.Dim(2) != imageEmb.Dim(2) || dense.Dim(3) != imageEmb.Dim(3) {
		return 0, &tensor.ShapeError{Op: op, Dim: "dense_prompt_embeddings", Msg: fmt.Sprintf("期望 (%d, %d, %d, %d), 得到 %v",
			bs, d.transformerDim, imageEmb.Dim(2), imageEmb.Dim(3), dense.Shape())}
	}
	if n := imageEmb.Dim(0); n != 1 && n != bs {
		return 0, &tensor.ShapeError{Op: op, Dim: "image_embeddings.batch", Got: n, Want: bs}
	}
	if imagePE.Dims() != 4 || imagePE.Dim(0) != 1 || imagePE.Dim(1) != d.transformerDim ||
		imagePE.Dim(2) != imageEmb.Dim(2) || imagePE.Dim(3) != imageEmb.Dim(3) {
		return 0, &tensor.ShapeError{Op: op, Dim: "image_pe", Msg: fmt.Sprintf("期望 (1, %d, %d, %d), 得到 %v",
			d.transformerDim, imageEmb.Dim(2), imageEmb.Dim(3), imagePE.Shape())}
	}
	return bs, nil
}

// predictMasks 输出全部 numMaskTokens 个掩码 (B, T, 4H, 4W) 与分数 (B, T)
func (d *MaskDecoder) predictMasks(imageEmb, imagePE, sparse, dense *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	bs, err := d.checkInputs(imageEmb, imagePE, sparse, dense)
	if err != nil {
		return nil, nil, err
	}
	c, h, w := d.transformerDim, imageEmb.Dim(2), imageEmb.Dim(3)

	// [iou_token; mask_tokens] ++ sparse
	outputTokens, err := tensor.Cat([]*tensor.Tensor{d.iouToken, d.maskTokens}, 0)
	if err != nil {
		return nil, nil, err
	}
	if outputTokens, err = outputTokens.Unsqueeze(0); err != nil {
		return nil, nil, err
	}
	if outputTokens, err = outputTokens.Expand(bs, 1+d.numMaskTokens, c); err != nil {
		return nil, nil, err
	}
	tokens, err := tensor.Cat([]*tensor.Tensor{outputTokens, sparse}, 1)
	if err != nil {
		return nil, nil, err
	}

	src, err := imageEmb.Expand(bs, c, h, w)
	if err != nil {
		return nil, nil, err
	}
	if src, err = tensor.Add(src, dense); err != nil {
		return nil, nil, err
	}
	posSrc, err := imagePE.Expand(bs, c, h, w)
	if err != nil {
		return nil, nil, err
	}

	hs, src, err := d.transformer.Forward(src, posSrc, tokens)
	if err != nil {
		return nil, nil, err
	}
	iouTokenOut, err := hs.Select(1, 0)
	if err != nil {
		return nil, nil, err
	}
	maskTokensOut, err := hs.Narrow(1, 1, d.numMaskTokens)
	if err != nil {
		return nil, nil, err
	}

	// (B, HW, C) -> (B, C, H, W) -> 上采样 4 倍
	if src, err = src.Permute(0, 2, 1); err != nil {
		return nil, nil, err
	}
	if src, err = src.Reshape(bs, c, h, w); err != nil {
		return nil, nil, err
	}
	upscaled, err := d.upscale(src)
	if err != nil {
		return nil, nil, err
	}
	uc, uh, uw := upscaled.Dim(1), upscaled.Dim(2), upscaled.Dim(3)

	hyper := make([]*tensor.Tensor, d.numMaskTokens)
	for i, net := range d.hypernetworks {
		tok, err := maskTokensOut.Select(1, i)
		if err != nil {
			return nil, nil, err
		}
		if hyper[i], err = net.forward(tok); err != nil {
			return nil, nil, err
		}
	}
	hyperIn, err := tensor.Stack(hyper, 1) // (B, T, C/8)
	if err != nil {
		return nil, nil, err
	}
	flat, err := upscaled.Reshape(bs, uc, uh*uw)
	if err != nil {
		return nil, nil, err
	}
	masks, err := tensor.MatMul(hyperIn, flat)
	if err != nil {
		return nil, nil, err
	}
	if masks, err = masks.Reshape(bs, d.numMaskTokens, uh, uw); err != nil {
		return nil, nil, err
	}

	iou, err := d.iouHead.forward(iouTokenOut)
	if err != nil {
		return nil, nil, err
	}
	return masks, iou, nil
}

// upscale ConvT -> LN2d -> GELU -> ConvT -> GELU
func (d *MaskDecoder) upscale(x *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := d.upConv1.forward(x)
	if err != nil {
		return nil, err
	}
	if x, err = d.upNorm.forward(x); err != nil {
		return nil, err
	}
	x = x.GELU()
	if x, err = d.upConv2.forward(x); err != nil {
		return nil, err
	}
	return x.GELU(), nil
}
