package sam

import (
	"fmt"
	"math"

	"github.com/getcharzp/go-segment/tensor"
	"github.com/getcharzp/go-segment/weights"
)

// Points 提示点, 坐标与标签总是成对出现
type Points struct {
	Coords *tensor.Tensor // (B, N, 2), 已变换到模型输入坐标系的 (x, y)
	Labels *tensor.Tensor // (B, N), 取值见 Label
}

// Prompts 一组可选提示
//
// Points/Boxes/MaskInput 均为 nil 时只输出 "无提示" 的稠密嵌入
type Prompts struct {
	Points    *Points
	Boxes     *tensor.Tensor // (B, 4), x0 y0 x1 y1
	MaskInput *tensor.Tensor // (B, 1, 4E, 4E), 上一轮的低分辨率 logits
}

// positionEmbeddingRandom 随机傅里叶特征的位置编码
type positionEmbeddingRandom struct {
	gaussian *tensor.Tensor // (2, D/2)
}

// encode 输入 [0,1] 归一化坐标 (..., 2), 输出 (..., D)
func (p *positionEmbeddingRandom) encode(coords *tensor.Tensor) (*tensor.Tensor, error) {
	c := coords.Map(func(v float32) float32 { return 2*v - 1 })
	c, err := tensor.MatMul(c, p.gaussian)
	if err != nil {
		return nil, err
	}
	c = c.Scale(2 * math.Pi)
	return tensor.Cat([]*tensor.Tensor{c.Sin(), c.Cos()}, -1)
}

// grid (D, h, w) 的稠密位置编码
func (p *positionEmbeddingRandom) grid(size Size) (*tensor.Tensor, error) {
	data := make([]float32, size.H*size.W*2)
	for y := 0; y < size.H; y++ {
		for x := 0; x < size.W; x++ {
			i := (y*size.W + x) * 2
			data[i] = (float32(x) + 0.5) / float32(size.W)
			data[i+1] = (float32(y) + 0.5) / float32(size.H)
		}
	}
	coords, err := tensor.New(data, size.H, size.W, 2)
	if err != nil {
		return nil, err
	}
	pe, err := p.encode(coords)
	if err != nil {
		return nil, err
	}
	return pe.Permute(2, 0, 1)
}

// withCoords 输入图片坐标系下的点 (B, N, 2)
func (p *positionEmbeddingRandom) withCoords(coords *tensor.Tensor, imageSize Size) (*tensor.Tensor, error) {
	norm := tensor.MustNew([]float32{1 / float32(imageSize.W), 1 / float32(imageSize.H)}, 2)
	c, err := tensor.Mul(coords, norm)
	if err != nil {
		return nil, err
	}
	return p.encode(c)
}

// PromptEncoder 把点、框、掩码提示编码到与图像特征相同的空间
type PromptEncoder struct {
	embedDim       int
	embeddingSize  Size // 图像特征图大小
	inputImageSize Size // 模型输入大小

	pe              *positionEmbeddingRandom
	pointEmbeddings [4]*tensor.Tensor // 背景, 前景, 框左上, 框右下, 各 (1, D)
	notAPointEmbed  *tensor.Tensor
	noMaskEmbed     *tensor.Tensor

	maskConv1, maskConv2, maskConv3 *conv2d
	maskNorm1, maskNorm2            *layerNorm2d

	densePE *tensor.Tensor // (1, D, E, E), 构造时计算
}

func newPromptEncoder(vb weights.Builder, embedDim int, embeddingSize, inputImageSize Size, maskInChans int) (*PromptEncoder, error) {
	p := &PromptEncoder{
		embedDim:       embedDim,
		embeddingSize:  embeddingSize,
		inputImageSize: inputImageSize,
	}
	gaussian, err := vb.Tensor("pe_layer.positional_encoding_gaussian_matrix", 2, embedDim/2)
	if err != nil {
		return nil, err
	}
	p.pe = &positionEmbeddingRandom{gaussian: gaussian}
	for i := range p.pointEmbeddings {
		if p.pointEmbeddings[i], err = vb.Sub("point_embeddings", i).Tensor("weight", 1, embedDim); err != nil {
			return nil, err
		}
	}
	if p.notAPointEmbed, err = vb.Sub("not_a_point_embed").Tensor("weight", 1, embedDim); err != nil {
		return nil, err
	}
	if p.noMaskEmbed, err = vb.Sub("no_mask_embed").Tensor("weight", 1, embedDim); err != nil {
		return nil, err
	}

	md := vb.Sub("mask_downscaling")
	if p.maskConv1, err = newConv2d(md.Sub(0), 1, maskInChans/4, 2, true, tensor.ConvConfig{Stride: 2}); err != nil {
		return nil, err
	}
	if p.maskNorm1, err = newLayerNorm2d(md.Sub(1), maskInChans/4); err != nil {
		return nil, err
	}
	if p.maskConv2, err = newConv2d(md.Sub(3), maskInChans/4, maskInChans, 2, true, tensor.ConvConfig{Stride: 2}); err != nil {
		return nil, err
	}
	if p.maskNorm2, err = newLayerNorm2d(md.Sub(4), maskInChans); err != nil {
		return nil, err
	}
	if p.maskConv3, err = newConv2d(md.Sub(6), maskInChans, embedDim, 1, true, tensor.ConvConfig{}); err != nil {
		return nil, err
	}

	grid, err := p.pe.grid(embeddingSize)
	if err != nil {
		return nil, err
	}
	if p.densePE, err = grid.Unsqueeze(0); err != nil {
		return nil, err
	}
	return p, nil
}

// DensePE 与图像特征对齐的位置编码 (1, D, E, E), 与具体提示无关
func (p *PromptEncoder) DensePE() *tensor.Tensor { return p.densePE }

// EmbeddingSize 图像特征图大小
func (p *PromptEncoder) EmbeddingSize() Size { return p.embeddingSize }

// MaskInputSize 掩码提示要求的输入大小 (4E, 4E)
func (p *PromptEncoder) MaskInputSize() Size {
	return Size{4 * p.embeddingSize.H, 4 * p.embeddingSize.W}
}

// Forward 编码提示
//
// 返回稀疏嵌入 (B, K, D) 和稠密嵌入 (B, D, E, E):
//   - 点: 每个点一个 token, 没有框时额外补一个占位点
//   - 框: 两个角点 token, 追加在点之后
//   - 掩码: 卷积下采样为稠密嵌入, 否则使用 no_mask 嵌入
//   - 点和框都没有时 K = 0
func (p *PromptEncoder) Forward(prompts Prompts) (sparse, dense *tensor.Tensor, err error) {
	bs, err := p.batchSize(prompts)
	if err != nil {
		return nil, nil, err
	}

	tokens := []*tensor.Tensor{tensor.Zeros(bs, 0, p.embedDim)}
	if prompts.Points != nil {
		pts, err := p.embedPoints(prompts.Points, prompts.Boxes == nil)
		if err != nil {
			return nil, nil, err
		}
		tokens = append(tokens, pts)
	}
	if prompts.Boxes != nil {
		boxes, err := p.embedBoxes(prompts.Boxes)
		if err != nil {
			return nil, nil, err
		}
		tokens = append(tokens, boxes)
	}
	if sparse, err = tensor.Cat(tokens, 1); err != nil {
		return nil, nil, err
	}

	if prompts.MaskInput != nil {
		dense, err = p.embedMask(prompts.MaskInput)
	} else {
		dense, err = p.noMaskDense(bs)
	}
	if err != nil {
		return nil, nil, err
	}
	return sparse, dense, nil
}

// batchSize 提示的批大小, 各提示的批大小必须一致
func (p *PromptEncoder) batchSize(prompts Prompts) (int, error) {
	bs := -1
	check := func(name string, n int) error {
		if bs >= 0 && n != bs {
			return &tensor.ShapeError{Op: "PromptEncoder", Dim: name + ".batch", Got: n, Want: bs}
		}
		bs = n
		return nil
	}
	if pts := prompts.Points; pts != nil {
		if pts.Coords == nil || pts.Labels == nil {
			return 0, ErrMissingPrompt
		}
		if pts.Coords.Dims() != 3 || pts.Coords.Dim(2) != 2 {
			return 0, &tensor.ShapeError{Op: "PromptEncoder", Dim: "point_coords", Msg: fmt.Sprintf("期望 (B, N, 2), 得到 %v", pts.Coords.Shape())}
		}
		if pts.Labels.Dims() != 2 || pts.Labels.Dim(0) != pts.Coords.Dim(0) || pts.Labels.Dim(1) != pts.Coords.Dim(1) {
			return 0, &tensor.ShapeError{Op: "PromptEncoder", Dim: "point_labels", Msg: fmt.Sprintf("期望 (%d, %d), 得到 %v", pts.Coords.Dim(0), pts.Coords.Dim(1), pts.Labels.Shape())}
		}
		if err := check("points", pts.Coords.Dim(0)); err != nil {
			return 0, err
		}
	}
	if boxes := prompts.Boxes; boxes != nil {
		if boxes.Dims() != 2 || boxes.Dim(1) != 4 {
			return 0, &tensor.ShapeError{Op: "PromptEncoder", Dim: "boxes", Msg: fmt.Sprintf("期望 (B, 4), 得到 %v", boxes.Shape())}
		}
		if err := check("boxes", boxes.Dim(0)); err != nil {
			return 0, err
		}
	}
	if mask := prompts.MaskInput; mask != nil {
		want := p.MaskInputSize()
		if mask.Dims() != 4 || mask.Dim(1) != 1 || mask.Dim(2) != want.H || mask.Dim(3) != want.W {
			return 0, &tensor.ShapeError{Op: "PromptEncoder", Dim: "mask_inputs", Msg: fmt.Sprintf("期望 (B, 1, %d, %d), 得到 %v", want.H, want.W, mask.Shape())}
		}
		if err := check("mask_inputs", mask.Dim(0)); err != nil {
			return 0, err
		}
	}
	if bs < 0 {
		bs = 1
	}
	return bs, nil
}

// embedPoints 点提示, pad 为 true 时在末尾补一个标签为 -1 的占位点
func (p *PromptEncoder) embedPoints(pts *Points, pad bool) (*tensor.Tensor, error) {
	coords := pts.Coords.AddScalar(0.5)
	labels := pts.Labels
	if pad {
		bs := coords.Dim(0)
		var err error
		if coords, err = tensor.Cat([]*tensor.Tensor{coords, tensor.Zeros(bs, 1, 2)}, 1); err != nil {
			return nil, err
		}
		if labels, err = tensor.Cat([]*tensor.Tensor{labels, tensor.Full(float32(LabelPadding), bs, 1)}, 1); err != nil {
			return nil, err
		}
	}
	pe, err := p.pe.withCoords(coords, p.inputImageSize)
	if err != nil {
		return nil, err
	}

	d := p.embedDim
	out := pe.Clone()
	data := out.Data()
	for i, lv := range labels.Data() {
		row := data[i*d : (i+1)*d]
		var add []float32
		switch label := Label(math.Round(float64(lv))); label {
		case LabelPadding:
			clear(row)
			add = p.notAPointEmbed.Data()
		case LabelBackground, LabelForeground, LabelBoxTopLeft, LabelBoxBotRight:
			add = p.pointEmbeddings[label].Data()
		default:
			return nil, fmt.Errorf("未知的提示点标签 %v", lv)
		}
		for j := range row {
			row[j] += add[j]
		}
	}
	return out, nil
}

// embedBoxes 框提示, 每个框编码为左上/右下两个 token
func (p *PromptEncoder) embedBoxes(boxes *tensor.Tensor) (*tensor.Tensor, error) {
	coords, err := boxes.AddScalar(0.5).Reshape(-1, 2, 2)
	if err != nil {
		return nil, err
	}
	pe, err := p.pe.withCoords(coords, p.inputImageSize)
	if err != nil {
		return nil, err
	}
	corners, err := tensor.Cat([]*tensor.Tensor{p.pointEmbeddings[LabelBoxTopLeft], p.pointEmbeddings[LabelBoxBotRight]}, 0)
	if err != nil {
		return nil, err
	}
	return tensor.Add(pe, corners)
}

// embedMask 掩码提示 (B, 1, 4E, 4E) -> (B, D, E, E)
func (p *PromptEncoder) embedMask(mask *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := p.maskConv1.forward(mask)
	if err != nil {
		return nil, err
	}
	if x, err = p.maskNorm1.forward(x); err != nil {
		return nil, err
	}
	x = x.GELU()
	if x, err = p.maskConv2.forward(x); err != nil {
		return nil, err
	}
	if x, err = p.maskNorm2.forward(x); err != nil {
		return nil, err
	}
	x = x.GELU()
	return p.maskConv3.forward(x)
}

func (p *PromptEncoder) noMaskDense(bs int) (*tensor.Tensor, error) {
	x, err := p.noMaskEmbed.Reshape(1, p.embedDim, 1, 1)
	if err != nil {
		return nil, err
	}
	return x.Expand(bs, p.embedDim, p.embeddingSize.H, p.embeddingSize.W)
}
