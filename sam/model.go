package sam

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/getcharzp/go-segment/tensor"
	"github.com/getcharzp/go-segment/weights"
)

// Input 单张图片及其提示
type Input struct {
	Image        *tensor.Tensor // (3, H, W), 已按 ResizeLongestSide 缩放, 0-255
	OriginalSize Size           // 缩放前的原图大小
	Prompts
}

// Validate 在计算前检查输入
func (in Input) Validate() error {
	if in.Image == nil {
		return fmt.Errorf("图片不能为空")
	}
	if in.Image.Dims() != 3 {
		return &tensor.ShapeError{Op: "Input", Dim: "image", Msg: fmt.Sprintf("期望 (3, H, W), 得到 %v", in.Image.Shape())}
	}
	if in.OriginalSize.H <= 0 || in.OriginalSize.W <= 0 {
		return fmt.Errorf("原图尺寸 %s 非法", in.OriginalSize)
	}
	if in.Points != nil && (in.Points.Coords == nil || in.Points.Labels == nil) {
		return ErrMissingPrompt
	}
	return nil
}

// InputSize 缩放后 (补齐前) 的图片大小
func (in Input) InputSize() Size {
	return Size{in.Image.Dim(1), in.Image.Dim(2)}
}

// Output 单张图片的预测结果
type Output struct {
	Masks          *tensor.Tensor // (B, M, H0, W0), 取值 0/1
	IoUPredictions *tensor.Tensor // (B, M)
	LowResLogits   *tensor.Tensor // (B, M, 4E, 4E)
}

// Model 图像编码器 + 提示编码器 + 掩码解码器
//
// 构造完成后只读, 可在多个 goroutine 间共享
type Model struct {
	cfg           ModelConfig
	imageEncoder  ImageEncoder
	promptEncoder *PromptEncoder
	maskDecoder   *MaskDecoder

	pixelMean, pixelStd *tensor.Tensor // (3, 1, 1)
}

// NewModel 从权重源构造完整模型
//
// 权重名称与官方 checkpoint 一致, 如 image_encoder.blocks.0.attn.qkv.weight
func NewModel(cfg ModelConfig, src weights.Source) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("模型参数校验失败: %w", err)
	}
	enc, err := newImageEncoderViT(weights.NewBuilder(src).Sub("image_encoder"), cfg)
	if err != nil {
		return nil, fmt.Errorf("构造图像编码器失败: %w", err)
	}
	return NewModelWithEncoder(cfg, src, enc)
}

// NewModelWithEncoder 使用外部图像编码器构造模型, 只从 src 加载提示编码器和掩码解码器
func NewModelWithEncoder(cfg ModelConfig, src weights.Source, enc ImageEncoder) (*Model, error) {
	start := time.Now()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("模型参数校验失败: %w", err)
	}
	vb := weights.NewBuilder(src)

	grid := Size{cfg.EmbeddingSize(), cfg.EmbeddingSize()}
	pe, err := newPromptEncoder(vb.Sub("prompt_encoder"), cfg.PromptEmbedDim, grid, Size{cfg.ImgSize, cfg.ImgSize}, cfg.MaskInChans)
	if err != nil {
		return nil, fmt.Errorf("构造提示编码器失败: %w", err)
	}
	md, err := newMaskDecoder(vb.Sub("mask_decoder"), maskDecoderConfig{
		transformerDim:      cfg.PromptEmbedDim,
		depth:               cfg.DecoderDepth,
		numHeads:            cfg.DecoderNumHeads,
		mlpDim:              cfg.DecoderMLPDim,
		numMultimaskOutputs: cfg.NumMultimaskOutputs,
		iouHeadDepth:        cfg.IoUHeadDepth,
		iouHeadHiddenDim:    cfg.IoUHeadHiddenDim,
	})
	if err != nil {
		return nil, fmt.Errorf("构造掩码解码器失败: %w", err)
	}

	m := &Model{
		cfg:           cfg,
		imageEncoder:  enc,
		promptEncoder: pe,
		maskDecoder:   md,
		pixelMean:     tensor.MustNew(cfg.PixelMean[:], 3, 1, 1),
		pixelStd:      tensor.MustNew(cfg.PixelStd[:], 3, 1, 1),
	}
	if err := m.checkComponents(); err != nil {
		return nil, err
	}
	slog.Debug("sam model ready",
		"img_size", cfg.ImgSize,
		"embed_dim", cfg.PromptEmbedDim,
		"encoder", fmt.Sprintf("%T", enc),
		"elapsed", time.Since(start))
	return m, nil
}

// checkComponents 各组件之间的通道数与特征图大小必须一致
func (m *Model) checkComponents() error {
	const op = "Model"
	enc := m.imageEncoder
	if enc.ImgSize() != m.cfg.ImgSize {
		return &tensor.ShapeError{Op: op, Dim: "img_size", Got: enc.ImgSize(), Want: m.cfg.ImgSize}
	}
	if enc.OutChans() != m.cfg.PromptEmbedDim {
		return &tensor.ShapeError{Op: op, Dim: "encoder.out_chans", Got: enc.OutChans(), Want: m.cfg.PromptEmbedDim}
	}
	if d := m.maskDecoder.TransformerDim(); d != enc.OutChans() {
		return &tensor.ShapeError{Op: op, Dim: "decoder.transformer_dim", Got: d, Want: enc.OutChans()}
	}
	grid := m.promptEncoder.EmbeddingSize()
	if enc.EmbeddingSize() != grid.H || enc.EmbeddingSize() != grid.W {
		return &tensor.ShapeError{Op: op, Dim: "embedding_size", Got: enc.EmbeddingSize(), Want: grid.H}
	}
	return nil
}

// Config 模型结构参数
func (m *Model) Config() ModelConfig { return m.cfg }

// ImageEncoder 图像编码器
func (m *Model) ImageEncoder() ImageEncoder { return m.imageEncoder }

// PromptEncoder 提示编码器
func (m *Model) PromptEncoder() *PromptEncoder { return m.promptEncoder }

// MaskDecoder 掩码解码器
func (m *Model) MaskDecoder() *MaskDecoder { return m.maskDecoder }

// Preprocess 归一化并在右下补零到 (3, ImgSize, ImgSize)
func (m *Model) Preprocess(img *tensor.Tensor) (*tensor.Tensor, error) {
	const op = "Preprocess"
	if img.Dims() != 3 || img.Dim(0) != m.cfg.InChans {
		return nil, &tensor.ShapeError{Op: op, Dim: "image", Msg: fmt.Sprintf("期望 (%d, H, W), 得到 %v", m.cfg.InChans, img.Shape())}
	}
	s := m.cfg.ImgSize
	h, w := img.Dim(1), img.Dim(2)
	if h > s {
		return nil, &tensor.ShapeError{Op: op, Dim: "height", Msg: fmt.Sprintf("图片高度 %d 超过 ImgSize %d", h, s)}
	}
	if w > s {
		return nil, &tensor.ShapeError{Op: op, Dim: "width", Msg: fmt.Sprintf("图片宽度 %d 超过 ImgSize %d", w, s)}
	}

	x, err := tensor.Sub(img, m.pixelMean)
	if err != nil {
		return nil, err
	}
	if x, err = tensor.Div(x, m.pixelStd); err != nil {
		return nil, err
	}
	if x, err = x.PadZeros(1, 0, s-h); err != nil {
		return nil, err
	}
	return x.PadZeros(2, 0, s-w)
}

// resize 按配置的插值方式缩放最后两维
func (m *Model) resize(x *tensor.Tensor, size Size) (*tensor.Tensor, error) {
	if m.cfg.Interpolation == InterpBilinear {
		return tensor.UpsampleBilinear2D(x, size.H, size.W)
	}
	return tensor.UpsampleNearest2D(x, size.H, size.W)
}

// PostprocessMasks 将低分辨率 logits 还原到原图大小
//
// # Params:
//
//	masks: (B, M, h, w) 低分辨率 logits
//	inputSize: 缩放后补齐前的图片大小
//	originalSize: 原图大小
func (m *Model) PostprocessMasks(masks *tensor.Tensor, inputSize, originalSize Size) (*tensor.Tensor, error) {
	const op = "PostprocessMasks"
	if masks.Dims() != 4 {
		return nil, &tensor.ShapeError{Op: op, Dim: "dims", Got: masks.Dims(), Want: 4}
	}
	s := m.cfg.ImgSize
	if inputSize.H <= 0 || inputSize.H > s || inputSize.W <= 0 || inputSize.W > s {
		return nil, &tensor.ShapeError{Op: op, Dim: "input_size", Msg: fmt.Sprintf("输入尺寸 %s 超出 (0, %d]", inputSize, s)}
	}
	x, err := m.resize(masks, Size{s, s})
	if err != nil {
		return nil, err
	}
	if x, err = x.Narrow(2, 0, inputSize.H); err != nil {
		return nil, err
	}
	if x, err = x.Narrow(3, 0, inputSize.W); err != nil {
		return nil, err
	}
	return m.resize(x, originalSize)
}

// EncodeImages 预处理并批量编码图片, 返回 (N, C, E, E)
func (m *Model) EncodeImages(images []*tensor.Tensor) (*tensor.Tensor, error) {
	batch := make([]*tensor.Tensor, len(images))
	for i, img := range images {
		x, err := m.Preprocess(img)
		if err != nil {
			return nil, fmt.Errorf("第 %d 张图片预处理失败: %w", i, err)
		}
		batch[i] = x
	}
	x, err := tensor.Stack(batch, 0)
	if err != nil {
		return nil, err
	}
	emb, err := m.imageEncoder.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("图像编码失败: %w", err)
	}
	return emb, nil
}

// PredictMasks 在已编码的单张图片特征上解码提示
//
// # Params:
//
//	embedding: (1, C, E, E)
//	prompts: 提示
//	multimask: 是否输出多个候选掩码
//
// 返回低分辨率 logits (B, M, 4E, 4E) 与 IoU 预测 (B, M)
func (m *Model) PredictMasks(embedding *tensor.Tensor, prompts Prompts, multimask bool) (*tensor.Tensor, *tensor.Tensor, error) {
	sparse, dense, err := m.promptEncoder.Forward(prompts)
	if err != nil {
		return nil, nil, fmt.Errorf("提示编码失败: %w", err)
	}
	lowRes, iou, err := m.maskDecoder.Forward(embedding, m.promptEncoder.DensePE(), sparse, dense, multimask)
	if err != nil {
		return nil, nil, fmt.Errorf("掩码解码失败: %w", err)
	}
	return lowRes, iou, nil
}

// Forward 端到端推理, 输出顺序与输入一致
//
// 所有图片一起编码; 任意一个输入失败时整体返回错误, 错误中包含输入下标
func (m *Model) Forward(inputs []Input, multimask bool) ([]Output, error) {
	start := time.Now()
	if len(inputs) == 0 {
		return nil, fmt.Errorf("输入不能为空")
	}
	images := make([]*tensor.Tensor, len(inputs))
	for i, in := range inputs {
		if err := in.Validate(); err != nil {
			return nil, fmt.Errorf("第 %d 个输入校验失败: %w", i, err)
		}
		images[i] = in.Image
	}

	embeddings, err := m.EncodeImages(images)
	if err != nil {
		return nil, err
	}

	outputs := make([]Output, len(inputs))
	for i, in := range inputs {
		out, err := m.forwardOne(embeddings, i, in, multimask)
		if err != nil {
			return nil, fmt.Errorf("第 %d 个输入推理失败: %w", i, err)
		}
		outputs[i] = out
	}
	slog.Debug("sam forward",
		"inputs", len(inputs),
		"multimask", multimask,
		"elapsed", time.Since(start))
	return outputs, nil
}

func (m *Model) forwardOne(embeddings *tensor.Tensor, i int, in Input, multimask bool) (Output, error) {
	emb, err := embeddings.Narrow(0, i, 1)
	if err != nil {
		return Output{}, err
	}
	lowRes, iou, err := m.PredictMasks(emb, in.Prompts, multimask)
	if err != nil {
		return Output{}, err
	}
	masks, err := m.PostprocessMasks(lowRes, in.InputSize(), in.OriginalSize)
	if err != nil {
		return Output{}, err
	}
	return Output{
		Masks:          masks.Gt(m.cfg.MaskThreshold),
		IoUPredictions: iou,
		LowResLogits:   lowRes,
	}, nil
}
