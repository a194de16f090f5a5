package sam

import (
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/getcharzp/go-segment/tensor"
	"github.com/getcharzp/go-segment/weights"
)

// Engine 持有模型, 负责创建 ImageContext
type Engine struct {
	model       *Model
	transform   ResizeLongestSide
	onnxEncoder *OnnxImageEncoder
	config      Config
}

// NewEngine 从 safetensors 权重初始化 sam 引擎
//
// 配置了 EncodeModelPath 时图像编码器通过 ONNX Runtime 运行
func NewEngine(cfg Config) (*Engine, error) {
	start := time.Now()
	file, err := weights.Open(cfg.WeightsPath)
	if err != nil {
		return nil, err
	}
	e, err := NewEngineFromSource(cfg, file)
	if err != nil {
		return nil, err
	}
	slog.Info("sam engine loaded", "weights", cfg.WeightsPath, "tensors", len(file.Names()), "elapsed", time.Since(start))
	return e, nil
}

// NewEngineFromSource 使用给定的权重源初始化引擎
func NewEngineFromSource(cfg Config, src weights.Source) (*Engine, error) {
	e := &Engine{
		transform: ResizeLongestSide{TargetLength: cfg.Model.ImgSize},
		config:    cfg,
	}
	var err error
	if cfg.EncodeModelPath != "" {
		if e.onnxEncoder, err = NewOnnxImageEncoder(cfg); err != nil {
			return nil, err
		}
		e.model, err = NewModelWithEncoder(cfg.Model, src, e.onnxEncoder)
	} else {
		e.model, err = NewModel(cfg.Model, src)
	}
	if err != nil {
		if e.onnxEncoder != nil {
			if derr := e.onnxEncoder.Destroy(); derr != nil {
				slog.Warn("释放 ONNX 编码器失败", "error", derr)
			}
		}
		return nil, fmt.Errorf("初始化模型失败: %w", err)
	}
	return e, nil
}

// Model 底层模型
func (e *Engine) Model() *Model { return e.model }

// Destroy 释放相关资源
func (e *Engine) Destroy() error {
	if e.onnxEncoder != nil {
		if err := e.onnxEncoder.Destroy(); err != nil {
			return err
		}
		e.onnxEncoder = nil
	}
	return nil
}

// ImageContext 包含特定图像的特征缓存和参数
type ImageContext struct {
	engine    *Engine
	embedding *tensor.Tensor // (1, C, E, E)

	origSize  Size
	inputSize Size
}

// EncodeImage 图像特征提取
func (e *Engine) EncodeImage(img image.Image) (*ImageContext, error) {
	if b := img.Bounds(); b.Empty() {
		return nil, fmt.Errorf("图片尺寸 %dx%d 非法", b.Dy(), b.Dx())
	}
	start := time.Now()
	x, orig := e.transform.ApplyImage(img)
	emb, err := e.model.EncodeImages([]*tensor.Tensor{x})
	if err != nil {
		return nil, err
	}
	slog.Debug("sam image encoded", "size", orig, "elapsed", time.Since(start))
	return &ImageContext{
		engine:    e,
		embedding: emb,
		origSize:  orig,
		inputSize: Size{x.Dim(1), x.Dim(2)},
	}, nil
}

// Embedding 图像特征 (1, C, E, E)
func (ctx *ImageContext) Embedding() *tensor.Tensor { return ctx.embedding }

// Result Mask 预测结果
type Result struct {
	Mask   []uint8 // 0 or 255
	Score  float32
	Width  int
	Height int
}

// DecodeRaw Mask解码并返回原始结果
//
// # Params:
//
//	points: 原图坐标系下的提示点, 可为空
//	box: 原图坐标系下的提示框, 可为 nil
//
// 只有一个点且没有框时提示有歧义, 会输出多个候选并返回分数最高的一个
func (ctx *ImageContext) DecodeRaw(points []Point, box *Box) (*Result, error) {
	e := ctx.engine
	var prompts Prompts
	if len(points) > 0 {
		prompts.Points = PointsTensor(e.transform.ApplyCoords(points, ctx.origSize))
	}
	if box != nil {
		prompts.Boxes = BoxTensor(e.transform.ApplyBoxes([]Box{*box}, ctx.origSize)[0])
	}
	multimask := len(points) == 1 && box == nil

	lowRes, iou, err := e.model.PredictMasks(ctx.embedding, prompts, multimask)
	if err != nil {
		return nil, err
	}

	// 获取最佳 Mask
	bestIdx := iou.Argmax()
	bestScore := iou.Data()[bestIdx]
	best, err := lowRes.Narrow(1, bestIdx, 1)
	if err != nil {
		return nil, err
	}
	masks, err := e.model.PostprocessMasks(best, ctx.inputSize, ctx.origSize)
	if err != nil {
		return nil, err
	}

	threshold := e.model.Config().MaskThreshold
	logits := masks.Data()
	mask := make([]uint8, len(logits))
	for i, v := range logits {
		if v > threshold {
			mask[i] = 255
		}
	}
	return &Result{
		Mask:   mask,
		Score:  bestScore,
		Width:  ctx.origSize.W,
		Height: ctx.origSize.H,
	}, nil
}

// Decode Mask解码并返回图片
func (ctx *ImageContext) Decode(points []Point, box *Box) (image.Image, float32, error) {
	result, err := ctx.DecodeRaw(points, box)
	if err != nil {
		return nil, 0, err
	}

	img := image.NewGray(image.Rect(0, 0, result.Width, result.Height))
	copy(img.Pix, result.Mask)
	return img, result.Score, nil
}
