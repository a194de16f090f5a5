package sam

import (
	"fmt"
	"slices"

	segment "github.com/getcharzp/go-segment"
)

type Label int

const (
	LabelPadding     Label = -1 // 占位点, 不参与提示
	LabelBackground  Label = 0  // 背景/排除
	LabelForeground  Label = 1  // 前景/点击
	LabelBoxTopLeft  Label = 2  // 框选左上
	LabelBoxBotRight Label = 3  // 框选右下
)

// 像素均值和方差 (0-255 尺度, RGB 顺序)
var (
	DefaultPixelMean = [3]float32{123.675, 116.28, 103.53}
	DefaultPixelStd  = [3]float32{58.395, 57.12, 57.375}
)

// Interpolation 掩码后处理的插值方式
type Interpolation int

const (
	// InterpNearest 最近邻, 与参考实现保持一致 (默认)
	InterpNearest Interpolation = iota
	// InterpBilinear 双线性 (align_corners=false)
	InterpBilinear
)

// Size 图片尺寸 (H, W)
type Size struct {
	H, W int
}

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.H, s.W) }

// Point 原图坐标系下的提示点
type Point struct {
	X, Y  float32
	Label Label
}

// Box 原图坐标系下的提示框
type Box struct {
	X0, Y0, X1, Y1 float32
}

// ModelConfig 模型结构参数
type ModelConfig struct {
	// 图像编码器
	ImgSize           int     // 输入边长, 默认 1024
	PatchSize         int     // patch 边长, 默认 16
	InChans           int     // 输入通道数, 默认 3
	EncoderEmbedDim   int     // ViT 宽度
	EncoderDepth      int     // Block 数量
	EncoderNumHeads   int     // 注意力头数
	MLPRatio          float64 // MLP 隐层倍数
	WindowSize        int     // 窗口注意力边长
	GlobalAttnIndexes []int   // 使用全局注意力的 Block 下标
	UseAbsPos         bool    // 是否加绝对位置编码
	UseRelPos         bool    // 是否加相对位置偏置
	QKVBias           bool

	// 编码器 Neck 输出通道, 同时也是提示编码器与掩码解码器的宽度
	PromptEmbedDim int
	MaskInChans    int // 掩码提示下采样的通道数

	// 掩码解码器
	NumMultimaskOutputs int
	DecoderDepth        int
	DecoderMLPDim       int
	DecoderNumHeads     int
	IoUHeadDepth        int
	IoUHeadHiddenDim    int

	// 前后处理
	PixelMean     [3]float32
	PixelStd      [3]float32
	MaskThreshold float32
	Interpolation Interpolation
}

// EmbeddingSize 图像特征图的边长
func (c ModelConfig) EmbeddingSize() int {
	return c.ImgSize / c.PatchSize
}

// Validate 检查各组件之间的形状约束
func (c ModelConfig) Validate() error {
	switch {
	case c.ImgSize <= 0 || c.PatchSize <= 0:
		return fmt.Errorf("ImgSize(%d) 和 PatchSize(%d) 必须为正数", c.ImgSize, c.PatchSize)
	case c.ImgSize%c.PatchSize != 0:
		return fmt.Errorf("ImgSize(%d) 必须是 PatchSize(%d) 的整数倍", c.ImgSize, c.PatchSize)
	case c.EncoderNumHeads <= 0 || c.EncoderEmbedDim%c.EncoderNumHeads != 0:
		return fmt.Errorf("EncoderEmbedDim(%d) 必须能被 EncoderNumHeads(%d) 整除", c.EncoderEmbedDim, c.EncoderNumHeads)
	case c.PromptEmbedDim <= 0 || c.PromptEmbedDim%8 != 0:
		return fmt.Errorf("PromptEmbedDim(%d) 必须是 8 的正整数倍", c.PromptEmbedDim)
	case c.MaskInChans <= 0 || c.MaskInChans%4 != 0:
		return fmt.Errorf("MaskInChans(%d) 必须是 4 的正整数倍", c.MaskInChans)
	case c.DecoderNumHeads <= 0 || (c.PromptEmbedDim/2)%c.DecoderNumHeads != 0:
		return fmt.Errorf("PromptEmbedDim/2(%d) 必须能被 DecoderNumHeads(%d) 整除", c.PromptEmbedDim/2, c.DecoderNumHeads)
	case c.NumMultimaskOutputs <= 0:
		return fmt.Errorf("NumMultimaskOutputs(%d) 必须为正数", c.NumMultimaskOutputs)
	case c.IoUHeadDepth < 1:
		return fmt.Errorf("IoUHeadDepth(%d) 至少为 1", c.IoUHeadDepth)
	}
	for _, idx := range c.GlobalAttnIndexes {
		if idx < 0 || idx >= c.EncoderDepth {
			return fmt.Errorf("GlobalAttnIndexes 中的下标 %d 超出 Block 数量 %d", idx, c.EncoderDepth)
		}
	}
	for i, s := range c.PixelStd {
		if s == 0 {
			return fmt.Errorf("PixelStd[%d] 不能为 0", i)
		}
	}
	return nil
}

// windowSizeOf 第 i 个 Block 的注意力窗口, 0 表示全局注意力
func (c ModelConfig) windowSizeOf(i int) int {
	if slices.Contains(c.GlobalAttnIndexes, i) {
		return 0
	}
	return c.WindowSize
}

func baseConfig() ModelConfig {
	return ModelConfig{
		ImgSize:             1024,
		PatchSize:           16,
		InChans:             3,
		MLPRatio:            4,
		WindowSize:          14,
		UseAbsPos:           true,
		UseRelPos:           true,
		QKVBias:             true,
		PromptEmbedDim:      256,
		MaskInChans:         16,
		NumMultimaskOutputs: 3,
		DecoderDepth:        2,
		DecoderMLPDim:       2048,
		DecoderNumHeads:     8,
		IoUHeadDepth:        3,
		IoUHeadHiddenDim:    256,
		PixelMean:           DefaultPixelMean,
		PixelStd:            DefaultPixelStd,
		MaskThreshold:       0.0,
		Interpolation:       InterpNearest,
	}
}

// ViTB sam_vit_b 的结构参数
func ViTB() ModelConfig {
	c := baseConfig()
	c.EncoderEmbedDim = 768
	c.EncoderDepth = 12
	c.EncoderNumHeads = 12
	c.GlobalAttnIndexes = []int{2, 5, 8, 11}
	return c
}

// ViTL sam_vit_l 的结构参数
func ViTL() ModelConfig {
	c := baseConfig()
	c.EncoderEmbedDim = 1024
	c.EncoderDepth = 24
	c.EncoderNumHeads = 16
	c.GlobalAttnIndexes = []int{5, 11, 17, 23}
	return c
}

// ViTH sam_vit_h 的结构参数
func ViTH() ModelConfig {
	c := baseConfig()
	c.EncoderEmbedDim = 1280
	c.EncoderDepth = 32
	c.EncoderNumHeads = 16
	c.GlobalAttnIndexes = []int{7, 15, 23, 31}
	return c
}

// Tiny 很小的结构, 配合随机权重用于测试和演示
func Tiny() ModelConfig {
	c := baseConfig()
	c.ImgSize = 32
	c.PatchSize = 8
	c.EncoderEmbedDim = 16
	c.EncoderDepth = 2
	c.EncoderNumHeads = 2
	c.MLPRatio = 2
	c.WindowSize = 3
	c.GlobalAttnIndexes = []int{1}
	c.PromptEmbedDim = 16
	c.MaskInChans = 4
	c.DecoderMLPDim = 32
	c.DecoderNumHeads = 2
	c.IoUHeadHiddenDim = 16
	return c
}

// Config 引擎的初始化参数
type Config struct {
	// 必填参数
	WeightsPath string      // safetensors 权重路径
	Model       ModelConfig // 模型结构

	// 可选参数: 使用 ONNX 导出的图像编码器替代原生实现
	EncodeModelPath    string // 图像编码器 ONNX 模型, 为空时使用原生编码器
	EncoderInputName   string // 为空时从模型文件读取, DefaultConfig 中为 "images"
	EncoderOutputName  string // 为空时从模型文件读取, DefaultConfig 中为 "image_embeddings"
	OnnxRuntimeLibPath string // onnxruntime.dll (或 .so, .dylib) 的路径
	UseCuda            bool   // (可选) 是否启用 CUDA
	NumThreads         int    // (可选) ONNX 线程数, 默认由CPU核心数决定
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		WeightsPath:        "./sam_weights/sam_vit_b.safetensors",
		Model:              ViTB(),
		EncoderInputName:   "images",
		EncoderOutputName:  "image_embeddings",
		OnnxRuntimeLibPath: segment.DefaultLibraryPath(),
	}
}
