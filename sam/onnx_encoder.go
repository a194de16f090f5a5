package sam

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	segment "github.com/getcharzp/go-segment"
	"github.com/getcharzp/go-segment/tensor"
	"github.com/up-zero/gotool/convertutil"
	ort "github.com/yalue/onnxruntime_go"
)

// OnnxImageEncoder 通过 ONNX Runtime 运行导出的 ViT 图像编码器
//
// 模型输入为已归一化并补齐的 (B, 3, S, S), 输出 (B, C, E, E)
type OnnxImageEncoder struct {
	session    *ort.DynamicAdvancedSession
	onnxConfig *segment.OnnxConfig

	imgSize       int
	outChans      int
	embeddingSize int

	mu sync.Mutex
}

// NewOnnxImageEncoder 根据引擎配置创建 ONNX 图像编码器
func NewOnnxImageEncoder(cfg Config) (*OnnxImageEncoder, error) {
	onnxConfig := new(segment.OnnxConfig)
	if err := convertutil.CopyProperties(cfg, onnxConfig); err != nil {
		return nil, fmt.Errorf("复制参数失败: %w", err)
	}
	// 节点名未配置时从模型文件读取
	var inputNames, outputNames []string
	if cfg.EncoderInputName != "" {
		inputNames = []string{cfg.EncoderInputName}
	}
	if cfg.EncoderOutputName != "" {
		outputNames = []string{cfg.EncoderOutputName}
	}
	session, err := onnxConfig.NewSession(cfg.EncodeModelPath, inputNames, outputNames)
	if err != nil {
		onnxConfig.Destroy()
		return nil, fmt.Errorf("创建 Encoder 会话失败: %w", err)
	}
	slog.Info("onnx image encoder loaded", "model", cfg.EncodeModelPath, "cuda", cfg.UseCuda)

	return &OnnxImageEncoder{
		session:       session,
		onnxConfig:    onnxConfig,
		imgSize:       cfg.Model.ImgSize,
		outChans:      cfg.Model.PromptEmbedDim,
		embeddingSize: cfg.Model.EmbeddingSize(),
	}, nil
}

func (e *OnnxImageEncoder) ImgSize() int       { return e.imgSize }
func (e *OnnxImageEncoder) OutChans() int      { return e.outChans }
func (e *OnnxImageEncoder) EmbeddingSize() int { return e.embeddingSize }

// Forward (B, 3, S, S) -> (B, C, E, E)
func (e *OnnxImageEncoder) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dims() != 4 || x.Dim(1) != 3 || x.Dim(2) != e.imgSize || x.Dim(3) != e.imgSize {
		return nil, &tensor.ShapeError{Op: "OnnxImageEncoder", Dim: "input", Msg: fmt.Sprintf("期望 (B, 3, %d, %d), 得到 %v", e.imgSize, e.imgSize, x.Shape())}
	}
	b := x.Dim(0)

	// ort 会持有输入切片, 这里复制一份
	inputShape := ort.NewShape(int64(b), 3, int64(e.imgSize), int64(e.imgSize))
	inputTensor, err := ort.NewTensor(inputShape, slices.Clone(x.Data()))
	if err != nil {
		return nil, fmt.Errorf("创建图片 Input Tensor 失败: %w", err)
	}
	defer inputTensor.Destroy()

	shape := []int{b, e.outChans, e.embeddingSize, e.embeddingSize}
	outputData := make([]float32, b*e.outChans*e.embeddingSize*e.embeddingSize)
	outputShape := ort.NewShape(int64(b), int64(e.outChans), int64(e.embeddingSize), int64(e.embeddingSize))
	outputTensor, err := ort.NewTensor(outputShape, outputData)
	if err != nil {
		return nil, fmt.Errorf("创建 Output Tensor 失败: %w", err)
	}
	defer outputTensor.Destroy()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, fmt.Errorf("ONNX 会话已销毁")
	}
	if err := e.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return nil, fmt.Errorf("encoder 推理失败: %w", err)
	}
	return tensor.New(slices.Clone(outputTensor.GetData()), shape...)
}

// Destroy 释放 ONNX 会话
func (e *OnnxImageEncoder) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		if err := e.session.Destroy(); err != nil {
			return fmt.Errorf("销毁 Encoder ONNX 会话失败: %w", err)
		}
		e.session = nil
	}
	return e.onnxConfig.Destroy()
}
