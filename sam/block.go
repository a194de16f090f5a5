package sam

import (
	"github.com/getcharzp/go-segment/tensor"
	"github.com/getcharzp/go-segment/weights"
)

// Block ViT 的 Transformer Block
//
// windowSize > 0 时在不重叠的局部窗口内做注意力, 为 0 时做全局注意力
type Block struct {
	norm1, norm2 *layerNorm
	attn         *attention
	mlp          *mlpBlock
	windowSize   int
}

// blockConfig 单个 Block 的构造参数
type blockConfig struct {
	dim, numHeads int
	mlpRatio      float64
	qkvBias       bool
	useRelPos     bool
	windowSize    int
	inputSize     Size // 全局注意力时的 token 网格大小
}

func newBlock(vb weights.Builder, cfg blockConfig) (*Block, error) {
	norm1, err := newLayerNorm(vb.Sub("norm1"), cfg.dim, 1e-6)
	if err != nil {
		return nil, err
	}
	attnSize := cfg.inputSize
	if cfg.windowSize > 0 {
		attnSize = Size{cfg.windowSize, cfg.windowSize}
	}
	attn, err := newAttention(vb.Sub("attn"), cfg.dim, cfg.numHeads, cfg.qkvBias, cfg.useRelPos, attnSize)
	if err != nil {
		return nil, err
	}
	norm2, err := newLayerNorm(vb.Sub("norm2"), cfg.dim, 1e-6)
	if err != nil {
		return nil, err
	}
	mlp, err := newMLPBlock(vb.Sub("mlp"), cfg.dim, int(float64(cfg.dim)*cfg.mlpRatio), gelu)
	if err != nil {
		return nil, err
	}
	return &Block{norm1: norm1, norm2: norm2, attn: attn, mlp: mlp, windowSize: cfg.windowSize}, nil
}

// WindowSize 注意力窗口大小, 0 表示全局注意力
func (b *Block) WindowSize() int { return b.windowSize }

// Forward (B, H, W, C) -> (B, H, W, C)
func (b *Block) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dims() != 4 {
		return nil, &tensor.ShapeError{Op: "Block", Dim: "dims", Got: x.Dims(), Want: 4}
	}
	h, w := x.Dim(1), x.Dim(2)

	y, err := b.norm1.forward(x)
	if err != nil {
		return nil, err
	}
	var padded Size
	if b.windowSize > 0 {
		if y, padded, err = windowPartition(y, b.windowSize); err != nil {
			return nil, err
		}
	}
	if y, err = b.attn.forward(y); err != nil {
		return nil, err
	}
	if b.windowSize > 0 {
		if y, err = windowUnpartition(y, b.windowSize, padded, Size{h, w}); err != nil {
			return nil, err
		}
	}
	if x, err = tensor.Add(x, y); err != nil {
		return nil, err
	}

	if y, err = b.norm2.forward(x); err != nil {
		return nil, err
	}
	if y, err = b.mlp.forward(y); err != nil {
		return nil, err
	}
	return tensor.Add(x, y)
}

// windowPartition 将 (B, H, W, C) 在右下补零到窗口整数倍后切成 (B*nW, ws, ws, C)
//
// 返回补齐后的网格大小
func windowPartition(x *tensor.Tensor, ws int) (*tensor.Tensor, Size, error) {
	b, h, w, c := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	padH := (ws - h%ws) % ws
	padW := (ws - w%ws) % ws
	x, err := x.PadZeros(1, 0, padH)
	if err != nil {
		return nil, Size{}, err
	}
	if x, err = x.PadZeros(2, 0, padW); err != nil {
		return nil, Size{}, err
	}
	hp, wp := h+padH, w+padW

	if x, err = x.Reshape(b, hp/ws, ws, wp/ws, ws, c); err != nil {
		return nil, Size{}, err
	}
	if x, err = x.Permute(0, 1, 3, 2, 4, 5); err != nil {
		return nil, Size{}, err
	}
	if x, err = x.Reshape(-1, ws, ws, c); err != nil {
		return nil, Size{}, err
	}
	return x, Size{hp, wp}, nil
}

// windowUnpartition windowPartition 的逆操作, 并裁掉补齐部分
func windowUnpartition(windows *tensor.Tensor, ws int, padded, orig Size) (*tensor.Tensor, error) {
	c := windows.Dim(3)
	b := windows.Dim(0) / (padded.H * padded.W / ws / ws)
	x, err := windows.Reshape(b, padded.H/ws, padded.W/ws, ws, ws, c)
	if err != nil {
		return nil, err
	}
	if x, err = x.Permute(0, 1, 3, 2, 4, 5); err != nil {
		return nil, err
	}
	if x, err = x.Reshape(b, padded.H, padded.W, c); err != nil {
		return nil, err
	}
	if padded.H > orig.H {
		if x, err = x.Narrow(1, 0, orig.H); err != nil {
			return nil, err
		}
	}
	if padded.W > orig.W {
		if x, err = x.Narrow(2, 0, orig.W); err != nil {
			return nil, err
		}
	}
	return x, nil
}
