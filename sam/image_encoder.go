package sam

import (
	"github.com/getcharzp/go-segment/tensor"
	"github.com/getcharzp/go-segment/weights"
)

// ImageEncoder 将 (B, 3, S, S) 的图片编码为 (B, OutChans, E, E) 的特征
type ImageEncoder interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	ImgSize() int       // 输入边长 S
	OutChans() int      // 输出通道数
	EmbeddingSize() int // 输出特征图边长 E
}

// ImageEncoderViT PatchEmbed -> Blocks -> Neck
type ImageEncoderViT struct {
	imgSize    int
	patchEmbed *PatchEmbed
	posEmbed   *tensor.Tensor // (1, E, E, D), 可为 nil
	blocks     []*Block
	neck       *Neck
	outChans   int
}

func newImageEncoderViT(vb weights.Builder, cfg ModelConfig) (*ImageEncoderViT, error) {
	patchEmbed, err := newPatchEmbed(vb.Sub("patch_embed"), cfg.PatchSize, cfg.InChans, cfg.EncoderEmbedDim)
	if err != nil {
		return nil, err
	}
	e := &ImageEncoderViT{
		imgSize:    cfg.ImgSize,
		patchEmbed: patchEmbed,
		outChans:   cfg.PromptEmbedDim,
	}
	grid := cfg.EmbeddingSize()
	if cfg.UseAbsPos {
		if e.posEmbed, err = vb.Tensor("pos_embed", 1, grid, grid, cfg.EncoderEmbedDim); err != nil {
			return nil, err
		}
	}
	for i := range cfg.EncoderDepth {
		blk, err := newBlock(vb.Sub("blocks", i), blockConfig{
			dim:        cfg.EncoderEmbedDim,
			numHeads:   cfg.EncoderNumHeads,
			mlpRatio:   cfg.MLPRatio,
			qkvBias:    cfg.QKVBias,
			useRelPos:  cfg.UseRelPos,
			windowSize: cfg.windowSizeOf(i),
			inputSize:  Size{grid, grid},
		})
		if err != nil {
			return nil, err
		}
		e.blocks = append(e.blocks, blk)
	}
	if e.neck, err = newNeck(vb.Sub("neck"), cfg.EncoderEmbedDim, cfg.PromptEmbedDim); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *ImageEncoderViT) ImgSize() int       { return e.imgSize }
func (e *ImageEncoderViT) OutChans() int      { return e.outChans }
func (e *ImageEncoderViT) EmbeddingSize() int { return e.imgSize / e.patchEmbed.patchSize }

// Blocks 按顺序返回所有 Block
func (e *ImageEncoderViT) Blocks() []*Block { return e.blocks }

// Forward (B, 3, S, S) -> (B, OutChans, S/ps, S/ps)
//
// 输入必须已经补齐到 ImgSize, 否则绝对位置编码无法对齐
func (e *ImageEncoderViT) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := e.patchEmbed.Forward(x)
	if err != nil {
		return nil, err
	}
	if e.posEmbed != nil {
		if x, err = tensor.Add(x, e.posEmbed); err != nil {
			return nil, err
		}
	}
	for _, blk := range e.blocks {
		if x, err = blk.Forward(x); err != nil {
			return nil, err
		}
	}
	if x, err = x.Permute(0, 3, 1, 2); err != nil {
		return nil, err
	}
	return e.neck.Forward(x)
}

// Neck 1x1 卷积降通道 -> LayerNorm2d -> 3x3 卷积 -> LayerNorm2d
type Neck struct {
	conv1 *conv2d
	ln1   *layerNorm2d
	conv2 *conv2d
	ln2   *layerNorm2d
}

func newNeck(vb weights.Builder, in, out int) (*Neck, error) {
	conv1, err := newConv2d(vb.Sub(0), in, out, 1, false, tensor.ConvConfig{})
	if err != nil {
		return nil, err
	}
	ln1, err := newLayerNorm2d(vb.Sub(1), out)
	if err != nil {
		return nil, err
	}
	conv2, err := newConv2d(vb.Sub(2), out, out, 3, false, tensor.ConvConfig{Padding: 1})
	if err != nil {
		return nil, err
	}
	ln2, err := newLayerNorm2d(vb.Sub(3), out)
	if err != nil {
		return nil, err
	}
	return &Neck{conv1: conv1, ln1: ln1, conv2: conv2, ln2: ln2}, nil
}

// Forward (B, D, E, E) -> (B, out, E, E)
func (n *Neck) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := n.conv1.forward(x)
	if err != nil {
		return nil, err
	}
	if x, err = n.ln1.forward(x); err != nil {
		return nil, err
	}
	if x, err = n.conv2.forward(x); err != nil {
		return nil, err
	}
	return n.ln2.forward(x)
}
