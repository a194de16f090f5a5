package sam

import (
	"github.com/getcharzp/go-segment/tensor"
	"github.com/getcharzp/go-segment/weights"
)

// PatchEmbed 以 kernel = stride = patchSize 的卷积把图片切成 patch token
type PatchEmbed struct {
	proj      *conv2d
	patchSize int
}

func newPatchEmbed(vb weights.Builder, patchSize, inChans, embedDim int) (*PatchEmbed, error) {
	proj, err := newConv2d(vb.Sub("proj"), inChans, embedDim, patchSize, true, tensor.ConvConfig{Stride: patchSize})
	if err != nil {
		return nil, err
	}
	return &PatchEmbed{proj: proj, patchSize: patchSize}, nil
}

// Forward (B, C, H, W) -> (B, H/ps, W/ps, D)
//
// H 和 W 必须是 patch 边长的整数倍, 此处不做补齐
func (p *PatchEmbed) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dims() != 4 {
		return nil, &tensor.ShapeError{Op: "PatchEmbed", Dim: "dims", Got: x.Dims(), Want: 4}
	}
	h, w := x.Dim(2), x.Dim(3)
	if h%p.patchSize != 0 {
		return nil, &tensor.ShapeError{Op: "PatchEmbed", Dim: "height", Got: h, Want: (h/p.patchSize + 1) * p.patchSize}
	}
	if w%p.patchSize != 0 {
		return nil, &tensor.ShapeError{Op: "PatchEmbed", Dim: "width", Got: w, Want: (w/p.patchSize + 1) * p.patchSize}
	}
	y, err := p.proj.forward(x)
	if err != nil {
		return nil, err
	}
	return y.Permute(0, 2, 3, 1)
}
