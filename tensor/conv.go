package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// ConvConfig 卷积参数, 高宽方向共用
type ConvConfig struct {
	Stride  int // 默认 1
	Padding int
}

func (c ConvConfig) stride() int {
	if c.Stride <= 0 {
		return 1
	}
	return c.Stride
}

// Conv2D 二维卷积, im2col 后用 Gemm 计算, 批内并行
//
// # Params:
//
//	x: (N, C, H, W)
//	weight: (O, C, kh, kw)
//	bias: (O), 可为 nil
func Conv2D(x, weight, bias *Tensor, cfg ConvConfig) (*Tensor, error) {
	if x.Dims() != 4 {
		return nil, shapeErr("Conv2D", "input.dims", x.Dims(), 4)
	}
	if weight.Dims() != 4 {
		return nil, shapeErr("Conv2D", "weight.dims", weight.Dims(), 4)
	}
	nb, c, h, w := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	o, wc, kh, kw := weight.shape[0], weight.shape[1], weight.shape[2], weight.shape[3]
	if wc != c {
		return nil, shapeErr("Conv2D", "in_channels", c, wc)
	}
	if bias != nil && bias.Numel() != o {
		return nil, shapeErr("Conv2D", "bias", bias.Numel(), o)
	}
	s, p := cfg.stride(), cfg.Padding
	if h+2*p < kh || w+2*p < kw {
		return nil, shapeErrf("Conv2D", "spatial", "输入 %dx%d 小于卷积核 %dx%d", h, w, kh, kw)
	}
	oh := (h+2*p-kh)/s + 1
	ow := (w+2*p-kw)/s + 1

	ck := c * kh * kw
	ohw := oh * ow
	out := make([]float32, nb*o*ohw)
	parallelFor(nb, func(b int) {
		src := x.data[b*c*h*w : (b+1)*c*h*w]
		cols := make([]float32, ck*ohw)
		for ci := 0; ci < c; ci++ {
			for ki := 0; ki < kh; ki++ {
				for kj := 0; kj < kw; kj++ {
					row := cols[((ci*kh+ki)*kw+kj)*ohw:]
					for y := 0; y < oh; y++ {
						iy := y*s + ki - p
						if iy < 0 || iy >= h {
							continue
						}
						for xx := 0; xx < ow; xx++ {
							ix := xx*s + kj - p
							if ix < 0 || ix >= w {
								continue
							}
							row[y*ow+xx] = src[(ci*h+iy)*w+ix]
						}
					}
				}
			}
		}
		dst := out[b*o*ohw : (b+1)*o*ohw]
		gemm(blas.NoTrans,
			blas32.General{Rows: o, Cols: ck, Stride: ck, Data: weight.data},
			blas32.General{Rows: ck, Cols: ohw, Stride: ohw, Data: cols},
			blas32.General{Rows: o, Cols: ohw, Stride: ohw, Data: dst},
		)
		if bias != nil {
			for oc := 0; oc < o; oc++ {
				bv := bias.data[oc]
				for i := oc * ohw; i < (oc+1)*ohw; i++ {
					dst[i] += bv
				}
			}
		}
	})
	return &Tensor{shape: []int{nb, o, oh, ow}, data: out}, nil
}

// ConvTranspose2D 二维转置卷积 (padding 为 0)
//
// # Params:
//
//	x: (N, Ci, H, W)
//	weight: (Ci, Co, kh, kw)
//	bias: (Co), 可为 nil
//	stride: 步长
func ConvTranspose2D(x, weight, bias *Tensor, stride int) (*Tensor, error) {
	if x.Dims() != 4 {
		return nil, shapeErr("ConvTranspose2D", "input.dims", x.Dims(), 4)
	}
	if weight.Dims() != 4 {
		return nil, shapeErr("ConvTranspose2D", "weight.dims", weight.Dims(), 4)
	}
	if stride <= 0 {
		stride = 1
	}
	nb, ci, h, w := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	wi, co, kh, kw := weight.shape[0], weight.shape[1], weight.shape[2], weight.shape[3]
	if wi != ci {
		return nil, shapeErr("ConvTranspose2D", "in_channels", ci, wi)
	}
	if bias != nil && bias.Numel() != co {
		return nil, shapeErr("ConvTranspose2D", "bias", bias.Numel(), co)
	}
	oh := (h-1)*stride + kh
	ow := (w-1)*stride + kw

	hw := h * w
	rows := co * kh * kw
	out := make([]float32, nb*co*oh*ow)
	parallelFor(nb, func(b int) {
		// cols = weight^T @ x, (Co*kh*kw, H*W)
		cols := make([]float32, rows*hw)
		if ci > 0 && hw > 0 {
			blas32.Gemm(blas.Trans, blas.NoTrans, 1,
				blas32.General{Rows: ci, Cols: rows, Stride: rows, Data: weight.data},
				blas32.General{Rows: ci, Cols: hw, Stride: hw, Data: x.data[b*ci*hw : (b+1)*ci*hw]},
				0,
				blas32.General{Rows: rows, Cols: hw, Stride: hw, Data: cols},
			)
		}
		dst := out[b*co*oh*ow : (b+1)*co*oh*ow]
		for c := 0; c < co; c++ {
			plane := dst[c*oh*ow : (c+1)*oh*ow]
			for ki := 0; ki < kh; ki++ {
				for kj := 0; kj < kw; kj++ {
					row := cols[((c*kh+ki)*kw+kj)*hw:]
					for y := 0; y < h; y++ {
						for xx := 0; xx < w; xx++ {
							plane[(y*stride+ki)*ow+xx*stride+kj] += row[y*w+xx]
						}
					}
				}
			}
			if bias != nil {
				bv := bias.data[c]
				for i := range plane {
					plane[i] += bv
				}
			}
		}
	})
	return &Tensor{shape: []int{nb, co, oh, ow}, data: out}, nil
}
