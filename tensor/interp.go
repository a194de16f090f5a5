package tensor

import (
	"math"
	"slices"
)

// UpsampleNearest2D 对最后两维做最近邻缩放
//
// 源坐标为 floor(dst * in / out), 与常见深度学习框架的 nearest 模式一致
func UpsampleNearest2D(x *Tensor, outH, outW int) (*Tensor, error) {
	h, w, err := spatial("UpsampleNearest2D", x, outH, outW)
	if err != nil {
		return nil, err
	}
	ys := nearestIndex(h, outH)
	xs := nearestIndex(w, outW)
	return resample(x, h, w, outH, outW, func(src, dst []float32) {
		for oy, sy := range ys {
			srow := src[sy*w : (sy+1)*w]
			drow := dst[oy*outW : (oy+1)*outW]
			for ox, sx := range xs {
				drow[ox] = srow[sx]
			}
		}
	}), nil
}

// UpsampleBilinear2D 对最后两维做双线性缩放 (align_corners=false)
func UpsampleBilinear2D(x *Tensor, outH, outW int) (*Tensor, error) {
	h, w, err := spatial("UpsampleBilinear2D", x, outH, outW)
	if err != nil {
		return nil, err
	}
	y0, y1, ly := linearIndex(h, outH)
	x0, x1, lx := linearIndex(w, outW)
	return resample(x, h, w, outH, outW, func(src, dst []float32) {
		for oy := 0; oy < outH; oy++ {
			r0 := src[y0[oy]*w : (y0[oy]+1)*w]
			r1 := src[y1[oy]*w : (y1[oy]+1)*w]
			wy := ly[oy]
			for ox := 0; ox < outW; ox++ {
				wx := lx[ox]
				top := r0[x0[ox]]*(1-wx) + r0[x1[ox]]*wx
				bot := r1[x0[ox]]*(1-wx) + r1[x1[ox]]*wx
				dst[oy*outW+ox] = top*(1-wy) + bot*wy
			}
		}
	}), nil
}

func spatial(op string, x *Tensor, outH, outW int) (int, int, error) {
	if x.Dims() < 2 {
		return 0, 0, shapeErr(op, "dims", x.Dims(), 2)
	}
	if outH <= 0 || outW <= 0 {
		return 0, 0, shapeErrf(op, "size", "目标尺寸必须为正数: %dx%d", outH, outW)
	}
	h, w := x.Dim(-2), x.Dim(-1)
	if h == 0 || w == 0 {
		return 0, 0, shapeErrf(op, "size", "输入尺寸为空: %dx%d", h, w)
	}
	return h, w, nil
}

// resample 对每个 (h, w) 平面调用 fn
func resample(x *Tensor, h, w, outH, outW int, fn func(src, dst []float32)) *Tensor {
	planes := len(x.data) / (h * w)
	out := make([]float32, planes*outH*outW)
	for p := 0; p < planes; p++ {
		fn(x.data[p*h*w:(p+1)*h*w], out[p*outH*outW:(p+1)*outH*outW])
	}
	shape := slices.Clone(x.shape)
	shape[len(shape)-2] = outH
	shape[len(shape)-1] = outW
	return &Tensor{shape: shape, data: out}
}

func nearestIndex(in, out int) []int {
	scale := float64(in) / float64(out)
	idx := make([]int, out)
	for i := range idx {
		idx[i] = min(int(math.Floor(float64(i)*scale)), in-1)
	}
	return idx
}

func linearIndex(in, out int) (i0, i1 []int, lambda []float32) {
	scale := float64(in) / float64(out)
	i0 = make([]int, out)
	i1 = make([]int, out)
	lambda = make([]float32, out)
	for i := 0; i < out; i++ {
		src := max((float64(i)+0.5)*scale-0.5, 0)
		lo := min(int(src), in-1)
		i0[i] = lo
		i1[i] = min(lo+1, in-1)
		lambda[i] = float32(src - float64(lo))
	}
	return i0, i1, lambda
}
