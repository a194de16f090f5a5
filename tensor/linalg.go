package tensor

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MatMul 批量矩阵乘法 (..., m, k) @ (..., k, n) -> (..., m, n)
//
// 批维度按广播规则对齐
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.Dims() < 2 || b.Dims() < 2 {
		return nil, shapeErrf("MatMul", "dims", "至少需要 2 维, 得到 %v 和 %v", a.shape, b.shape)
	}
	m, k := a.Dim(-2), a.Dim(-1)
	k2, n := b.Dim(-2), b.Dim(-1)
	if k != k2 {
		return nil, shapeErr("MatMul", "k", k2, k)
	}

	batch, err := broadcastShape("MatMul", a.shape[:a.Dims()-2], b.shape[:b.Dims()-2])
	if err != nil {
		return nil, err
	}
	if a, err = a.expandTo(append(slices.Clone(batch), m, k)); err != nil {
		return nil, err
	}
	if b, err = b.expandTo(append(slices.Clone(batch), k, n)); err != nil {
		return nil, err
	}

	nb := numel(batch)
	out := make([]float32, nb*m*n)
	parallelFor(nb, func(i int) {
		gemm(blas.NoTrans,
			blas32.General{Rows: m, Cols: k, Stride: k, Data: a.data[i*m*k : (i+1)*m*k]},
			blas32.General{Rows: k, Cols: n, Stride: n, Data: b.data[i*k*n : (i+1)*k*n]},
			blas32.General{Rows: m, Cols: n, Stride: n, Data: out[i*m*n : (i+1)*m*n]},
		)
	})
	return &Tensor{shape: append(batch, m, n), data: out}, nil
}

func (t *Tensor) expandTo(shape []int) (*Tensor, error) {
	if slices.Equal(t.shape, shape) {
		return t, nil
	}
	return t.Expand(shape...)
}

// gemm c = a @ op(b), 空矩阵时直接跳过
func gemm(tB blas.Transpose, a, b, c blas32.General) {
	if a.Rows == 0 || a.Cols == 0 || c.Cols == 0 {
		return
	}
	blas32.Gemm(blas.NoTrans, tB, 1, a, b, 0, c)
}

// Linear 全连接 x @ weight^T + bias
//
// # Params:
//
//	x: (..., in)
//	weight: (out, in)
//	bias: (out), 可为 nil
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if weight.Dims() != 2 {
		return nil, shapeErr("Linear", "weight.dims", weight.Dims(), 2)
	}
	out, in := weight.Dim(0), weight.Dim(1)
	if x.Dims() == 0 || x.Dim(-1) != in {
		return nil, shapeErrf("Linear", "in_features", "输入 %v 的最后一维应为 %d", x.shape, in)
	}
	if bias != nil && (bias.Dims() != 1 || bias.Dim(0) != out) {
		return nil, shapeErrf("Linear", "bias", "偏置形状 %v 与输出维度 %d 不一致", bias.shape, out)
	}

	rows := numel(x.shape[:x.Dims()-1])
	res := make([]float32, rows*out)
	gemm(blas.Trans,
		blas32.General{Rows: rows, Cols: in, Stride: max(in, 1), Data: x.data},
		blas32.General{Rows: out, Cols: in, Stride: max(in, 1), Data: weight.data},
		blas32.General{Rows: rows, Cols: out, Stride: max(out, 1), Data: res},
	)
	if bias != nil {
		for r := 0; r < rows; r++ {
			row := res[r*out : (r+1)*out]
			for j := range row {
				row[j] += bias.data[j]
			}
		}
	}
	shape := slices.Clone(x.shape)
	shape[len(shape)-1] = out
	return &Tensor{shape: shape, data: res}, nil
}

// Softmax 沿最后一维的数值稳定 softmax
func Softmax(x *Tensor) (*Tensor, error) {
	if x.Dims() == 0 {
		return nil, shapeErrf("Softmax", "dims", "不支持标量")
	}
	n := x.Dim(-1)
	out := make([]float32, len(x.data))
	if n == 0 {
		return &Tensor{shape: slices.Clone(x.shape), data: out}, nil
	}
	for off := 0; off < len(x.data); off += n {
		row := x.data[off : off+n]
		mx := slices.Max(row)
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - mx))
			out[off+j] = float32(e)
			sum += e
		}
		for j := range row {
			out[off+j] = float32(float64(out[off+j]) / sum)
		}
	}
	return &Tensor{shape: slices.Clone(x.shape), data: out}, nil
}

// LayerNorm 沿最后一维做层归一化
func LayerNorm(x, weight, bias *Tensor, eps float64) (*Tensor, error) {
	if x.Dims() == 0 {
		return nil, shapeErrf("LayerNorm", "dims", "不支持标量")
	}
	n := x.Dim(-1)
	if err := checkAffine("LayerNorm", weight, bias, n); err != nil {
		return nil, err
	}
	out := make([]float32, len(x.data))
	if n == 0 {
		return &Tensor{shape: slices.Clone(x.shape), data: out}, nil
	}
	for off := 0; off < len(x.data); off += n {
		normalize(x.data, out, off, 1, n, weight.data, bias.data, eps)
	}
	return &Tensor{shape: slices.Clone(x.shape), data: out}, nil
}

// LayerNorm2d 对 (N, C, H, W) 在通道维上做层归一化
func LayerNorm2d(x, weight, bias *Tensor, eps float64) (*Tensor, error) {
	if x.Dims() != 4 {
		return nil, shapeErr("LayerNorm2d", "dims", x.Dims(), 4)
	}
	nb, c, h, w := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	if err := checkAffine("LayerNorm2d", weight, bias, c); err != nil {
		return nil, err
	}
	hw := h * w
	out := make([]float32, len(x.data))
	for b := 0; b < nb; b++ {
		for p := 0; p < hw; p++ {
			normalize(x.data, out, b*c*hw+p, hw, c, weight.data, bias.data, eps)
		}
	}
	return &Tensor{shape: slices.Clone(x.shape), data: out}, nil
}

func checkAffine(op string, weight, bias *Tensor, n int) error {
	if weight == nil || bias == nil {
		return shapeErrf(op, "affine", "缺少 weight 或 bias")
	}
	if weight.Numel() != n {
		return shapeErr(op, "weight", weight.Numel(), n)
	}
	if bias.Numel() != n {
		return shapeErr(op, "bias", bias.Numel(), n)
	}
	return nil
}

// normalize 对 src[off + i*stride] (i < n) 做归一化并仿射变换写入 dst
func normalize(src, dst []float32, off, stride, n int, weight, bias []float32, eps float64) {
	var mean float64
	for i := 0; i < n; i++ {
		mean += float64(src[off+i*stride])
	}
	mean /= float64(n)
	var variance float64
	for i := 0; i < n; i++ {
		d := float64(src[off+i*stride]) - mean
		variance += d * d
	}
	variance /= float64(n)
	inv := 1 / math.Sqrt(variance+eps)
	for i := 0; i < n; i++ {
		v := (float64(src[off+i*stride]) - mean) * inv
		dst[off+i*stride] = float32(v)*weight[i] + bias[i]
	}
}
