package tensor

import (
	"math"
	"slices"
)

// binary 按广播规则逐元素计算 f(a, b)
func binary(op string, a, b *Tensor, f func(x, y float32) float32) (*Tensor, error) {
	if slices.Equal(a.shape, b.shape) {
		out := make([]float32, len(a.data))
		for i := range out {
			out[i] = f(a.data[i], b.data[i])
		}
		return &Tensor{shape: slices.Clone(a.shape), data: out}, nil
	}

	shape, err := broadcastShape(op, a.shape, b.shape)
	if err != nil {
		return nil, err
	}
	ad, bd := a.data, b.data
	if !slices.Equal(a.shape, shape) {
		strides, _ := broadcastStrides(op, a.shape, shape)
		ad = strided(a.data, 0, shape, strides)
	}
	if !slices.Equal(b.shape, shape) {
		strides, _ := broadcastStrides(op, b.shape, shape)
		bd = strided(b.data, 0, shape, strides)
	}
	out := make([]float32, len(ad))
	for i := range out {
		out[i] = f(ad[i], bd[i])
	}
	return &Tensor{shape: shape, data: out}, nil
}

// Add a + b (支持广播)
func Add(a, b *Tensor) (*Tensor, error) {
	return binary("Add", a, b, func(x, y float32) float32 { return x + y })
}

// Sub a - b (支持广播)
func Sub(a, b *Tensor) (*Tensor, error) {
	return binary("Sub", a, b, func(x, y float32) float32 { return x - y })
}

// Mul a * b (支持广播)
func Mul(a, b *Tensor) (*Tensor, error) {
	return binary("Mul", a, b, func(x, y float32) float32 { return x * y })
}

// Div a / b (支持广播)
func Div(a, b *Tensor) (*Tensor, error) {
	return binary("Div", a, b, func(x, y float32) float32 { return x / y })
}

// Map 对每个元素应用 f
func (t *Tensor) Map(f func(float32) float32) *Tensor {
	out := make([]float32, len(t.data))
	for i, v := range t.data {
		out[i] = f(v)
	}
	return &Tensor{shape: slices.Clone(t.shape), data: out}
}

// Scale 乘以标量
func (t *Tensor) Scale(s float32) *Tensor {
	return t.Map(func(v float32) float32 { return v * s })
}

// AddScalar 加上标量
func (t *Tensor) AddScalar(s float32) *Tensor {
	return t.Map(func(v float32) float32 { return v + s })
}

// GELU 精确 (erf) 形式的 GELU
func (t *Tensor) GELU() *Tensor {
	return t.Map(func(v float32) float32 {
		x := float64(v)
		return float32(0.5 * x * (1 + math.Erf(x/math.Sqrt2)))
	})
}

// ReLU max(0, x)
func (t *Tensor) ReLU() *Tensor {
	return t.Map(func(v float32) float32 { return max(v, 0) })
}

// Sin 逐元素正弦
func (t *Tensor) Sin() *Tensor {
	return t.Map(func(v float32) float32 { return float32(math.Sin(float64(v))) })
}

// Cos 逐元素余弦
func (t *Tensor) Cos() *Tensor {
	return t.Map(func(v float32) float32 { return float32(math.Cos(float64(v))) })
}

// Gt 大于 threshold 的位置为 1, 其余为 0
func (t *Tensor) Gt(threshold float32) *Tensor {
	return t.Map(func(v float32) float32 {
		if v > threshold {
			return 1
		}
		return 0
	})
}

// Sum 所有元素之和
func (t *Tensor) Sum() float64 {
	var s float64
	for _, v := range t.data {
		s += float64(v)
	}
	return s
}

// Argmax 最大值所在的平铺下标, 相同值取第一个
func (t *Tensor) Argmax() int {
	best := 0
	for i, v := range t.data {
		if v > t.data[best] {
			best = i
		}
	}
	return best
}
