// Package tensor 提供分割模型推理所需的 float32 张量及其算子
//
// 所有算子都返回新的张量, 不会原地修改输入
package tensor

import (
	"fmt"
	"slices"
	"strings"
)

// Tensor 行优先存储的 float32 多维数组
type Tensor struct {
	shape []int
	data  []float32
}

// New 使用已有数据创建张量, data 的所有权转移给张量
func New(data []float32, shape ...int) (*Tensor, error) {
	for i, d := range shape {
		if d < 0 {
			return nil, shapeErrf("New", fmt.Sprint(i), "维度不能为负数: %d", d)
		}
	}
	if n := numel(shape); n != len(data) {
		return nil, shapeErr("New", "numel", len(data), n)
	}
	return &Tensor{shape: slices.Clone(shape), data: data}, nil
}

// MustNew 同 New, 形状错误时 panic, 仅用于常量构造
func MustNew(data []float32, shape ...int) *Tensor {
	t, err := New(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// Zeros 全零张量
func Zeros(shape ...int) *Tensor {
	return &Tensor{shape: slices.Clone(shape), data: make([]float32, numel(shape))}
}

// Full 用 v 填充的张量
func Full(v float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// Shape 返回形状的副本
func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

// Dims 维度数量
func (t *Tensor) Dims() int { return len(t.shape) }

// Dim 第 i 维的大小, 支持负数下标
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Numel 元素数量
func (t *Tensor) Numel() int { return len(t.data) }

// Data 底层数据, 调用方不应修改
func (t *Tensor) Data() []float32 { return t.data }

// Clone 深拷贝
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

// At 按多维下标取值
func (t *Tensor) At(idx ...int) float32 {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: At 下标数量 %d 与维度 %d 不一致", len(idx), len(t.shape)))
	}
	off := 0
	for i, v := range idx {
		off = off*t.shape[i] + v
	}
	return t.data[off]
}

func (t *Tensor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor%v", t.shape)
	if len(t.data) <= 16 {
		fmt.Fprintf(&sb, " %v", t.data)
	}
	return sb.String()
}

// axis 规范化维度下标
func (t *Tensor) axis(op string, a int) (int, error) {
	n := len(t.shape)
	if a < 0 {
		a += n
	}
	if a < 0 || a >= n {
		return 0, shapeErrf(op, "axis", "维度下标 %d 超出范围 [0, %d)", a, n)
	}
	return a, nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func stridesOf(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return strides
}

// strided 按给定步长从 data 中拷贝出 shape 形状的连续数组
//
// # Params:
//
//	data: 源数据
//	offset: 起始偏移
//	shape: 输出形状
//	strides: 每个输出维度在源数据中的步长, 0 表示广播
func strided(data []float32, offset int, shape, strides []int) []float32 {
	n := numel(shape)
	out := make([]float32, n)
	if n == 0 {
		return out
	}
	nd := len(shape)
	if nd == 0 {
		out[0] = data[offset]
		return out
	}
	inner := shape[nd-1]
	innerStride := strides[nd-1]
	idx := make([]int, nd-1)
	for o := 0; o < n; o += inner {
		off := offset
		for i, v := range idx {
			off += v * strides[i]
		}
		if innerStride == 1 {
			copy(out[o:o+inner], data[off:off+inner])
		} else {
			for j := 0; j < inner; j++ {
				out[o+j] = data[off+j*innerStride]
			}
		}
		for i := nd - 2; i >= 0; i-- {
			idx[i]++
			if idx[i] < shape[i] {
				break
			}
			idx[i] = 0
		}
	}
	return out
}
