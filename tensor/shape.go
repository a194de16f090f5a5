package tensor

import (
	"fmt"
	"slices"
)

// Reshape 改变形状, 最多允许一个 -1 由其余维度推断
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == -1:
			if infer >= 0 {
				return nil, shapeErrf("Reshape", fmt.Sprint(i), "只能有一个 -1 维度")
			}
			infer = i
		case d < 0:
			return nil, shapeErrf("Reshape", fmt.Sprint(i), "维度不能为负数: %d", d)
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			return nil, shapeErrf("Reshape", fmt.Sprint(infer), "无法从 %v 推断 %v", t.shape, shape)
		}
		shape[infer] = len(t.data) / known
		known *= shape[infer]
	}
	if known != len(t.data) {
		return nil, shapeErrf("Reshape", "numel", "无法将 %v 变形为 %v", t.shape, shape)
	}
	return &Tensor{shape: shape, data: t.data}, nil
}

// Permute 按 axes 重新排列维度
func (t *Tensor) Permute(axes ...int) (*Tensor, error) {
	n := len(t.shape)
	if len(axes) != n {
		return nil, shapeErr("Permute", "axes", len(axes), n)
	}
	seen := make([]bool, n)
	shape := make([]int, n)
	strides := make([]int, n)
	src := stridesOf(t.shape)
	for i, a := range axes {
		if a < 0 || a >= n || seen[a] {
			return nil, shapeErrf("Permute", "axes", "非法的维度排列 %v", axes)
		}
		seen[a] = true
		shape[i] = t.shape[a]
		strides[i] = src[a]
	}
	return &Tensor{shape: shape, data: strided(t.data, 0, shape, strides)}, nil
}

// Transpose 交换两个维度
func (t *Tensor) Transpose(a, b int) (*Tensor, error) {
	a, err := t.axis("Transpose", a)
	if err != nil {
		return nil, err
	}
	b, err = t.axis("Transpose", b)
	if err != nil {
		return nil, err
	}
	axes := make([]int, len(t.shape))
	for i := range axes {
		axes[i] = i
	}
	axes[a], axes[b] = axes[b], axes[a]
	return t.Permute(axes...)
}

// Narrow 沿 axis 截取 [start, start+length)
func (t *Tensor) Narrow(axis, start, length int) (*Tensor, error) {
	axis, err := t.axis("Narrow", axis)
	if err != nil {
		return nil, err
	}
	if start < 0 || length < 0 || start+length > t.shape[axis] {
		return nil, shapeErrf("Narrow", fmt.Sprint(axis), "区间 [%d, %d) 超出维度大小 %d", start, start+length, t.shape[axis])
	}
	strides := stridesOf(t.shape)
	shape := slices.Clone(t.shape)
	shape[axis] = length
	return &Tensor{shape: shape, data: strided(t.data, start*strides[axis], shape, strides)}, nil
}

// Select 取出 axis 上第 i 个切片并去掉该维度
func (t *Tensor) Select(axis, i int) (*Tensor, error) {
	axis, err := t.axis("Select", axis)
	if err != nil {
		return nil, err
	}
	n, err := t.Narrow(axis, i, 1)
	if err != nil {
		return nil, err
	}
	shape := slices.Delete(n.Shape(), axis, axis+1)
	return n.Reshape(shape...)
}

// Unsqueeze 在 axis 处插入大小为 1 的维度
func (t *Tensor) Unsqueeze(axis int) (*Tensor, error) {
	n := len(t.shape)
	if axis < 0 {
		axis += n + 1
	}
	if axis < 0 || axis > n {
		return nil, shapeErrf("Unsqueeze", "axis", "维度下标 %d 超出范围 [0, %d]", axis, n)
	}
	return t.Reshape(slices.Insert(t.Shape(), axis, 1)...)
}

// PadZeros 沿 axis 在前后补零, 只支持非负的补齐量
func (t *Tensor) PadZeros(axis, before, after int) (*Tensor, error) {
	axis, err := t.axis("PadZeros", axis)
	if err != nil {
		return nil, err
	}
	if before < 0 || after < 0 {
		return nil, shapeErrf("PadZeros", fmt.Sprint(axis), "补齐量不能为负数: (%d, %d)", before, after)
	}
	if before == 0 && after == 0 {
		return t, nil
	}
	outer := numel(t.shape[:axis])
	inner := numel(t.shape[axis+1:])
	dim := t.shape[axis]
	newDim := dim + before + after

	shape := slices.Clone(t.shape)
	shape[axis] = newDim
	out := make([]float32, numel(shape))
	for o := 0; o < outer; o++ {
		src := t.data[o*dim*inner : (o+1)*dim*inner]
		copy(out[o*newDim*inner+before*inner:], src)
	}
	return &Tensor{shape: shape, data: out}, nil
}

// Cat 沿 axis 拼接, 其余维度必须一致
func Cat(ts []*Tensor, axis int) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, shapeErrf("Cat", "tensors", "没有需要拼接的张量")
	}
	first := ts[0]
	axis, err := first.axis("Cat", axis)
	if err != nil {
		return nil, err
	}
	total := 0
	for i, t := range ts {
		if len(t.shape) != len(first.shape) {
			return nil, shapeErrf("Cat", "dims", "第 %d 个张量维度数 %d 与 %d 不一致", i, len(t.shape), len(first.shape))
		}
		for d := range t.shape {
			if d != axis && t.shape[d] != first.shape[d] {
				return nil, shapeErrf("Cat", fmt.Sprint(d), "第 %d 个张量形状 %v 与 %v 不一致", i, t.shape, first.shape)
			}
		}
		total += t.shape[axis]
	}

	outer := numel(first.shape[:axis])
	inner := numel(first.shape[axis+1:])
	shape := slices.Clone(first.shape)
	shape[axis] = total
	out := make([]float32, numel(shape))
	rowLen := total * inner
	for o := 0; o < outer; o++ {
		off := o * rowLen
		for _, t := range ts {
			n := t.shape[axis] * inner
			copy(out[off:off+n], t.data[o*n:(o+1)*n])
			off += n
		}
	}
	return &Tensor{shape: shape, data: out}, nil
}

// Stack 在新的 axis 维度上堆叠形状相同的张量
func Stack(ts []*Tensor, axis int) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, shapeErrf("Stack", "tensors", "没有需要堆叠的张量")
	}
	expanded := make([]*Tensor, len(ts))
	for i, t := range ts {
		if !slices.Equal(t.shape, ts[0].shape) {
			return nil, shapeErrf("Stack", "shape", "第 %d 个张量形状 %v 与 %v 不一致", i, t.shape, ts[0].shape)
		}
		u, err := t.Unsqueeze(axis)
		if err != nil {
			return nil, err
		}
		expanded[i] = u
	}
	return Cat(expanded, axis)
}

// Expand 将大小为 1 的维度广播到 shape, 允许在前面增加新的维度
func (t *Tensor) Expand(shape ...int) (*Tensor, error) {
	strides, err := broadcastStrides("Expand", t.shape, shape)
	if err != nil {
		return nil, err
	}
	return &Tensor{shape: slices.Clone(shape), data: strided(t.data, 0, shape, strides)}, nil
}

// broadcastStrides 计算 from 广播到 to 时每个维度的步长
func broadcastStrides(op string, from, to []int) ([]int, error) {
	if len(from) > len(to) {
		return nil, shapeErrf(op, "dims", "无法将 %v 广播到 %v", from, to)
	}
	src := stridesOf(from)
	strides := make([]int, len(to))
	lead := len(to) - len(from)
	for i := range to {
		if i < lead {
			continue
		}
		d := from[i-lead]
		switch {
		case d == to[i]:
			strides[i] = src[i-lead]
		case d == 1:
			strides[i] = 0
		default:
			return nil, shapeErrf(op, fmt.Sprint(i), "无法将 %v 广播到 %v", from, to)
		}
	}
	return strides, nil
}

// broadcastShape 两个形状按 numpy 规则广播后的形状
func broadcastShape(op string, a, b []int) ([]int, error) {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if j := i - (n - len(a)); j >= 0 {
			da = a[j]
		}
		if j := i - (n - len(b)); j >= 0 {
			db = b[j]
		}
		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			return nil, shapeErrf(op, fmt.Sprint(i), "形状 %v 与 %v 无法广播", a, b)
		}
	}
	return out, nil
}
