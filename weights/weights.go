// Package weights 按名称查找模型权重
package weights

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/getcharzp/go-segment/tensor"
)

// ErrNotFound 权重不存在
var ErrNotFound = errors.New("权重不存在")

// Source 权重来源, 按名称返回指定形状的张量
//
// 形状不一致时返回 *tensor.ShapeError, 不存在时返回包装了 ErrNotFound 的错误
type Source interface {
	Tensor(name string, shape ...int) (*tensor.Tensor, error)
}

// Map 内存中的权重表
type Map map[string]*tensor.Tensor

// Tensor 实现 Source
func (m Map) Tensor(name string, shape ...int) (*tensor.Tensor, error) {
	t, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return checkShape(name, t, shape)
}

func checkShape(name string, t *tensor.Tensor, shape []int) (*tensor.Tensor, error) {
	if !slices.Equal(t.Shape(), shape) {
		return nil, &tensor.ShapeError{
			Op:  "weights",
			Dim: name,
			Msg: fmt.Sprintf("得到 %v, 期望 %v", t.Shape(), shape),
		}
	}
	return t, nil
}

// Builder 带前缀的权重查找, 名称之间以 "." 连接
type Builder struct {
	src    Source
	prefix string
}

// NewBuilder 创建根 Builder
func NewBuilder(src Source) Builder {
	return Builder{src: src}
}

// Sub 进入子模块, parts 可以是名称或下标
func (b Builder) Sub(parts ...any) Builder {
	names := make([]string, 0, len(parts)+1)
	if b.prefix != "" {
		names = append(names, b.prefix)
	}
	for _, p := range parts {
		names = append(names, fmt.Sprint(p))
	}
	return Builder{src: b.src, prefix: strings.Join(names, ".")}
}

// Path 当前前缀下 name 的完整名称
func (b Builder) Path(name string) string {
	if b.prefix == "" {
		return name
	}
	return b.prefix + "." + name
}

// Tensor 查找当前前缀下的权重
func (b Builder) Tensor(name string, shape ...int) (*tensor.Tensor, error) {
	t, err := b.src.Tensor(b.Path(name), shape...)
	if err != nil {
		return nil, fmt.Errorf("加载权重 %s 失败: %w", b.Path(name), err)
	}
	return t, nil
}
