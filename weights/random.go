package weights

import (
	"hash/fnv"
	"math/rand/v2"
	"strings"

	"github.com/getcharzp/go-segment/tensor"
)

// Random 按名称生成确定性的随机权重, 用于测试和演示
//
// 同一个 (Seed, name) 总是得到相同的张量, 与查找顺序无关
type Random struct {
	Seed uint64
	Std  float32 // 正态分布标准差, 0 时使用 0.02
}

// Tensor 实现 Source
func (r Random) Tensor(name string, shape ...int) (*tensor.Tensor, error) {
	h := fnv.New64a()
	h.Write([]byte(name))
	rng := rand.New(rand.NewPCG(r.Seed, h.Sum64()))

	std := r.Std
	if std == 0 {
		std = 0.02
	}
	// 归一化层的缩放系数以 1 为中心
	base := float32(0)
	if isNormWeight(name) {
		base = 1
	}

	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = base + float32(rng.NormFloat64())*std
	}
	return tensor.New(data, shape...)
}

func isNormWeight(name string) bool {
	if !strings.HasSuffix(name, ".weight") {
		return false
	}
	parent := strings.TrimSuffix(name, ".weight")
	if i := strings.LastIndex(parent, "."); i >= 0 {
		parent = parent[i+1:]
	}
	return strings.HasPrefix(parent, "norm")
}
