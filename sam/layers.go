package sam

import (
	"github.com/getcharzp/go-segment/tensor"
	"github.com/getcharzp/go-segment/weights"
)

// linear 全连接层, weight 形状为 (out, in)
type linear struct {
	weight, bias *tensor.Tensor
}

func newLinear(vb weights.Builder, in, out int, withBias bool) (*linear, error) {
	w, err := vb.Tensor("weight", out, in)
	if err != nil {
		return nil, err
	}
	l := &linear{weight: w}
	if withBias {
		if l.bias, err = vb.Tensor("bias", out); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *linear) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Linear(x, l.weight, l.bias)
}

// layerNorm 沿最后一维归一化
type layerNorm struct {
	weight, bias *tensor.Tensor
	eps          float64
}

func newLayerNorm(vb weights.Builder, dim int, eps float64) (*layerNorm, error) {
	w, err := vb.Tensor("weight", dim)
	if err != nil {
		return nil, err
	}
	b, err := vb.Tensor("bias", dim)
	if err != nil {
		return nil, err
	}
	return &layerNorm{weight: w, bias: b, eps: eps}, nil
}

func (n *layerNorm) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.LayerNorm(x, n.weight, n.bias, n.eps)
}

// layerNorm2d 对 NCHW 的通道维归一化
type layerNorm2d layerNorm

func newLayerNorm2d(vb weights.Builder, dim int) (*layerNorm2d, error) {
	n, err := newLayerNorm(vb, dim, 1e-6)
	return (*layerNorm2d)(n), err
}

func (n *layerNorm2d) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.LayerNorm2d(x, n.weight, n.bias, n.eps)
}

type conv2d struct {
	weight, bias *tensor.Tensor
	cfg          tensor.ConvConfig
}

func newConv2d(vb weights.Builder, in, out, kernel int, withBias bool, cfg tensor.ConvConfig) (*conv2d, error) {
	w, err := vb.Tensor("weight", out, in, kernel, kernel)
	if err != nil {
		return nil, err
	}
	c := &conv2d{weight: w, cfg: cfg}
	if withBias {
		if c.bias, err = vb.Tensor("bias", out); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *conv2d) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv2D(x, c.weight, c.bias, c.cfg)
}

// convTranspose2d 转置卷积, weight 形状为 (in, out, k, k)
type convTranspose2d struct {
	weight, bias *tensor.Tensor
	stride       int
}

func newConvTranspose2d(vb weights.Builder, in, out, kernel, stride int) (*convTranspose2d, error) {
	w, err := vb.Tensor("weight", in, out, kernel, kernel)
	if err != nil {
		return nil, err
	}
	b, err := vb.Tensor("bias", out)
	if err != nil {
		return nil, err
	}
	return &convTranspose2d{weight: w, bias: b, stride: stride}, nil
}

func (c *convTranspose2d) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ConvTranspose2D(x, c.weight, c.bias, c.stride)
}

// mlpBlock lin1 -> act -> lin2
type mlpBlock struct {
	lin1, lin2 *linear
	act        func(*tensor.Tensor) *tensor.Tensor
}

func newMLPBlock(vb weights.Builder, dim, hidden int, act func(*tensor.Tensor) *tensor.Tensor) (*mlpBlock, error) {
	lin1, err := newLinear(vb.Sub("lin1"), dim, hidden, true)
	if err != nil {
		return nil, err
	}
	lin2, err := newLinear(vb.Sub("lin2"), hidden, dim, true)
	if err != nil {
		return nil, err
	}
	return &mlpBlock{lin1: lin1, lin2: lin2, act: act}, nil
}

func (m *mlpBlock) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := m.lin1.forward(x)
	if err != nil {
		return nil, err
	}
	return m.lin2.forward(m.act(h))
}

// mlp 多层感知机, 除最后一层外都接 ReLU
type mlp struct {
	layers []*linear
}

func newMLP(vb weights.Builder, in, hidden, out, depth int) (*mlp, error) {
	m := &mlp{layers: make([]*linear, depth)}
	for i := range depth {
		li, lo := hidden, hidden
		if i == 0 {
			li = in
		}
		if i == depth-1 {
			lo = out
		}
		l, err := newLinear(vb.Sub("layers", i), li, lo, true)
		if err != nil {
			return nil, err
		}
		m.layers[i] = l
	}
	return m, nil
}

func (m *mlp) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i, l := range m.layers {
		if x, err = l.forward(x); err != nil {
			return nil, err
		}
		if i < len(m.layers)-1 {
			x = x.ReLU()
		}
	}
	return x, nil
}

func gelu(x *tensor.Tensor) *tensor.Tensor { return x.GELU() }

func relu(x *tensor.Tensor) *tensor.Tensor { return x.ReLU() }
