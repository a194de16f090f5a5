package tensor

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var approx = cmpopts.EquateApprox(1e-4, 1e-5)

func arange(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

func TestNew_ShapeMismatch(t *testing.T) {
	_, err := New(arange(5), 2, 3)
	var se *ShapeError
	if !errors.As(err, &se) {
		t.Fatalf("期望 ShapeError, 得到 %v", err)
	}
	if se.Got != 5 || se.Want != 6 {
		t.Fatalf("ShapeError = %+v", se)
	}
}

func TestReshapeInfer(t *testing.T) {
	x := MustNew(arange(24), 2, 3, 4)
	y, err := x.Reshape(4, -1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{4, 6}, y.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	if _, err := x.Reshape(-1, -1); err == nil {
		t.Fatal("两个 -1 应返回错误")
	}
	if _, err := x.Reshape(5, 5); err == nil {
		t.Fatal("元素数量不一致应返回错误")
	}
}

func TestPermute(t *testing.T) {
	x := MustNew(arange(6), 2, 3)
	y, err := x.Permute(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{0, 3, 1, 4, 2, 5}, y.Data()); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	if _, err := x.Permute(0, 0); err == nil {
		t.Fatal("重复的维度应返回错误")
	}
}

func TestNarrowSelect(t *testing.T) {
	x := MustNew(arange(12), 3, 4)
	n, err := x.Narrow(1, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{1, 2, 5, 6, 9, 10}, n.Data()); diff != "" {
		t.Fatalf("Narrow mismatch (-want +got):\n%s", diff)
	}
	s, err := x.Select(0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{4}, s.Shape()); diff != "" {
		t.Fatalf("Select shape mismatch (-want +got):\n%s", diff)
	}
	if _, err := x.Narrow(0, 2, 2); err == nil {
		t.Fatal("越界应返回错误")
	}
}

func TestPadZeros(t *testing.T) {
	x := MustNew([]float32{1, 2, 3, 4}, 2, 2)
	y, err := x.PadZeros(1, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{1, 2, 0, 3, 4, 0}, y.Data()); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	if z, _ := x.PadZeros(0, 0, 0); z != x {
		t.Fatal("不补齐时应返回原张量")
	}
}

func TestCatStack(t *testing.T) {
	a := MustNew([]float32{1, 2}, 1, 2)
	b := MustNew([]float32{3, 4, 5, 6}, 2, 2)
	c, err := Cat([]*Tensor{a, b}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4, 5, 6}, c.Data()); diff != "" {
		t.Fatalf("Cat mismatch (-want +got):\n%s", diff)
	}

	s, err := Stack([]*Tensor{a, a}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 1, 2}, s.Shape()); diff != "" {
		t.Fatalf("Stack shape mismatch (-want +got):\n%s", diff)
	}
	if _, err := Stack([]*Tensor{a, b}, 0); err == nil {
		t.Fatal("形状不同的张量不能堆叠")
	}

	// 空维度也能拼接
	empty := Zeros(1, 0, 2)
	e, err := Cat([]*Tensor{empty, MustNew([]float32{7, 8}, 1, 1, 2)}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1, 1, 2}, e.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
}

func TestBroadcastAdd(t *testing.T) {
	a := MustNew(arange(6), 2, 3)
	b := MustNew([]float32{10, 20, 30}, 3)
	c, err := Add(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{10, 21, 32, 13, 24, 35}, c.Data()); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	if _, err := Add(a, MustNew(arange(2), 2)); err == nil {
		t.Fatal("无法广播时应返回错误")
	}
}

func TestMatMulBatchBroadcast(t *testing.T) {
	a := MustNew(arange(12), 2, 2, 3)
	b := MustNew([]float32{1, 0, 0, 1, 1, 1}, 3, 2)
	c, err := MatMul(a, b)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{
		0 + 2, 1 + 2,
		3 + 5, 4 + 5,
		6 + 8, 7 + 8,
		9 + 11, 10 + 11,
	}
	if diff := cmp.Diff(want, c.Data()); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	if _, err := MatMul(a, MustNew(arange(4), 2, 2)); err == nil {
		t.Fatal("k 不一致时应返回错误")
	}
}

func TestLinear(t *testing.T) {
	x := MustNew([]float32{1, 2, 3, 4}, 2, 2)
	w := MustNew([]float32{1, 1, 1, -1, 0, 2}, 3, 2)
	b := MustNew([]float32{0, 1, 2}, 3)
	y, err := Linear(x, w, b)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{3, 0, 6, 7, 0, 10}
	if diff := cmp.Diff(want, y.Data()); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestSoftmax(t *testing.T) {
	x := MustNew([]float32{1, 2, 3, 1000, 1000, 1000}, 2, 3)
	y, err := Softmax(x)
	if err != nil {
		t.Fatal(err)
	}
	e := []float64{math.Exp(-2), math.Exp(-1), 1}
	s := e[0] + e[1] + e[2]
	want := []float32{float32(e[0] / s), float32(e[1] / s), float32(e[2] / s), 1. / 3, 1. / 3, 1. / 3}
	if diff := cmp.Diff(want, y.Data(), approx); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestLayerNorm(t *testing.T) {
	x := MustNew([]float32{1, 2, 3, 4}, 1, 4)
	w := Full(1, 4)
	b := Zeros(4)
	y, err := LayerNorm(x, w, b, 0)
	if err != nil {
		t.Fatal(err)
	}
	std := math.Sqrt(1.25)
	want := []float32{float32(-1.5 / std), float32(-0.5 / std), float32(0.5 / std), float32(1.5 / std)}
	if diff := cmp.Diff(want, y.Data(), approx); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestLayerNorm2dMatchesChannelLast(t *testing.T) {
	x := MustNew(arange(2*3*2*2), 2, 3, 2, 2)
	w := MustNew([]float32{1, 2, 3}, 3)
	b := MustNew([]float32{0.5, 0, -0.5}, 3)
	got, err := LayerNorm2d(x, w, b, 1e-6)
	if err != nil {
		t.Fatal(err)
	}

	nhwc, _ := x.Permute(0, 2, 3, 1)
	ref, err := LayerNorm(nhwc, w, b, 1e-6)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := ref.Permute(0, 3, 1, 2)
	if diff := cmp.Diff(want.Data(), got.Data(), approx); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

// naiveConv2D 直接按定义计算卷积
func naiveConv2D(x, w, b *Tensor, s, p int) []float32 {
	n, c, h, wd := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	o, kh, kw := w.Dim(0), w.Dim(2), w.Dim(3)
	oh := (h+2*p-kh)/s + 1
	ow := (wd+2*p-kw)/s + 1
	out := make([]float32, n*o*oh*ow)
	for bi := 0; bi < n; bi++ {
		for oc := 0; oc < o; oc++ {
			for y := 0; y < oh; y++ {
				for xx := 0; xx < ow; xx++ {
					var sum float32
					if b != nil {
						sum = b.At(oc)
					}
					for ci := 0; ci < c; ci++ {
						for i := 0; i < kh; i++ {
							for j := 0; j < kw; j++ {
								iy, ix := y*s+i-p, xx*s+j-p
								if iy < 0 || iy >= h || ix < 0 || ix >= wd {
									continue
								}
								sum += x.At(bi, ci, iy, ix) * w.At(oc, ci, i, j)
							}
						}
					}
					out[((bi*o+oc)*oh+y)*ow+xx] = sum
				}
			}
		}
	}
	return out
}

func TestConv2D(t *testing.T) {
	x := MustNew(arange(2*2*5*5), 2, 2, 5, 5).Scale(0.1)
	w := MustNew(arange(3*2*3*3), 3, 2, 3, 3).AddScalar(-20).Scale(0.05)
	b := MustNew([]float32{0.1, -0.2, 0.3}, 3)
	for _, cfg := range []ConvConfig{{}, {Stride: 2}, {Padding: 1}, {Stride: 2, Padding: 1}} {
		got, err := Conv2D(x, w, b, cfg)
		if err != nil {
			t.Fatal(err)
		}
		want := naiveConv2D(x, w, b, cfg.stride(), cfg.Padding)
		if diff := cmp.Diff(want, got.Data(), approx); diff != "" {
			t.Fatalf("cfg %+v mismatch (-want +got):\n%s", cfg, diff)
		}
	}

	_, err := Conv2D(x, MustNew(arange(9), 1, 1, 3, 3), nil, ConvConfig{})
	var se *ShapeError
	if !errors.As(err, &se) || se.Dim != "in_channels" {
		t.Fatalf("期望 in_channels ShapeError, 得到 %v", err)
	}
}

func TestConvTranspose2D(t *testing.T) {
	// 单通道 2x2 输入, 2x2 卷积核, 步长 2 时每个输入像素独立展开为一个块
	x := MustNew([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	w := MustNew([]float32{1, 10, 100, 1000}, 1, 1, 2, 2)
	b := MustNew([]float32{0.5}, 1)
	y, err := ConvTranspose2D(x, w, b, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1, 1, 4, 4}, y.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	want := []float32{
		1.5, 10.5, 2.5, 20.5,
		100.5, 1000.5, 200.5, 2000.5,
		3.5, 30.5, 4.5, 40.5,
		300.5, 3000.5, 400.5, 4000.5,
	}
	if diff := cmp.Diff(want, y.Data(), approx); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}

	// 步长 1 时重叠部分累加
	y, err = ConvTranspose2D(MustNew([]float32{1, 1}, 1, 1, 1, 2), MustNew([]float32{1, 1}, 1, 1, 1, 2), nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{1, 2, 1}, y.Data()); diff != "" {
		t.Fatalf("overlap mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsampleNearest2D(t *testing.T) {
	x := MustNew([]float32{1, 2, 3, 4}, 1, 2, 2)
	y, err := UpsampleNearest2D(x, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}
	if diff := cmp.Diff(want, y.Data()); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}

	// 缩小: floor(dst * in / out)
	z, err := UpsampleNearest2D(MustNew(arange(5), 1, 5), 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{0, 2}, z.Data()); diff != "" {
		t.Fatalf("downsample mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsampleBilinear2D(t *testing.T) {
	x := MustNew([]float32{0, 4}, 1, 2)
	y, err := UpsampleBilinear2D(x, 1, 4)
	if err != nil {
		t.Fatal(err)
	}
	// align_corners=false: 源坐标 -0.25(截断为0), 0.25, 0.75, 1.25(越界)
	if diff := cmp.Diff([]float32{0, 1, 3, 4}, y.Data(), approx); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	if _, err := UpsampleBilinear2D(x, 0, 4); err == nil {
		t.Fatal("目标尺寸为 0 时应返回错误")
	}
}

func TestGtAndArgmax(t *testing.T) {
	x := MustNew([]float32{-1, 0, 0.5, 2}, 4)
	if diff := cmp.Diff([]float32{0, 0, 1, 1}, x.Gt(0).Data()); diff != "" {
		t.Fatalf("Gt mismatch (-want +got):\n%s", diff)
	}
	if got := x.Argmax(); got != 3 {
		t.Fatalf("Argmax = %d", got)
	}
	if got := x.Sum(); got != 1.5 {
		t.Fatalf("Sum = %v", got)
	}
}

func TestGELU(t *testing.T) {
	x := MustNew([]float32{0, 1, -1}, 3)
	want := []float32{0, 0.8413447, -0.15865526}
	if diff := cmp.Diff(want, x.GELU().Data(), approx); diff != "" {
		t.Fatalf("GELU mismatch (-want +got):\n%s", diff)
	}
}
