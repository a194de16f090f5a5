package sam

import (
	"math"
	"testing"

	"github.com/getcharzp/go-segment/tensor"
	"github.com/getcharzp/go-segment/weights"
	"github.com/google/go-cmp/cmp"
)

// pattern 取值在 [-1.1, 1.1] 之间的确定性数据
func pattern(seed int, shape ...int) *tensor.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32((i*37+seed*11)%23-11) / 10
	}
	return tensor.MustNew(data, shape...)
}

// naiveLinear x (N, in) 逐行乘 weight (out, in) 的转置再加 bias
func naiveLinear(x [][]float32, l *linear) [][]float32 {
	out, in := l.weight.Dim(0), l.weight.Dim(1)
	w, b := l.weight.Data(), l.bias.Data()
	y := make([][]float32, len(x))
	for r, row := range x {
		y[r] = make([]float32, out)
		for o := 0; o < out; o++ {
			s := float64(b[o])
			for i := 0; i < in; i++ {
				s += float64(row[i]) * float64(w[o*in+i])
			}
			y[r][o] = float32(s)
		}
	}
	return y
}

func rows(t *tensor.Tensor, batch int) [][]float32 {
	n, c := t.Dim(1), t.Dim(2)
	data := t.Data()[batch*n*c : (batch+1)*n*c]
	out := make([][]float32, n)
	for i := range out {
		out[i] = data[i*c : (i+1)*c]
	}
	return out
}

func TestDecoderAttention_MatchesNaive(t *testing.T) {
	const dim, heads, downsample = 8, 2, 2
	a, err := newDecoderAttention(weights.NewBuilder(weights.Random{Seed: 3, Std: 0.3}).Sub("attn"), dim, heads, downsample)
	if err != nil {
		t.Fatal(err)
	}
	q := pattern(1, 2, 3, dim)
	k := pattern(2, 2, 5, dim)
	v := pattern(3, 2, 5, dim)

	got, err := a.forward(q, k, v)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 3, dim}, got.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}

	internal := dim / downsample
	hd := internal / heads
	scale := 1 / math.Sqrt(float64(hd))
	var want []float32
	for b := 0; b < 2; b++ {
		qp := naiveLinear(rows(q, b), a.qProj)
		kp := naiveLinear(rows(k, b), a.kProj)
		vp := naiveLinear(rows(v, b), a.vProj)
		merged := make([][]float32, len(qp))
		for i := range qp {
			merged[i] = make([]float32, internal)
			for h := 0; h < heads; h++ {
				off := h * hd
				scores := make([]float64, len(kp))
				maxScore := math.Inf(-1)
				for j := range kp {
					var s float64
					for c := 0; c < hd; c++ {
						s += float64(qp[i][off+c]) * float64(kp[j][off+c])
					}
					scores[j] = s * scale
					maxScore = math.Max(maxScore, scores[j])
				}
				var sum float64
				for j := range scores {
					scores[j] = math.Exp(scores[j] - maxScore)
					sum += scores[j]
				}
				for c := 0; c < hd; c++ {
					var s float64
					for j := range vp {
						s += scores[j] / sum * float64(vp[j][off+c])
					}
					merged[i][off+c] = float32(s)
				}
			}
		}
		for _, row := range naiveLinear(merged, a.outProj) {
			want = append(want, row...)
		}
	}
	if diff := cmp.Diff(want, got.Data(), approx); diff != "" {
		t.Fatalf("mismatch (-naive +got):\n%s", diff)
	}
}

func TestAddDecomposedRelPos_MatchesNaive(t *testing.T) {
	qs := Size{2, 3}
	const b, c = 2, 4
	n := qs.H * qs.W
	attn := pattern(1, b, n, n)
	q := pattern(2, b, n, c)
	tableH := pattern(3, 2*qs.H-1, c)
	tableW := pattern(4, 2*qs.W-1, c)

	got, err := addDecomposedRelPos(attn, q, tableH, tableW, qs, qs)
	if err != nil {
		t.Fatal(err)
	}

	dot := func(bi, y, x int, table *tensor.Tensor, idx int) float32 {
		var s float32
		for ch := 0; ch < c; ch++ {
			s += q.At(bi, y*qs.W+x, ch) * table.At(idx, ch)
		}
		return s
	}
	want := make([]float32, 0, b*n*n)
	for bi := 0; bi < b; bi++ {
		for y := 0; y < qs.H; y++ {
			for x := 0; x < qs.W; x++ {
				for ky := 0; ky < qs.H; ky++ {
					for kx := 0; kx < qs.W; kx++ {
						v := attn.At(bi, y*qs.W+x, ky*qs.W+kx)
						v += dot(bi, y, x, tableH, y-ky+qs.H-1)
						v += dot(bi, y, x, tableW, x-kx+qs.W-1)
						want = append(want, v)
					}
				}
			}
		}
	}
	if diff := cmp.Diff(want, got.Data(), approx); diff != "" {
		t.Fatalf("mismatch (-naive +got):\n%s", diff)
	}
}
