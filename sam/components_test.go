package sam

import (
	"errors"
	"testing"

	"github.com/getcharzp/go-segment/tensor"
	"github.com/getcharzp/go-segment/weights"
	"github.com/google/go-cmp/cmp"
)

var randomSource = weights.Random{Seed: 1}

func TestPatchEmbed(t *testing.T) {
	pe, err := newPatchEmbed(weights.NewBuilder(randomSource).Sub("patch_embed"), 8, 3, 16)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pe.Forward(testImage(32, 24)); err == nil {
		t.Fatal("三维输入应返回错误")
	}

	x, _ := testImage(32, 24).Unsqueeze(0)
	y, err := pe.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1, 4, 3, 16}, y.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}

	for _, tc := range []struct {
		h, w int
		dim  string
	}{{30, 24, "height"}, {32, 20, "width"}} {
		x, _ := testImage(tc.h, tc.w).Unsqueeze(0)
		_, err := pe.Forward(x)
		var se *tensor.ShapeError
		if !errors.As(err, &se) || se.Dim != tc.dim {
			t.Errorf("%dx%d: 期望 %s ShapeError, 得到 %v", tc.h, tc.w, tc.dim, err)
		}
	}
}

func TestBlock_PreservesShape(t *testing.T) {
	for _, ws := range []int{0, 3, 4} {
		blk, err := newBlock(weights.NewBuilder(randomSource).Sub("blocks", ws), blockConfig{
			dim:        16,
			numHeads:   2,
			mlpRatio:   2,
			qkvBias:    true,
			useRelPos:  true,
			windowSize: ws,
			inputSize:  Size{4, 5},
		})
		if err != nil {
			t.Fatal(err)
		}
		if blk.WindowSize() != ws {
			t.Fatalf("WindowSize = %d, want %d", blk.WindowSize(), ws)
		}
		x := tensor.Full(0.5, 2, 4, 5, 16)
		y, err := blk.Forward(x)
		if err != nil {
			t.Fatalf("window %d: %v", ws, err)
		}
		if diff := cmp.Diff(x.Shape(), y.Shape()); diff != "" {
			t.Fatalf("window %d shape mismatch (-want +got):\n%s", ws, diff)
		}
	}
}

func TestWindowPartitionRoundTrip(t *testing.T) {
	data := make([]float32, 2*4*5*3)
	for i := range data {
		data[i] = float32(i)
	}
	x := tensor.MustNew(data, 2, 4, 5, 3)
	windows, padded, err := windowPartition(x, 3)
	if err != nil {
		t.Fatal(err)
	}
	if padded != (Size{6, 6}) {
		t.Fatalf("padded = %v", padded)
	}
	if diff := cmp.Diff([]int{8, 3, 3, 3}, windows.Shape()); diff != "" {
		t.Fatalf("windows shape mismatch (-want +got):\n%s", diff)
	}
	back, err := windowUnpartition(windows, 3, padded, Size{4, 5})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(x.Data(), back.Data()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestGetRelPos(t *testing.T) {
	table := tensor.MustNew([]float32{10, 11, 20, 21, 30, 31}, 3, 2)
	got, err := getRelPos(2, 2, table)
	if err != nil {
		t.Fatal(err)
	}
	// out[i][j] = table[i - j + 1]
	want := []float32{
		20, 21, 10, 11,
		30, 31, 20, 21,
	}
	if diff := cmp.Diff(want, got.Data()); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	// 表长度不一致时先插值到 2*size-1
	resized, err := getRelPos(3, 3, table)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{3, 3, 2}, resized.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
}

func TestImageEncoder_Deterministic(t *testing.T) {
	m := tinyModel(t)
	enc := m.ImageEncoder()
	if enc.EmbeddingSize() != 4 || enc.OutChans() != 16 || enc.ImgSize() != 32 {
		t.Fatalf("encoder = %d/%d/%d", enc.ImgSize(), enc.OutChans(), enc.EmbeddingSize())
	}
	if vit := enc.(*ImageEncoderViT); vit.Blocks()[0].WindowSize() != 3 || vit.Blocks()[1].WindowSize() != 0 {
		t.Fatal("GlobalAttnIndexes 对应的 Block 应使用全局注意力")
	}

	a, err := m.EncodeImages([]*tensor.Tensor{testImage(32, 32), testImage(20, 32)})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 16, 4, 4}, a.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	b, err := m.EncodeImages([]*tensor.Tensor{testImage(32, 32), testImage(20, 32)})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a.Data(), b.Data()); diff != "" {
		t.Fatalf("两次编码结果不同 (-a +b):\n%s", diff)
	}
}

func TestPromptEncoder_NoPrompt(t *testing.T) {
	pe := tinyModel(t).PromptEncoder()
	sparse, dense, err := pe.Forward(Prompts{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1, 0, 16}, sparse.Shape()); diff != "" {
		t.Fatalf("sparse shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 16, 4, 4}, dense.Shape()); diff != "" {
		t.Fatalf("dense shape mismatch (-want +got):\n%s", diff)
	}
	noMask, _ := randomSource.Tensor("prompt_encoder.no_mask_embed.weight", 1, 16)
	for c := 0; c < 16; c++ {
		for i := 0; i < 16; i++ {
			if got := dense.Data()[c*16+i]; got != noMask.Data()[c] {
				t.Fatalf("dense[%d,%d] = %v, want %v", c, i, got, noMask.Data()[c])
			}
		}
	}
}

func TestPromptEncoder_Combinations(t *testing.T) {
	pe := tinyModel(t).PromptEncoder()
	points := &Points{
		Coords: tensor.MustNew([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, 2),
		Labels: tensor.MustNew([]float32{1, 0, 1, 1}, 2, 2),
	}
	boxes := tensor.MustNew([]float32{0, 0, 10, 10, 2, 2, 8, 8}, 2, 4)
	mask := tensor.Full(0.1, 2, 1, 16, 16)

	cases := []struct {
		name    string
		prompts Prompts
		k       int
		batch   int
	}{
		{"points", Prompts{Points: points}, 3, 2},
		{"boxes", Prompts{Boxes: boxes}, 2, 2},
		{"points+boxes", Prompts{Points: points, Boxes: boxes}, 4, 2},
		{"mask", Prompts{MaskInput: mask}, 0, 2},
		{"points+mask", Prompts{Points: points, MaskInput: mask}, 3, 2},
		{"boxes+mask", Prompts{Boxes: boxes, MaskInput: mask}, 2, 2},
		{"all", Prompts{Points: points, Boxes: boxes, MaskInput: mask}, 4, 2},
	}
	for _, tc := range cases {
		sparse, dense, err := pe.Forward(tc.prompts)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if diff := cmp.Diff([]int{tc.batch, tc.k, 16}, sparse.Shape()); diff != "" {
			t.Errorf("%s sparse shape mismatch (-want +got):\n%s", tc.name, diff)
		}
		if diff := cmp.Diff([]int{tc.batch, 16, 4, 4}, dense.Shape()); diff != "" {
			t.Errorf("%s dense shape mismatch (-want +got):\n%s", tc.name, diff)
		}
	}
}

func TestPromptEncoder_PaddingPoint(t *testing.T) {
	pe := tinyModel(t).PromptEncoder()
	sparse, _, err := pe.Forward(Prompts{Points: onePoint(3, 4, LabelForeground)})
	if err != nil {
		t.Fatal(err)
	}
	last, _ := sparse.Select(1, 1)
	notAPoint, _ := randomSource.Tensor("prompt_encoder.not_a_point_embed.weight", 1, 16)
	if diff := cmp.Diff(notAPoint.Data(), last.Data()); diff != "" {
		t.Fatalf("占位点应等于 not_a_point 嵌入 (-want +got):\n%s", diff)
	}
}

func TestPromptEncoder_BoxMatchesCornerPoints(t *testing.T) {
	pe := tinyModel(t).PromptEncoder()
	fromBox, _, err := pe.Forward(Prompts{Boxes: BoxTensor(Box{X0: 3, Y0: 5, X1: 20, Y1: 25})})
	if err != nil {
		t.Fatal(err)
	}
	fromPoints, _, err := pe.Forward(Prompts{Points: PointsTensor([]Point{
		{X: 3, Y: 5, Label: LabelBoxTopLeft},
		{X: 20, Y: 25, Label: LabelBoxBotRight},
	})})
	if err != nil {
		t.Fatal(err)
	}
	corners, _ := fromPoints.Narrow(1, 0, 2)
	if diff := cmp.Diff(fromBox.Data(), corners.Data(), approx); diff != "" {
		t.Fatalf("框与角点提示应一致 (-box +points):\n%s", diff)
	}
}

func TestPromptEncoder_Errors(t *testing.T) {
	pe := tinyModel(t).PromptEncoder()

	_, _, err := pe.Forward(Prompts{Points: &Points{Coords: tensor.Zeros(1, 1, 2)}})
	if !errors.Is(err, ErrMissingPrompt) {
		t.Fatalf("期望 ErrMissingPrompt, 得到 %v", err)
	}

	_, _, err = pe.Forward(Prompts{Points: &Points{Coords: tensor.Zeros(1, 1, 2), Labels: tensor.Full(5, 1, 1)}})
	if err == nil {
		t.Fatal("未知标签应返回错误")
	}

	var se *tensor.ShapeError
	_, _, err = pe.Forward(Prompts{MaskInput: tensor.Zeros(1, 1, 8, 8)})
	if !errors.As(err, &se) {
		t.Fatalf("掩码尺寸错误时期望 ShapeError, 得到 %v", err)
	}
	_, _, err = pe.Forward(Prompts{Boxes: tensor.Zeros(1, 3)})
	if !errors.As(err, &se) {
		t.Fatalf("框形状错误时期望 ShapeError, 得到 %v", err)
	}
}

func TestPromptEncoder_DensePE(t *testing.T) {
	pe := tinyModel(t).PromptEncoder()
	dpe := pe.DensePE()
	if diff := cmp.Diff([]int{1, 16, 4, 4}, dpe.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	for _, v := range dpe.Data() {
		if v < -1 || v > 1 {
			t.Fatalf("位置编码 %v 超出 [-1, 1]", v)
		}
	}
	// 前一半为 sin, 后一半为 cos, 同一位置平方和为 1
	for i := 0; i < 16; i++ {
		s, c := dpe.Data()[i], dpe.Data()[8*16+i]
		if sum := s*s + c*c; sum < 0.999 || sum > 1.001 {
			t.Fatalf("sin^2 + cos^2 = %v", sum)
		}
	}
}

func TestMaskDecoder(t *testing.T) {
	m := tinyModel(t)
	emb, err := m.EncodeImages([]*tensor.Tensor{testImage(32, 32)})
	if err != nil {
		t.Fatal(err)
	}
	sparse, dense, err := m.PromptEncoder().Forward(Prompts{Points: onePoint(10, 10, LabelForeground)})
	if err != nil {
		t.Fatal(err)
	}
	md := m.MaskDecoder()
	for _, tc := range []struct {
		multimask bool
		n         int
	}{{false, 1}, {true, 3}} {
		lowRes, iou, err := md.Forward(emb, m.PromptEncoder().DensePE(), sparse, dense, tc.multimask)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]int{1, tc.n, 16, 16}, lowRes.Shape()); diff != "" {
			t.Fatalf("multimask=%v low res shape mismatch (-want +got):\n%s", tc.multimask, diff)
		}
		if diff := cmp.Diff([]int{1, tc.n}, iou.Shape()); diff != "" {
			t.Fatalf("multimask=%v iou shape mismatch (-want +got):\n%s", tc.multimask, diff)
		}
	}

	// 单输出取第 0 个 token, 多输出取 1..3, 二者不重叠
	all, allIoU, err := md.predictMasks(emb, m.PromptEncoder().DensePE(), sparse, dense)
	if err != nil {
		t.Fatal(err)
	}
	multi, multiIoU, _ := md.Forward(emb, m.PromptEncoder().DensePE(), sparse, dense, true)
	tail, _ := all.Narrow(1, 1, 3)
	if diff := cmp.Diff(tail.Data(), multi.Data()); diff != "" {
		t.Fatalf("多输出应对应 token 1..3 (-want +got):\n%s", diff)
	}
	tailIoU, _ := allIoU.Narrow(1, 1, 3)
	if diff := cmp.Diff(tailIoU.Data(), multiIoU.Data()); diff != "" {
		t.Fatalf("IoU 应对应 token 1..3 (-want +got):\n%s", diff)
	}

	bad := tensor.Zeros(1, 8, 4, 4)
	_, _, err = md.Forward(bad, m.PromptEncoder().DensePE(), sparse, dense, false)
	var se *tensor.ShapeError
	if !errors.As(err, &se) || se.Dim != "channels" {
		t.Fatalf("期望 channels ShapeError, 得到 %v", err)
	}
}
