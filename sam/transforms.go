package sam

import (
	"image"

	"github.com/getcharzp/go-segment/tensor"
	"github.com/up-zero/gotool/imageutil"
)

// ResizeLongestSide 把图片长边缩放到 TargetLength, 同时换算提示坐标
type ResizeLongestSide struct {
	TargetLength int
}

// PreprocessShape 缩放后的大小, 四舍五入到整数
//
// 空尺寸原样返回
func (r ResizeLongestSide) PreprocessShape(orig Size) Size {
	if orig.H <= 0 || orig.W <= 0 {
		return orig
	}
	scale := float64(r.TargetLength) / float64(max(orig.H, orig.W))
	return Size{
		H: int(float64(orig.H)*scale + 0.5),
		W: int(float64(orig.W)*scale + 0.5),
	}
}

// ApplyImage 缩放图片并转为 (3, h, w) 的 RGB 张量, 取值 0-255
//
// 返回张量和原图大小
func (r ResizeLongestSide) ApplyImage(img image.Image) (*tensor.Tensor, Size) {
	bounds := img.Bounds()
	orig := Size{H: bounds.Dy(), W: bounds.Dx()}
	target := r.PreprocessShape(orig)

	resized := img
	if target != orig {
		resized = imageutil.Resize(img, target.W, target.H)
	}
	rb := resized.Bounds()
	plane := target.H * target.W
	data := make([]float32, 3*plane)
	for y := 0; y < target.H; y++ {
		for x := 0; x < target.W; x++ {
			cr, cg, cb, _ := resized.At(rb.Min.X+x, rb.Min.Y+y).RGBA()
			// RGBA returns 0-65535
			idx := y*target.W + x
			data[idx] = float32(cr>>8)
			data[plane+idx] = float32(cg>>8)
			data[2*plane+idx] = float32(cb>>8)
		}
	}
	return tensor.MustNew(data, 3, target.H, target.W), orig
}

// ApplyCoords 原图坐标 -> 缩放后坐标
func (r ResizeLongestSide) ApplyCoords(points []Point, orig Size) []Point {
	target := r.PreprocessShape(orig)
	sx := float32(target.W) / float32(orig.W)
	sy := float32(target.H) / float32(orig.H)
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = Point{X: p.X * sx, Y: p.Y * sy, Label: p.Label}
	}
	return out
}

// ApplyBoxes 原图坐标系的框 -> 缩放后坐标
func (r ResizeLongestSide) ApplyBoxes(boxes []Box, orig Size) []Box {
	out := make([]Box, len(boxes))
	for i, box := range boxes {
		pts := r.ApplyCoords([]Point{{X: box.X0, Y: box.Y0}, {X: box.X1, Y: box.Y1}}, orig)
		out[i] = Box{X0: pts[0].X, Y0: pts[0].Y, X1: pts[1].X, Y1: pts[1].Y}
	}
	return out
}

// PointsTensor 把点转换为 batch 为 1 的提示
func PointsTensor(points []Point) *Points {
	coords := make([]float32, 0, len(points)*2)
	labels := make([]float32, 0, len(points))
	for _, p := range points {
		coords = append(coords, p.X, p.Y)
		labels = append(labels, float32(p.Label))
	}
	return &Points{
		Coords: tensor.MustNew(coords, 1, len(points), 2),
		Labels: tensor.MustNew(labels, 1, len(points)),
	}
}

// BoxTensor 把框转换为 (1, 4) 的提示
func BoxTensor(box Box) *tensor.Tensor {
	return tensor.MustNew([]float32{box.X0, box.Y0, box.X1, box.Y1}, 1, 4)
}
