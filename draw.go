package segment

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"

	"github.com/up-zero/gotool/imageutil"
	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// 默认的提示标记颜色
var (
	ForegroundColor = color.RGBA{G: 255, A: 255} // 前景点, 绿色
	BackgroundColor = color.RGBA{R: 255, A: 255} // 背景点, 红色
	BoxColor        = color.RGBA{B: 255, A: 255} // 提示框, 蓝色
	MaskColor       = color.RGBA{R: 30, G: 144, B: 255, A: 255}
)

// TextDrawer 文本绘制工具
type TextDrawer struct {
	font     *opentype.Font
	face     font.Face
	fontSize float64
}

// NewTextDrawer 创建文本绘制工具
//
// # Params:
//
//	fontPath: 字体路径
func NewTextDrawer(fontPath string) (*TextDrawer, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("打开字体文件失败: %w", err)
	}

	ttFont, err := opentype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("解析字体文件失败: %w", err)
	}

	d := &TextDrawer{font: ttFont}
	if err := d.SetSize(12); err != nil {
		return nil, err
	}
	return d, nil
}

// SetSize 动态调整字体大小
//
// # Params:
//
//	fontSize: 字体大小
func (d *TextDrawer) SetSize(fontSize float64) error {
	if d.face != nil && d.fontSize == fontSize {
		return nil
	}

	// 释放旧 Face 内存
	if d.face != nil {
		d.face.Close()
	}

	nf, err := opentype.NewFace(d.font, &opentype.FaceOptions{
		Size:    fontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return err
	}

	d.face = nf
	d.fontSize = fontSize
	return nil
}

// DrawText 绘制文本
//
// # Params:
//
//	img: 被绘制的图像
//	text: 绘制的文本
//	x, y: 绘制的坐标
//	c: 绘制的颜色
func (d *TextDrawer) DrawText(img draw.Image, text string, x, y int, c color.Color) {
	point := fixed.Point26_6{
		X: fixed.I(x),
		Y: fixed.I(y),
	}

	d1 := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c), // 文字颜色源
		Face: d.face,
		Dot:  point, // 开始绘制的点
	}
	d1.DrawString(text)
}

// Close 释放资源
func (d *TextDrawer) Close() {
	if d.face != nil {
		d.face.Close()
	}
}

// DrawMask 将掩码以半透明颜色叠加到图片上
//
// # Params:
//
//	img: 原图
//	mask: 与原图同尺寸的掩码, 非 0 像素视为前景
//	c: 叠加颜色
//	alpha: 不透明度 [0, 1]
func DrawMask(img image.Image, mask *image.Gray, c color.RGBA, alpha float64) (*image.RGBA, error) {
	bounds := img.Bounds()
	if mask.Bounds().Dx() != bounds.Dx() || mask.Bounds().Dy() != bounds.Dy() {
		return nil, fmt.Errorf("掩码尺寸 %v 与图片尺寸 %v 不一致", mask.Bounds().Size(), bounds.Size())
	}
	alpha = min(max(alpha, 0), 1)

	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	mb := mask.Bounds()
	blend := func(dst, src uint8) uint8 {
		return uint8(float64(dst)*(1-alpha) + float64(src)*alpha + 0.5)
	}
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			if mask.GrayAt(mb.Min.X+x, mb.Min.Y+y).Y == 0 {
				continue
			}
			i := dst.PixOffset(x, y)
			dst.Pix[i] = blend(dst.Pix[i], c.R)
			dst.Pix[i+1] = blend(dst.Pix[i+1], c.G)
			dst.Pix[i+2] = blend(dst.Pix[i+2], c.B)
		}
	}
	return dst, nil
}

// DrawPoints 绘制提示点
//
// # Params:
//
//	dst: 被绘制的图像
//	points: 点坐标
//	foreground: 每个点是否为前景, 决定颜色
//	radius: 半径
func DrawPoints(dst *image.RGBA, points []image.Point, foreground []bool, radius int) {
	for i, p := range points {
		c := BackgroundColor
		if i < len(foreground) && foreground[i] {
			c = ForegroundColor
		}
		imageutil.DrawFilledCircle(dst, p, radius, c)
	}
}

// DrawBox 绘制提示框
func DrawBox(dst *image.RGBA, box image.Rectangle, thickness int) {
	imageutil.DrawThickRectOutline(dst, box, BoxColor, thickness)
}
