package main

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"time"

	"github.com/getcharzp/go-segment/sam"
	"github.com/getcharzp/go-segment/weights"
	"github.com/spf13/cobra"
	"github.com/up-zero/gotool/imageutil"
)

func newRandomDemoCmd() *cobra.Command {
	demoCmd := &cobra.Command{
		Use:   "random-demo",
		Short: "Run the tiny model with random weights end to end",
		Args:  cobra.NoArgs,
		RunE:  RandomDemoHandler,
	}

	demoCmd.Flags().Uint64("seed", 1, "Seed of the random weights")
	demoCmd.Flags().Int("width", 48, "Width of the synthetic image")
	demoCmd.Flags().Int("height", 40, "Height of the synthetic image")
	demoCmd.Flags().Bool("multimask", true, "Return all candidate masks")
	demoCmd.Flags().String("out", "", "Optional path of the best mask")

	return demoCmd
}

// RandomDemoHandler random-demo 命令
func RandomDemoHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	seed, _ := flags.GetUint64("seed")
	width, _ := flags.GetInt("width")
	height, _ := flags.GetInt("height")
	multimask, _ := flags.GetBool("multimask")
	outPath, _ := flags.GetString("out")
	if width <= 0 || height <= 0 {
		return fmt.Errorf("图片尺寸 %dx%d 非法", width, height)
	}

	start := time.Now()
	cfg := sam.DefaultConfig()
	cfg.Model = sam.Tiny()
	engine, err := sam.NewEngineFromSource(cfg, weights.Random{Seed: seed})
	if err != nil {
		return err
	}
	defer engine.Destroy()

	img := syntheticImage(width, height)
	ctx, err := engine.EncodeImage(img)
	if err != nil {
		return err
	}

	// 中心点 + 一个框
	center := sam.Point{X: float32(width) / 2, Y: float32(height) / 2, Label: sam.LabelForeground}
	box := sam.Box{X0: float32(width) / 4, Y0: float32(height) / 4, X1: float32(width) * 3 / 4, Y1: float32(height) * 3 / 4}

	res, err := ctx.DecodeRaw([]sam.Point{center}, nil)
	if err != nil {
		return err
	}
	fmt.Printf("point prompt: score=%.4f area=%d/%d\n", res.Score, maskArea(res.Mask), len(res.Mask))

	boxRes, err := ctx.DecodeRaw(nil, &box)
	if err != nil {
		return err
	}
	fmt.Printf("box prompt:   score=%.4f area=%d/%d\n", boxRes.Score, maskArea(boxRes.Mask), len(boxRes.Mask))

	// 同时跑一次批量接口
	model := engine.Model()
	tf := sam.ResizeLongestSide{TargetLength: model.Config().ImgSize}
	x, orig := tf.ApplyImage(img)
	outputs, err := model.Forward([]sam.Input{{
		Image:        x,
		OriginalSize: orig,
		Prompts:      sam.Prompts{Points: sam.PointsTensor(tf.ApplyCoords([]sam.Point{center}, orig))},
	}}, multimask)
	if err != nil {
		return err
	}
	fmt.Printf("batch forward: masks=%v iou=%v\n", outputs[0].Masks.Shape(), outputs[0].IoUPredictions.Data())

	if outPath != "" {
		mask := image.NewGray(image.Rect(0, 0, res.Width, res.Height))
		copy(mask.Pix, res.Mask)
		if err := imageutil.Save(outPath, mask, 100); err != nil {
			return fmt.Errorf("保存掩码失败: %w", err)
		}
	}
	slog.Info("random demo finished", "elapsed", time.Since(start))
	return nil
}

// syntheticImage 渐变背景上的一个亮色方块
func syntheticImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 64, A: 255}
			if x > w/3 && x < 2*w/3 && y > h/3 && y < 2*h/3 {
				c = color.RGBA{R: 250, G: 250, B: 250, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func maskArea(mask []uint8) int {
	n := 0
	for _, v := range mask {
		if v != 0 {
			n++
		}
	}
	return n
}
