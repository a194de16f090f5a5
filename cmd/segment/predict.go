package main

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"

	segment "github.com/getcharzp/go-segment"
	"github.com/getcharzp/go-segment/sam"
	"github.com/spf13/cobra"
	"github.com/up-zero/gotool/imageutil"
)

func newPredictCmd() *cobra.Command {
	predictCmd := &cobra.Command{
		Use:   "predict",
		Short: "Segment an image with point and box prompts",
		Args:  cobra.NoArgs,
		RunE:  PredictHandler,
	}

	predictCmd.Flags().String("weights", "./sam_weights/sam_vit_b.safetensors", "SAM weights in safetensors format")
	predictCmd.Flags().String("model", "vit_b", "Model type: vit_b, vit_l, vit_h or tiny")
	predictCmd.Flags().String("image", "", "Input image")
	predictCmd.Flags().StringArray("point", nil, "Prompt point x,y[,label] in image pixels, repeatable")
	predictCmd.Flags().String("box", "", "Prompt box x0,y0,x1,y1 in image pixels")
	predictCmd.Flags().String("out", "mask.png", "Output mask path")
	predictCmd.Flags().String("overlay", "", "Optional overlay output path")
	predictCmd.Flags().String("font", "", "Optional font used to draw the score on the overlay")
	predictCmd.Flags().String("encoder-onnx", "", "Run the image encoder from an exported ONNX model")
	predictCmd.Flags().String("ort-lib", segment.DefaultLibraryPath(), "onnxruntime shared library path")
	predictCmd.Flags().Bool("cuda", false, "Enable CUDA for the ONNX encoder")
	_ = predictCmd.MarkFlagRequired("image")

	return predictCmd
}

// PredictHandler predict 命令
func PredictHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	imagePath, _ := flags.GetString("image")
	modelName, _ := flags.GetString("model")
	pointArgs, _ := flags.GetStringArray("point")
	boxArg, _ := flags.GetString("box")
	outPath, _ := flags.GetString("out")
	overlayPath, _ := flags.GetString("overlay")
	fontPath, _ := flags.GetString("font")

	modelCfg, err := modelConfig(modelName)
	if err != nil {
		return err
	}
	points := make([]sam.Point, 0, len(pointArgs))
	for _, s := range pointArgs {
		p, err := parsePoint(s)
		if err != nil {
			return err
		}
		points = append(points, p)
	}
	var box *sam.Box
	if boxArg != "" {
		if box, err = parseBox(boxArg); err != nil {
			return err
		}
	}
	if len(points) == 0 && box == nil {
		return fmt.Errorf("至少需要一个 --point 或 --box")
	}

	cfg := sam.DefaultConfig()
	cfg.Model = modelCfg
	cfg.WeightsPath, _ = flags.GetString("weights")
	cfg.EncodeModelPath, _ = flags.GetString("encoder-onnx")
	cfg.OnnxRuntimeLibPath, _ = flags.GetString("ort-lib")
	cfg.UseCuda, _ = flags.GetBool("cuda")

	engine, err := sam.NewEngine(cfg)
	if err != nil {
		return fmt.Errorf("初始化引擎失败: %w", err)
	}
	defer engine.Destroy()

	img, err := imageutil.Open(imagePath)
	if err != nil {
		return fmt.Errorf("打开图片失败: %w", err)
	}
	ctx, err := engine.EncodeImage(img)
	if err != nil {
		return fmt.Errorf("图片编码失败: %w", err)
	}
	mask, score, err := ctx.Decode(points, box)
	if err != nil {
		return fmt.Errorf("解码失败: %w", err)
	}
	if err := imageutil.Save(outPath, mask, 100); err != nil {
		return fmt.Errorf("保存掩码失败: %w", err)
	}
	slog.Info("mask saved", "path", outPath, "score", score)

	if overlayPath == "" {
		return nil
	}
	overlay, err := drawOverlay(img, mask.(*image.Gray), points, box, score, fontPath)
	if err != nil {
		return err
	}
	if err := imageutil.Save(overlayPath, overlay, 90); err != nil {
		return fmt.Errorf("保存叠加图失败: %w", err)
	}
	slog.Info("overlay saved", "path", overlayPath)
	return nil
}

// drawOverlay 叠加掩码并标出提示
func drawOverlay(img image.Image, mask *image.Gray, points []sam.Point, box *sam.Box, score float32, fontPath string) (*image.RGBA, error) {
	dst, err := segment.DrawMask(img, mask, segment.MaskColor, 0.5)
	if err != nil {
		return nil, err
	}
	pts := make([]image.Point, len(points))
	fg := make([]bool, len(points))
	for i, p := range points {
		pts[i] = image.Point{X: int(p.X), Y: int(p.Y)}
		fg[i] = p.Label != sam.LabelBackground
	}
	segment.DrawPoints(dst, pts, fg, 5)
	if box != nil {
		segment.DrawBox(dst, image.Rect(int(box.X0), int(box.Y0), int(box.X1), int(box.Y1)), 3)
	}
	if fontPath != "" {
		d, err := segment.NewTextDrawer(fontPath)
		if err != nil {
			slog.Warn("警告：字体加载失败, 跳过分数标注", "font", fontPath, "error", err)
			return dst, nil
		}
		defer d.Close()
		if err := d.SetSize(20); err != nil {
			return nil, err
		}
		d.DrawText(dst, fmt.Sprintf("score %.3f", score), 10, 30, color.White)
	}
	return dst, nil
}
