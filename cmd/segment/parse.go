package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/getcharzp/go-segment/sam"
)

// parseFloats 解析以逗号分隔的 n 个数字
func parseFloats(s string, n int) ([]float32, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("%q 需要 %d 个以逗号分隔的数字", s, n)
	}
	out := make([]float32, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("解析 %q 失败: %w", s, err)
		}
		out[i] = float32(v)
	}
	return out, nil
}

// parsePoint "x,y" 或 "x,y,label", 默认标签为前景
func parsePoint(s string) (sam.Point, error) {
	n := strings.Count(s, ",") + 1
	if n != 2 && n != 3 {
		return sam.Point{}, fmt.Errorf("提示点 %q 格式应为 x,y[,label]", s)
	}
	v, err := parseFloats(s, n)
	if err != nil {
		return sam.Point{}, err
	}
	p := sam.Point{X: v[0], Y: v[1], Label: sam.LabelForeground}
	if n == 3 {
		switch label := sam.Label(v[2]); label {
		case sam.LabelBackground, sam.LabelForeground, sam.LabelBoxTopLeft, sam.LabelBoxBotRight:
			p.Label = label
		default:
			return sam.Point{}, fmt.Errorf("提示点 %q 的标签必须是 0-3", s)
		}
	}
	return p, nil
}

// parseBox "x0,y0,x1,y1"
func parseBox(s string) (*sam.Box, error) {
	v, err := parseFloats(s, 4)
	if err != nil {
		return nil, err
	}
	if v[2] < v[0] || v[3] < v[1] {
		return nil, fmt.Errorf("提示框 %q 的右下角必须不小于左上角", s)
	}
	return &sam.Box{X0: v[0], Y0: v[1], X1: v[2], Y1: v[3]}, nil
}

// modelConfig 按名称选择预设结构
func modelConfig(name string) (sam.ModelConfig, error) {
	switch strings.ToLower(name) {
	case "vit_b", "b":
		return sam.ViTB(), nil
	case "vit_l", "l":
		return sam.ViTL(), nil
	case "vit_h", "h":
		return sam.ViTH(), nil
	case "tiny":
		return sam.Tiny(), nil
	}
	return sam.ModelConfig{}, fmt.Errorf("未知的模型类型 %q, 可选 vit_b, vit_l, vit_h, tiny", name)
}
