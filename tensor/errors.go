package tensor

import "fmt"

// ShapeError 形状不匹配错误
//
// 所有与维度相关的失败 (不可整除、批大小不一致、通道数不一致等) 都以该类型返回,
// 调用方可通过 errors.As 取出具体的维度信息
type ShapeError struct {
	Op   string // 出错的操作
	Dim  string // 出错的维度名称
	Got  int
	Want int
	Msg  string // (可选) 自定义描述, 非空时替代 Got/Want
}

func (e *ShapeError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: 维度 %s 形状错误: %s", e.Op, e.Dim, e.Msg)
	}
	return fmt.Sprintf("%s: 维度 %s 形状错误: 得到 %d, 期望 %d", e.Op, e.Dim, e.Got, e.Want)
}

func shapeErr(op, dim string, got, want int) error {
	return &ShapeError{Op: op, Dim: dim, Got: got, Want: want}
}

func shapeErrf(op, dim, format string, args ...any) error {
	return &ShapeError{Op: op, Dim: dim, Msg: fmt.Sprintf(format, args...)}
}
