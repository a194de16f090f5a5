package weights

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/getcharzp/go-segment/tensor"
	"github.com/nlpodyssey/safetensors"
	"github.com/x448/float16"
)

// File safetensors 格式的权重文件, 支持 F32/F16/BF16
//
// 张量在首次查找时才解码为 float32
type File struct {
	st safetensors.SafeTensors
}

// Open 读取 safetensors 文件
func Open(path string) (*File, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取权重文件失败: %w", err)
	}
	return Parse(buf)
}

// Parse 解析 safetensors 字节数据
func Parse(buf []byte) (*File, error) {
	st, err := safetensors.Deserialize(buf)
	if err != nil {
		return nil, fmt.Errorf("解析权重文件失败: %w", err)
	}
	for _, t := range st.Tensors() {
		if !floatDType(t.TensorView.DType()) {
			return nil, fmt.Errorf("张量 %s: 不支持的数据类型 %s", t.Name, t.TensorView.DType())
		}
	}
	return &File{st: st}, nil
}

func floatDType(dt safetensors.DType) bool {
	return dt == safetensors.F32 || dt == safetensors.F16 || dt == safetensors.BF16
}

// Names 所有张量名称 (已排序)
func (f *File) Names() []string {
	names := f.st.Names()
	slices.Sort(names)
	return names
}

// Tensor 实现 Source
func (f *File) Tensor(name string, shape ...int) (*tensor.Tensor, error) {
	view, ok := f.st.Tensor(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	got := make([]int, len(view.Shape()))
	for i, d := range view.Shape() {
		got[i] = int(d)
	}
	if !slices.Equal(got, shape) {
		return nil, &tensor.ShapeError{
			Op:  "weights",
			Dim: name,
			Msg: fmt.Sprintf("得到 %v, 期望 %v", got, shape),
		}
	}
	return tensor.New(decodeFloats(view), got...)
}

// decodeFloats 将 F32/F16/BF16 小端数据转为 float32
func decodeFloats(view safetensors.TensorView) []float32 {
	raw := view.Data()
	var out []float32
	switch view.DType() {
	case safetensors.F32:
		out = make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case safetensors.F16:
		out = make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case safetensors.BF16:
		// bf16 即 float32 的高 16 位
		out = make([]float32, len(raw)/2)
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	}
	return out
}

// Save 将权重表以 F32 写入 safetensors 文件
func Save(path string, m Map) error {
	buf, err := Encode(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("写入权重文件失败: %w", err)
	}
	return nil
}

// Encode 将权重表编码为 safetensors 字节数据 (F32)
func Encode(m Map) ([]byte, error) {
	views := make(map[string]safetensors.TensorView, len(m))
	for name, t := range m {
		data := make([]byte, 0, 4*t.Numel())
		for _, v := range t.Data() {
			data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
		}
		shape := make([]uint64, t.Dims())
		for i, d := range t.Shape() {
			shape[i] = uint64(d)
		}
		view, err := safetensors.NewTensorView(safetensors.F32, shape, data)
		if err != nil {
			return nil, fmt.Errorf("编码张量 %s 失败: %w", name, err)
		}
		views[name] = view
	}
	buf, err := safetensors.Serialize(views, map[string]string{"format": "pt"})
	if err != nil {
		return nil, fmt.Errorf("编码权重文件失败: %w", err)
	}
	return buf, nil
}
