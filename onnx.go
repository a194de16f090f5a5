// Package segment 包含各推理引擎共享的 ONNX Runtime 环境与绘制工具
package segment

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// LibraryPathEnv 指定 onnxruntime 动态库路径的环境变量
const LibraryPathEnv = "ONNXRUNTIME_LIB_PATH"

type OnnxConfig struct {
	SessionOptions *ort.SessionOptions

	// 必填参数
	OnnxRuntimeLibPath string // onnxruntime.dll (或 .so, .dylib) 的路径
	// 可选参数
	UseCuda    bool // (可选) 是否启用 CUDA
	NumThreads int  // (可选) ONNX 线程数, 默认由CPU核心数决定
}

var (
	initErr error
	once    sync.Once
)

// New 初始化 ONNX 环境并创建会话选项
//
// 进程内只会加载一次动态库, 之后的调用复用同一个环境
func (cfg *OnnxConfig) New() error {
	if cfg.OnnxRuntimeLibPath == "" {
		return fmt.Errorf("OnnxRuntimeLibPath 不能为空")
	}
	once.Do(func() {
		ort.SetSharedLibraryPath(cfg.OnnxRuntimeLibPath)
		initErr = ort.InitializeEnvironment()
		slog.Debug("onnxruntime environment", "lib", cfg.OnnxRuntimeLibPath, "error", initErr)
	})
	if initErr != nil {
		return fmt.Errorf("初始化 ONNX Runtime 环境失败: %w", initErr)
	}

	// 创建会话选项 (设置线程)
	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("创建 SessionOptions 失败: %w", err)
	}
	if cfg.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			options.Destroy()
			return fmt.Errorf("设置 ONNX 线程数失败: %w", err)
		}
	}

	// 启用CUDA
	if cfg.UseCuda {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			options.Destroy()
			return fmt.Errorf("创建 CUDAProviderOptions 失败: %w", err)
		}
		defer cudaOptions.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			options.Destroy()
			return fmt.Errorf("添加 CUDA 执行提供者失败: %w", err)
		}
	}
	cfg.SessionOptions = options
	return nil
}

// NewSession 使用当前配置创建动态会话, 尚未初始化时先调用 New
//
// # Params:
//
//	modelPath: onnx 模型路径
//	inputNames, outputNames: 输入输出节点名, 为空时从模型文件中读取
func (cfg *OnnxConfig) NewSession(modelPath string, inputNames, outputNames []string) (*ort.DynamicAdvancedSession, error) {
	if cfg.SessionOptions == nil {
		if err := cfg.New(); err != nil {
			return nil, err
		}
	}
	if len(inputNames) == 0 || len(outputNames) == 0 {
		inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
		if err != nil {
			return nil, fmt.Errorf("读取模型 %s 输入输出信息失败: %w", modelPath, err)
		}
		if len(inputNames) == 0 {
			inputNames = ioNames(inputs)
		}
		if len(outputNames) == 0 {
			outputNames = ioNames(outputs)
		}
	}
	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, cfg.SessionOptions)
	if err != nil {
		return nil, fmt.Errorf("创建 ONNX 会话失败: %w", err)
	}
	slog.Debug("onnx session created", "model", modelPath, "inputs", inputNames, "outputs", outputNames)
	return session, nil
}

func ioNames(infos []ort.InputOutputInfo) []string {
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names
}

// Destroy 释放会话选项, ONNX 环境本身在进程内保留
func (cfg *OnnxConfig) Destroy() error {
	if cfg.SessionOptions == nil {
		return nil
	}
	err := cfg.SessionOptions.Destroy()
	cfg.SessionOptions = nil
	return err
}

// DefaultLibraryPath 根据运行时环境判断加载哪个库文件
//
// 设置了 ONNXRUNTIME_LIB_PATH 时优先使用该路径
func DefaultLibraryPath() string {
	if p := os.Getenv(LibraryPathEnv); p != "" {
		return p
	}
	baseDir := "./lib/"
	libName := "onnxruntime"

	// windows onnxruntime.dll
	if runtime.GOOS == "windows" {
		return baseDir + libName + ".dll"
	}

	// linux darwin ext
	var ext string
	switch runtime.GOOS {
	case "darwin":
		ext = "dylib"
	case "linux":
		ext = "so"
	default:
		return baseDir + libName + "_amd64.so" // 默认返回 linux amd64
	}

	// 拼接完整路径: ./lib/onnxruntime + _ + amd64/arm64 + . + so/dylib
	return fmt.Sprintf("%s%s_%s.%s", baseDir, libName, runtime.GOARCH, ext)
}
