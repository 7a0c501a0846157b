package sam2

import "github.com/getcharzp/sam2-studio"

// Label 提示点类型，取值与解码模型的 input_labels 一致
type Label int

const (
	LabelBackground Label = 0 // 背景/排除
	LabelForeground Label = 1 // 前景/点击
	LabelBoxOrigin  Label = 2 // 框选起点
	LabelBoxEnd     Label = 3 // 框选终点
)

func (l Label) String() string {
	switch l {
	case LabelBackground:
		return "background"
	case LabelForeground:
		return "foreground"
	case LabelBoxOrigin:
		return "box-origin"
	case LabelBoxEnd:
		return "box-end"
	}
	return "unknown"
}

// ParseLabel 解析类型名称
func ParseLabel(s string) (Label, bool) {
	for _, l := range []Label{LabelBackground, LabelForeground, LabelBoxOrigin, LabelBoxEnd} {
		if l.String() == s {
			return l, true
		}
	}
	return 0, false
}

// 均值和方差常量
const (
	MeanR = 0.485
	MeanG = 0.456
	MeanB = 0.406

	StdR = 0.229
	StdG = 0.224
	StdB = 0.225
)

const (
	// InputSize 模型输入尺寸，图片会被拉伸到 InputSize x InputSize
	InputSize = 1024
)

// Config 配置项
type Config struct {
	// 必填参数
	OnnxRuntimeLibPath string // onnxruntime.dll (或 .so, .dylib) 的路径
	EncodeModelPath    string // 图片特征提取模型
	DecodeModelPath    string // 提示编码 + Mask 解码模型

	// 可选参数
	UseCuda           bool // (可选) 是否启用 CUDA
	NumThreads        int  // (可选) ONNX 线程数, 默认由CPU核心数决定
	EnableCpuMemArena bool // (可选) 是否开启 ONNX 内存池
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		OnnxRuntimeLibPath: vision.DefaultLibraryPath(),
		EncodeModelPath:    "./sam2_weights/vision_encoder.onnx",
		DecodeModelPath:    "./sam2_weights/prompt_encoder_mask_decoder.onnx",
	}
}
