package detect

import (
	"image"

	"github.com/getcharzp/sam2-studio"
	"github.com/getcharzp/sam2-studio/sam2"
)

// Config 检测引擎的初始化参数
type Config struct {
	ModelPath          string // YOLOv11 检测模型路径
	OnnxRuntimeLibPath string // ONNX Runtime 动态库路径

	// 推理参数
	ConfThreshold float32 // 置信度阈值 (默认 0.45)
	IOUThreshold  float32 // NMS IOU 阈值 (默认 0.5)
	MaxProposals  int     // 最多返回的候选框数量，0 表示不限制

	// 模型参数
	InputSize  int // 默认 640
	NumClasses int // 默认 80

	// 可选参数
	UseCuda           bool
	NumThreads        int
	EnableCpuMemArena bool
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		ModelPath:          "./yolov11_weights/yolo11m.onnx",
		OnnxRuntimeLibPath: vision.DefaultLibraryPath(),
		ConfThreshold:      0.45,
		IOUThreshold:       0.50,
		MaxProposals:       20,
		InputSize:          640,
		NumClasses:         80,
	}
}

// imageParams 原图尺寸与缩放比例
type imageParams struct {
	origW, origH int
	scale        float32
}

type candidate struct {
	origBox image.Rectangle
	score   float32
	classID int
}

// Proposal 检测出的候选框，可作为框选提示
type Proposal struct {
	// COCO 类别 ID，参考：
	//	https://github.com/ultralytics/ultralytics/blob/main/ultralytics/cfg/datasets/coco.yaml
	ClassID int
	Score   float32
	Box     image.Rectangle // 原图像素坐标
}

// Normalized 转换为相对原图的归一化起止点
func (p Proposal) Normalized(origW, origH int) (start, end sam2.Coord) {
	w, h := float32(origW), float32(origH)
	start = sam2.Coord{X: float32(p.Box.Min.X) / w, Y: float32(p.Box.Min.Y) / h}
	end = sam2.Coord{X: float32(p.Box.Max.X) / w, Y: float32(p.Box.Max.Y) / h}
	return start, end
}
