package detect

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/getcharzp/sam2-studio"
	"github.com/up-zero/gotool/convertutil"
	ort "github.com/yalue/onnxruntime_go"
)

// Detector YOLOv11 目标检测，为分割提供候选框
type Detector struct {
	mu        sync.RWMutex
	session   *ort.DynamicAdvancedSession
	config    Config
	destroyed bool
}

// NewDetector 初始化检测引擎
func NewDetector(cfg Config) (*Detector, error) {
	oc := new(vision.OnnxConfig)
	if err := convertutil.CopyProperties(cfg, oc); err != nil {
		return nil, fmt.Errorf("复制参数失败: %w", err)
	}
	if err := oc.New(); err != nil {
		return nil, err
	}
	defer oc.Destroy()

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, []string{"images"}, []string{"output0"}, oc.SessionOptions)
	if err != nil {
		return nil, fmt.Errorf("创建 ONNX 会话失败: %w", err)
	}

	return &Detector{
		session: session,
		config:  cfg,
	}, nil
}

// Destroy 释放相关资源
func (d *Detector) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	d.destroyed = true
	if d.session != nil {
		d.session.Destroy()
	}
}

// Detect 检测图片中的目标，按分数降序返回
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]Proposal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.destroyed {
		return nil, vision.ErrModelNotLoaded
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", vision.ErrInvalidDimensions, b.Dx(), b.Dy())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := d.config.InputSize
	data, params := letterbox(img, size)
	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(size), int64(size)), data)
	if err != nil {
		return nil, fmt.Errorf("创建 Input Tensor 失败: %w", err)
	}
	defer input.Destroy()

	outputs := make([]ort.Value, 1)
	if err := d.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("推理失败: %w", err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("不支持的输出张量类型 %T", outputs[0])
	}
	// Output Shape: [1, 4+类别数, anchors]
	shape := out.GetShape()
	if len(shape) != 3 || int(shape[1]) != 4+d.config.NumClasses {
		return nil, fmt.Errorf("输出形状 %v 与类别数 %d 不匹配", shape, d.config.NumClasses)
	}

	return d.postprocess(out.GetData(), int(shape[2]), params), nil
}

func (d *Detector) postprocess(data []float32, anchors int, params imageParams) []Proposal {
	cands := parseCandidates(data, d.config.NumClasses, anchors, d.config.ConfThreshold, params)
	kept := nms(cands, d.config.IOUThreshold)
	if n := d.config.MaxProposals; n > 0 && len(kept) > n {
		kept = kept[:n]
	}

	results := make([]Proposal, len(kept))
	for i, c := range kept {
		results[i] = Proposal{ClassID: c.classID, Score: c.score, Box: c.origBox}
	}
	return results
}
