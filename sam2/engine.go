package sam2

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/getcharzp/sam2-studio"
	"github.com/up-zero/gotool/convertutil"
	"github.com/up-zero/gotool/imageutil"
	ort "github.com/yalue/onnxruntime_go"
)

// ImageEncoding 图片特征，每张图片只计算一次
type ImageEncoding interface {
	// Size 原图尺寸
	Size() (int, int)
	Destroy()
}

// PromptEncoding 提示编码结果，提示点变化后重新计算
type PromptEncoding interface {
	Len() int
	Destroy()
}

// Engine 持有 ONNX Session，负责三个推理阶段
//
// 导出的 ONNX 解码模型融合了提示编码器与 Mask 解码器，
// 因此 EncodePrompt 只负责准备提示张量，DecodeMask 执行融合后的模型。
type Engine struct {
	mu             sync.RWMutex
	encoderSession *ort.DynamicAdvancedSession
	decoderSession *ort.DynamicAdvancedSession
	config         Config
	destroyed      bool
}

// NewEngine 初始化 sam2 引擎
func NewEngine(cfg Config) (*Engine, error) {
	onnxConfig := new(vision.OnnxConfig)
	if err := convertutil.CopyProperties(cfg, onnxConfig); err != nil {
		return nil, fmt.Errorf("复制参数失败: %w", err)
	}
	if err := onnxConfig.New(); err != nil {
		return nil, err
	}
	defer onnxConfig.Destroy()

	encInputs := []string{"pixel_values"}
	encOutputs := []string{"image_embeddings.0", "image_embeddings.1", "image_embeddings.2"}
	encSession, err := ort.NewDynamicAdvancedSession(cfg.EncodeModelPath, encInputs, encOutputs, onnxConfig.SessionOptions)
	if err != nil {
		return nil, fmt.Errorf("创建 Encoder ONNX 会话失败: %w", err)
	}

	decInputs := []string{
		"input_points", "input_labels", "input_boxes",
		"image_embeddings.0", "image_embeddings.1", "image_embeddings.2",
	}
	decOutputs := []string{"iou_scores", "pred_masks", "object_score_logits"}
	decSession, err := ort.NewDynamicAdvancedSession(cfg.DecodeModelPath, decInputs, decOutputs, onnxConfig.SessionOptions)
	if err != nil {
		encSession.Destroy()
		return nil, fmt.Errorf("创建 Decoder ONNX 会话失败: %w", err)
	}

	return &Engine{
		encoderSession: encSession,
		decoderSession: decSession,
		config:         cfg,
	}, nil
}

// Destroy 释放相关资源，之后的调用返回 ErrModelNotLoaded
func (e *Engine) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil
	}
	e.destroyed = true

	if e.encoderSession != nil {
		if err := e.encoderSession.Destroy(); err != nil {
			return fmt.Errorf("销毁 Encoder ONNX 会话失败: %w", err)
		}
	}
	if e.decoderSession != nil {
		if err := e.decoderSession.Destroy(); err != nil {
			return fmt.Errorf("销毁 Decoder ONNX 会话失败: %w", err)
		}
	}
	return nil
}

// ImageContext 图片特征缓存
type ImageContext struct {
	imageEmbeddings []ort.Value
	origW, origH    int
	once            sync.Once
}

// Size 原图尺寸
func (c *ImageContext) Size() (int, int) {
	return c.origW, c.origH
}

// Destroy 释放图像特征缓存，可重复调用
func (c *ImageContext) Destroy() {
	c.once.Do(func() {
		for _, v := range c.imageEmbeddings {
			if v != nil {
				v.Destroy()
			}
		}
		c.imageEmbeddings = nil
	})
}

// EncodeImage 图像特征提取
func (e *Engine) EncodeImage(ctx context.Context, img image.Image) (ImageEncoding, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.destroyed {
		return nil, vision.ErrModelNotLoaded
	}

	bounds := img.Bounds()
	origW, origH := bounds.Dx(), bounds.Dy()
	if origW <= 0 || origH <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", vision.ErrInvalidDimensions, origW, origH)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 拉伸到模型输入尺寸，与归一化坐标的换算保持一致
	resized := imageutil.Resize(img, InputSize, InputSize)
	tensorData := normalizeCHW(resized, InputSize)

	inputTensor, err := ort.NewTensor(ort.NewShape(1, 3, InputSize, InputSize), tensorData)
	if err != nil {
		return nil, fmt.Errorf("%w: 创建图片 Input Tensor 失败: %w", vision.ErrEncodingFailed, err)
	}
	defer inputTensor.Destroy()

	outputs := make([]ort.Value, 3)
	if err := e.encoderSession.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("%w: encoder 推理失败: %w", vision.ErrEncodingFailed, err)
	}

	c := &ImageContext{
		imageEmbeddings: outputs,
		origW:           origW,
		origH:           origH,
	}
	// 设置 Finalizer 以防用户忘记 Destroy
	runtime.SetFinalizer(c, func(c *ImageContext) { c.Destroy() })
	return c, nil
}

// promptTensors 解码模型的提示输入
type promptTensors struct {
	points *ort.Tensor[float32]
	labels *ort.Tensor[int64]
	boxes  *ort.Tensor[float32]
	n      int
	once   sync.Once
}

func (p *promptTensors) Len() int {
	return p.n
}

func (p *promptTensors) Destroy() {
	p.once.Do(func() {
		if p.points != nil {
			p.points.Destroy()
		}
		if p.labels != nil {
			p.labels.Destroy()
		}
		if p.boxes != nil {
			p.boxes.Destroy()
		}
	})
}

// EncodePrompt 将提示点打包为解码模型的输入张量
func (e *Engine) EncodePrompt(ctx context.Context, prompt *Prompt) (PromptEncoding, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.destroyed {
		return nil, vision.ErrModelNotLoaded
	}
	if prompt == nil || prompt.Len() == 0 || len(prompt.Coords) != 2*prompt.Len() {
		return nil, fmt.Errorf("%w: 提示点与类型数量不匹配", vision.ErrEncodingFailed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := int64(prompt.Len())
	p := &promptTensors{n: prompt.Len()}

	var err error
	if p.points, err = ort.NewTensor(ort.NewShape(1, 1, n, 2), prompt.Coords); err != nil {
		return nil, fmt.Errorf("%w: 创建 Points Tensor 失败: %w", vision.ErrEncodingFailed, err)
	}
	if p.labels, err = ort.NewTensor(ort.NewShape(1, 1, n), prompt.Labels); err != nil {
		p.Destroy()
		return nil, fmt.Errorf("%w: 创建 Labels Tensor 失败: %w", vision.ErrEncodingFailed, err)
	}
	// box 通过 point 控制
	var emptyFloat []float32
	if p.boxes, err = ort.NewTensor(ort.NewShape(1, 0, 4), emptyFloat); err != nil {
		p.Destroy()
		return nil, fmt.Errorf("%w: 创建 Boxes Tensor 失败: %w", vision.ErrEncodingFailed, err)
	}
	return p, nil
}

// DecodeMask Mask 解码，返回全部候选 Mask 与分数
func (e *Engine) DecodeMask(ctx context.Context, ie ImageEncoding, pe PromptEncoding) (*MaskOutput, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.destroyed {
		return nil, vision.ErrModelNotLoaded
	}

	ic, ok := ie.(*ImageContext)
	if !ok || ic.imageEmbeddings == nil {
		return nil, fmt.Errorf("%w: 图片特征无效或已销毁", vision.ErrDecodingFailed)
	}
	pt, ok := pe.(*promptTensors)
	if !ok {
		return nil, fmt.Errorf("%w: 提示编码类型 %T 无效", vision.ErrDecodingFailed, pe)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inputs := []ort.Value{
		pt.points,
		pt.labels,
		pt.boxes,
		ic.imageEmbeddings[0],
		ic.imageEmbeddings[1],
		ic.imageEmbeddings[2],
	}
	outputs := make([]ort.Value, 3)
	if err := e.decoderSession.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("%w: decoder 推理失败: %w", vision.ErrDecodingFailed, err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	scores, _, err := tensorFloats(outputs[0])
	if err != nil {
		return nil, fmt.Errorf("%w: 读取 iou_scores 失败: %w", vision.ErrDecodingFailed, err)
	}
	masks, shape, err := tensorFloats(outputs[1])
	if err != nil {
		return nil, fmt.Errorf("%w: 读取 pred_masks 失败: %w", vision.ErrDecodingFailed, err)
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("%w: iou_scores 为空", vision.ErrDecodingFailed)
	}

	return &MaskOutput{Scores: scores, Masks: masks, Shape: shape}, nil
}
