package pipeline

import (
	"image"
	"image/color"
	"time"

	"github.com/getcharzp/sam2-studio/postprocess"
	"github.com/getcharzp/sam2-studio/render"
	"github.com/getcharzp/sam2-studio/sam2"
	"github.com/google/uuid"
)

// Segmentation 一次分割结果，Alpha 与 Overlay 创建后不再修改
type Segmentation struct {
	ID              uuid.UUID
	Title           string
	Tint            color.RGBA
	Hidden          bool
	FirstAppearance int     // 产生该结果时的交互序号
	Score           float32 // 选中通道的预测分数
	Channel         int
	Threshold       float32
	Alpha           *image.Alpha // 原图尺寸的二值 Mask
	Overlay         *image.NRGBA // 着色后的覆盖层
	Prompt          []sam2.Point // 产生该结果的提示点
	CreatedAt       time.Time
}

func (s *Segmentation) clone() *Segmentation {
	if s == nil {
		return nil
	}
	c := *s
	c.Prompt = append([]sam2.Point(nil), s.Prompt...)
	return &c
}

// retint 生成换色后的副本
func (s *Segmentation) retint(c color.RGBA) *Segmentation {
	n := s.clone()
	n.Tint = c
	n.Overlay = postprocess.Retint(s.Alpha, c)
	return n
}

// Layer 转换为合成图层
func (s *Segmentation) Layer() render.Layer {
	return render.Layer{
		Overlay: s.Overlay,
		Title:   s.Title,
		Tint:    s.Tint,
	}
}

// Snapshot 会话的只读快照
type Snapshot struct {
	ID            uuid.UUID
	State         State
	Image         image.Image
	Width, Height int
	Step          int
	Seq           uint64 // 最近一次推理的序号，事件的 Seq 小于它即为过期结果
	Points        []sam2.Point
	Boxes         []sam2.Box
	ActiveBox     *sam2.Box
	Prompt        []sam2.Point // 当前提示编码对应的提示点
	Current       *Segmentation
	Segmentations []*Segmentation
	LastError     error
}

// Layers 可见的已提交分割，按提交顺序
func (s Snapshot) Layers() []render.Layer {
	layers := make([]render.Layer, 0, len(s.Segmentations))
	for _, seg := range s.Segmentations {
		if seg.Hidden {
			continue
		}
		layers = append(layers, seg.Layer())
	}
	return layers
}

// Find 按 ID 查找已提交分割
func (s Snapshot) Find(id uuid.UUID) (*Segmentation, bool) {
	for _, seg := range s.Segmentations {
		if seg.ID == id {
			return seg, true
		}
	}
	if s.Current != nil && s.Current.ID == id {
		return s.Current, true
	}
	return nil, false
}
