package server

import (
	"time"

	"github.com/getcharzp/sam2-studio/detect"
	"github.com/getcharzp/sam2-studio/pipeline"
	"github.com/getcharzp/sam2-studio/render"
	"github.com/getcharzp/sam2-studio/sam2"
)

type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// PointRequest 放置提示点，坐标为显示区域内的像素坐标
type PointRequest struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	FrameW float32 `json:"frame_w" binding:"required"`
	FrameH float32 `json:"frame_h" binding:"required"`
	Label  string  `json:"label"` // foreground | background，默认 foreground
}

type BoxRequest struct {
	X0     float32 `json:"x0"`
	Y0     float32 `json:"y0"`
	X1     float32 `json:"x1"`
	Y1     float32 `json:"y1"`
	FrameW float32 `json:"frame_w" binding:"required"`
	FrameH float32 `json:"frame_h" binding:"required"`
	Label  string  `json:"label"`
}

// SegmentationPatch 只修改非空字段
type SegmentationPatch struct {
	Title  *string `json:"title"`
	Hidden *bool   `json:"hidden"`
	Tint   *string `json:"tint"` // #rrggbb
}

type PointDTO struct {
	ID    string  `json:"id"`
	X     float32 `json:"x"`
	Y     float32 `json:"y"`
	Label string  `json:"label"`
}

type BoxDTO struct {
	ID    string  `json:"id"`
	X0    float32 `json:"x0"`
	Y0    float32 `json:"y0"`
	X1    float32 `json:"x1"`
	Y1    float32 `json:"y1"`
	Label string  `json:"label"`
}

// ProposalDTO 候选框，坐标相对原图归一化，可直接以 frame_w=1、frame_h=1 提交为框选
type ProposalDTO struct {
	ClassID int     `json:"class_id"`
	Score   float32 `json:"score"`
	X0      float32 `json:"x0"`
	Y0      float32 `json:"y0"`
	X1      float32 `json:"x1"`
	Y1      float32 `json:"y1"`
}

type SegmentationDTO struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Tint            string    `json:"tint"`
	Hidden          bool      `json:"hidden"`
	FirstAppearance int       `json:"first_appearance"`
	Score           float32   `json:"score"`
	Channel         int       `json:"channel"`
	Points          int       `json:"points"`
	CreatedAt       time.Time `json:"created_at"`
}

type SessionDTO struct {
	ID            string            `json:"id"`
	State         string            `json:"state"`
	Width         int               `json:"width"`
	Height        int               `json:"height"`
	Step          int               `json:"step"`
	ModelLoaded   bool              `json:"model_loaded"`
	Reused        bool              `json:"reused,omitempty"`
	Points        []PointDTO        `json:"points"`
	Boxes         []BoxDTO          `json:"boxes"`
	ActiveBox     *BoxDTO           `json:"active_box,omitempty"`
	Current       *SegmentationDTO  `json:"current,omitempty"`
	Segmentations []SegmentationDTO `json:"segmentations"`
	LastError     string            `json:"last_error,omitempty"`
}

// EventDTO WebSocket 推送的事件
type EventDTO struct {
	Type         string           `json:"type"`
	Seq          uint64           `json:"seq"`
	State        string           `json:"state"`
	Segmentation *SegmentationDTO `json:"segmentation,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// GestureMessage 客户端通过 WebSocket 发送的手势
type GestureMessage struct {
	Type   string  `json:"type"` // point | box_begin | box_drag | box_end | clear | commit
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	FrameW float32 `json:"frame_w"`
	FrameH float32 `json:"frame_h"`
	Label  string  `json:"label"`
}

func newPointDTO(p sam2.Point) PointDTO {
	return PointDTO{ID: p.ID.String(), X: p.Coord.X, Y: p.Coord.Y, Label: p.Label.String()}
}

func newBoxDTO(b sam2.Box) BoxDTO {
	return BoxDTO{
		ID:    b.ID.String(),
		X0:    b.Start.X,
		Y0:    b.Start.Y,
		X1:    b.End.X,
		Y1:    b.End.Y,
		Label: b.Label.String(),
	}
}

func newSegmentationDTO(s *pipeline.Segmentation) *SegmentationDTO {
	if s == nil {
		return nil
	}
	return &SegmentationDTO{
		ID:              s.ID.String(),
		Title:           s.Title,
		Tint:            render.Hex(s.Tint),
		Hidden:          s.Hidden,
		FirstAppearance: s.FirstAppearance,
		Score:           s.Score,
		Channel:         s.Channel,
		Points:          len(s.Prompt),
		CreatedAt:       s.CreatedAt,
	}
}

func newSessionDTO(snap pipeline.Snapshot, loaded bool) SessionDTO {
	dto := SessionDTO{
		ID:            snap.ID.String(),
		State:         snap.State.String(),
		Width:         snap.Width,
		Height:        snap.Height,
		Step:          snap.Step,
		ModelLoaded:   loaded,
		Points:        make([]PointDTO, len(snap.Points)),
		Boxes:         make([]BoxDTO, len(snap.Boxes)),
		Current:       newSegmentationDTO(snap.Current),
		Segmentations: make([]SegmentationDTO, len(snap.Segmentations)),
	}
	for i, p := range snap.Points {
		dto.Points[i] = newPointDTO(p)
	}
	for i, b := range snap.Boxes {
		dto.Boxes[i] = newBoxDTO(b)
	}
	if snap.ActiveBox != nil {
		b := newBoxDTO(*snap.ActiveBox)
		dto.ActiveBox = &b
	}
	for i, s := range snap.Segmentations {
		dto.Segmentations[i] = *newSegmentationDTO(s)
	}
	if snap.LastError != nil {
		dto.LastError = snap.LastError.Error()
	}
	return dto
}

func newEventDTO(ev pipeline.Event) EventDTO {
	dto := EventDTO{
		Type:         ev.Kind.String(),
		Seq:          ev.Seq,
		State:        ev.State.String(),
		Segmentation: newSegmentationDTO(ev.Segmentation),
	}
	if ev.Err != nil {
		dto.Error = ev.Err.Error()
	}
	return dto
}

// parseLabel 空字符串视为前景
func parseLabel(s string) (sam2.Label, bool) {
	if s == "" {
		return sam2.LabelForeground, true
	}
	return sam2.ParseLabel(s)
}

func newProposalDTO(p detect.Proposal, w, h int) ProposalDTO {
	start, end := p.Normalized(w, h)
	return ProposalDTO{
		ClassID: p.ClassID,
		Score:   p.Score,
		X0:      start.X,
		Y0:      start.Y,
		X1:      end.X,
		Y1:      end.Y,
	}
}
