package sam2

import (
	"time"

	"github.com/google/uuid"
)

// Coord 二维坐标
type Coord struct {
	X, Y float32
}

// Size 宽高
type Size struct {
	W, H float32
}

// Valid 宽高均为正数
func (s Size) Valid() bool {
	return s.W > 0 && s.H > 0
}

// Point 带类型的提示点，坐标为相对显示区域的归一化坐标
type Point struct {
	ID        uuid.UUID
	Coord     Coord
	Label     Label
	CreatedAt time.Time
}

// NewPoint 创建提示点
func NewPoint(c Coord, label Label) Point {
	return Point{
		ID:        uuid.New(),
		Coord:     c,
		Label:     label,
		CreatedAt: time.Now(),
	}
}

// Box 框选提示，拖动过程中 End 会不断更新
type Box struct {
	ID        uuid.UUID
	Start     Coord
	End       Coord
	Label     Label // 框选时选中的类别
	CreatedAt time.Time
}

// NewBox 在 start 处开始一个框选
func NewBox(start Coord, label Label) *Box {
	return &Box{
		ID:        uuid.New(),
		Start:     start,
		End:       start,
		Label:     label,
		CreatedAt: time.Now(),
	}
}

// DragTo 更新框选终点
func (b *Box) DragTo(c Coord) {
	b.End = c
}

// Midpoint 框的中心点
func (b Box) Midpoint() Coord {
	return Coord{
		X: (b.Start.X + b.End.X) / 2,
		Y: (b.Start.Y + b.End.Y) / 2,
	}
}

// Points 将框转换为起点、终点两个提示点，ID 由框 ID 派生，多次调用结果一致
func (b Box) Points() [2]Point {
	return [2]Point{
		{
			ID:        uuid.NewSHA1(b.ID, []byte("origin")),
			Coord:     b.Start,
			Label:     LabelBoxOrigin,
			CreatedAt: b.CreatedAt,
		},
		{
			ID:        uuid.NewSHA1(b.ID, []byte("end")),
			Coord:     b.End,
			Label:     LabelBoxEnd,
			CreatedAt: b.CreatedAt,
		},
	}
}
