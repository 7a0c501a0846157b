package sam2

import (
	"fmt"

	"github.com/getcharzp/sam2-studio"
)

// Transformer 在界面坐标、归一化坐标与模型输入坐标之间转换
type Transformer struct {
	InputW, InputH float32
	// Normalize 为 true 时输入为原图像素坐标，先除以原图尺寸再缩放
	Normalize bool
}

// NewTransformer 默认 1024x1024，输入为归一化坐标
func NewTransformer() Transformer {
	return Transformer{InputW: InputSize, InputH: InputSize}
}

func checkSize(s Size) error {
	if !s.Valid() {
		return fmt.Errorf("%w: %vx%v", vision.ErrInvalidDimensions, s.W, s.H)
	}
	return nil
}

// ToModelSpace 将坐标映射到模型输入空间
//
// # Params:
//
//	points: 归一化坐标，Normalize 模式下为原图像素坐标
//	orig: 原图尺寸
func (t Transformer) ToModelSpace(points []Coord, orig Size) ([]Coord, error) {
	if err := checkSize(orig); err != nil {
		return nil, err
	}
	if err := checkSize(Size{W: t.InputW, H: t.InputH}); err != nil {
		return nil, err
	}

	out := make([]Coord, len(points))
	for i, p := range points {
		if t.Normalize {
			p.X /= orig.W
			p.Y /= orig.H
		}
		out[i] = Coord{X: p.X * t.InputW, Y: p.Y * t.InputH}
	}
	return out, nil
}

// FromModelSpace ToModelSpace 的逆变换
func (t Transformer) FromModelSpace(points []Coord, orig Size) ([]Coord, error) {
	if err := checkSize(orig); err != nil {
		return nil, err
	}
	if err := checkSize(Size{W: t.InputW, H: t.InputH}); err != nil {
		return nil, err
	}

	out := make([]Coord, len(points))
	for i, p := range points {
		c := Coord{X: p.X / t.InputW, Y: p.Y / t.InputH}
		if t.Normalize {
			c.X *= orig.W
			c.Y *= orig.H
		}
		out[i] = c
	}
	return out, nil
}

// FromUISpace 将显示区域内的坐标转为归一化坐标
func FromUISpace(p Coord, frame Size) (Coord, error) {
	if err := checkSize(frame); err != nil {
		return Coord{}, err
	}
	return Coord{X: p.X / frame.W, Y: p.Y / frame.H}, nil
}

// ToUISpace 将归一化坐标映射回显示区域
func ToUISpace(p Coord, frame Size) (Coord, error) {
	if err := checkSize(frame); err != nil {
		return Coord{}, err
	}
	return Coord{X: p.X * frame.W, Y: p.Y * frame.H}, nil
}
