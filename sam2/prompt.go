package sam2

import (
	"fmt"

	"github.com/getcharzp/sam2-studio"
)

// Prompt 解码模型需要的提示输入，Coords 与 Labels 一一对应
type Prompt struct {
	Coords []float32 // 模型空间坐标 x0, y0, x1, y1, ...
	Labels []int64
}

// Len 提示点数量
func (p *Prompt) Len() int {
	return len(p.Labels)
}

// Sequence 按照 "先框后点" 的顺序展开全部提示点，保持添加顺序
func Sequence(boxes []Box, points []Point) []Point {
	seq := make([]Point, 0, len(boxes)*2+len(points))
	for _, b := range boxes {
		pts := b.Points()
		seq = append(seq, pts[0], pts[1])
	}
	return append(seq, points...)
}

// BuildPrompt 将提示点转换到模型空间并打包
//
// # Params:
//
//	seq: Sequence 展开后的提示点
//	t: 坐标转换器
//	orig: 原图尺寸
func BuildPrompt(seq []Point, t Transformer, orig Size) (*Prompt, error) {
	if len(seq) == 0 {
		return nil, fmt.Errorf("%w: 提示点为空", vision.ErrEncodingFailed)
	}

	coords := make([]Coord, len(seq))
	for i, p := range seq {
		coords[i] = p.Coord
	}
	model, err := t.ToModelSpace(coords, orig)
	if err != nil {
		return nil, err
	}

	p := &Prompt{
		Coords: make([]float32, 0, len(seq)*2),
		Labels: make([]int64, 0, len(seq)),
	}
	for i, c := range model {
		p.Coords = append(p.Coords, c.X, c.Y)
		p.Labels = append(p.Labels, int64(seq[i].Label))
	}
	return p, nil
}
