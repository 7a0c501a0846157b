package sam2

import (
	"fmt"

	"github.com/getcharzp/sam2-studio"
)

// MaskOutput 解码模型的原始输出
type MaskOutput struct {
	Scores []float32 // 每个通道的 IoU 预测分数
	Masks  []float32 // Mask logits
	Shape  []int64   // Masks 的形状，最后三维为 (channel, height, width)
}

// LogitMask 单通道低分辨率 Mask logits
type LogitMask struct {
	Width, Height int
	Data          []float32
}

// At 返回 (x, y) 处的值，越界返回 0
func (m LogitMask) At(x, y int) float32 {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return 0
	}
	i := y*m.Width + x
	if i >= len(m.Data) {
		return 0
	}
	return m.Data[i]
}

// CandidateMask 带分数的候选 Mask
type CandidateMask struct {
	Score float32
	Mask  LogitMask
}

// dims 解析通道数与 Mask 尺寸
func (o *MaskOutput) dims() (c, h, w int, err error) {
	n := len(o.Shape)
	if n < 3 {
		return 0, 0, 0, fmt.Errorf("%w: Mask 形状 %v 无效", vision.ErrDecodingFailed, o.Shape)
	}
	c, h, w = int(o.Shape[n-3]), int(o.Shape[n-2]), int(o.Shape[n-1])
	if c <= 0 || h <= 0 || w <= 0 {
		return 0, 0, 0, fmt.Errorf("%w: Mask 形状 %v 无效", vision.ErrDecodingFailed, o.Shape)
	}
	return c, h, w, nil
}

// channel 取第一个 batch 的第 idx 个通道
func (o *MaskOutput) channel(idx int) (LogitMask, error) {
	c, h, w, err := o.dims()
	if err != nil {
		return LogitMask{}, err
	}
	if idx < 0 || idx >= c {
		return LogitMask{}, fmt.Errorf("%w: 通道 %d 超出范围 [0, %d)", vision.ErrDecodingFailed, idx, c)
	}

	start := idx * h * w
	end := start + h*w
	if end > len(o.Masks) {
		return LogitMask{}, fmt.Errorf("%w: Mask 数据长度 %d 不足", vision.ErrDecodingFailed, len(o.Masks))
	}
	return LogitMask{Width: w, Height: h, Data: o.Masks[start:end]}, nil
}

// ArgMax 返回最大分数的下标，并列时取第一个，空数组返回 0
func ArgMax(scores []float32) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

// SelectMask 选出分数最高的 Mask
func SelectMask(o *MaskOutput) (LogitMask, int, error) {
	idx := ArgMax(o.Scores)
	m, err := o.channel(idx)
	if err != nil {
		return LogitMask{}, 0, err
	}
	return m, idx, nil
}

// Score 第 idx 个通道的分数，没有分数时返回 0
func (o *MaskOutput) Score(idx int) float32 {
	if idx < 0 || idx >= len(o.Scores) {
		return 0
	}
	return o.Scores[idx]
}

// Candidates 列出所有带分数的候选 Mask
func (o *MaskOutput) Candidates() ([]CandidateMask, error) {
	out := make([]CandidateMask, 0, len(o.Scores))
	for i, s := range o.Scores {
		m, err := o.channel(i)
		if err != nil {
			return nil, err
		}
		out = append(out, CandidateMask{Score: s, Mask: m})
	}
	return out, nil
}
