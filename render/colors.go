package render

import (
	"fmt"
	"image/color"
	"math"
	"strconv"
	"strings"
)

// DefaultTint 第一个分割结果的默认颜色
var DefaultTint = color.RGBA{R: 30, G: 144, B: 255, A: 255}

// Palette 分割覆盖层的候选颜色，第一个为默认颜色
var Palette = []color.RGBA{
	DefaultTint,
	{R: 255, G: 59, B: 48, A: 255},   // red
	{R: 52, G: 199, B: 89, A: 255},   // green
	{R: 162, G: 132, B: 94, A: 255},  // brown
	{R: 88, G: 86, B: 214, A: 255},   // indigo
	{R: 50, G: 173, B: 230, A: 255},  // cyan
	{R: 255, G: 204, B: 0, A: 255},   // yellow
	{R: 175, G: 82, B: 222, A: 255},  // purple
	{R: 255, G: 149, B: 0, A: 255},   // orange
	{R: 48, G: 176, B: 199, A: 255},  // teal
	{R: 0, G: 199, B: 190, A: 255},   // mint
	{R: 255, G: 45, B: 85, A: 255},   // pink
}

// Metric 颜色距离的汇总方式
type Metric int

const (
	// SumDistance 与所有已用颜色的距离之和
	SumDistance Metric = iota
	// MinDistance 与最近的已用颜色的距离
	MinDistance
)

// Distance RGB 欧氏距离
func Distance(a, b color.RGBA) float64 {
	dr := float64(a.R) - float64(b.R)
	dg := float64(a.G) - float64(b.G)
	db := float64(a.B) - float64(b.B)
	return math.Sqrt(dr*dr + dg*dg + db*db)
}

func sameRGB(a, b color.RGBA) bool {
	return a.R == b.R && a.G == b.G && a.B == b.B
}

// FurthestColor 从候选颜色中选出离已用颜色最远的一个
//
// # Params:
//
//	used: 已有分割使用的颜色
//	palette: 候选颜色，并列时按顺序取第一个
//	metric: 距离汇总方式
func FurthestColor(used, palette []color.RGBA, metric Metric) color.RGBA {
	if len(palette) == 0 {
		return DefaultTint
	}
	if len(used) == 0 {
		return palette[0]
	}

	// 优先从未使用的颜色中选择
	candidates := make([]color.RGBA, 0, len(palette))
	for _, c := range palette {
		taken := false
		for _, u := range used {
			if sameRGB(c, u) {
				taken = true
				break
			}
		}
		if !taken {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		candidates = palette
	}

	best, bestScore := candidates[0], -1.0
	for _, c := range candidates {
		score := 0.0
		if metric == MinDistance {
			score = math.Inf(1)
		}
		for _, u := range used {
			d := Distance(c, u)
			if metric == MinDistance {
				score = math.Min(score, d)
			} else {
				score += d
			}
		}
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

// Hex 将颜色格式化为 #rrggbb
func Hex(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// ParseHex 解析 #rrggbb 或 rrggbb
func ParseHex(s string) (color.RGBA, error) {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return color.RGBA{}, fmt.Errorf("颜色格式错误: %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("颜色格式错误: %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}
