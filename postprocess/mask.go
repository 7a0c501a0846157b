// Package postprocess 将解码得到的低分辨率 Mask logits 转换为原图尺寸的着色覆盖层
package postprocess

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/getcharzp/sam2-studio"
	"github.com/getcharzp/sam2-studio/sam2"
)

// Result 后处理结果
type Result struct {
	Min, Max  float32
	Threshold float32      // 归一化后的阈值，对应 logit 0
	Alpha     *image.Alpha // 原图尺寸的二值 Mask
	Overlay   *image.NRGBA // 着色后的半透明覆盖层
}

// MinMax 扫描一次求最小值与最大值
func MinMax(data []float32) (lo, hi float32) {
	if len(data) == 0 {
		return 0, 0
	}
	lo, hi = data[0], data[0]
	for _, v := range data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// Threshold 计算 logit 0 在 [min, max] 窗口中的归一化位置
func Threshold(lo, hi float32) (float32, error) {
	if hi == lo || math.IsNaN(float64(hi-lo)) {
		return 0, fmt.Errorf("%w: Mask 取值恒为 %v", vision.ErrImageResizingFailed, lo)
	}
	return -lo / (hi - lo), nil
}

// Render 以 [min, max] 为窗口将 logits 映射到 8 位灰度图
func Render(m sam2.LogitMask, lo, hi float32) (*image.Gray, error) {
	if m.Width <= 0 || m.Height <= 0 || len(m.Data) < m.Width*m.Height {
		return nil, fmt.Errorf("%w: Mask 尺寸 %dx%d", vision.ErrInvalidDimensions, m.Width, m.Height)
	}
	if hi == lo {
		return nil, fmt.Errorf("%w: Mask 取值恒为 %v", vision.ErrImageResizingFailed, lo)
	}

	gray := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	scale := 255 / (hi - lo)
	for y := 0; y < m.Height; y++ {
		row := gray.Pix[y*gray.Stride:]
		for x := 0; x < m.Width; x++ {
			row[x] = uint8(math.Round(float64((m.At(x, y) - lo) * scale)))
		}
	}
	return gray, nil
}

// binarize 缩放后再按阈值二值化，并直接作为 alpha 通道
func binarize(src *image.NRGBA, threshold float32) *image.Alpha {
	b := src.Bounds()
	alpha := image.NewAlpha(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < b.Dx(); x++ {
			if float32(row[x*4])/255 > threshold {
				alpha.Pix[y*alpha.Stride+x] = 0xff
			}
		}
	}
	return alpha
}

// Process 完整的后处理流程
//
// # Params:
//
//	m: 选出的低分辨率 Mask logits
//	origW, origH: 原图尺寸
//	tint: 覆盖层颜色
func Process(m sam2.LogitMask, origW, origH int, tint color.RGBA) (*Result, error) {
	if origW <= 0 || origH <= 0 {
		return nil, fmt.Errorf("%w: 原图尺寸 %dx%d", vision.ErrInvalidDimensions, origW, origH)
	}

	lo, hi := MinMax(m.Data)
	threshold, err := Threshold(lo, hi)
	if err != nil {
		return nil, err
	}

	gray, err := Render(m, lo, hi)
	if err != nil {
		return nil, err
	}

	// 先缩放再二值化，避免边缘锯齿
	resized := imaging.Resize(gray, origW, origH, imaging.Linear)
	if resized == nil || resized.Bounds().Dx() != origW || resized.Bounds().Dy() != origH {
		return nil, fmt.Errorf("%w: 缩放到 %dx%d 无输出", vision.ErrImageResizingFailed, origW, origH)
	}

	alpha := binarize(resized, threshold)
	return &Result{
		Min:       lo,
		Max:       hi,
		Threshold: threshold,
		Alpha:     alpha,
		Overlay:   NewTinter(tint).Apply(alpha),
	}, nil
}
