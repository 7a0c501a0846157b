package render

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/getcharzp/sam2-studio"
)

// Layer 合成图中的一个分割覆盖层
type Layer struct {
	Overlay image.Image // 着色后的覆盖层，尺寸与原图一致
	Title   string
	Tint    color.RGBA
}

// Options 合成参数
type Options struct {
	Opacity float64            // 覆盖层不透明度 (0, 1]
	Drawer  *vision.TextDrawer // 为空时不绘制标题
}

// DefaultOptions 默认半透明且不绘制标题
func DefaultOptions() Options {
	return Options{Opacity: 0.6}
}

// Composite 将覆盖层依次叠加到原图上，并在每个 Mask 的中心绘制标题
func Composite(src image.Image, layers []Layer, opts Options) *image.NRGBA {
	if opts.Opacity <= 0 || opts.Opacity > 1 {
		opts.Opacity = 1
	}

	dst := imaging.Clone(src)
	for _, l := range layers {
		if l.Overlay == nil {
			continue
		}
		dst = imaging.Overlay(dst, l.Overlay, image.Point{}, opts.Opacity)
	}

	if opts.Drawer == nil {
		return dst
	}
	for _, l := range layers {
		if l.Overlay == nil || l.Title == "" {
			continue
		}
		center, ok := Centroid(l.Overlay)
		if !ok {
			continue
		}
		opts.Drawer.DrawLabel(dst, l.Title, center, l.Tint, color.White)
	}
	return dst
}

// Centroid 计算覆盖层不透明区域的中心，全透明时返回 false
func Centroid(img image.Image) (image.Point, bool) {
	var sx, sy, n int
	b := img.Bounds()

	if nrgba, ok := img.(*image.NRGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				if nrgba.Pix[nrgba.PixOffset(x, y)+3] != 0 {
					sx, sy, n = sx+x-b.Min.X, sy+y-b.Min.Y, n+1
				}
			}
		}
	} else {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				if _, _, _, a := img.At(x, y).RGBA(); a != 0 {
					sx, sy, n = sx+x-b.Min.X, sy+y-b.Min.Y, n+1
				}
			}
		}
	}
	if n == 0 {
		return image.Point{}, false
	}
	return image.Pt(sx/n, sy/n), true
}
