package vision

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// TextDrawer 文本绘制工具，用于在合成图上标注分割标题
type TextDrawer struct {
	font     *opentype.Font
	face     font.Face
	fontSize float64
}

// NewTextDrawer 从字体文件创建文本绘制工具
//
// # Params:
//
//	fontPath: 字体路径
func NewTextDrawer(fontPath string) (*TextDrawer, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("打开字体文件失败：%w", err)
	}
	return NewTextDrawerFromBytes(fontBytes)
}

// NewDefaultTextDrawer 使用内置的 Go 字体
func NewDefaultTextDrawer() (*TextDrawer, error) {
	return NewTextDrawerFromBytes(goregular.TTF)
}

// NewTextDrawerFromBytes 从字体数据创建文本绘制工具
func NewTextDrawerFromBytes(fontBytes []byte) (*TextDrawer, error) {
	ttFont, err := opentype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("解析字体文件失败：%w", err)
	}

	d := &TextDrawer{font: ttFont}
	if err := d.SetSize(12); err != nil {
		return nil, err
	}
	return d, nil
}

// SetSize 动态调整字体大小
func (d *TextDrawer) SetSize(fontSize float64) error {
	if d.face != nil && d.fontSize == fontSize {
		return nil
	}
	if d.face != nil {
		d.face.Close()
	}

	nf, err := opentype.NewFace(d.font, &opentype.FaceOptions{
		Size:    fontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return err
	}

	d.face = nf
	d.fontSize = fontSize
	return nil
}

// Measure 返回文本绘制后的宽度与行高（像素）
func (d *TextDrawer) Measure(text string) (int, int) {
	w := font.MeasureString(d.face, text).Ceil()
	m := d.face.Metrics()
	return w, (m.Ascent + m.Descent).Ceil()
}

// DrawText 以 (x, y) 为基线起点绘制文本
func (d *TextDrawer) DrawText(img draw.Image, text string, x, y int, c color.Color) {
	dr := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: d.face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	dr.DrawString(text)
}

// DrawLabel 在 anchor 处绘制带底色的标签，标签整体保持在图像范围内
//
// # Params:
//
//	img: 被绘制的图像
//	text: 标签文本
//	anchor: 标签的中心点
//	bg: 底色
//	fg: 文字颜色
func (d *TextDrawer) DrawLabel(img draw.Image, text string, anchor image.Point, bg, fg color.Color) image.Rectangle {
	const pad = 4
	w, h := d.Measure(text)
	rect := image.Rect(0, 0, w+2*pad, h+2*pad).Add(anchor.Sub(image.Pt((w+2*pad)/2, (h+2*pad)/2)))

	// 贴边
	b := img.Bounds()
	if rect.Max.X > b.Max.X {
		rect = rect.Sub(image.Pt(rect.Max.X-b.Max.X, 0))
	}
	if rect.Max.Y > b.Max.Y {
		rect = rect.Sub(image.Pt(0, rect.Max.Y-b.Max.Y))
	}
	if rect.Min.X < b.Min.X {
		rect = rect.Add(image.Pt(b.Min.X-rect.Min.X, 0))
	}
	if rect.Min.Y < b.Min.Y {
		rect = rect.Add(image.Pt(0, b.Min.Y-rect.Min.Y))
	}

	draw.Draw(img, rect, image.NewUniform(bg), image.Point{}, draw.Over)
	ascent := d.face.Metrics().Ascent.Ceil()
	d.DrawText(img, text, rect.Min.X+pad, rect.Min.Y+pad+ascent, fg)
	return rect.Intersect(b)
}

// Close 释放资源
func (d *TextDrawer) Close() {
	if d.face != nil {
		d.face.Close()
		d.face = nil
	}
}
