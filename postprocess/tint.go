package postprocess

import (
	"image"
	"image/color"

	"gonum.org/v1/gonum/mat"
)

// Tinter 颜色矩阵着色，out = clamp(M * rgba + bias)
//
// 输入为预乘的白色像素 (a, a, a, a)，输出为覆盖层颜色。
type Tinter struct {
	matrix *mat.Dense
	bias   *mat.VecDense
	lut    [256]color.NRGBA
}

// NewTinter 按颜色创建着色矩阵
//
//	R' = c.R * r + a - 1
//	G' = c.G * g + a - 1
//	B' = c.B * b + a - 1
//	A' = a
func NewTinter(c color.RGBA) *Tinter {
	r, g, b := float64(c.R)/255, float64(c.G)/255, float64(c.B)/255
	m := mat.NewDense(4, 4, []float64{
		r, 0, 0, 1,
		0, g, 0, 1,
		0, 0, b, 1,
		0, 0, 0, 1,
	})
	bias := mat.NewVecDense(4, []float64{-1, -1, -1, 0})
	return NewMatrixTinter(m, bias)
}

// NewMatrixTinter 使用自定义的 4x4 矩阵与偏置
func NewMatrixTinter(m *mat.Dense, bias *mat.VecDense) *Tinter {
	t := &Tinter{matrix: m, bias: bias}

	// 输入只有 alpha 一个自由度，预先计算 256 级查找表
	in := mat.NewVecDense(4, nil)
	out := mat.NewVecDense(4, nil)
	for i := 0; i < 256; i++ {
		a := float64(i) / 255
		in.SetVec(0, a)
		in.SetVec(1, a)
		in.SetVec(2, a)
		in.SetVec(3, a)
		out.MulVec(m, in)
		out.AddVec(out, bias)
		t.lut[i] = color.NRGBA{
			R: clamp8(out.AtVec(0)),
			G: clamp8(out.AtVec(1)),
			B: clamp8(out.AtVec(2)),
			A: clamp8(out.AtVec(3)),
		}
	}
	return t
}

func clamp8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}

// Color 返回 alpha 值对应的输出颜色
func (t *Tinter) Color(a uint8) color.NRGBA {
	return t.lut[a]
}

// Apply 对 alpha Mask 着色，输出范围与 Mask 一致
func (t *Tinter) Apply(alpha *image.Alpha) *image.NRGBA {
	b := alpha.Bounds()
	dst := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := t.lut[alpha.AlphaAt(x, y).A]
			i := dst.PixOffset(x, y)
			dst.Pix[i+0] = c.R
			dst.Pix[i+1] = c.G
			dst.Pix[i+2] = c.B
			dst.Pix[i+3] = c.A
		}
	}
	return dst
}

// Retint 更换覆盖层颜色
func Retint(alpha *image.Alpha, c color.RGBA) *image.NRGBA {
	return NewTinter(c).Apply(alpha)
}
