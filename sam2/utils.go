package sam2

import (
	"encoding/binary"
	"fmt"
	"image"

	"github.com/x448/float16"
	ort "github.com/yalue/onnxruntime_go"
)

// normalizeCHW 归一化并转换为 CHW 排布，不足 size 的部分补零
func normalizeCHW(src image.Image, size int) []float32 {
	bounds := src.Bounds()
	w, h := min(bounds.Dx(), size), min(bounds.Dy(), size)
	plane := size * size
	data := make([]float32, 3*plane)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := src.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			// RGBA returns 0-65535
			idx := y*size + x
			data[idx] = (float32(r)/65535.0 - MeanR) / StdR
			data[plane+idx] = (float32(g)/65535.0 - MeanG) / StdG
			data[2*plane+idx] = (float32(b)/65535.0 - MeanB) / StdB
		}
	}
	return data
}

// tensorFloats 读取输出张量的数据，半精度输出会被转换为 float32
//
// 返回的数据为拷贝，调用方可以在读取后立即销毁张量
func tensorFloats(v ort.Value) ([]float32, []int64, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		data := t.GetData()
		return append([]float32(nil), data...), []int64(t.GetShape()), nil
	case *ort.CustomDataTensor:
		return float16Bytes(t.GetData()), []int64(t.GetShape()), nil
	case nil:
		return nil, nil, fmt.Errorf("输出张量为空")
	default:
		return nil, nil, fmt.Errorf("不支持的输出张量类型 %T", v)
	}
}

// float16Bytes 将小端序 float16 数据转换为 float32
func float16Bytes(buf []byte) []float32 {
	out := make([]float32, len(buf)/2)
	for i := range out {
		bits := binary.LittleEndian.Uint16(buf[2*i:])
		out[i] = float16.Frombits(bits).Float32()
	}
	return out
}
