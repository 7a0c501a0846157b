package detect

import (
	"image"
	"sort"

	"github.com/up-zero/gotool/imageutil"
)

// letterbox 等比缩放到 inputSize，右侧和下方补零，像素归一化到 0-1 并转为 CHW
func letterbox(img image.Image, inputSize int) ([]float32, imageParams) {
	bounds := img.Bounds()
	params := imageParams{
		origW: bounds.Dx(),
		origH: bounds.Dy(),
	}
	params.scale = float32(inputSize) / float32(max(params.origW, params.origH))

	newW := max(1, int(float32(params.origW)*params.scale))
	newH := max(1, int(float32(params.origH)*params.scale))
	resized := imageutil.Resize(img, newW, newH)
	rb := resized.Bounds()

	plane := inputSize * inputSize
	data := make([]float32, 3*plane)
	for y := 0; y < min(newH, inputSize); y++ {
		for x := 0; x < min(newW, inputSize); x++ {
			r, g, b, _ := resized.At(rb.Min.X+x, rb.Min.Y+y).RGBA()
			idx := y*inputSize + x
			data[idx] = float32(r) / 65535.0
			data[plane+idx] = float32(g) / 65535.0
			data[2*plane+idx] = float32(b) / 65535.0
		}
	}
	return data, params
}

// parseCandidates 解析 [4+类别数, anchors] 排布的输出
//
// # Params:
//
//	data: 模型输出
//		[cx1, cx2 ..., cxN]
//		[cy1, cy2 ..., cyN]
//		[w1, w2 ..., wN]
//		[h1, h2 ..., hN]
//		[c1_1, c1_2 ..., c1_N]
//		...
//	numClasses: 类别数
//	anchors: 锚点数
func parseCandidates(data []float32, numClasses, anchors int, confThreshold float32, params imageParams) []candidate {
	if len(data) < (4+numClasses)*anchors {
		return nil
	}

	var cands []candidate
	for i := 0; i < anchors; i++ {
		maxScore := float32(0)
		classID := -1
		for c := 0; c < numClasses; c++ {
			if score := data[(4+c)*anchors+i]; score > maxScore {
				maxScore = score
				classID = c
			}
		}
		if classID < 0 || maxScore < confThreshold {
			continue
		}

		cx := data[i]
		cy := data[anchors+i]
		w := data[2*anchors+i]
		h := data[3*anchors+i]

		r := image.Rect(
			max(0, int((cx-w/2)/params.scale)),
			max(0, int((cy-h/2)/params.scale)),
			min(params.origW, int((cx+w/2)/params.scale)),
			min(params.origH, int((cy+h/2)/params.scale)),
		)
		if r.Empty() {
			continue
		}
		cands = append(cands, candidate{origBox: r, score: maxScore, classID: classID})
	}
	return cands
}

// nms 非极大值抑制，返回按分数降序保留的候选
//
// # Params:
//
//	cands: 候选框
//	iouThresh: IOU 阈值
func nms(cands []candidate, iouThresh float32) []candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].score > cands[j].score
	})

	keep := make([]candidate, 0, len(cands))
	suppressed := make([]bool, len(cands))
	for i := range cands {
		if suppressed[i] {
			continue
		}
		keep = append(keep, cands[i])
		for j := i + 1; j < len(cands); j++ {
			if !suppressed[j] && computeIOU(cands[i].origBox, cands[j].origBox) > iouThresh {
				suppressed[j] = true
			}
		}
	}
	return keep
}

func computeIOU(r1, r2 image.Rectangle) float32 {
	inter := r1.Intersect(r2)
	if inter.Empty() {
		return 0
	}
	interArea := inter.Dx() * inter.Dy()
	area1 := r1.Dx() * r1.Dy()
	area2 := r2.Dx() * r2.Dy()
	return float32(interArea) / float32(area1+area2-interArea)
}
