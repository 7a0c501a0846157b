package detect

import (
	"image"
	"image/color"
	"testing"
)

func TestComputeIOU(t *testing.T) {
	tests := []struct {
		name string
		a, b image.Rectangle
		want float32
	}{
		{"identical", image.Rect(0, 0, 10, 10), image.Rect(0, 0, 10, 10), 1},
		{"disjoint", image.Rect(0, 0, 10, 10), image.Rect(20, 20, 30, 30), 0},
		{"half", image.Rect(0, 0, 10, 10), image.Rect(5, 0, 15, 10), 50.0 / 150.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := computeIOU(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-6 || diff < -1e-6 {
				t.Errorf("computeIOU = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNMS(t *testing.T) {
	cands := []candidate{
		{origBox: image.Rect(0, 0, 10, 10), score: 0.6, classID: 0},
		{origBox: image.Rect(1, 0, 11, 10), score: 0.9, classID: 0},
		{origBox: image.Rect(50, 50, 60, 60), score: 0.7, classID: 1},
	}
	kept := nms(cands, 0.5)
	if len(kept) != 2 {
		t.Fatalf("kept %d, want 2", len(kept))
	}
	if kept[0].score != 0.9 || kept[1].score != 0.7 {
		t.Errorf("unexpected order: %+v", kept)
	}
}

func TestParseCandidates(t *testing.T) {
	const anchors, classes = 2, 2
	data := make([]float32, (4+classes)*anchors)
	set := func(row, i int, v float32) { data[row*anchors+i] = v }

	// anchor 0: 中心 (20,20) 宽高 10，类别 1
	set(0, 0, 20)
	set(1, 0, 20)
	set(2, 0, 10)
	set(3, 0, 10)
	set(4, 0, 0.1)
	set(5, 0, 0.8)
	// anchor 1: 分数低于阈值
	set(0, 1, 5)
	set(1, 1, 5)
	set(2, 1, 4)
	set(3, 1, 4)
	set(4, 1, 0.2)

	params := imageParams{origW: 100, origH: 100, scale: 0.5}
	cands := parseCandidates(data, classes, anchors, 0.45, params)
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1", len(cands))
	}
	c := cands[0]
	if c.classID != 1 || c.score != 0.8 {
		t.Errorf("candidate = %+v", c)
	}
	if want := image.Rect(30, 30, 50, 50); c.origBox != want {
		t.Errorf("box = %v, want %v", c.origBox, want)
	}

	if got := parseCandidates(data[:3], classes, anchors, 0.45, params); got != nil {
		t.Errorf("short output should yield nil, got %v", got)
	}
}

func TestLetterbox(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 20, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}

	const size = 8
	data, params := letterbox(img, size)
	if len(data) != 3*size*size {
		t.Fatalf("len = %d", len(data))
	}
	if params.scale != 0.4 || params.origW != 20 || params.origH != 10 {
		t.Errorf("params = %+v", params)
	}
	if data[0] < 0.99 {
		t.Errorf("top-left red = %v, want ~1", data[0])
	}
	// 下方补零区域
	if v := data[(size-1)*size]; v != 0 {
		t.Errorf("padding = %v, want 0", v)
	}
}

func TestProposalNormalized(t *testing.T) {
	p := Proposal{Box: image.Rect(10, 20, 50, 80)}
	start, end := p.Normalized(100, 200)
	if start.X != 0.1 || start.Y != 0.1 || end.X != 0.5 || end.Y != 0.4 {
		t.Errorf("start=%v end=%v", start, end)
	}
}
