package sam2

import (
	"errors"
	"testing"

	"github.com/getcharzp/sam2-studio"
)

func TestSequence_BoxesFirst(t *testing.T) {
	frame := Size{W: 500, H: 500}
	start, _ := FromUISpace(Coord{X: 50, Y: 50}, frame)
	end, _ := FromUISpace(Coord{X: 150, Y: 150}, frame)

	box := NewBox(start, LabelForeground)
	box.DragTo(end)

	free := NewPoint(Coord{X: 0.5, Y: 0.5}, LabelBackground)
	seq := Sequence([]Box{*box}, []Point{free})

	wantLabels := []Label{LabelBoxOrigin, LabelBoxEnd, LabelBackground}
	if len(seq) != len(wantLabels) {
		t.Fatalf("len = %d, want %d", len(seq), len(wantLabels))
	}
	for i, l := range wantLabels {
		if seq[i].Label != l {
			t.Errorf("seq[%d].Label = %v, want %v", i, seq[i].Label, l)
		}
	}
	if seq[0].Coord != start || seq[1].Coord != end {
		t.Errorf("box points = %v, %v", seq[0].Coord, seq[1].Coord)
	}

	prompt, err := BuildPrompt(seq, NewTransformer(), Size{W: 1000, H: 1000})
	if err != nil {
		t.Fatal(err)
	}
	wantCodes := []int64{2, 3, 0}
	for i, c := range wantCodes {
		if prompt.Labels[i] != c {
			t.Errorf("Labels[%d] = %d, want %d", i, prompt.Labels[i], c)
		}
	}
	if !near(prompt.Coords[0], 102.4) || !near(prompt.Coords[2], 307.2) {
		t.Errorf("Coords = %v", prompt.Coords)
	}
}

func TestBuildPrompt_SinglePoint(t *testing.T) {
	n, _ := FromUISpace(Coord{X: 100, Y: 100}, Size{W: 500, H: 500})
	prompt, err := BuildPrompt([]Point{NewPoint(n, LabelForeground)}, NewTransformer(), Size{W: 1000, H: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if prompt.Len() != 1 || prompt.Labels[0] != 1 {
		t.Fatalf("labels = %v", prompt.Labels)
	}
	if !near(prompt.Coords[0], 204.8) || !near(prompt.Coords[1], 204.8) {
		t.Fatalf("coords = %v", prompt.Coords)
	}
}

func TestBuildPrompt_Empty(t *testing.T) {
	if _, err := BuildPrompt(nil, NewTransformer(), Size{W: 1, H: 1}); !errors.Is(err, vision.ErrEncodingFailed) {
		t.Fatalf("got %v, want ErrEncodingFailed", err)
	}
}

func TestBox_PointsStable(t *testing.T) {
	b := NewBox(Coord{X: 0.1, Y: 0.2}, LabelForeground)
	b.DragTo(Coord{X: 0.3, Y: 0.6})

	p1, p2 := b.Points(), b.Points()
	if p1[0].ID != p2[0].ID || p1[1].ID != p2[1].ID {
		t.Fatal("派生点 ID 应保持一致")
	}
	if p1[0].ID == p1[1].ID {
		t.Fatal("起点与终点 ID 不应相同")
	}
	mid := b.Midpoint()
	if !near(mid.X, 0.2) || !near(mid.Y, 0.4) {
		t.Fatalf("midpoint = %v", mid)
	}
}

func TestParseLabel(t *testing.T) {
	for _, l := range []Label{LabelBackground, LabelForeground, LabelBoxOrigin, LabelBoxEnd} {
		got, ok := ParseLabel(l.String())
		if !ok || got != l {
			t.Errorf("ParseLabel(%q) = %v, %v", l.String(), got, ok)
		}
	}
	if _, ok := ParseLabel("nope"); ok {
		t.Error("未知类型应解析失败")
	}
}
