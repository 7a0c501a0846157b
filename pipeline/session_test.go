package pipeline

import (
	"context"
	"errors"
	"image"
	"math"
	"testing"
	"time"

	"github.com/getcharzp/sam2-studio"
	"github.com/getcharzp/sam2-studio/render"
	"github.com/getcharzp/sam2-studio/sam2"
)

func near(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-3
}

func TestSession_PlacePoint(t *testing.T) {
	engine := &fakeEngine{}
	s, events := newTestSession(t, Ready(engine), Options{})

	p, err := s.PlacePoint(sam2.Coord{X: 100, Y: 100}, frame, sam2.LabelForeground)
	if err != nil {
		t.Fatal(err)
	}
	if !near(p.Coord.X, 0.2) || !near(p.Coord.Y, 0.2) {
		t.Fatalf("normalized = %+v", p.Coord)
	}

	ev := waitEvent(t, events, EventSegmentation)
	seg := ev.Segmentation
	if seg.Title != "Untitled 1" {
		t.Errorf("title = %s", seg.Title)
	}
	if seg.Tint != render.DefaultTint {
		t.Errorf("tint = %v", seg.Tint)
	}
	if seg.Channel != 1 || !near(seg.Score, 0.9) {
		t.Errorf("channel = %d, score = %v", seg.Channel, seg.Score)
	}
	if seg.Alpha.Bounds() != image.Rect(0, 0, 40, 20) {
		t.Fatalf("alpha bounds = %v", seg.Alpha.Bounds())
	}
	if seg.Alpha.AlphaAt(35, 10).A != 255 || seg.Alpha.AlphaAt(2, 10).A != 0 {
		t.Errorf("alpha = %d / %d", seg.Alpha.AlphaAt(35, 10).A, seg.Alpha.AlphaAt(2, 10).A)
	}

	prompt := engine.lastPrompt()
	if prompt.Len() != 1 || !near(prompt.Coords[0], 204.8) || !near(prompt.Coords[1], 204.8) || prompt.Labels[0] != 1 {
		t.Errorf("prompt = %+v", prompt)
	}

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != StateIdle || snap.Current == nil || len(snap.Prompt) != 1 || snap.Step != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Width != 40 || snap.Height != 20 {
		t.Errorf("size = %dx%d", snap.Width, snap.Height)
	}
	if snap.Seq != ev.Seq {
		t.Errorf("snapshot seq = %d, event seq = %d", snap.Seq, ev.Seq)
	}
}

func TestSession_EmptyScoresSelectFirstChannel(t *testing.T) {
	engine := &fakeEngine{output: scorelessOutput}
	rec := &fakeRecorder{}
	s, events := newTestSession(t, Ready(engine), Options{Recorder: rec})

	if _, err := s.PlacePoint(sam2.Coord{X: 100, Y: 100}, frame, sam2.LabelForeground); err != nil {
		t.Fatal(err)
	}

	seg := waitEvent(t, events, EventSegmentation).Segmentation
	if seg.Channel != 0 || seg.Score != 0 {
		t.Errorf("channel = %d, score = %v", seg.Channel, seg.Score)
	}
	if seg.Alpha.AlphaAt(35, 10).A != 255 || seg.Alpha.AlphaAt(2, 10).A != 0 {
		t.Errorf("alpha = %d / %d", seg.Alpha.AlphaAt(35, 10).A, seg.Alpha.AlphaAt(2, 10).A)
	}
	if rec.completed.Load() != 1 || rec.failed.Load() != 0 {
		t.Errorf("completed = %d, failed = %d", rec.completed.Load(), rec.failed.Load())
	}
}

func TestSession_BoxBeforePoints(t *testing.T) {
	engine := &fakeEngine{}
	s, events := newTestSession(t, Ready(engine), Options{})

	if _, err := s.PlacePoint(sam2.Coord{X: 250, Y: 250}, frame, sam2.LabelBackground); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, EventSegmentation)

	if _, err := s.BeginBox(sam2.Coord{X: 50, Y: 50}, frame, sam2.LabelForeground); err != nil {
		t.Fatal(err)
	}
	if err := s.DragBox(sam2.Coord{X: 100, Y: 100}, frame); err != nil {
		t.Fatal(err)
	}
	if err := s.DragBox(sam2.Coord{X: 150, Y: 150}, frame); err != nil {
		t.Fatal(err)
	}
	snap, _ := s.Snapshot()
	if snap.ActiveBox == nil || !near(snap.ActiveBox.End.X, 0.3) {
		t.Fatalf("active box = %+v", snap.ActiveBox)
	}

	box, err := s.FinalizeBox()
	if err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, EventSegmentation)

	prompt := engine.lastPrompt()
	wantLabels := []int64{2, 3, 0}
	if prompt.Len() != 3 {
		t.Fatalf("prompt = %+v", prompt)
	}
	for i, l := range wantLabels {
		if prompt.Labels[i] != l {
			t.Errorf("labels = %v, want %v", prompt.Labels, wantLabels)
			break
		}
	}
	if !near(prompt.Coords[0], 102.4) || !near(prompt.Coords[2], 307.2) {
		t.Errorf("box coords = %v", prompt.Coords[:4])
	}

	snap, _ = s.Snapshot()
	if snap.ActiveBox != nil || len(snap.Boxes) != 1 || snap.Boxes[0].ID != box.ID {
		t.Errorf("boxes = %+v", snap.Boxes)
	}
	if encodes, _ := engine.counts(); encodes != 1 {
		t.Errorf("encodes = %d, want 1", encodes)
	}
}

func TestSession_FinalizeWithoutBox(t *testing.T) {
	s, _ := newTestSession(t, Ready(&fakeEngine{}), Options{})
	if _, err := s.FinalizeBox(); !errors.Is(err, ErrNoActiveBox) {
		t.Fatalf("err = %v", err)
	}
	if err := s.DragBox(sam2.Coord{X: 1, Y: 1}, frame); !errors.Is(err, ErrNoActiveBox) {
		t.Fatalf("err = %v", err)
	}
}

func TestSession_InvalidInput(t *testing.T) {
	s, _ := newTestSession(t, Ready(&fakeEngine{}), Options{})

	if _, err := s.PlacePoint(sam2.Coord{X: 1, Y: 1}, frame, sam2.LabelBoxOrigin); !errors.Is(err, ErrInvalidLabel) {
		t.Errorf("label err = %v", err)
	}
	if _, err := s.PlacePoint(sam2.Coord{X: 1, Y: 1}, sam2.Size{}, sam2.LabelForeground); !errors.Is(err, vision.ErrInvalidDimensions) {
		t.Errorf("frame err = %v", err)
	}
	if _, err := NewSession(Ready(&fakeEngine{}), image.NewRGBA(image.Rect(0, 0, 0, 10)), Options{}); !errors.Is(err, vision.ErrInvalidDimensions) {
		t.Errorf("image err = %v", err)
	}
	if err := s.SetImage(nil); !errors.Is(err, vision.ErrInvalidDimensions) {
		t.Errorf("set image err = %v", err)
	}
}

func TestSession_ModelNotLoaded(t *testing.T) {
	ready := NewReadiness()
	s, events := newTestSession(t, ready, Options{})

	if _, err := s.PlacePoint(sam2.Coord{X: 10, Y: 10}, frame, sam2.LabelForeground); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, events, EventPassFailed)
	if !errors.Is(ev.Err, vision.ErrModelNotLoaded) {
		t.Fatalf("err = %v", ev.Err)
	}
	snap, _ := s.Snapshot()
	if !errors.Is(snap.LastError, vision.ErrModelNotLoaded) || snap.Current != nil {
		t.Fatalf("snapshot = %+v", snap)
	}

	ready.Resolve(&fakeEngine{}, nil)
	if _, err := s.PlacePoint(sam2.Coord{X: 10, Y: 10}, frame, sam2.LabelForeground); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, EventSegmentation)
	snap, _ = s.Snapshot()
	if snap.LastError != nil || len(snap.Prompt) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestSession_StaleResultDiscarded(t *testing.T) {
	engine := &fakeEngine{blockLen: 1, block: make(chan struct{})}
	rec := &fakeRecorder{}
	s, events := newTestSession(t, Ready(engine), Options{Recorder: rec})

	if _, err := s.PlacePoint(sam2.Coord{X: 10, Y: 10}, frame, sam2.LabelForeground); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PlacePoint(sam2.Coord{X: 400, Y: 400}, frame, sam2.LabelForeground); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, events, EventSegmentation)
	if len(ev.Segmentation.Prompt) != 2 {
		t.Fatalf("prompt points = %d, want 2", len(ev.Segmentation.Prompt))
	}

	close(engine.block)
	eventually(t, func() bool { return rec.discarded.Load() == 1 })

	snap, _ := s.Snapshot()
	if snap.Current == nil || len(snap.Current.Prompt) != 2 || len(snap.Prompt) != 2 {
		t.Fatalf("current = %+v", snap.Current)
	}
	eventually(t, func() bool { return engine.live.Load() == 1 })
	if rec.started.Load() != 2 || rec.completed.Load() != 1 {
		t.Errorf("started = %d, completed = %d", rec.started.Load(), rec.completed.Load())
	}
}

func TestSession_RetryTransient(t *testing.T) {
	engine := &fakeEngine{decodeErrs: []error{errors.New("显存不足")}}
	s, events := newTestSession(t, Ready(engine), Options{MaxRetries: 2, RetryBackoff: time.Millisecond})

	if _, err := s.PlacePoint(sam2.Coord{X: 10, Y: 10}, frame, sam2.LabelForeground); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, EventSegmentation)
	if _, decodes := engine.counts(); decodes != 2 {
		t.Fatalf("decodes = %d, want 2", decodes)
	}
}

func TestSession_FailureKeepsCommitted(t *testing.T) {
	engine := &fakeEngine{}
	s, events := newTestSession(t, Ready(engine), Options{})

	if _, err := s.PlacePoint(sam2.Coord{X: 10, Y: 10}, frame, sam2.LabelForeground); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, EventSegmentation)
	committed, err := s.Commit()
	if err != nil {
		t.Fatal(err)
	}

	engine.mu.Lock()
	engine.decodeErrs = []error{errors.New("ort 内部错误")}
	engine.mu.Unlock()

	if _, err := s.PlacePoint(sam2.Coord{X: 10, Y: 10}, frame, sam2.LabelForeground); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, events, EventPassFailed)
	if !errors.Is(ev.Err, vision.ErrDecodingFailed) {
		t.Fatalf("err = %v", ev.Err)
	}
	if _, decodes := engine.counts(); decodes != 2 {
		t.Errorf("decodes = %d, want 2", decodes)
	}

	snap, _ := s.Snapshot()
	if len(snap.Segmentations) != 1 || snap.Segmentations[0].ID != committed.ID {
		t.Fatalf("segmentations = %+v", snap.Segmentations)
	}
	if engine.live.Load() != 0 {
		t.Errorf("live prompt encodings = %d", engine.live.Load())
	}
}

func TestSession_CommitAndManage(t *testing.T) {
	s, events := newTestSession(t, Ready(&fakeEngine{}), Options{})

	if _, err := s.Commit(); !errors.Is(err, ErrNoDraft) {
		t.Fatalf("commit without draft: %v", err)
	}

	commit := func() *Segmentation {
		t.Helper()
		if _, err := s.PlacePoint(sam2.Coord{X: 300, Y: 200}, frame, sam2.LabelForeground); err != nil {
			t.Fatal(err)
		}
		waitEvent(t, events, EventSegmentation)
		seg, err := s.Commit()
		if err != nil {
			t.Fatal(err)
		}
		return seg
	}

	first := commit()
	snap, _ := s.Snapshot()
	if len(snap.Points) != 0 || snap.Current != nil || len(snap.Segmentations) != 1 {
		t.Fatalf("after commit: %+v", snap)
	}

	second := commit()
	if second.Title != "Untitled 2" {
		t.Errorf("title = %s", second.Title)
	}
	if second.Tint == first.Tint {
		t.Errorf("second tint reuses %v", first.Tint)
	}
	if second.FirstAppearance <= first.FirstAppearance {
		t.Errorf("first appearance %d <= %d", second.FirstAppearance, first.FirstAppearance)
	}

	if ok, err := s.Rename(first.ID, "猫"); !ok || err != nil {
		t.Fatalf("rename: %v %v", ok, err)
	}
	if ok, _ := s.SetHidden(second.ID, true); !ok {
		t.Fatal("set hidden failed")
	}
	red := render.Palette[1]
	if ok, _ := s.SetTint(first.ID, red); !ok {
		t.Fatal("set tint failed")
	}

	snap, _ = s.Snapshot()
	got, ok := snap.Find(first.ID)
	if !ok || got.Title != "猫" || got.Tint != red {
		t.Fatalf("first = %+v", got)
	}
	if got.Overlay == first.Overlay {
		t.Error("overlay was not regenerated")
	}
	layers := snap.Layers()
	if len(layers) != 1 || layers[0].Title != "猫" {
		t.Fatalf("layers = %+v", layers)
	}

	if ok, _ := s.DeleteSegmentation(first.ID); !ok {
		t.Fatal("delete failed")
	}
	if ok, _ := s.DeleteSegmentation(first.ID); ok {
		t.Fatal("delete twice succeeded")
	}
	snap, _ = s.Snapshot()
	if len(snap.Segmentations) != 1 || snap.Segmentations[0].ID != second.ID {
		t.Fatalf("segmentations = %+v", snap.Segmentations)
	}
}

func TestSession_RemovePrompts(t *testing.T) {
	engine := &fakeEngine{}
	s, events := newTestSession(t, Ready(engine), Options{})

	p1, _ := s.PlacePoint(sam2.Coord{X: 10, Y: 10}, frame, sam2.LabelForeground)
	waitEvent(t, events, EventSegmentation)
	p2, _ := s.PlacePoint(sam2.Coord{X: 20, Y: 20}, frame, sam2.LabelBackground)
	waitEvent(t, events, EventSegmentation)

	if ok, err := s.RemovePoint(p1.ID); !ok || err != nil {
		t.Fatalf("remove: %v %v", ok, err)
	}
	ev := waitEvent(t, events, EventSegmentation)
	if len(ev.Segmentation.Prompt) != 1 || ev.Segmentation.Prompt[0].ID != p2.ID {
		t.Fatalf("prompt = %+v", ev.Segmentation.Prompt)
	}
	if engine.lastPrompt().Labels[0] != 0 {
		t.Errorf("labels = %v", engine.lastPrompt().Labels)
	}

	if ok, _ := s.RemovePoint(p1.ID); ok {
		t.Fatal("removed twice")
	}
	if ok, _ := s.RemovePoint(p2.ID); !ok {
		t.Fatal("remove last failed")
	}
	waitEvent(t, events, EventPromptsCleared)

	snap, _ := s.Snapshot()
	if snap.Current != nil || len(snap.Prompt) != 0 || len(snap.Points) != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if engine.live.Load() != 0 {
		t.Errorf("live prompt encodings = %d", engine.live.Load())
	}
}

func TestSession_RemoveBox(t *testing.T) {
	s, events := newTestSession(t, Ready(&fakeEngine{}), Options{})

	box, err := s.AddBox(sam2.Coord{X: 50, Y: 50}, sam2.Coord{X: 150, Y: 150}, frame, sam2.LabelForeground)
	if err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, EventSegmentation)

	if ok, _ := s.RemoveBox(box.ID); !ok {
		t.Fatal("remove box failed")
	}
	waitEvent(t, events, EventPromptsCleared)
	snap, _ := s.Snapshot()
	if len(snap.Boxes) != 0 || snap.Current != nil {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestSession_ClearPrompts(t *testing.T) {
	s, events := newTestSession(t, Ready(&fakeEngine{}), Options{})

	s.PlacePoint(sam2.Coord{X: 10, Y: 10}, frame, sam2.LabelForeground)
	waitEvent(t, events, EventSegmentation)
	if err := s.ClearPrompts(); err != nil {
		t.Fatal(err)
	}
	snap, _ := s.Snapshot()
	if len(snap.Points) != 0 || snap.Current != nil || snap.State != StateIdle {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestSession_SetImage(t *testing.T) {
	engine := &fakeEngine{}
	s, events := newTestSession(t, Ready(engine), Options{})

	s.PlacePoint(sam2.Coord{X: 10, Y: 10}, frame, sam2.LabelForeground)
	waitEvent(t, events, EventSegmentation)
	s.Commit()

	if err := s.SetImage(image.NewRGBA(image.Rect(0, 0, 16, 16))); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		return engine.images[0].destroyed.Load()
	})

	snap, _ := s.Snapshot()
	if snap.Width != 16 || len(snap.Segmentations) != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}

	s.PlacePoint(sam2.Coord{X: 10, Y: 10}, frame, sam2.LabelForeground)
	ev := waitEvent(t, events, EventSegmentation)
	if ev.Segmentation.Alpha.Bounds().Dx() != 16 {
		t.Errorf("alpha bounds = %v", ev.Segmentation.Alpha.Bounds())
	}
	if encodes, _ := engine.counts(); encodes != 2 {
		t.Errorf("encodes = %d, want 2", encodes)
	}
}

type fakeTitler struct{}

func (fakeTitler) Title(_ context.Context, _ image.Image, seg *Segmentation) (string, error) {
	return "小狗", nil
}

func TestSession_AutoTitle(t *testing.T) {
	s, events := newTestSession(t, Ready(&fakeEngine{}), Options{Titler: fakeTitler{}})

	s.PlacePoint(sam2.Coord{X: 10, Y: 10}, frame, sam2.LabelForeground)
	waitEvent(t, events, EventSegmentation)
	seg, err := s.Commit()
	if err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, events, EventSegmentationUpdated)
	if ev.Segmentation.ID != seg.ID || ev.Segmentation.Title != "小狗" {
		t.Fatalf("updated = %+v", ev.Segmentation)
	}
}

func TestSession_Close(t *testing.T) {
	engine := &fakeEngine{}
	s, err := NewSession(Ready(engine), testImage(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	events, _, _ := s.Subscribe(8)

	s.PlacePoint(sam2.Coord{X: 10, Y: 10}, frame, sam2.LabelForeground)
	waitEvent(t, events, EventSegmentation)
	s.Close()
	s.Close()

	for range events {
	}
	if _, err := s.PlacePoint(sam2.Coord{X: 10, Y: 10}, frame, sam2.LabelForeground); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.Snapshot(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v", err)
	}
	eventually(t, func() bool { return engine.images[0].destroyed.Load() })
	if engine.live.Load() != 0 {
		t.Errorf("live prompt encodings = %d", engine.live.Load())
	}
}
