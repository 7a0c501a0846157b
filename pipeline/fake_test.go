package pipeline

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getcharzp/sam2-studio/sam2"
)

type fakeImage struct {
	w, h      int
	destroyed atomic.Bool
}

func (f *fakeImage) Size() (int, int) { return f.w, f.h }
func (f *fakeImage) Destroy()         { f.destroyed.Store(true) }

type fakePrompt struct {
	n    int
	once sync.Once
	live *atomic.Int32
}

func (f *fakePrompt) Len() int { return f.n }
func (f *fakePrompt) Destroy() {
	f.once.Do(func() { f.live.Add(-1) })
}

// fakeEngine 解码输出 3 个 8x8 通道，分数为 [0.1, 0.9, 0.3]，
// 通道 1 右半边为前景，其余通道左半边为前景
type fakeEngine struct {
	mu         sync.Mutex
	encodes    int
	decodes    int
	images     []*fakeImage
	prompts    []*sam2.Prompt
	decodeErrs []error

	// output 非空时替换默认的解码输出
	output func() *sam2.MaskOutput

	// blockLen 提示点数量等于该值时解码阻塞到 block 关闭
	blockLen int
	block    chan struct{}

	live atomic.Int32
}

func (f *fakeEngine) EncodeImage(_ context.Context, img image.Image) (sam2.ImageEncoding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encodes++
	b := img.Bounds()
	fi := &fakeImage{w: b.Dx(), h: b.Dy()}
	f.images = append(f.images, fi)
	return fi, nil
}

func (f *fakeEngine) EncodePrompt(_ context.Context, p *sam2.Prompt) (sam2.PromptEncoding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, p)
	f.live.Add(1)
	return &fakePrompt{n: p.Len(), live: &f.live}, nil
}

func (f *fakeEngine) DecodeMask(_ context.Context, _ sam2.ImageEncoding, pe sam2.PromptEncoding) (*sam2.MaskOutput, error) {
	f.mu.Lock()
	f.decodes++
	block := f.block
	output := f.output
	blocked := block != nil && f.blockLen == pe.Len()
	var err error
	if len(f.decodeErrs) > 0 {
		err = f.decodeErrs[0]
		f.decodeErrs = f.decodeErrs[1:]
	}
	f.mu.Unlock()

	if blocked {
		<-block
	}
	if err != nil {
		return nil, err
	}
	if output != nil {
		return output(), nil
	}
	return splitOutput(), nil
}

func (f *fakeEngine) lastPrompt() *sam2.Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return nil
	}
	return f.prompts[len(f.prompts)-1]
}

func (f *fakeEngine) counts() (encodes, decodes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.encodes, f.decodes
}

func splitOutput() *sam2.MaskOutput {
	const c, h, w = 3, 8, 8
	masks := make([]float32, 0, c*h*w)
	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				right := x >= w/2
				if (ch == 1) == right {
					masks = append(masks, 2)
				} else {
					masks = append(masks, -2)
				}
			}
		}
	}
	return &sam2.MaskOutput{
		Scores: []float32{0.1, 0.9, 0.3},
		Masks:  masks,
		Shape:  []int64{1, c, h, w},
	}
}

// scorelessOutput 单通道且没有分数，右半边为前景
func scorelessOutput() *sam2.MaskOutput {
	const h, w = 8, 8
	masks := make([]float32, h*w)
	for i := range masks {
		if i%w >= w/2 {
			masks[i] = 2
		} else {
			masks[i] = -2
		}
	}
	return &sam2.MaskOutput{Masks: masks, Shape: []int64{1, 1, h, w}}
}

type fakeRecorder struct {
	started, completed, failed, discarded, encoded atomic.Int32
}

func (r *fakeRecorder) PassStarted() { r.started.Add(1) }
func (r *fakeRecorder) PassFinished(_ time.Duration, err error) {
	if err != nil {
		r.failed.Add(1)
		return
	}
	r.completed.Add(1)
}
func (r *fakeRecorder) PassDiscarded()             { r.discarded.Add(1) }
func (r *fakeRecorder) ImageEncoded(time.Duration) { r.encoded.Add(1) }

var frame = sam2.Size{W: 500, H: 500}

func testImage() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 40, 20))
}

func newTestSession(t *testing.T, ready *Readiness, opts Options) (*Session, <-chan Event) {
	t.Helper()
	s, err := NewSession(ready, testImage(), opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)

	events, _, err := s.Subscribe(64)
	if err != nil {
		t.Fatal(err)
	}
	return s, events
}

func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("事件通道已关闭，等待 %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("等待事件 %s 超时", kind)
		}
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("条件未满足")
}
