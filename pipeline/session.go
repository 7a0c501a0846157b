package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"slices"
	"sync"
	"time"

	"github.com/getcharzp/sam2-studio"
	"github.com/getcharzp/sam2-studio/render"
	"github.com/getcharzp/sam2-studio/sam2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrSessionClosed = errors.New("会话已关闭")
	ErrInvalidLabel  = errors.New("提示类型无效")
	ErrNoActiveBox   = errors.New("没有进行中的框选")
	ErrNoDraft       = errors.New("没有可提交的分割结果")
)

// Engine 三段式推理引擎，sam2.Engine 实现了该接口
type Engine interface {
	EncodeImage(ctx context.Context, img image.Image) (sam2.ImageEncoding, error)
	EncodePrompt(ctx context.Context, prompt *sam2.Prompt) (sam2.PromptEncoding, error)
	DecodeMask(ctx context.Context, ie sam2.ImageEncoding, pe sam2.PromptEncoding) (*sam2.MaskOutput, error)
}

// Recorder 推理指标，metrics.Metrics 实现了该接口
type Recorder interface {
	PassStarted()
	PassFinished(d time.Duration, err error)
	PassDiscarded()
	ImageEncoded(d time.Duration)
}

// Titler 为提交的分割生成标题
type Titler interface {
	Title(ctx context.Context, src image.Image, seg *Segmentation) (string, error)
}

type nopRecorder struct{}

func (nopRecorder) PassStarted()                      {}
func (nopRecorder) PassFinished(time.Duration, error) {}
func (nopRecorder) PassDiscarded()                    {}
func (nopRecorder) ImageEncoded(time.Duration)        {}

// Options 会话参数
type Options struct {
	Logger       *zap.Logger
	Recorder     Recorder
	Titler       Titler
	TitleTimeout time.Duration
	Transformer  sam2.Transformer
	Palette      []color.RGBA
	Metric       render.Metric
	MaxRetries   int           // 临时错误的重试次数
	RetryBackoff time.Duration // 首次重试前的等待，之后翻倍
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		Logger:       zap.NewNop(),
		Recorder:     nopRecorder{},
		TitleTimeout: time.Minute,
		Transformer:  sam2.NewTransformer(),
		Palette:      render.Palette,
		Metric:       render.SumDistance,
		MaxRetries:   2,
		RetryBackoff: 100 * time.Millisecond,
	}
}

func (o *Options) fill() {
	d := DefaultOptions()
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	if o.Recorder == nil {
		o.Recorder = d.Recorder
	}
	if o.TitleTimeout <= 0 {
		o.TitleTimeout = d.TitleTimeout
	}
	if o.Transformer.InputW <= 0 || o.Transformer.InputH <= 0 {
		o.Transformer = d.Transformer
	}
	if len(o.Palette) == 0 {
		o.Palette = d.Palette
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
}

// Session 一张图片上的交互式分割会话
//
// 所有状态只在 loop 协程中读写，公开方法通过 exec 把操作投递到 loop 执行。
type Session struct {
	id    uuid.UUID
	ready *Readiness
	opts  Options
	log   *zap.Logger

	cmds      chan func()
	quit      chan struct{}
	closeOnce sync.Once

	// 以下字段只在 loop 中访问
	img      image.Image
	origSize sam2.Size
	slot     *encodingSlot
	points   []sam2.Point
	boxes    []sam2.Box
	active   *sam2.Box
	step     int

	seq    uint64
	cancel context.CancelFunc
	state  State

	prompt       sam2.PromptEncoding
	promptPoints []sam2.Point

	draft   *Segmentation
	segs    []*Segmentation
	lastErr error

	subs    map[int]chan Event
	nextSub int
}

// NewSession 创建会话，模型可以尚未加载完成
func NewSession(ready *Readiness, img image.Image, opts Options) (*Session, error) {
	size, err := imageSize(img)
	if err != nil {
		return nil, err
	}
	opts.fill()

	s := &Session{
		id:       uuid.New(),
		ready:    ready,
		opts:     opts,
		cmds:     make(chan func()),
		quit:     make(chan struct{}),
		img:      img,
		origSize: size,
		slot:     newEncodingSlot(img),
		subs:     make(map[int]chan Event),
	}
	s.log = opts.Logger.With(zap.String("session", s.id.String()))

	go s.loop()
	return s, nil
}

func imageSize(img image.Image) (sam2.Size, error) {
	if img == nil {
		return sam2.Size{}, fmt.Errorf("%w: 图片为空", vision.ErrInvalidDimensions)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return sam2.Size{}, fmt.Errorf("%w: 图片尺寸 %dx%d", vision.ErrInvalidDimensions, b.Dx(), b.Dy())
	}
	return sam2.Size{W: float32(b.Dx()), H: float32(b.Dy())}, nil
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) loop() {
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.quit:
			return
		}
	}
}

// post 投递到 loop，会话已关闭时返回 false
func (s *Session) post(fn func()) bool {
	select {
	case s.cmds <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// exec 在 loop 中执行 fn 并等待完成
func (s *Session) exec(fn func()) error {
	done := make(chan struct{})
	if !s.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrSessionClosed
	}
	<-done
	return nil
}

// Close 取消推理并释放图片特征与提示编码
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.exec(func() {
			s.abortPass()
			s.slot.retire()
			s.setPrompt(nil, nil)
			for id, ch := range s.subs {
				close(ch)
				delete(s.subs, id)
			}
		})
		close(s.quit)
		s.log.Debug("会话已关闭")
	})
}

// Subscribe 订阅事件，缓冲区满时丢弃新事件；返回的函数用于取消订阅
func (s *Session) Subscribe(buffer int) (<-chan Event, func(), error) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	var id int
	err := s.exec(func() {
		id = s.nextSub
		s.nextSub++
		s.subs[id] = ch
	})
	if err != nil {
		return nil, nil, err
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			_ = s.exec(func() {
				if c, ok := s.subs[id]; ok {
					close(c)
					delete(s.subs, id)
				}
			})
		})
	}
	return ch, unsubscribe, nil
}

func (s *Session) publish(ev Event) {
	ev.SessionID = s.id
	if ev.Seq == 0 {
		ev.Seq = s.seq
	}
	ev.State = s.state
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Warn("事件缓冲区已满，丢弃事件", zap.Stringer("kind", ev.Kind))
		}
	}
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.state = st
	s.publish(Event{Kind: EventStateChanged})
}

// SetImage 替换原图，旧的图片特征在在途推理释放后销毁，所有提示与分割被清空
func (s *Session) SetImage(img image.Image) error {
	size, err := imageSize(img)
	if err != nil {
		return err
	}
	return s.exec(func() {
		s.abortPass()
		s.slot.retire()
		s.img = img
		s.origSize = size
		s.slot = newEncodingSlot(img)
		s.points = nil
		s.boxes = nil
		s.active = nil
		s.draft = nil
		s.segs = nil
		s.lastErr = nil
		s.setPrompt(nil, nil)
		s.setState(StateIdle)
		s.publish(Event{Kind: EventImageChanged})
	})
}

// PlacePoint 放置一个前景或背景点并触发推理
//
// # Params:
//
//	ui: 显示区域内的像素坐标
//	frame: 显示区域尺寸
//	label: LabelForeground 或 LabelBackground
func (s *Session) PlacePoint(ui sam2.Coord, frame sam2.Size, label sam2.Label) (sam2.Point, error) {
	if err := checkLabel(label); err != nil {
		return sam2.Point{}, err
	}
	c, err := sam2.FromUISpace(ui, frame)
	if err != nil {
		return sam2.Point{}, err
	}
	p := sam2.NewPoint(c, label)
	err = s.exec(func() {
		s.points = append(s.points, p)
		s.step++
		s.trigger()
	})
	return p, err
}

// checkLabel 用户只能选择前景或背景，框的起止类型由框自动生成
func checkLabel(label sam2.Label) error {
	if label != sam2.LabelForeground && label != sam2.LabelBackground {
		return fmt.Errorf("%w: %s", ErrInvalidLabel, label)
	}
	return nil
}

// BeginBox 开始框选，未结束的框选会被丢弃
func (s *Session) BeginBox(ui sam2.Coord, frame sam2.Size, label sam2.Label) (uuid.UUID, error) {
	if err := checkLabel(label); err != nil {
		return uuid.Nil, err
	}
	c, err := sam2.FromUISpace(ui, frame)
	if err != nil {
		return uuid.Nil, err
	}
	b := sam2.NewBox(c, label)
	err = s.exec(func() {
		s.active = b
	})
	return b.ID, err
}

// DragBox 更新框选终点，不触发推理
func (s *Session) DragBox(ui sam2.Coord, frame sam2.Size) error {
	c, err := sam2.FromUISpace(ui, frame)
	if err != nil {
		return err
	}
	var ok bool
	if err := s.exec(func() {
		if s.active != nil {
			s.active.DragTo(c)
			ok = true
		}
	}); err != nil {
		return err
	}
	if !ok {
		return ErrNoActiveBox
	}
	return nil
}

// FinalizeBox 结束框选，加入框列表并触发推理
func (s *Session) FinalizeBox() (sam2.Box, error) {
	var box sam2.Box
	var ok bool
	if err := s.exec(func() {
		if s.active == nil {
			return
		}
		box = *s.active
		ok = true
		s.active = nil
		s.boxes = append(s.boxes, box)
		s.step++
		s.trigger()
	}); err != nil {
		return box, err
	}
	if !ok {
		return box, ErrNoActiveBox
	}
	return box, nil
}

// AddBox 一次完成框选
func (s *Session) AddBox(start, end sam2.Coord, frame sam2.Size, label sam2.Label) (sam2.Box, error) {
	if _, err := s.BeginBox(start, frame, label); err != nil {
		return sam2.Box{}, err
	}
	if err := s.DragBox(end, frame); err != nil {
		return sam2.Box{}, err
	}
	return s.FinalizeBox()
}

// RemovePoint 删除提示点，剩余提示非空时重新推理
func (s *Session) RemovePoint(id uuid.UUID) (bool, error) {
	var found bool
	err := s.exec(func() {
		i := slices.IndexFunc(s.points, func(p sam2.Point) bool { return p.ID == id })
		if i < 0 {
			return
		}
		found = true
		s.points = slices.Delete(s.points, i, i+1)
		s.promptsChanged()
	})
	return found, err
}

// RemoveBox 删除框，剩余提示非空时重新推理
func (s *Session) RemoveBox(id uuid.UUID) (bool, error) {
	var found bool
	err := s.exec(func() {
		i := slices.IndexFunc(s.boxes, func(b sam2.Box) bool { return b.ID == id })
		if i < 0 {
			return
		}
		found = true
		s.boxes = slices.Delete(s.boxes, i, i+1)
		s.promptsChanged()
	})
	return found, err
}

// ClearPrompts 清空全部提示点、框与草稿
func (s *Session) ClearPrompts() error {
	return s.exec(s.clearPrompts)
}

func (s *Session) clearPrompts() {
	s.abortPass()
	s.points = nil
	s.boxes = nil
	s.active = nil
	s.draft = nil
	s.setPrompt(nil, nil)
	s.setState(StateIdle)
	s.publish(Event{Kind: EventPromptsCleared})
}

func (s *Session) promptsChanged() {
	s.step++
	if len(s.points) == 0 && len(s.boxes) == 0 {
		s.clearPrompts()
		return
	}
	s.trigger()
}

// Commit 将草稿加入已提交列表并清空提示
func (s *Session) Commit() (*Segmentation, error) {
	var seg *Segmentation
	var img image.Image
	if err := s.exec(func() {
		if s.draft == nil {
			return
		}
		seg = s.draft
		img = s.img
		s.segs = append(s.segs, seg)
		s.draft = nil
		s.clearPrompts()
		seg = seg.clone()
		s.publish(Event{Kind: EventCommitted, Segmentation: seg})
	}); err != nil {
		return nil, err
	}
	if seg == nil {
		return nil, ErrNoDraft
	}
	if s.opts.Titler != nil {
		go s.autoTitle(img, seg)
	}
	return seg, nil
}

// autoTitle 请求自动标题，仅在标题未被修改时替换
func (s *Session) autoTitle(img image.Image, seg *Segmentation) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.TitleTimeout)
	defer cancel()

	title, err := s.opts.Titler.Title(ctx, img, seg)
	if err != nil || title == "" {
		s.log.Warn("自动标题失败", zap.Error(err))
		return
	}
	s.post(func() {
		i := s.indexOf(seg.ID)
		if i < 0 || s.segs[i].Title != seg.Title {
			return
		}
		n := s.segs[i].clone()
		n.Title = title
		s.segs[i] = n
		s.publish(Event{Kind: EventSegmentationUpdated, Segmentation: n.clone()})
	})
}

func (s *Session) indexOf(id uuid.UUID) int {
	return slices.IndexFunc(s.segs, func(seg *Segmentation) bool { return seg.ID == id })
}

// update 修改已提交分割，fn 作用在副本上
func (s *Session) update(id uuid.UUID, fn func(*Segmentation) *Segmentation) (bool, error) {
	var found bool
	err := s.exec(func() {
		i := s.indexOf(id)
		if i < 0 {
			return
		}
		found = true
		s.segs[i] = fn(s.segs[i])
		s.publish(Event{Kind: EventSegmentationUpdated, Segmentation: s.segs[i].clone()})
	})
	return found, err
}

// SetHidden 显示或隐藏分割
func (s *Session) SetHidden(id uuid.UUID, hidden bool) (bool, error) {
	return s.update(id, func(seg *Segmentation) *Segmentation {
		n := seg.clone()
		n.Hidden = hidden
		return n
	})
}

// Rename 修改标题
func (s *Session) Rename(id uuid.UUID, title string) (bool, error) {
	return s.update(id, func(seg *Segmentation) *Segmentation {
		n := seg.clone()
		n.Title = title
		return n
	})
}

// SetTint 修改颜色并重新着色
func (s *Session) SetTint(id uuid.UUID, c color.RGBA) (bool, error) {
	c.A = 255
	return s.update(id, func(seg *Segmentation) *Segmentation {
		return seg.retint(c)
	})
}

// DeleteSegmentation 删除已提交的分割
func (s *Session) DeleteSegmentation(id uuid.UUID) (bool, error) {
	var found bool
	err := s.exec(func() {
		i := s.indexOf(id)
		if i < 0 {
			return
		}
		found = true
		seg := s.segs[i]
		s.segs = slices.Delete(s.segs, i, i+1)
		s.publish(Event{Kind: EventSegmentationDeleted, Segmentation: seg.clone()})
	})
	return found, err
}

// Snapshot 返回当前状态的只读副本
func (s *Session) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := s.exec(func() {
		snap = Snapshot{
			ID:        s.id,
			State:     s.state,
			Image:     s.img,
			Width:     int(s.origSize.W),
			Height:    int(s.origSize.H),
			Step:      s.step,
			Seq:       s.seq,
			Points:    slices.Clone(s.points),
			Boxes:     slices.Clone(s.boxes),
			Prompt:    slices.Clone(s.promptPoints),
			Current:   s.draft.clone(),
			LastError: s.lastErr,
		}
		if s.active != nil {
			b := *s.active
			snap.ActiveBox = &b
		}
		snap.Segmentations = make([]*Segmentation, len(s.segs))
		for i, seg := range s.segs {
			snap.Segmentations[i] = seg.clone()
		}
	})
	return snap, err
}

// setPrompt 替换当前提示编码，旧编码立即销毁
func (s *Session) setPrompt(pe sam2.PromptEncoding, pts []sam2.Point) {
	if s.prompt != nil {
		s.prompt.Destroy()
	}
	s.prompt = pe
	s.promptPoints = pts
}

// abortPass 取消在途推理，其结果会因序号过期被丢弃
func (s *Session) abortPass() {
	s.seq++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
