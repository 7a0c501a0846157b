package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"slices"
	"time"

	"github.com/getcharzp/sam2-studio"
	"github.com/getcharzp/sam2-studio/postprocess"
	"github.com/getcharzp/sam2-studio/render"
	"github.com/getcharzp/sam2-studio/sam2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// pass 一次完整推理的输入，在 loop 中构造后交给推理协程
type pass struct {
	seq    uint64
	step   int
	points []sam2.Point
	slot   *encodingSlot
	orig   sam2.Size
	used   []color.RGBA
	title  string
}

type passResult struct {
	seg     *Segmentation
	prompt  sam2.PromptEncoding
	elapsed time.Duration
}

// trigger 以当前全部提示点发起新一轮推理，取消旧推理
func (s *Session) trigger() {
	s.abortPass()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	used := make([]color.RGBA, len(s.segs))
	for i, seg := range s.segs {
		used[i] = seg.Tint
	}
	p := pass{
		seq:    s.seq,
		step:   s.step,
		points: sam2.Sequence(s.boxes, s.points),
		slot:   s.slot,
		orig:   s.origSize,
		used:   used,
		title:  fmt.Sprintf("Untitled %d", len(s.segs)+1),
	}

	if p.slot.encoded() {
		s.setState(StateAwaitingPrompt)
	} else {
		s.setState(StateEncoding)
	}
	s.log.Debug("开始推理", zap.Uint64("seq", p.seq), zap.Int("points", len(p.points)))

	s.opts.Recorder.PassStarted()
	go s.run(ctx, p)
}

func (s *Session) run(ctx context.Context, p pass) {
	start := time.Now()
	res, err := s.forward(ctx, p)
	if res == nil {
		res = &passResult{}
	}
	res.elapsed = time.Since(start)

	if !s.post(func() { s.finish(p, res, err) }) && res.prompt != nil {
		res.prompt.Destroy()
	}
}

// stage 推理协程通知 loop 进入下一阶段
func (s *Session) stage(seq uint64, st State) {
	s.post(func() {
		if seq == s.seq {
			s.setState(st)
		}
	})
}

// forward 图片特征 -> 提示编码 -> Mask 解码 -> 选择 -> 后处理
func (s *Session) forward(ctx context.Context, p pass) (*passResult, error) {
	engine, err := s.ready.Engine()
	if err != nil {
		return nil, err
	}

	ie, release, err := p.slot.acquire(ctx, engine, s.opts.Recorder.ImageEncoded)
	if err != nil {
		if errors.Is(err, errRetired) {
			return nil, context.Canceled
		}
		return nil, wrapKind(err, vision.ErrEncodingFailed)
	}
	defer release()
	s.stage(p.seq, StateAwaitingPrompt)

	prompt, err := sam2.BuildPrompt(p.points, s.opts.Transformer, p.orig)
	if err != nil {
		return nil, err
	}

	var pe sam2.PromptEncoding
	err = s.retry(ctx, "prompt", func() error {
		var err error
		pe, err = engine.EncodePrompt(ctx, prompt)
		return wrapKind(err, vision.ErrEncodingFailed)
	})
	if err != nil {
		return nil, err
	}
	s.stage(p.seq, StateDecoding)

	var out *sam2.MaskOutput
	err = s.retry(ctx, "decode", func() error {
		var err error
		out, err = engine.DecodeMask(ctx, ie, pe)
		return wrapKind(err, vision.ErrDecodingFailed)
	})
	if err != nil {
		pe.Destroy()
		return nil, err
	}

	mask, idx, err := sam2.SelectMask(out)
	if err != nil {
		pe.Destroy()
		return nil, err
	}

	tint := render.FurthestColor(p.used, s.opts.Palette, s.opts.Metric)
	pp, err := postprocess.Process(mask, int(p.orig.W), int(p.orig.H), tint)
	if err != nil {
		pe.Destroy()
		return nil, err
	}

	seg := &Segmentation{
		ID:              uuid.New(),
		Title:           p.title,
		Tint:            tint,
		FirstAppearance: p.step,
		Score:           out.Score(idx),
		Channel:         idx,
		Threshold:       pp.Threshold,
		Alpha:           pp.Alpha,
		Overlay:         pp.Overlay,
		Prompt:          slices.Clone(p.points),
		CreatedAt:       time.Now(),
	}
	return &passResult{seg: seg, prompt: pe}, nil
}

// finish 在 loop 中处理推理结果，只接受最新序号的结果
func (s *Session) finish(p pass, res *passResult, err error) {
	if p.seq != s.seq {
		if res.prompt != nil {
			res.prompt.Destroy()
		}
		s.opts.Recorder.PassDiscarded()
		s.log.Debug("丢弃过期结果", zap.Uint64("seq", p.seq), zap.Uint64("latest", s.seq))
		return
	}

	s.cancel = nil
	s.opts.Recorder.PassFinished(res.elapsed, err)
	s.setState(StateIdle)

	if err != nil {
		s.lastErr = err
		s.log.Error("推理失败", zap.Uint64("seq", p.seq), zap.Error(err))
		s.publish(Event{Kind: EventPassFailed, Err: err})
		return
	}

	s.lastErr = nil
	s.setPrompt(res.prompt, p.points)
	s.draft = res.seg
	s.log.Debug("推理完成",
		zap.Uint64("seq", p.seq),
		zap.Float32("score", res.seg.Score),
		zap.Duration("elapsed", res.elapsed),
	)
	s.publish(Event{Kind: EventSegmentation, Segmentation: res.seg.clone()})
}

// retry 对临时错误按指数退避重试
func (s *Session) retry(ctx context.Context, op string, fn func() error) error {
	backoff := s.opts.RetryBackoff
	var err error
	for attempt := 0; ; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(); err == nil || !transient(err) || attempt >= s.opts.MaxRetries {
			return err
		}
		s.log.Warn("推理出错，准备重试",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}

// transient 模型未加载、尺寸错误与取消不重试
func transient(err error) bool {
	switch {
	case errors.Is(err, vision.ErrModelNotLoaded),
		errors.Is(err, vision.ErrInvalidDimensions),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// wrapKind 保证错误能用 errors.Is 识别出类别
func wrapKind(err, kind error) error {
	if err == nil {
		return nil
	}
	for _, k := range []error{
		vision.ErrModelNotLoaded,
		vision.ErrEncodingFailed,
		vision.ErrDecodingFailed,
		vision.ErrInvalidDimensions,
		vision.ErrImageResizingFailed,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, k) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", kind, err)
}
