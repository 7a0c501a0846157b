package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/getcharzp/sam2-studio/sam2"
)

var errRetired = errors.New("原图已被替换")

// encodingSlot 一张原图对应的图片特征，首次使用时才编码，引用计数归零后释放
type encodingSlot struct {
	img image.Image

	mu       sync.Mutex
	enc      sam2.ImageEncoding
	inflight chan struct{}
	retired  bool
	users    sync.WaitGroup
}

func newEncodingSlot(img image.Image) *encodingSlot {
	return &encodingSlot{img: img}
}

// encoded 特征是否已就绪
func (s *encodingSlot) encoded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc != nil
}

// acquire 获取图片特征，使用完毕必须调用返回的 release
//
// # Params:
//
//	ctx: 只影响等待，编码本身不会因为某次推理被取消而中断
//	engine: 推理引擎
//	onEncoded: 实际执行编码后回调，可为空
func (s *encodingSlot) acquire(ctx context.Context, engine Engine, onEncoded func(time.Duration)) (sam2.ImageEncoding, func(), error) {
	for {
		s.mu.Lock()
		if s.retired {
			s.mu.Unlock()
			return nil, nil, errRetired
		}
		if s.enc != nil {
			s.users.Add(1)
			enc := s.enc
			s.mu.Unlock()
			return enc, s.users.Done, nil
		}
		if wait := s.inflight; wait != nil {
			s.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}
		s.inflight = make(chan struct{})
		s.mu.Unlock()

		start := time.Now()
		enc, err := engine.EncodeImage(context.WithoutCancel(ctx), s.img)

		s.mu.Lock()
		close(s.inflight)
		s.inflight = nil
		if err != nil {
			s.mu.Unlock()
			return nil, nil, err
		}
		if onEncoded != nil {
			onEncoded(time.Since(start))
		}
		if s.retired {
			s.mu.Unlock()
			enc.Destroy()
			return nil, nil, errRetired
		}
		s.enc = enc
		s.users.Add(1)
		s.mu.Unlock()
		return enc, s.users.Done, nil
	}
}

// retire 原图被替换或会话关闭，等所有使用者释放后销毁特征
func (s *encodingSlot) retire() {
	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		return
	}
	s.retired = true
	enc := s.enc
	s.enc = nil
	s.mu.Unlock()

	if enc == nil {
		return
	}
	go func() {
		s.users.Wait()
		enc.Destroy()
	}()
}
