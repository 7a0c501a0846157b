package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getcharzp/sam2-studio"
)

// Readiness 模型加载的一次性结果，加载完成前所有推理返回 ErrModelNotLoaded
type Readiness struct {
	done     chan struct{}
	once     sync.Once
	engine   Engine
	err      error
	loadTime time.Duration
	start    time.Time
}

func NewReadiness() *Readiness {
	return &Readiness{
		done:  make(chan struct{}),
		start: time.Now(),
	}
}

// Ready 返回已就绪的 Readiness
func Ready(e Engine) *Readiness {
	r := NewReadiness()
	r.Resolve(e, nil)
	return r
}

// Load 在后台执行 load，完成后自动 Resolve
func Load(load func() (Engine, error)) *Readiness {
	r := NewReadiness()
	go func() {
		r.Resolve(load())
	}()
	return r
}

// Resolve 设置加载结果，只有第一次调用生效
func (r *Readiness) Resolve(e Engine, err error) {
	r.once.Do(func() {
		r.engine = e
		r.err = err
		r.loadTime = time.Since(r.start)
		close(r.done)
	})
}

// Done 加载结束时关闭
func (r *Readiness) Done() <-chan struct{} {
	return r.done
}

// Engine 不阻塞地获取引擎
func (r *Readiness) Engine() (Engine, error) {
	select {
	case <-r.done:
		return r.result()
	default:
		return nil, fmt.Errorf("%w: 模型加载中", vision.ErrModelNotLoaded)
	}
}

// Wait 阻塞等待加载结束
func (r *Readiness) Wait(ctx context.Context) (Engine, error) {
	select {
	case <-r.done:
		return r.result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Readiness) result() (Engine, error) {
	if r.err != nil {
		return nil, fmt.Errorf("%w: %w", vision.ErrModelNotLoaded, r.err)
	}
	if r.engine == nil {
		return nil, vision.ErrModelNotLoaded
	}
	return r.engine, nil
}

// LoadTime 加载耗时，未完成时为 0
func (r *Readiness) LoadTime() time.Duration {
	select {
	case <-r.done:
		return r.loadTime
	default:
		return 0
	}
}
