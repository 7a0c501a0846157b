package server

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"sync"
	"time"

	"github.com/getcharzp/sam2-studio"
	"github.com/getcharzp/sam2-studio/detect"
	"github.com/getcharzp/sam2-studio/internal/config"
	"github.com/getcharzp/sam2-studio/internal/metrics"
	"github.com/getcharzp/sam2-studio/pipeline"
	"github.com/getcharzp/sam2-studio/render"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Cache 会话与覆盖层缓存，cache.Redis 实现了该接口
type Cache interface {
	GetSession(ctx context.Context, md5 string) (uuid.UUID, error)
	SetSession(ctx context.Context, md5 string, id uuid.UUID) error
	DeleteSession(ctx context.Context, md5 string) error
	GetOverlay(ctx context.Context, segID uuid.UUID, variant string) ([]byte, error)
	SetOverlay(ctx context.Context, segID uuid.UUID, variant string, data []byte) error
}

// Detector 候选框检测，detect.Detector 实现了该接口
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]detect.Proposal, error)
}

type entry struct {
	session  *pipeline.Session
	md5      string
	lastUsed time.Time
}

// Server 把分割会话暴露为 HTTP 与 WebSocket 接口
type Server struct {
	cfg     *config.Config
	ready   *pipeline.Readiness
	cache   Cache
	metrics *metrics.Metrics
	drawer  *vision.TextDrawer
	detect  Detector
	opts    pipeline.Options
	log     *zap.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*entry
	byMD5    map[string]uuid.UUID
}

// Params 构造参数，Cache、Drawer、Detector 可为空
type Params struct {
	Config   *config.Config
	Ready    *pipeline.Readiness
	Cache    Cache
	Metrics  *metrics.Metrics
	Drawer   *vision.TextDrawer
	Detector Detector
	Titler   pipeline.Titler
	Logger   *zap.Logger
}

func New(p Params) *Server {
	if p.Config == nil {
		p.Config = config.Default()
	}
	if p.Metrics == nil {
		p.Metrics = metrics.New()
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}

	opts := pipeline.DefaultOptions()
	opts.Logger = p.Logger.Named("pipeline")
	opts.Recorder = p.Metrics
	opts.Titler = p.Titler
	opts.MaxRetries = p.Config.Pipeline.MaxRetries
	opts.RetryBackoff = p.Config.Pipeline.RetryBackoff
	if p.Config.Titler.Timeout > 0 {
		opts.TitleTimeout = p.Config.Titler.Timeout
	}
	if p.Config.Pipeline.ColorMetric == "min" {
		opts.Metric = render.MinDistance
	}

	return &Server{
		cfg:      p.Config,
		ready:    p.Ready,
		cache:    p.Cache,
		metrics:  p.Metrics,
		drawer:   p.Drawer,
		detect:   p.Detector,
		opts:     opts,
		log:      p.Logger,
		sessions: make(map[uuid.UUID]*entry),
		byMD5:    make(map[string]uuid.UUID),
	}
}

// Router 注册全部路由
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.log))
	r.MaxMultipartMemory = s.cfg.Upload.MaxSize

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := r.Group("/api/v1")
	{
		api.POST("/sessions", s.createSession)

		sess := api.Group("/sessions/:id", s.loadSession)
		{
			sess.GET("", s.getSession)
			sess.DELETE("", s.deleteSession)
			sess.PUT("/image", s.replaceImage)
			sess.POST("/points", s.placePoint)
			sess.DELETE("/points/:pid", s.removePoint)
			sess.POST("/boxes", s.addBox)
			sess.DELETE("/boxes/:bid", s.removeBox)
			sess.DELETE("/prompts", s.clearPrompts)
			sess.POST("/commit", s.commit)
			sess.GET("/segmentations/:sid", s.getOverlay)
			sess.PATCH("/segmentations/:sid", s.patchSegmentation)
			sess.DELETE("/segmentations/:sid", s.deleteSegmentation)
			sess.GET("/composite", s.composite)
			sess.GET("/proposals", s.proposals)
			sess.GET("/events", s.events)
		}
	}
	return r
}

// Close 关闭全部会话
func (s *Server) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[uuid.UUID]*entry)
	s.byMD5 = make(map[string]uuid.UUID)
	s.mu.Unlock()

	for _, e := range sessions {
		e.session.Close()
		s.metrics.SessionClosed()
	}
}

func (s *Server) lookup(id uuid.UUID) (*pipeline.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	e.lastUsed = time.Now()
	return e.session, true
}

// findByMD5 查找同一张图片的会话，Redis 不可用时退回本地映射
func (s *Server) findByMD5(ctx context.Context, md5 string) (*pipeline.Session, bool) {
	if s.cache != nil {
		id, err := s.cache.GetSession(ctx, md5)
		if err != nil {
			s.log.Warn("读取缓存失败", zap.Error(err))
		} else if id != uuid.Nil {
			if sess, ok := s.lookup(id); ok {
				return sess, true
			}
		}
	}

	s.mu.Lock()
	id, ok := s.byMD5[md5]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return s.lookup(id)
}

// register 保存会话，超过上限时关闭最久未使用的会话
func (s *Server) register(ctx context.Context, sess *pipeline.Session, md5 string) {
	var evicted []*entry

	s.mu.Lock()
	for limit := s.cfg.Server.MaxSessions; limit > 0 && len(s.sessions) >= limit; {
		var oldest *entry
		for _, e := range s.sessions {
			if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
				oldest = e
			}
		}
		s.removeLocked(oldest)
		evicted = append(evicted, oldest)
	}
	s.sessions[sess.ID()] = &entry{session: sess, md5: md5, lastUsed: time.Now()}
	s.byMD5[md5] = sess.ID()
	s.mu.Unlock()

	s.metrics.SessionOpened()
	for _, e := range evicted {
		s.log.Info("会话数超过上限，关闭最久未使用的会话", zap.String("session", e.session.ID().String()))
		s.closeEntry(ctx, e)
	}

	if s.cache != nil {
		if err := s.cache.SetSession(ctx, md5, sess.ID()); err != nil {
			s.log.Warn("写入缓存失败", zap.Error(err))
		}
	}
}

func (s *Server) removeLocked(e *entry) {
	delete(s.sessions, e.session.ID())
	if s.byMD5[e.md5] == e.session.ID() {
		delete(s.byMD5, e.md5)
	}
}

func (s *Server) closeEntry(ctx context.Context, e *entry) {
	e.session.Close()
	s.metrics.SessionClosed()
	if s.cache != nil {
		if err := s.cache.DeleteSession(ctx, e.md5); err != nil {
			s.log.Warn("删除缓存失败", zap.Error(err))
		}
	}
}

// rebind 原图替换后更新 md5 映射
func (s *Server) rebind(ctx context.Context, id uuid.UUID, md5 string) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	old := e.md5
	if s.byMD5[old] == id {
		delete(s.byMD5, old)
	}
	e.md5 = md5
	s.byMD5[md5] = id
	s.mu.Unlock()

	if s.cache != nil {
		_ = s.cache.DeleteSession(ctx, old)
		if err := s.cache.SetSession(ctx, md5, id); err != nil {
			s.log.Warn("写入缓存失败", zap.Error(err))
		}
	}
}

var errNoReadiness = fmt.Errorf("%w: 未配置模型", vision.ErrModelNotLoaded)

func (s *Server) modelLoaded() bool {
	if s.ready == nil {
		return false
	}
	_, err := s.ready.Engine()
	return err == nil
}

// statusOf 错误类型对应的 HTTP 状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, vision.ErrModelNotLoaded):
		return http.StatusServiceUnavailable
	case errors.Is(err, vision.ErrInvalidDimensions):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrInvalidLabel):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNoActiveBox), errors.Is(err, pipeline.ErrNoDraft):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrSessionClosed):
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, message string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.log.Error(message, zap.Error(err))
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		Success: false,
		Message: message,
		Error:   err.Error(),
	})
}

func badRequest(c *gin.Context, message string, err error) {
	resp := ErrorResponse{Success: false, Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, resp)
}

func (s *Server) health(c *gin.Context) {
	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"model_loaded": s.modelLoaded(),
		"sessions":     n,
	})
}
