package server

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"net/http"
	"slices"

	"github.com/getcharzp/sam2-studio/pipeline"
	"github.com/getcharzp/sam2-studio/render"
	"github.com/getcharzp/sam2-studio/sam2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const sessionKey = "session"

// loadSession 解析路径中的会话 ID
func (s *Server) loadSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "无效的会话 ID", err)
		return
	}
	sess, ok := s.lookup(id)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Success: false, Message: "会话不存在"})
		return
	}
	c.Set(sessionKey, sess)
	c.Next()
}

func session(c *gin.Context) *pipeline.Session {
	return c.MustGet(sessionKey).(*pipeline.Session)
}

// readUpload 读取表单中的 image 字段并计算 md5
func (s *Server) readUpload(c *gin.Context) (image.Image, string, bool) {
	file, err := c.FormFile("image")
	if err != nil {
		badRequest(c, "请上传图片文件", err)
		return nil, "", false
	}
	if file.Size > s.cfg.Upload.MaxSize {
		badRequest(c, fmt.Sprintf("文件大小超过限制 (%d MB)", s.cfg.Upload.MaxSize/(1024*1024)), nil)
		return nil, "", false
	}
	contentType := file.Header.Get("Content-Type")
	if len(s.cfg.Upload.AllowedTypes) > 0 && !slices.Contains(s.cfg.Upload.AllowedTypes, contentType) {
		badRequest(c, "不支持的文件类型，仅支持 JPEG/PNG/WEBP", nil)
		return nil, "", false
	}

	f, err := file.Open()
	if err != nil {
		badRequest(c, "读取上传文件失败", err)
		return nil, "", false
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		badRequest(c, "读取上传文件失败", err)
		return nil, "", false
	}

	img, err := render.Decode(bytes.NewReader(data))
	if err != nil {
		badRequest(c, "图片解码失败", err)
		return nil, "", false
	}
	sum := md5.Sum(data)
	return img, hex.EncodeToString(sum[:]), true
}

func (s *Server) respondSession(c *gin.Context, status int, sess *pipeline.Session, reused bool) {
	snap, err := sess.Snapshot()
	if err != nil {
		s.fail(c, "读取会话失败", err)
		return
	}
	dto := newSessionDTO(snap, s.modelLoaded())
	dto.Reused = reused
	c.JSON(status, Response{Success: true, Data: dto})
}

// createSession 上传图片创建会话，同一张图片复用已有会话
func (s *Server) createSession(c *gin.Context) {
	img, sum, ok := s.readUpload(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if sess, ok := s.findByMD5(ctx, sum); ok {
		s.log.Info("复用会话", zap.String("md5", sum), zap.String("session", sess.ID().String()))
		s.respondSession(c, http.StatusOK, sess, true)
		return
	}

	sess, err := pipeline.NewSession(s.ready, img, s.opts)
	if err != nil {
		s.fail(c, "创建会话失败", err)
		return
	}
	s.register(ctx, sess, sum)
	s.log.Info("创建会话",
		zap.String("md5", sum),
		zap.String("session", sess.ID().String()),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()),
	)
	s.respondSession(c, http.StatusCreated, sess, false)
}

func (s *Server) getSession(c *gin.Context) {
	s.respondSession(c, http.StatusOK, session(c), false)
}

func (s *Server) deleteSession(c *gin.Context) {
	sess := session(c)
	s.mu.Lock()
	e, ok := s.sessions[sess.ID()]
	if ok {
		s.removeLocked(e)
	}
	s.mu.Unlock()
	if ok {
		s.closeEntry(c.Request.Context(), e)
	}
	c.JSON(http.StatusOK, Response{Success: true, Message: "会话已关闭"})
}

func (s *Server) replaceImage(c *gin.Context) {
	img, sum, ok := s.readUpload(c)
	if !ok {
		return
	}
	sess := session(c)
	if err := sess.SetImage(img); err != nil {
		s.fail(c, "替换图片失败", err)
		return
	}
	s.rebind(c.Request.Context(), sess.ID(), sum)
	s.respondSession(c, http.StatusOK, sess, false)
}

// requireModel 模型未加载时拒绝交互
func (s *Server) requireModel(c *gin.Context) bool {
	if s.ready == nil {
		s.fail(c, "模型未加载", errNoReadiness)
		return false
	}
	if _, err := s.ready.Engine(); err != nil {
		s.fail(c, "模型未加载", err)
		return false
	}
	return true
}

func (s *Server) placePoint(c *gin.Context) {
	var req PointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "参数错误", err)
		return
	}
	label, ok := parseLabel(req.Label)
	if !ok {
		badRequest(c, "未知的点类型: "+req.Label, nil)
		return
	}
	if !s.requireModel(c) {
		return
	}

	p, err := session(c).PlacePoint(sam2.Coord{X: req.X, Y: req.Y}, sam2.Size{W: req.FrameW, H: req.FrameH}, label)
	if err != nil {
		s.fail(c, "放置提示点失败", err)
		return
	}
	c.JSON(http.StatusAccepted, Response{Success: true, Data: newPointDTO(p)})
}

func (s *Server) addBox(c *gin.Context) {
	var req BoxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "参数错误", err)
		return
	}
	label, ok := parseLabel(req.Label)
	if !ok {
		badRequest(c, "未知的框类型: "+req.Label, nil)
		return
	}
	if !s.requireModel(c) {
		return
	}

	frame := sam2.Size{W: req.FrameW, H: req.FrameH}
	b, err := session(c).AddBox(sam2.Coord{X: req.X0, Y: req.Y0}, sam2.Coord{X: req.X1, Y: req.Y1}, frame, label)
	if err != nil {
		s.fail(c, "添加框失败", err)
		return
	}
	c.JSON(http.StatusAccepted, Response{Success: true, Data: newBoxDTO(b)})
}

// removeBy 解析路径 ID 并执行删除
func (s *Server) removeBy(c *gin.Context, param string, remove func(uuid.UUID) (bool, error)) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		badRequest(c, "无效的 ID", err)
		return
	}
	found, err := remove(id)
	if err != nil {
		s.fail(c, "删除失败", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, ErrorResponse{Success: false, Message: "不存在"})
		return
	}
	c.JSON(http.StatusOK, Response{Success: true})
}

func (s *Server) removePoint(c *gin.Context) {
	s.removeBy(c, "pid", session(c).RemovePoint)
}

func (s *Server) removeBox(c *gin.Context) {
	s.removeBy(c, "bid", session(c).RemoveBox)
}

func (s *Server) deleteSegmentation(c *gin.Context) {
	s.removeBy(c, "sid", session(c).DeleteSegmentation)
}

func (s *Server) clearPrompts(c *gin.Context) {
	if err := session(c).ClearPrompts(); err != nil {
		s.fail(c, "清空提示失败", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true})
}

func (s *Server) commit(c *gin.Context) {
	seg, err := session(c).Commit()
	if err != nil {
		s.fail(c, "提交失败", err)
		return
	}
	c.JSON(http.StatusCreated, Response{Success: true, Data: newSegmentationDTO(seg)})
}

func (s *Server) patchSegmentation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("sid"))
	if err != nil {
		badRequest(c, "无效的 ID", err)
		return
	}
	var req SegmentationPatch
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "参数错误", err)
		return
	}

	sess := session(c)
	apply := []func() (bool, error){}
	if req.Tint != nil {
		tint, err := render.ParseHex(*req.Tint)
		if err != nil {
			badRequest(c, "无效的颜色", err)
			return
		}
		apply = append(apply, func() (bool, error) { return sess.SetTint(id, tint) })
	}
	if req.Title != nil {
		apply = append(apply, func() (bool, error) { return sess.Rename(id, *req.Title) })
	}
	if req.Hidden != nil {
		apply = append(apply, func() (bool, error) { return sess.SetHidden(id, *req.Hidden) })
	}

	for _, fn := range apply {
		found, err := fn()
		if err != nil {
			s.fail(c, "修改失败", err)
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, ErrorResponse{Success: false, Message: "分割结果不存在"})
			return
		}
	}

	snap, err := sess.Snapshot()
	if err != nil {
		s.fail(c, "读取会话失败", err)
		return
	}
	seg, ok := snap.Find(id)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Success: false, Message: "分割结果不存在"})
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: newSegmentationDTO(seg)})
}

// getOverlay 返回单个分割的 PNG 覆盖层，草稿也可以获取
func (s *Server) getOverlay(c *gin.Context) {
	id, err := uuid.Parse(c.Param("sid"))
	if err != nil {
		badRequest(c, "无效的 ID", err)
		return
	}
	snap, err := session(c).Snapshot()
	if err != nil {
		s.fail(c, "读取会话失败", err)
		return
	}
	seg, ok := snap.Find(id)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Success: false, Message: "分割结果不存在"})
		return
	}

	ctx := c.Request.Context()
	variant := render.Hex(seg.Tint)
	if s.cache != nil {
		data, err := s.cache.GetOverlay(ctx, seg.ID, variant)
		if err != nil {
			s.log.Warn("读取缓存失败", zap.Error(err))
		}
		if data != nil {
			c.Header("X-Cache", "hit")
			c.Data(http.StatusOK, render.PNG.ContentType(), data)
			return
		}
	}

	var buf bytes.Buffer
	if err := render.Encode(&buf, seg.Overlay, render.PNG, 0); err != nil {
		s.fail(c, "编码失败", err)
		return
	}
	if s.cache != nil {
		if err := s.cache.SetOverlay(ctx, seg.ID, variant, buf.Bytes()); err != nil {
			s.log.Warn("写入缓存失败", zap.Error(err))
		}
	}
	c.Data(http.StatusOK, render.PNG.ContentType(), buf.Bytes())
}

// composite 原图叠加全部可见分割，draft=true 时包含草稿
func (s *Server) composite(c *gin.Context) {
	format, err := render.ParseFormat(c.DefaultQuery("format", "png"))
	if err != nil {
		badRequest(c, "不支持的格式", err)
		return
	}
	snap, err := session(c).Snapshot()
	if err != nil {
		s.fail(c, "读取会话失败", err)
		return
	}

	layers := snap.Layers()
	if c.Query("draft") == "true" && snap.Current != nil {
		layers = append(layers, snap.Current.Layer())
	}
	opts := render.Options{Opacity: s.cfg.Render.Opacity, Drawer: s.drawer}
	out := render.Composite(snap.Image, layers, opts)

	var buf bytes.Buffer
	if err := render.Encode(&buf, out, format, s.cfg.Render.Quality); err != nil {
		s.fail(c, "编码失败", err)
		return
	}
	c.Data(http.StatusOK, format.ContentType(), buf.Bytes())
}

// proposals 检测原图中的目标，返回可用作框选提示的候选框
func (s *Server) proposals(c *gin.Context) {
	if s.detect == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, ErrorResponse{Success: false, Message: "未启用候选框检测"})
		return
	}
	snap, err := session(c).Snapshot()
	if err != nil {
		s.fail(c, "读取会话失败", err)
		return
	}
	found, err := s.detect.Detect(c.Request.Context(), snap.Image)
	if err != nil {
		s.fail(c, "检测失败", err)
		return
	}

	list := make([]ProposalDTO, len(found))
	for i, p := range found {
		list[i] = newProposalDTO(p, snap.Width, snap.Height)
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: list})
}
