package server

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/getcharzp/sam2-studio/pipeline"
	"github.com/getcharzp/sam2-studio/sam2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn gorilla 连接只允许一个写入者
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) send(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(v)
}

// events 推送会话事件，同时接收客户端手势
func (s *Server) events(c *gin.Context) {
	sess := session(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket 升级失败", zap.Error(err))
		return
	}
	ws := &wsConn{conn: conn}
	defer conn.Close()
	// http.Server 的读超时在劫持后仍然生效
	_ = conn.SetReadDeadline(time.Time{})

	events, unsubscribe, err := sess.Subscribe(64)
	if err != nil {
		_ = ws.send(EventDTO{Type: "error", Error: err.Error()})
		return
	}
	defer unsubscribe()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					_ = conn.Close()
					return
				}
				if err := ws.send(newEventDTO(ev)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		var msg GestureMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("websocket 断开", zap.Error(err))
			}
			return
		}
		if err := s.gesture(sess, msg); err != nil {
			_ = ws.send(EventDTO{Type: "error", Error: err.Error()})
		}
	}
}

var errUnknownGesture = errors.New("未知的手势")

// gesture 执行一条手势消息
func (s *Server) gesture(sess *pipeline.Session, msg GestureMessage) error {
	frame := sam2.Size{W: msg.FrameW, H: msg.FrameH}
	at := sam2.Coord{X: msg.X, Y: msg.Y}

	switch msg.Type {
	case "point", "box_begin":
		label, ok := parseLabel(msg.Label)
		if !ok {
			return fmt.Errorf("%w: %s", pipeline.ErrInvalidLabel, msg.Label)
		}
		if s.ready == nil {
			return errNoReadiness
		}
		if _, err := s.ready.Engine(); err != nil {
			return err
		}
		if msg.Type == "point" {
			_, err := sess.PlacePoint(at, frame, label)
			return err
		}
		_, err := sess.BeginBox(at, frame, label)
		return err
	case "box_drag":
		return sess.DragBox(at, frame)
	case "box_end":
		if frame.Valid() {
			if err := sess.DragBox(at, frame); err != nil {
				return err
			}
		}
		_, err := sess.FinalizeBox()
		return err
	case "clear":
		return sess.ClearPrompts()
	case "commit":
		_, err := sess.Commit()
		return err
	}
	return fmt.Errorf("%w: %s", errUnknownGesture, msg.Type)
}
