package chat

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"kschat/backend/internal/auth"
	"kschat/backend/internal/broker"
	"kschat/backend/internal/pool"
)

// Conn 会话依赖的底层连接操作子集
//
// *websocket.Conn 天然满足该接口；测试用假连接替换，
// 生命周期逻辑无需真实套接字即可验证。
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// 会话状态机: Authenticated -> Active -> Closed
//
// Unauthenticated 不会物化为会话对象：认证失败的连接在创建会话前
// 就被拒绝。Authenticated 且信箱开通失败时为降级态，发送与登出
// 仍可用，接收功能整体禁用。
type sessionState int

const (
	stateAuthenticated sessionState = iota
	stateActive
	stateClosed
)

// Session 一条已认证连接的完整状态
//
// 由生命周期管理器独占持有；mailbox 在代理确认信箱创建后才填充。
type Session struct {
	Identity    auth.Identity
	ConnID      string
	ConnectedAt time.Time

	conn    Conn
	send    chan []byte
	outbox  *pool.Serial // 串行队列，保证同一发送方的发布顺序
	limiter *rate.Limiter
	log     *zap.Logger

	mu      sync.Mutex
	state   sessionState
	mailbox *broker.Mailbox
}

func newSession(identity auth.Identity, connID string, conn Conn, limiter *rate.Limiter, log *zap.Logger) *Session {
	return &Session{
		Identity:    identity,
		ConnID:      connID,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, 256),
		outbox:      pool.NewSerial(64),
		limiter:     limiter,
		log:         log,
	}
}

// Emit 向连接推送一个服务端事件
//
// 非阻塞：发送缓冲满时丢弃并告警。会话关闭后的 Emit 为无操作，
// 延迟到达的消费投递因此不会打在已关闭的连接上。
func (s *Session) Emit(event string, data any) {
	payload, err := json.Marshal(ServerFrame{Event: event, Data: data})
	if err != nil {
		s.log.Error("failed to marshal server frame", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return
	}

	select {
	case s.send <- payload:
	default:
		s.log.Warn("session send buffer full, dropping frame",
			zap.String("event", event),
			zap.String("conn_id", s.ConnID),
		)
	}
}

// Close 强制关闭底层连接
//
// 随后读取泵退出并走统一的断开路径。
func (s *Session) Close() error {
	return s.conn.Close()
}

// activate 记录代理确认后的信箱句柄，进入 Active 态
//
// 会话已经关闭时返回 false，调用方负责拆除这个来迟的信箱。
func (s *Session) activate(mailbox *broker.Mailbox) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateAuthenticated {
		return false
	}
	s.state = stateActive
	s.mailbox = mailbox
	return true
}

// shutdown 进入 Closed 态并返回待拆除的信箱
//
// 只有第一次调用返回 true，断开与登出两条路径由此互斥。
func (s *Session) shutdown() (*broker.Mailbox, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return nil, false
	}
	s.state = stateClosed

	mailbox := s.mailbox
	s.mailbox = nil
	close(s.send)
	return mailbox, true
}

// readPump 读取客户端事件帧并分发
//
// 传输层错误只记日志；读取失败（含对端关闭）退出循环，
// 由 disconnect 驱动拆除。
func (s *Session) readPump(m *Manager, pongTimeout time.Duration) {
	defer func() {
		m.disconnect(s)
		s.conn.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Error("websocket error", zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch frame.Event {
		case EventSend:
			m.handleSend(s, frame.Data)
		case EventLogout:
			m.handleLogout(s, frame.Data)
		default:
			s.log.Warn("unknown client event", zap.String("event", frame.Event))
		}
	}
}

// writePump 把发送缓冲刷到连接，并按间隔发 ping
func (s *Session) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
