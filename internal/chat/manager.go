package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"kschat/backend/internal/auth"
	"kschat/backend/internal/broker"
	"kschat/backend/internal/config"
	"kschat/backend/internal/monitoring"
	"kschat/backend/internal/registry"
)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				// 没有 Origin 视为同源请求
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// Manager 连接生命周期管理器
//
// 编排认证、注册、信箱开通、收发与拆除。注册表只由这里读写，
// 代理桥接层不直接接触注册表。
type Manager struct {
	authn    *auth.Authenticator
	registry *registry.Registry
	bridge   *broker.Bridge
	metrics  *monitoring.Metrics
	cfg      config.ChatConfig
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewManager 创建生命周期管理器
//
// 注册表作为显式依赖注入，进程启动时创建、进程停止时随之消亡，
// 不走包级全局状态。metrics 允许为 nil（测试场景）。
func NewManager(authn *auth.Authenticator, reg *registry.Registry, bridge *broker.Bridge, metrics *monitoring.Metrics, cfg config.ChatConfig, allowedOrigins []string, log *zap.Logger) *Manager {
	return &Manager{
		authn:    authn,
		registry: reg,
		bridge:   bridge,
		metrics:  metrics,
		cfg:      cfg,
		log:      log,
		upgrader: upgraderFactory(allowedOrigins),
	}
}

// HandleWebSocket 处理 WebSocket 连接握手
//
// 握手查询参数 token 携带签名令牌；缺失或无效时在接受任何事件
// 之前以认证错误拒绝连接。
func (m *Manager) HandleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := m.authn.Authenticate(c.Query("token"))
		if err != nil {
			if m.metrics != nil {
				m.metrics.AuthFailures.Inc()
			}
			m.log.Warn("websocket authentication failed",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()),
			)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication error"})
			return
		}

		conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			m.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()),
			)
			return
		}

		m.Connect(identity, conn)
	}
}

// Connect 把一条已认证连接接入生命周期管理
//
// 注册、启动读写泵并异步开通信箱。重复身份策略：同一标识的旧连接
// 被同步强制关闭后新连接才接管登记项，不留并存的旧信箱消费。
func (m *Manager) Connect(identity auth.Identity, conn Conn) *Session {
	connID := uuid.NewString()
	limiter := rate.NewLimiter(rate.Limit(m.cfg.SendRate), m.cfg.SendBurst)
	session := newSession(identity, connID, conn, limiter, m.log)

	if displaced := m.registry.Register(identity, connID, session); displaced != nil {
		m.log.Warn("duplicate identity connect, closing previous connection",
			zap.String("identity", string(identity)),
		)
		displaced.Close()
	}

	if m.metrics != nil {
		m.metrics.ConnectionsTotal.Inc()
		m.metrics.ConnectionsActive.Inc()
	}
	m.log.Info("member connected",
		zap.String("identity", string(identity)),
		zap.String("conn_id", connID),
		zap.Int("socket_count", m.registry.Count()),
	)

	go session.writePump(m.cfg.PingInterval)
	go m.provision(session)
	go session.readPump(m, m.cfg.PongTimeout)

	return session
}

// provision 开通会话信箱并接线消费流
//
// 代理不可用时会话停留在降级态：接收功能整体禁用，发送与登出
// 仍可用并返回代理不可用错误码。降级不是终态，也不致命。
func (m *Manager) provision(s *Session) {
	mailbox, err := m.bridge.ProvisionMailbox(string(s.Identity))
	if err != nil {
		if errors.Is(err, broker.ErrUnavailable) {
			m.log.Error("receiver has no broker channel",
				zap.String("identity", string(s.Identity)),
			)
			s.Emit(EventRespReceiver, ReceiveResponse{RC: CodeAccepted, ER: ErrBrokerUnavailable})
		} else {
			m.log.Error("failed to provision mailbox",
				zap.String("identity", string(s.Identity)),
				zap.Error(err),
			)
		}
		return
	}

	if !s.activate(mailbox) {
		// 开通完成前会话已经关闭，立即拆除避免游离的信箱绑定
		m.bridge.TeardownMailbox(mailbox.ID, mailbox.RoutingKey)
		return
	}

	m.log.Debug("session active",
		zap.String("identity", string(s.Identity)),
		zap.String("mailbox", mailbox.ID),
	)

	go m.bridge.OnMessage(mailbox, func(env *broker.Envelope) {
		if env == nil {
			// 代理发出流结束信号，下发空负载的接收通知
			s.Emit(EventRespReceiver, ReceiveResponse{RC: CodeAccepted, ER: ErrNone})
			return
		}
		if m.metrics != nil {
			m.metrics.MessagesDelivered.Inc()
		}
		s.Emit(EventRespReceiver, ReceiveResponse{
			RC:  CodeAccepted,
			ER:  ErrNone,
			MSG: []broker.Envelope{*env},
		})
	})
}

// handleSend 处理 Send 事件
//
// 服务端打点 msgTime，先向发送方回乐观应答，再经会话串行队列
// 异步发布到接收方路由键。无论成败，每次 Send 恰好得到一次应答。
func (m *Manager) handleSend(s *Session, raw []byte) {
	var req SendRequest
	if err := unmarshalData(raw, &req); err != nil {
		s.log.Warn("dropping malformed Send payload", zap.Error(err))
		return
	}

	if !s.limiter.Allow() {
		s.Emit(EventRespSend, SendResponse{RC: CodeAccepted, ER: ErrRateLimited})
		return
	}

	if !m.bridge.Available() {
		// 发送时没有代理通道：应答换成错误码，不尝试发布
		s.Emit(EventRespSend, SendResponse{RC: CodeAccepted, ER: ErrBrokerUnavailable})
		return
	}

	msgTime := time.Now().UnixMilli()
	s.Emit(EventRespSend, SendResponse{
		RC:       CodeAccepted,
		ER:       ErrNone,
		SID:      req.UID,
		RID:      req.PID,
		MSG:      req.Msg,
		RANDOMNO: req.Rno,
		MSGTIME:  msgTime,
		STATUS:   broker.StatusSent,
	})

	env := &broker.Envelope{
		UID:     req.UID,
		PID:     req.PID,
		Msg:     req.Msg,
		RStatus: broker.StatusSent,
		MsgTime: msgTime,
	}

	s.outbox.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := m.bridge.Publish(ctx, req.PID, env); err != nil {
			// 发送方已收到乐观应答，发布失败只记日志（弱投递保证）
			m.log.Error("publish failed",
				zap.String("recipient", req.PID),
				zap.Error(err),
			)
			return
		}
		if m.metrics != nil {
			m.metrics.MessagesPublished.Inc()
		}
	})
}

// handleLogout 处理 Logout 事件
//
// 应答后走与断开相同的拆除路径；套接字在发送缓冲刷空后关闭。
func (m *Manager) handleLogout(s *Session, raw []byte) {
	var req LogoutRequest
	if err := unmarshalData(raw, &req); err != nil {
		s.log.Warn("malformed Logout payload", zap.Error(err))
	}

	er := ErrNone
	if !m.bridge.Available() {
		er = ErrBrokerUnavailable
	}
	s.Emit(EventRespLogout, LogoutResponse{RC: CodeAccepted, ER: er})

	m.log.Info("member logout",
		zap.String("identity", string(s.Identity)),
		zap.String("uid", req.UID),
	)
	m.teardown(s)
}

// disconnect 断开事件驱动的拆除
func (m *Manager) disconnect(s *Session) {
	if done := m.teardown(s); done != nil {
		m.log.Info("member disconnected",
			zap.String("identity", string(s.Identity)),
			zap.String("conn_id", s.ConnID),
			zap.Int("socket_count", m.registry.Count()),
		)
		// 拆除完成与否不阻塞断开路径，done 仅供关心方等待
		_ = done
	}
}

// teardown 拆除会话：解绑删除信箱、注销登记
//
// 幂等，只有第一次调用生效。信箱拆除经会话串行队列执行，排在
// 所有在途发布之后；返回的完成信号让调用方可以选择等待，
// 断开路径本身不等待（拆除不阻塞套接字关闭）。
func (m *Manager) teardown(s *Session) <-chan struct{} {
	mailbox, first := s.shutdown()
	if !first {
		return nil
	}

	var done <-chan struct{}
	if mailbox != nil {
		done = s.outbox.Submit(func() {
			m.bridge.TeardownMailbox(mailbox.ID, mailbox.RoutingKey)
		})
	} else {
		closed := make(chan struct{})
		close(closed)
		done = closed
	}
	go s.outbox.Close()

	m.registry.Unregister(s.Identity, s.ConnID)
	if m.metrics != nil {
		m.metrics.ConnectionsActive.Dec()
	}
	return done
}

// unmarshalData 解析事件负载，空负载按零值处理
func unmarshalData(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
