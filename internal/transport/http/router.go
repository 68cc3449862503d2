package httptransport

import (
	"math/rand"
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kschat/backend/internal/auth"
	"kschat/backend/internal/chat"
	"kschat/backend/internal/config"
	"kschat/backend/internal/fanout"
	"kschat/backend/internal/middleware"
	"kschat/backend/internal/monitoring"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config        *config.Config
	Authenticator *auth.Authenticator
	Manager       *chat.Manager
	Fanout        *fanout.Adapter // 可为 nil（Redis 未配置时）
	Metrics       *monitoring.Metrics
	Logger        *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例
//
// 登录与欢迎页是薄 I/O 管道：签发令牌、交出客户端参数，
// 不承载协议逻辑。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	mm := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)
	router.Use(mm.PanicRecovery())
	router.Use(mm.HTTPMetrics())
	router.Use(mm.RequestLogger())

	router.Use(gincors.New(gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	// 欢迎页
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Welcome to kschat - WebSocket and RabbitMQ")
	})

	// 登录页：为 uid 签发访问令牌并返回客户端参数
	router.GET("/kschat", loginHandler(deps.Authenticator, deps.Logger))

	// WebSocket 握手入口，?token= 携带签名令牌
	router.GET("/ws", deps.Manager.HandleWebSocket())

	// 跨进程定向投递入口
	if deps.Fanout != nil {
		router.POST("/emit", emitHandler(deps.Fanout, deps.Logger))
	}

	return router
}

// loginHandler 签发访问令牌
//
// 薄管道：真实部署里由独立的登录服务完成，这里保留同样的出参
// 形态（uid、rid、随机数、令牌）。
func loginHandler(authn *auth.Authenticator, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.Query("uid")
		if uid == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "uid is required"})
			return
		}

		token, err := authn.Issue(uid)
		if err != nil {
			log.Error("failed to issue token", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"uid":     uid,
			"rid":     c.Query("rid"),
			"random":  rand.Int63n(100000),
			"tokenId": token,
		})
	}
}

// emitRequest /emit 请求体
type emitRequest struct {
	Identity string `json:"identity" binding:"required"`
	Event    string `json:"event" binding:"required"`
	Data     any    `json:"data"`
}

// emitHandler 向指定连接标识投递事件
//
// 依赖扇出适配器，目标连接不在本进程时经 Redis 转发。
func emitHandler(adapter *fanout.Adapter, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req emitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := adapter.Emit(c.Request.Context(), auth.Identity(req.Identity), req.Event, req.Data); err != nil {
			log.Error("emit failed",
				zap.String("identity", req.Identity),
				zap.Error(err),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "emit failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
