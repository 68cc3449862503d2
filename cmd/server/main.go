package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kschat/backend/internal/auth"
	"kschat/backend/internal/broker"
	"kschat/backend/internal/chat"
	"kschat/backend/internal/config"
	"kschat/backend/internal/fanout"
	"kschat/backend/internal/health"
	"kschat/backend/internal/logger"
	"kschat/backend/internal/monitoring"
	"kschat/backend/internal/registry"
	httptransport "kschat/backend/internal/transport/http"
)

// main 启动聊天路由服务
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting kschat server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 初始化监控指标
	metrics := monitoring.NewMetrics()

	// 连接 RabbitMQ
	//
	// 连接失败不阻止启动：会话以降级态运行（发送与登出返回
	// 代理不可用错误码），等监督者修复后重启。连接建立后中途
	// 断开则是致命事件，进程立即退出交由监督者重启。
	var brokerCh broker.Channel
	var brokerConn *broker.Connection
	brokerConn, err = broker.Connect(&cfg.Broker, log)
	if err != nil {
		log.Error("broker connection unavailable, sessions will run degraded", zap.Error(err))
	} else {
		brokerCh = brokerConn.Channel()
		brokerConn.NotifyClose(func(err error) {
			log.Error("exiting: broker connection lost", zap.Error(err))
			os.Exit(1)
		})
	}

	bridge := broker.NewBridge(brokerCh, cfg.Broker.Exchange, cfg.Broker.RoutingPrefix, log)
	bridge.SetReturnHook(func() {
		metrics.PublishReturned.Inc()
	})

	// 连接注册表：进程启动时创建，显式注入，不走全局状态
	reg := registry.New()

	// 认证器与生命周期管理器
	authn := auth.NewAuthenticator(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry)
	manager := chat.NewManager(authn, reg, bridge, metrics, cfg.Chat, cfg.CORS.AllowedOrigins, log)

	// 跨进程定向投递适配器（Redis 不可用时跳过，单进程照常工作）
	var adapter *fanout.Adapter
	adapter, err = fanout.New(&cfg.Redis, reg, log)
	if err != nil {
		log.Warn("fanout adapter unavailable, running single-process", zap.Error(err))
		adapter = nil
	}

	// 健康检查
	brokerCheck := func() error {
		if !bridge.Available() {
			return fmt.Errorf("no broker channel")
		}
		return nil
	}
	var redisCheck health.Check
	if adapter != nil {
		redisCheck = func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return adapter.Ping(ctx)
		}
	}
	checker := health.NewChecker(brokerCheck, redisCheck, log)

	// HTTP 路由
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:        cfg,
		Authenticator: authn,
		Manager:       manager,
		Fanout:        adapter,
		Metrics:       metrics,
		Logger:        log,
	})

	// 健康检查处理器（用于 Kubernetes 等）
	router.GET("/health/live", gin.WrapH(checker.Handler()))
	router.GET("/health/ready", gin.WrapH(checker.Handler()))

	// Prometheus 指标端点
	router.GET("/metrics", gin.WrapH(metrics.HTTPHandler()))

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// 扇出适配器 goroutine
	if adapter != nil {
		group.Go(func() error {
			return adapter.Run(groupCtx)
		})
	}

	// 内存用量上报 goroutine（纯信息用途）
	reporter := monitoring.NewMemoryReporter(metrics, time.Minute, log)
	group.Go(func() error {
		return reporter.Run(groupCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
	}

	if adapter != nil {
		adapter.Close()
	}
	if brokerConn != nil {
		brokerConn.Close()
	}
	log.Info("server stopped")
}
