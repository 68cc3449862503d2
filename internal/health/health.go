package health

import (
	"errors"
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// Check 单项健康检查函数
type Check func() error

// Checker 健康检查器
//
// 代理通道和 Redis 都是存活性检查：代理连接丢失是进程级致命
// 事件，监督者应当据此重启进程。
type Checker struct {
	health healthcheck.Handler
	logger *zap.Logger
}

// NewChecker 创建健康检查器
func NewChecker(brokerCheck, redisCheck Check, logger *zap.Logger) *Checker {
	hc := &Checker{
		health: healthcheck.NewHandler(),
		logger: logger,
	}

	if brokerCheck == nil {
		brokerCheck = func() error { return errors.New("broker not configured") }
	}
	hc.health.AddLivenessCheck("broker", healthcheck.Check(brokerCheck))

	if redisCheck != nil {
		hc.health.AddLivenessCheck("redis", healthcheck.Check(redisCheck))
	}

	return hc
}

// Handler 返回健康检查处理器
func (hc *Checker) Handler() http.Handler {
	return hc.health
}
