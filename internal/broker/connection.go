package broker

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"kschat/backend/internal/config"
)

// Connection 封装到 RabbitMQ 的底层连接
//
// 连接断开是进程级致命事件：不做自动重连，进程退出后交由外部
// 监督者重启，避免带着不一致的信箱绑定继续运行。这是刻意的
// fail-fast 选择，不是缺陷。
type Connection struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *zap.Logger
}

// Connect 建立 RabbitMQ 连接并打开共享通道
//
// 进程内所有会话共用这一个通道句柄调用代理操作。
func Connect(cfg *config.BrokerConfig, log *zap.Logger) (*Connection, error) {
	start := time.Now()

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: cfg.Heartbeat,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open broker channel: %w", err)
	}

	log.Info("broker connected",
		zap.Duration("elapsed", time.Since(start)),
		zap.Duration("heartbeat", cfg.Heartbeat),
	)

	return &Connection{conn: conn, ch: ch, log: log}, nil
}

// Channel 返回进程共享的 AMQP 通道
func (c *Connection) Channel() *amqp.Channel {
	return c.ch
}

// NotifyClose 注册连接关闭回调
//
// 回调在独立协程里执行一次；正常 Close 触发的关闭（err 为 nil）
// 不会调用回调。
func (c *Connection) NotifyClose(fn func(err error)) {
	closes := c.conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		err, ok := <-closes
		if !ok || err == nil {
			return
		}
		c.log.Error("broker connection lost", zap.Error(err))
		fn(err)
	}()
}

// Close 关闭通道与连接
func (c *Connection) Close() error {
	if err := c.ch.Close(); err != nil {
		c.log.Warn("failed to close broker channel", zap.Error(err))
	}
	return c.conn.Close()
}
