package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kschat/backend/internal/auth"
	"kschat/backend/internal/config"
	"kschat/backend/internal/registry"
)

// Adapter 跨进程定向投递适配器
//
// 让"向某个连接标识投递事件"在多进程部署下成立：目标连接在
// 本进程时直接投递，否则经 Redis pub/sub 广播，持有该连接的
// 进程收到后在本地完成投递。只消费这项能力，不实现底层扇出的
// 水平扩展机制本身。
type Adapter struct {
	rdb      *goredis.Client
	channel  string
	registry *registry.Registry
	log      *zap.Logger
}

// payload 跨进程投递的消息体
type payload struct {
	Identity string          `json:"identity"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

// New 创建适配器并验证 Redis 连通性
func New(cfg *config.RedisConfig, reg *registry.Registry, log *zap.Logger) (*Adapter, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("fanout adapter connected",
		zap.String("address", cfg.Address),
		zap.String("channel", cfg.EmitChannel),
	)

	return &Adapter{
		rdb:      rdb,
		channel:  cfg.EmitChannel,
		registry: reg,
		log:      log,
	}, nil
}

// Emit 向指定连接标识投递事件，无论它连在哪个进程
func (a *Adapter) Emit(ctx context.Context, identity auth.Identity, event string, data any) error {
	if ch, ok := a.registry.Lookup(identity); ok {
		ch.Emit(event, data)
		return nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal emit data: %w", err)
	}

	body, err := json.Marshal(payload{
		Identity: string(identity),
		Event:    event,
		Data:     raw,
	})
	if err != nil {
		return err
	}

	return a.rdb.Publish(ctx, a.channel, body).Err()
}

// Run 订阅投递频道并把发给本进程连接的事件落地
//
// 阻塞直到 ctx 取消。
func (a *Adapter) Run(ctx context.Context) error {
	sub := a.rdb.Subscribe(ctx, a.channel)
	defer sub.Close()

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			a.log.Info("fanout adapter stopped")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}

			var p payload
			if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
				a.log.Warn("dropping malformed fanout payload", zap.Error(err))
				continue
			}

			if ch, found := a.registry.Lookup(auth.Identity(p.Identity)); found {
				ch.Emit(p.Event, p.Data)
			}
		}
	}
}

// Ping 检查 Redis 连通性（健康检查用）
func (a *Adapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func (a *Adapter) Close() error {
	return a.rdb.Close()
}
