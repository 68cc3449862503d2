package broker

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrUnavailable 当前没有可用的代理通道
//
// 会话层把它转换为错误码应答，会话本身保持存活（降级态）。
var ErrUnavailable = errors.New("broker unavailable")

// Channel 桥接层需要的 AMQP 通道操作子集
//
// *amqp.Channel 天然满足该接口；测试用假实现替换，
// 桥接逻辑无需活的代理即可验证。
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyReturn(c chan amqp.Return) chan amqp.Return
}

// Mailbox 已就绪的信箱句柄
type Mailbox struct {
	ID         string               // 代理自动命名的队列名
	RoutingKey string               // 绑定的路由键
	deliveries <-chan amqp.Delivery // 消费流
}

// Bridge 负责每连接信箱的完整生命周期
//
// 创建、绑定、发布、消费、解绑删除都经过这里。通道句柄为 nil 时
// 所有操作返回 ErrUnavailable（代理不可用的降级态）。
type Bridge struct {
	ch       Channel
	exchange string
	prefix   string
	log      *zap.Logger

	// 被代理退回的强制发布计数回调，未设置时只记日志
	onReturn func()
}

// NewBridge 创建代理桥接层
//
// ch 可以为 nil，表示启动时代理不可用；此时接收功能整体降级，
// 发布与拆除返回 ErrUnavailable。
func NewBridge(ch Channel, exchange, prefix string, log *zap.Logger) *Bridge {
	b := &Bridge{
		ch:       ch,
		exchange: exchange,
		prefix:   prefix,
		log:      log,
	}

	if ch != nil {
		// 强制发布被退回时代理会推送 return 事件。
		// 只记日志不回传给发送方：发送方已经收到乐观应答。
		returns := ch.NotifyReturn(make(chan amqp.Return, 16))
		go b.watchReturns(returns)
	}

	return b
}

// SetReturnHook 设置强制发布退回时的计数回调
func (b *Bridge) SetReturnHook(fn func()) {
	b.onReturn = fn
}

// Available 报告当前是否持有可用的代理通道
func (b *Bridge) Available() bool {
	return b.ch != nil
}

// RoutingKey 返回用户标识对应的路由键
func (b *Bridge) RoutingKey(identity string) string {
	return b.prefix + identity
}

// ProvisionMailbox 为一个会话开通信箱
//
// 声明共享直连交换机（幂等）、声明一个独占的自动命名队列、
// 按身份路由键绑定，然后启动自动应答的持续消费。自动应答意味着
// 消息交到通道侧即视为送达，故障下接受至多一次语义。
func (b *Bridge) ProvisionMailbox(identity string) (*Mailbox, error) {
	if b.ch == nil {
		return nil, ErrUnavailable
	}

	if err := b.ch.ExchangeDeclare(b.exchange, "direct", false, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	queue, err := b.ch.QueueDeclare("", false, false, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	key := b.RoutingKey(identity)
	if err := b.ch.QueueBind(queue.Name, key, b.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	deliveries, err := b.ch.Consume(queue.Name, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	b.log.Debug("mailbox provisioned",
		zap.String("queue", queue.Name),
		zap.String("routing_key", key),
	)

	return &Mailbox{
		ID:         queue.Name,
		RoutingKey: key,
		deliveries: deliveries,
	}, nil
}

// TeardownMailbox 解绑路由键并删除队列
//
// 对未完成开通的信箱调用也必须安全：找不到队列按无事发生处理。
func (b *Bridge) TeardownMailbox(mailboxID, routingKey string) error {
	if b.ch == nil || mailboxID == "" {
		return nil
	}

	if err := b.ch.QueueUnbind(mailboxID, routingKey, b.exchange, nil); err != nil {
		b.log.Debug("queue unbind failed",
			zap.String("queue", mailboxID),
			zap.Error(err),
		)
	}

	if _, err := b.ch.QueueDelete(mailboxID, false, false, false); err != nil {
		b.log.Debug("queue delete failed",
			zap.String("queue", mailboxID),
			zap.Error(err),
		)
	}

	return nil
}

// Publish 向接收方路由键发布一条信封
//
// 消息标记为持久化并开启 mandatory：没有绑定队列时代理退回消息
// 而非静默丢弃（退回只记日志，见 watchReturns）。
func (b *Bridge) Publish(ctx context.Context, recipient string, env *Envelope) error {
	if b.ch == nil {
		return ErrUnavailable
	}

	body, err := env.Encode()
	if err != nil {
		return err
	}

	key := b.RoutingKey(recipient)
	err = b.ch.PublishWithContext(ctx, b.exchange, key, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", key, err)
	}

	return nil
}

// OnMessage 消费信箱，把每条送达的信封交给 handler
//
// 阻塞直到代理发出流结束信号，此时以 handler(nil) 通知通道侧
// 投递已终止。解码失败的消息跳过并记日志。
func (b *Bridge) OnMessage(mailbox *Mailbox, handler func(*Envelope)) {
	for delivery := range mailbox.deliveries {
		env, err := DecodeEnvelope(delivery.Body)
		if err != nil {
			b.log.Warn("dropping undecodable delivery",
				zap.String("queue", mailbox.ID),
				zap.Error(err),
			)
			continue
		}
		handler(env)
	}
	handler(nil)
}

// watchReturns 记录代理退回的强制发布
func (b *Bridge) watchReturns(returns <-chan amqp.Return) {
	for ret := range returns {
		b.log.Warn("publish returned by broker",
			zap.String("routing_key", ret.RoutingKey),
			zap.String("reply", ret.ReplyText),
		)
		if b.onReturn != nil {
			b.onReturn()
		}
	}
}
