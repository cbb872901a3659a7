package events

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
)

// RabbitMQConfig 描述 RabbitMQ 的连接参数。
type RabbitMQConfig struct {
	URL      string
	Exchange string
	Queue    string
	Prefetch int
	Durable  bool
}

// RabbitMQStream 使用 RabbitMQ 发布与消费事件。
// Exchange 为空时直接投递到 Queue；否则按事件类型作为 routing key 投递到 topic exchange。
type RabbitMQStream struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	queue    string
}

// NewRabbitMQStream 建立连接并声明队列与交换机。
func NewRabbitMQStream(cfg RabbitMQConfig) (*RabbitMQStream, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "policyguard.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "创建 RabbitMQ channel 失败")
	}
	fail := func(err error, msg string) (*RabbitMQStream, error) {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, msg)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return fail(err, "设置 RabbitMQ QOS 失败")
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		return fail(err, "声明 RabbitMQ 队列失败")
	}
	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, cfg.Durable, false, false, false, nil); err != nil {
			return fail(err, "声明 RabbitMQ exchange 失败")
		}
		if err := ch.QueueBind(queue, "#", cfg.Exchange, false, nil); err != nil {
			return fail(err, "绑定 RabbitMQ 队列失败")
		}
	}
	return &RabbitMQStream{conn: conn, ch: ch, exchange: cfg.Exchange, queue: queue}, nil
}

func (s *RabbitMQStream) routingKey(event Event) string {
	if s.exchange == "" {
		return s.queue
	}
	return "policyguard." + string(event.Type)
}

// Publish 将事件以 JSON 投递。
func (s *RabbitMQStream) Publish(ctx context.Context, event Event) error {
	if s == nil || s.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 未初始化")
	}
	payload, err := event.Encode()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件失败")
	}
	err = s.ch.PublishWithContext(ctx, s.exchange, s.routingKey(event), false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    event.ID,
		Type:         string(event.Type),
		Timestamp:    event.OccurredAt,
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "RabbitMQ 发布事件失败")
	}
	return nil
}

// Consume 使用手动确认模式消费事件。无法解码的消息直接确认丢弃。
func (s *RabbitMQStream) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if s == nil || s.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := s.ch.Consume(s.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "订阅 RabbitMQ 队列失败")
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					if event, err := Decode(msg.Body); err == nil {
						_ = handler(ctx, event)
					}
					_ = msg.Ack(false)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭 RabbitMQ 连接。
func (s *RabbitMQStream) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
