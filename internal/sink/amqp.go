package sink

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/d60-Lab/catalog-outbox/internal/model"
)

// Publisher 是 *amqp.Channel 的投递子集
type Publisher interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

var errNacked = errors.New("amqp: broker nacked publish")

// AMQPSink 投递到 exchange，routing key 为事件类型，MessageId 为事件 id
type AMQPSink struct {
	ch       Publisher
	exchange string
}

func NewAMQPSink(ch Publisher, exchange string) *AMQPSink {
	return &AMQPSink{ch: ch, exchange: exchange}
}

func (s *AMQPSink) Publish(ctx context.Context, ev *model.OutboxEvent) error {
	dc, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, s.exchange, ev.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    strconv.FormatUint(ev.ID, 10),
		Timestamp:    ev.CreatedAt,
		Type:         ev.Type,
		Headers:      amqp.Table{"aggregate_id": ev.AggregateID},
		Body:         ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	// 通道未开启 confirm 模式
	if dc == nil {
		return nil
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("amqp confirm: %w", err)
	}
	if !acked {
		return errNacked
	}
	return nil
}

// AMQPChannel 建立连接与通道并声明 topic exchange；confirm 为 true 时开启发布确认
type AMQPChannel struct {
	conn *amqp.Connection
	*amqp.Channel
}

func DialAMQP(url, exchange string, confirm bool) (*AMQPChannel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if confirm {
		if err := ch.Confirm(false); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("enable publisher confirms: %w", err)
		}
	}
	return &AMQPChannel{conn: conn, Channel: ch}, nil
}

func (c *AMQPChannel) Close() error {
	_ = c.Channel.Close()
	return c.conn.Close()
}
