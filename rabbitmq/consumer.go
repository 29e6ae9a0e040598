package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"mq-bridge/queue"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

type consumer struct {
	conn       *Connection
	name       string
	tag        string
	deliveries <-chan amqp091.Delivery
}

func (c *Connection) consume(name string) (*consumer, error) {
	tag := "mq-bridge-" + uuid.NewString()
	deliveries, err := c.ch.Consume(name, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume from '%s': %w", name, err)
	}
	return &consumer{conn: c, name: name, tag: tag, deliveries: deliveries}, nil
}

// Receive waits for the next delivery and acks it inside the open
// transaction. The ack only takes effect on Commit.
func (q *consumer) Receive(ctx context.Context, wait time.Duration) (queue.ReceiveResult, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return queue.ReceiveResult{}, ctx.Err()
	case <-timer.C:
		return queue.Empty(), nil
	case d, ok := <-q.deliveries:
		if !ok {
			return queue.ReceiveResult{}, fmt.Errorf("consumer for '%s' closed: %w", q.name, queue.ErrNotConnected)
		}
		if err := d.Ack(false); err != nil {
			return queue.ReceiveResult{}, fmt.Errorf("failed to ack delivery: %w", err)
		}
		q.conn.track(d.DeliveryTag)
		return queue.Received(fromDelivery(d)), nil
	}
}

func (q *consumer) Send(context.Context, *queue.Message) error {
	return queue.ErrWrongMode
}

func (q *consumer) Close() error {
	if !q.conn.IsConnected() {
		return nil
	}
	return q.conn.ch.Cancel(q.tag, false)
}

func fromDelivery(d amqp091.Delivery) *queue.Message {
	msg := &queue.Message{
		Payload: d.Body,
	}
	if d.MessageId != "" {
		msg.ID = []byte(d.MessageId)
	}
	if d.CorrelationId != "" {
		msg.CorrelationID = []byte(d.CorrelationId)
	}

	props := make(map[string]string)
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			props[k] = s
		}
	}
	if d.ContentType != "" {
		props[propContentType] = d.ContentType
	}
	if len(props) > 0 {
		msg.Properties = props
	}
	return msg
}
