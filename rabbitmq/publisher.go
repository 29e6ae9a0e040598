package rabbitmq

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"
	"unicode/utf8"

	"mq-bridge/queue"

	"github.com/rabbitmq/amqp091-go"
)

const propContentType = "content-type"

type publisher struct {
	conn *Connection
	name string
}

func (p *publisher) Receive(context.Context, time.Duration) (queue.ReceiveResult, error) {
	return queue.ReceiveResult{}, queue.ErrWrongMode
}

// Send publishes a persistent message to the queue through the default
// exchange. It is held by the broker until Commit.
func (p *publisher) Send(ctx context.Context, msg *queue.Message) error {
	err := p.conn.ch.PublishWithContext(ctx,
		"", // default exchange routes by queue name
		p.name,
		false, // mandatory
		false, // immediate
		toPublishing(msg),
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (p *publisher) Close() error {
	return nil
}

func toPublishing(msg *queue.Message) amqp091.Publishing {
	pub := amqp091.Publishing{
		DeliveryMode:  amqp091.Persistent,
		Timestamp:     time.Now(),
		MessageId:     encodeID(msg.ID),
		CorrelationId: encodeID(msg.CorrelationID),
		Body:          msg.Payload,
	}

	for k, v := range msg.Properties {
		if k == propContentType {
			pub.ContentType = v
			continue
		}
		if pub.Headers == nil {
			pub.Headers = amqp091.Table{}
		}
		pub.Headers[k] = v
	}
	return pub
}

// encodeID keeps textual identifiers as they are and hex encodes binary ones.
func encodeID(id []byte) string {
	if len(id) == 0 {
		return ""
	}
	if utf8.Valid(id) {
		return string(id)
	}
	return hex.EncodeToString(id)
}
