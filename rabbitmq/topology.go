package rabbitmq

import (
	"errors"
	"fmt"

	"mq-bridge/queue"

	"github.com/rabbitmq/amqp091-go"
)

// declareQueue checks that a queue exists, or creates it as a durable queue
// when create is set. A failed passive declare closes the channel, so the
// connection must be discarded afterwards.
func declareQueue(ch *amqp091.Channel, name string, create bool) error {
	var err error
	if create {
		_, err = ch.QueueDeclare(name, true, false, false, false, nil)
	} else {
		_, err = ch.QueueDeclarePassive(name, true, false, false, false, nil)
	}
	if err == nil {
		return nil
	}

	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp091.NotFound {
		return fmt.Errorf("%w: %s", queue.ErrUnknownQueue, name)
	}
	return fmt.Errorf("failed to declare queue %s: %w", name, err)
}

// Depth reports the number of ready messages in a queue.
func Depth(ch *amqp091.Channel, name string) (int, error) {
	q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %s: %w", name, err)
	}
	return q.Messages, nil
}
