package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mq-bridge/queue"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type receiver struct {
	conn     *Connection
	stream   string
	consumer jetstream.Consumer
}

// Receive fetches one message, polling in short slices so that ctx is
// honoured during long waits.
func (q *receiver) Receive(ctx context.Context, wait time.Duration) (queue.ReceiveResult, error) {
	deadline := time.Now().Add(wait)
	for {
		if err := ctx.Err(); err != nil {
			return queue.ReceiveResult{}, err
		}
		if !q.conn.IsConnected() {
			return queue.ReceiveResult{}, queue.ErrNotConnected
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return queue.Empty(), nil
		}

		batch, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(min(remaining, maxFetchWait)))
		if err != nil {
			return queue.ReceiveResult{}, fmt.Errorf("failed to fetch from %s: %w", q.stream, err)
		}
		for msg := range batch.Messages() {
			converted, err := fromJetStream(q.stream, msg)
			if err != nil {
				_ = msg.Nak()
				return queue.ReceiveResult{}, err
			}
			q.conn.track(msg)
			return queue.Received(converted), nil
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return queue.ReceiveResult{}, fmt.Errorf("failed to fetch from %s: %w", q.stream, err)
		}
	}
}

func (q *receiver) Send(context.Context, *queue.Message) error {
	return queue.ErrWrongMode
}

func (q *receiver) Close() error {
	return nil
}

type sender struct {
	conn       *Connection
	stream     string
	subject    string
	maxMsgSize int
}

func (q *sender) Receive(context.Context, time.Duration) (queue.ReceiveResult, error) {
	return queue.ReceiveResult{}, queue.ErrWrongMode
}

// Send buffers msg until Commit. Size limits of the stream and the server are
// checked up front.
func (q *sender) Send(_ context.Context, msg *queue.Message) error {
	if !q.conn.IsConnected() {
		return queue.ErrNotConnected
	}
	if q.maxMsgSize > 0 && len(msg.Payload) > q.maxMsgSize {
		return fmt.Errorf("%w: %d bytes, stream %s allows %d", queue.ErrMessageTooLarge, len(msg.Payload), q.stream, q.maxMsgSize)
	}
	if limit := q.conn.nc.MaxPayload(); limit > 0 && int64(len(msg.Payload)) > limit {
		return fmt.Errorf("%w: %d bytes, server allows %d", queue.ErrMessageTooLarge, len(msg.Payload), limit)
	}

	q.conn.buffer(toNATS(q.subject, msg), publishID(msg))
	return nil
}

func (q *sender) Close() error {
	return nil
}

func toNATS(subject string, msg *queue.Message) *nats.Msg {
	out := nats.NewMsg(subject)
	out.Data = msg.Payload
	for k, v := range msg.Properties {
		out.Header.Set(k, v)
	}
	if len(msg.CorrelationID) > 0 {
		out.Header.Set(headerCorrelationID, string(msg.CorrelationID))
	}
	return out
}

func fromJetStream(stream string, msg jetstream.Msg) (*queue.Message, error) {
	meta, err := msg.Metadata()
	if err != nil {
		return nil, fmt.Errorf("failed to read message metadata: %w", err)
	}

	out := &queue.Message{
		ID:      MessageID(stream, meta.Sequence.Stream),
		Payload: msg.Data(),
	}
	for k, v := range msg.Headers() {
		if len(v) == 0 {
			continue
		}
		switch {
		case k == headerCorrelationID:
			out.CorrelationID = []byte(v[0])
		case strings.HasPrefix(k, "Nats-"):
		default:
			if out.Properties == nil {
				out.Properties = make(map[string]string)
			}
			out.Properties[k] = v[0]
		}
	}
	return out, nil
}
