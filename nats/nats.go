// Package nats is the JetStream transport. A queue is a stream; the bridge
// channel names the durable consumer that reads it.
package nats

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"mq-bridge/queue"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	connectTimeout     = 30 * time.Second
	defaultAckWait     = 5 * time.Minute
	defaultDedupWindow = 2 * time.Minute
	maxFetchWait       = time.Second

	headerCorrelationID = "Mq-Correlation-Id"
)

// Option configures a Transport.
type Option func(*Transport)

// WithAckWait sets how long a received, uncommitted message stays with the
// consumer before the server redelivers it.
func WithAckWait(d time.Duration) Option {
	return func(t *Transport) { t.ackWait = d }
}

// WithDeclare makes OpenQueue create missing streams as work queues.
func WithDeclare(declare bool) Option {
	return func(t *Transport) { t.declare = declare }
}

type Transport struct {
	logger  *slog.Logger
	ackWait time.Duration
	declare bool
}

func New(logger *slog.Logger, opts ...Option) *Transport {
	t := &Transport{logger: logger, ackWait: defaultAckWait}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// URL builds the server URL for params.
func URL(params queue.ConnectParams) string {
	scheme := "nats"
	if params.TLS != nil {
		scheme = "tls"
	}
	return scheme + "://" + net.JoinHostPort(params.Host, strconv.Itoa(params.Port))
}

func (t *Transport) Connect(ctx context.Context, params queue.ConnectParams) (queue.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := []nats.Option{
		nats.Name("mq-bridge-" + uuid.NewString()),
		nats.Timeout(connectTimeout),
		nats.NoReconnect(),
	}
	if params.UserID != "" {
		opts = append(opts, nats.UserInfo(params.UserID, params.Password))
	}
	if params.TLS != nil {
		opts = append(opts, nats.Secure(params.TLS))
	}

	nc, err := nats.Connect(URL(params), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to connect to JetStream: %w", err)
	}

	t.logger.Debug("connected to NATS", "url", nc.ConnectedUrlRedacted(), "channel", params.Channel)
	return &Connection{
		nc:        nc,
		js:        js,
		transport: t,
		durable:   durableName(params.Channel),
	}, nil
}

// Connection is a unit of work over one NATS connection. Receives are acked
// and sends are published only on Commit.
type Connection struct {
	nc        *nats.Conn
	js        jetstream.JetStream
	transport *Transport
	durable   string

	mu       sync.Mutex
	inflight []jetstream.Msg
	pending  []outgoing
}

type outgoing struct {
	msg *nats.Msg
	id  string
}

func (c *Connection) OpenQueue(ctx context.Context, name string, mode queue.OpenMode) (queue.Queue, error) {
	if !c.IsConnected() {
		return nil, queue.ErrNotConnected
	}

	stream, err := c.stream(ctx, name)
	if err != nil {
		return nil, err
	}

	switch mode {
	case queue.ModeInput:
		consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       c.durable,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       c.transport.ackWait,
			MaxAckPending: 1,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create consumer %s on %s: %w", c.durable, name, err)
		}
		return &receiver{conn: c, stream: name, consumer: consumer}, nil
	case queue.ModeOutput:
		info := stream.CachedInfo()
		return &sender{conn: c, stream: name, subject: subjectOf(info), maxMsgSize: int(info.Config.MaxMsgSize)}, nil
	default:
		return nil, fmt.Errorf("%w: %s", queue.ErrWrongMode, mode)
	}
}

func (c *Connection) stream(ctx context.Context, name string) (jetstream.Stream, error) {
	stream, err := c.js.Stream(ctx, name)
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, fmt.Errorf("failed to look up stream %s: %w", name, err)
	}
	if !c.transport.declare {
		return nil, fmt.Errorf("%w: %s", queue.ErrUnknownQueue, name)
	}

	stream, err = c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{name},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
		Discard:    jetstream.DiscardNew,
		Duplicates: defaultDedupWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create nats stream: %w", err)
	}
	c.transport.logger.Info("created stream", "stream", name)
	return stream, nil
}

// Commit publishes the buffered sends and then acknowledges the received
// messages. Publishes carry a message id, so repeating a failed commit does
// not store a message twice within the stream's duplicate window.
func (c *Connection) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.pending) > 0 {
		out := c.pending[0]
		if _, err := c.js.PublishMsg(ctx, out.msg, jetstream.WithMsgID(out.id)); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", out.msg.Subject, mapPublishError(err))
		}
		c.pending = c.pending[1:]
	}

	for len(c.inflight) > 0 {
		if err := c.inflight[0].DoubleAck(ctx); err != nil {
			return fmt.Errorf("failed to ack message: %w", err)
		}
		c.inflight = c.inflight[1:]
	}
	return nil
}

// Backout drops the buffered sends and returns received messages to the
// consumer for immediate redelivery.
func (c *Connection) Backout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = nil
	var errs []error
	for _, msg := range c.inflight {
		if err := msg.Nak(); err != nil {
			errs = append(errs, err)
		}
	}
	c.inflight = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to nak messages: %w", err)
	}
	return nil
}

func (c *Connection) IsConnected() bool {
	return c.nc.IsConnected()
}

func (c *Connection) Close() error {
	if c.nc.IsClosed() {
		return nil
	}
	if err := c.Backout(context.Background()); err != nil {
		c.transport.logger.Warn("failed to release messages on close", "error", err)
	}
	c.nc.Close()
	return nil
}

func (c *Connection) track(msg jetstream.Msg) {
	c.mu.Lock()
	c.inflight = append(c.inflight, msg)
	c.mu.Unlock()
}

func (c *Connection) buffer(msg *nats.Msg, id string) {
	c.mu.Lock()
	c.pending = append(c.pending, outgoing{msg: msg, id: id})
	c.mu.Unlock()
}

// MessageID derives the bridge identifier of a stream message: the first 16
// bytes of the stream name's SHA-256 followed by the big-endian sequence.
func MessageID(stream string, seq uint64) []byte {
	sum := sha256.Sum256([]byte(stream))
	id := make([]byte, queue.MessageIDLength)
	copy(id, sum[:16])
	binary.BigEndian.PutUint64(id[16:], seq)
	return id
}

// durableName makes a channel name usable as a consumer name.
func durableName(channel string) string {
	if channel == "" {
		return "mq-bridge"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '/', '\\':
			return '_'
		}
		return r
	}, channel)
}

func subjectOf(info *jetstream.StreamInfo) string {
	for _, s := range info.Config.Subjects {
		if !strings.ContainsAny(s, "*>") {
			return s
		}
	}
	return info.Config.Name
}

func publishID(msg *queue.Message) string {
	if len(msg.ID) > 0 {
		return hex.EncodeToString(msg.ID)
	}
	return uuid.NewString()
}

func mapPublishError(err error) error {
	var apiErr *jetstream.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	desc := strings.ToLower(apiErr.Description)
	switch {
	case strings.Contains(desc, "maximum messages") || strings.Contains(desc, "maximum bytes"):
		return fmt.Errorf("%w: %s", queue.ErrQueueFull, apiErr.Description)
	case strings.Contains(desc, "exceeds maximum"):
		return fmt.Errorf("%w: %s", queue.ErrMessageTooLarge, apiErr.Description)
	}
	return err
}
