// Package rabbitmq is the AMQP 0-9-1 transport. Every connection runs one
// channel in transaction mode, so acks and publishes take effect on TxCommit.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"mq-bridge/queue"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

const dialTimeout = 30 * time.Second

// Transport dials RabbitMQ brokers. The bridge channel name is used as the
// virtual host.
type Transport struct {
	logger  *slog.Logger
	declare bool
}

// New creates the transport. With declare set, queues missing on the broker
// are created as durable queues instead of failing to open.
func New(logger *slog.Logger, declare bool) *Transport {
	return &Transport{logger: logger, declare: declare}
}

// URL builds the AMQP URL for params. The virtual host is passed separately
// in the dial config.
func URL(params queue.ConnectParams) string {
	scheme := "amqp"
	if params.TLS != nil {
		scheme = "amqps"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(params.Host, strconv.Itoa(params.Port)),
	}
	if params.UserID != "" {
		u.User = url.UserPassword(params.UserID, params.Password)
	}
	return u.String()
}

func (t *Transport) Connect(ctx context.Context, params queue.ConnectParams) (queue.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := "mq-bridge-" + uuid.NewString()
	cfg := amqp091.Config{
		Vhost:           params.Channel,
		TLSClientConfig: params.TLS,
		Dial:            amqp091.DefaultDial(dialTimeout),
		Properties:      amqp091.Table{"connection_name": name},
	}
	if cfg.Vhost == "" {
		cfg.Vhost = "/"
	}

	conn, err := amqp091.DialConfig(URL(params), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}
	if err := ch.Tx(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable transactions: %w", err)
	}

	t.logger.Debug("connected to RabbitMQ", "host", params.Host, "port", params.Port, "vhost", cfg.Vhost, "connection_name", name)
	return &Connection{conn: conn, ch: ch, logger: t.logger, declare: t.declare}, nil
}

// Connection is one AMQP connection with a single transactional channel.
type Connection struct {
	conn    *amqp091.Connection
	ch      *amqp091.Channel
	logger  *slog.Logger
	declare bool

	mu sync.Mutex
	// inflight holds delivery tags acked in the open transaction.
	inflight []uint64
}

func (c *Connection) OpenQueue(ctx context.Context, name string, mode queue.OpenMode) (queue.Queue, error) {
	if !c.IsConnected() {
		return nil, queue.ErrNotConnected
	}
	if err := declareQueue(c.ch, name, c.declare); err != nil {
		return nil, err
	}

	switch mode {
	case queue.ModeInput:
		return c.consume(name)
	case queue.ModeOutput:
		return &publisher{conn: c, name: name}, nil
	default:
		return nil, fmt.Errorf("%w: %s", queue.ErrWrongMode, mode)
	}
}

func (c *Connection) Commit(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ch.TxCommit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	c.inflight = nil
	return nil
}

// Backout rolls back the transaction and hands the in-flight deliveries back
// to the broker for redelivery.
func (c *Connection) Backout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ch.TxRollback(); err != nil {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	if len(c.inflight) == 0 {
		return nil
	}
	for _, tag := range c.inflight {
		if err := c.ch.Nack(tag, false, true); err != nil {
			return fmt.Errorf("failed to requeue delivery: %w", err)
		}
	}
	c.inflight = nil
	if err := c.ch.TxCommit(); err != nil {
		return fmt.Errorf("failed to commit requeue: %w", err)
	}
	return nil
}

func (c *Connection) IsConnected() bool {
	return !c.conn.IsClosed() && !c.ch.IsClosed()
}

// Close closes the channel and the connection. Unacknowledged deliveries are
// requeued by the broker.
func (c *Connection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	_ = c.ch.Close()
	return c.conn.Close()
}

func (c *Connection) track(tag uint64) {
	c.mu.Lock()
	c.inflight = append(c.inflight, tag)
	c.mu.Unlock()
}
