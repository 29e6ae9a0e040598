package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"mq-bridge/queue"

	"github.com/google/uuid"
)

// ErrLeaseLost is returned by Commit when a received message was reclaimed by
// another connection after its lease expired.
var ErrLeaseLost = errors.New("storage: message lease expired before commit")

const (
	defaultLeaseTTL     = 5 * time.Minute
	defaultPollInterval = 250 * time.Millisecond
)

// Option configures a Transport.
type Option func(*Transport)

// WithLeaseTTL sets how long a received, uncommitted message stays invisible
// to other connections.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(t *Transport) { t.leaseTTL = ttl }
}

// WithPollInterval sets how often an empty queue is re-checked during Receive.
func WithPollInterval(d time.Duration) Option {
	return func(t *Transport) { t.pollInterval = d }
}

// Transport serves queue managers stored as <dataDir>/<queue manager>.db.
// Host, port and credentials in the connect parameters are ignored.
type Transport struct {
	dataDir      string
	logger       *slog.Logger
	leaseTTL     time.Duration
	pollInterval time.Duration

	mu     sync.Mutex
	stores map[string]*Store
}

func NewTransport(dataDir string, logger *slog.Logger, opts ...Option) *Transport {
	t := &Transport{
		dataDir:      dataDir,
		logger:       logger,
		leaseTTL:     defaultLeaseTTL,
		pollInterval: defaultPollInterval,
		stores:       make(map[string]*Store),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Store opens, or returns the already open, database of a queue manager.
func (t *Transport) Store(queueManager string) (*Store, error) {
	if queueManager == "" {
		return nil, errors.New("storage: queue manager name is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.stores[queueManager]; ok {
		return s, nil
	}
	s, err := NewStore(filepath.Join(t.dataDir, queueManager+".db"), t.logger)
	if err != nil {
		return nil, err
	}
	t.stores[queueManager] = s
	return s, nil
}

func (t *Transport) Connect(ctx context.Context, params queue.ConnectParams) (queue.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := t.Store(params.QueueManager)
	if err != nil {
		return nil, err
	}
	return &Connection{
		store:     s,
		owner:     uuid.NewString(),
		leaseTTL:  t.leaseTTL,
		poll:      t.pollInterval,
		connected: true,
	}, nil
}

// Close closes every open queue manager database.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for name, s := range t.stores {
		errs = append(errs, s.Close())
		delete(t.stores, name)
	}
	return errors.Join(errs...)
}

type pendingPut struct {
	queue string
	msg   queue.Message
}

// Connection is one unit-of-work scope on a queue manager. Received messages
// are leased to it and sends are buffered until Commit.
type Connection struct {
	store    *Store
	owner    string
	leaseTTL time.Duration
	poll     time.Duration

	mu        sync.Mutex
	connected bool
	leased    []int64
	pending   []pendingPut
}

func (c *Connection) OpenQueue(ctx context.Context, name string, mode queue.OpenMode) (queue.Queue, error) {
	if !c.IsConnected() {
		return nil, queue.ErrNotConnected
	}
	info, err := c.store.GetQueue(ctx, name)
	if err != nil {
		return nil, err
	}
	return &handle{conn: c, name: name, mode: mode, maxMessageLength: info.MaxMessageLength}, nil
}

func (c *Connection) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return queue.ErrNotConnected
	}
	if len(c.leased) == 0 && len(c.pending) == 0 {
		return nil
	}

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin commit: %w", err)
	}
	defer tx.Rollback()

	for _, seq := range c.leased {
		res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE seq = ? AND lease_owner = ?`, seq, c.owner)
		if err != nil {
			return fmt.Errorf("failed to remove received message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrLeaseLost
		}
	}

	for _, p := range c.pending {
		if _, err := insertMessage(ctx, tx, p.queue, &p.msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit unit of work: %w", err)
	}

	c.leased = nil
	c.pending = nil
	return nil
}

func (c *Connection) Backout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return queue.ErrNotConnected
	}
	return c.backoutLocked(ctx)
}

func (c *Connection) backoutLocked(ctx context.Context) error {
	c.pending = nil
	if len(c.leased) == 0 {
		return nil
	}

	_, err := c.store.db.ExecContext(ctx, `
		UPDATE messages SET lease_owner = NULL, lease_until = NULL, backout_count = backout_count + 1
		WHERE lease_owner = ?`, c.owner)
	if err != nil {
		return fmt.Errorf("failed to release received messages: %w", err)
	}
	c.leased = nil
	return nil
}

func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close backs out any open unit of work. The queue manager database stays
// open for other connections.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false
	return c.backoutLocked(context.Background())
}

// lease marks the oldest available message of the queue as received by this
// connection. It returns nil when the queue has nothing available.
func (c *Connection) lease(ctx context.Context, name string) (*queue.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, queue.ErrNotConnected
	}

	now := time.Now()
	row := c.store.db.QueryRowContext(ctx, `
		UPDATE messages SET lease_owner = ?, lease_until = ?
		WHERE seq = (
			SELECT seq FROM messages
			WHERE queue = ? AND (lease_owner IS NULL OR lease_until < ?)
			ORDER BY seq LIMIT 1
		)
		RETURNING seq, message_id, correlation_id, payload, properties`,
		c.owner, now.Add(c.leaseTTL).UnixMilli(), name, now.UnixMilli())

	var (
		seq   int64
		msg   queue.Message
		props sql.NullString
	)
	if err := row.Scan(&seq, &msg.ID, &msg.CorrelationID, &msg.Payload, &props); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to receive from %s: %w", name, err)
	}

	var err error
	if msg.Properties, err = decodeProperties(props); err != nil {
		return nil, err
	}
	c.leased = append(c.leased, seq)
	return &msg, nil
}

func (c *Connection) buffer(name string, msg *queue.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return queue.ErrNotConnected
	}
	c.pending = append(c.pending, pendingPut{queue: name, msg: *msg})
	return nil
}

type handle struct {
	conn             *Connection
	name             string
	mode             queue.OpenMode
	maxMessageLength int
}

func (h *handle) Receive(ctx context.Context, wait time.Duration) (queue.ReceiveResult, error) {
	if h.mode != queue.ModeInput {
		return queue.ReceiveResult{}, queue.ErrWrongMode
	}

	deadline := time.Now().Add(wait)
	for {
		msg, err := h.conn.lease(ctx, h.name)
		if err != nil {
			return queue.ReceiveResult{}, err
		}
		if msg != nil {
			return queue.Received(msg), nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return queue.Empty(), nil
		}

		timer := time.NewTimer(min(h.conn.poll, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return queue.ReceiveResult{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// Send buffers msg for the next commit. The broker assigns the stored
// message its own identifier.
func (h *handle) Send(_ context.Context, msg *queue.Message) error {
	if h.mode != queue.ModeOutput {
		return queue.ErrWrongMode
	}
	if len(msg.Payload) > h.maxMessageLength {
		return fmt.Errorf("%w: %s accepts %d bytes, got %d", queue.ErrMessageTooLarge, h.name, h.maxMessageLength, len(msg.Payload))
	}
	return h.conn.buffer(h.name, msg)
}

func (h *handle) Close() error {
	return nil
}
