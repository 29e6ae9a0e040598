package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mq-bridge/queue"
)

var errInjected = errors.New("injected failure")

// fakeBroker is an in-memory transactional broker shared by every
// connection of a fakeTransport. Queues are keyed by queue manager and name.
type fakeBroker struct {
	mu     sync.Mutex
	queues map[string][]queue.Message
	ops    []string

	failConnects int
	// failCommits maps a queue manager to the number of commits that fail.
	failCommits map[string]int
	// panicOnConnect makes Connect panic.
	panicOnConnect bool
	connects       int
	nextID         int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:      make(map[string][]queue.Message),
		failCommits: make(map[string]int),
	}
}

func key(qm, name string) string {
	return qm + "/" + name
}

// put enqueues a committed message and returns its identifier.
func (b *fakeBroker) put(qm, name string, payload string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := []byte(fmt.Sprintf("id-%04d", b.nextID))
	b.queues[key(qm, name)] = append(b.queues[key(qm, name)], queue.Message{ID: id, Payload: []byte(payload)})
	return id
}

func (b *fakeBroker) depth(qm, name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[key(qm, name)])
}

func (b *fakeBroker) messages(qm, name string) []queue.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]queue.Message(nil), b.queues[key(qm, name)]...)
}

func (b *fakeBroker) operations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ops...)
}

func (b *fakeBroker) record(op string) {
	b.ops = append(b.ops, op)
}

type fakeTransport struct {
	broker *fakeBroker
}

func (t *fakeTransport) Connect(ctx context.Context, params queue.ConnectParams) (queue.Connection, error) {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.panicOnConnect {
		panic("connect exploded")
	}
	b.connects++
	if b.failConnects > 0 {
		b.failConnects--
		return nil, fmt.Errorf("connect %s: %w", params.QueueManager, errInjected)
	}
	return &fakeConn{broker: b, qm: params.QueueManager, connected: true}, nil
}

type fakeReceived struct {
	queue string
	msg   queue.Message
}

type fakeConn struct {
	broker    *fakeBroker
	qm        string
	connected bool
	received  []fakeReceived
	sends     []fakeReceived
}

func (c *fakeConn) OpenQueue(_ context.Context, name string, mode queue.OpenMode) (queue.Queue, error) {
	return &fakeQueue{conn: c, name: name, mode: mode}, nil
}

func (c *fakeConn) Commit(context.Context) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if !c.connected {
		return queue.ErrNotConnected
	}
	if b.failCommits[c.qm] > 0 {
		b.failCommits[c.qm]--
		b.record("commit-failed " + c.qm)
		return errInjected
	}
	for _, s := range c.sends {
		b.queues[key(c.qm, s.queue)] = append(b.queues[key(c.qm, s.queue)], s.msg)
	}
	c.sends = nil
	c.received = nil
	b.record("commit " + c.qm)
	return nil
}

func (c *fakeConn) Backout(context.Context) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if !c.connected {
		return queue.ErrNotConnected
	}
	for i := len(c.received) - 1; i >= 0; i-- {
		r := c.received[i]
		k := key(c.qm, r.queue)
		b.queues[k] = append([]queue.Message{r.msg}, b.queues[k]...)
	}
	c.received = nil
	c.sends = nil
	b.record("backout " + c.qm)
	return nil
}

func (c *fakeConn) IsConnected() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.connected = false
	return nil
}

type fakeQueue struct {
	conn *fakeConn
	name string
	mode queue.OpenMode
}

func (q *fakeQueue) Receive(ctx context.Context, wait time.Duration) (queue.ReceiveResult, error) {
	b := q.conn.broker
	b.mu.Lock()
	k := key(q.conn.qm, q.name)
	if msgs := b.queues[k]; len(msgs) > 0 {
		msg := msgs[0]
		b.queues[k] = msgs[1:]
		q.conn.received = append(q.conn.received, fakeReceived{queue: q.name, msg: msg})
		b.mu.Unlock()
		return queue.Received(&msg), nil
	}
	b.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return queue.ReceiveResult{}, ctx.Err()
	case <-timer.C:
		return queue.Empty(), nil
	}
}

func (q *fakeQueue) Send(_ context.Context, msg *queue.Message) error {
	b := q.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record("send " + q.conn.qm)
	q.conn.sends = append(q.conn.sends, fakeReceived{queue: q.name, msg: *msg})
	return nil
}

func (q *fakeQueue) Close() error {
	return nil
}
