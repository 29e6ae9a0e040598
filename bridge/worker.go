// Package bridge forwards messages between queue pairs, exactly once, across
// broker outages.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"mq-bridge/backoff"
	"mq-bridge/config"
	"mq-bridge/metrics"
	"mq-bridge/queue"
)

const backoutTimeout = 30 * time.Second

// Status is a point-in-time view of one worker.
type Status struct {
	Pair                string    `json:"pair"`
	State               State     `json:"state"`
	Forwarded           uint64    `json:"forwarded"`
	Duplicates          uint64    `json:"duplicates"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	BackoffSeconds      float64   `json:"backoffSeconds,omitempty"`
	LastError           string    `json:"lastError,omitempty"`
	LastForwardedAt     time.Time `json:"lastForwardedAt,omitzero"`
	Since               time.Time `json:"since"`
}

// WorkerOptions are the process-wide settings every worker shares.
type WorkerOptions struct {
	Ladder  backoff.Ladder
	WaitMin time.Duration
	WaitMax time.Duration
	Logger  *slog.Logger
}

// Worker moves messages for one queue pair until its context is cancelled.
type Worker struct {
	pair      config.QueuePair
	inbound   config.ConnectionSpec
	outbound  config.ConnectionSpec
	connector *Connector
	logger    *slog.Logger
	ladder    backoff.Ladder
	waitMin   time.Duration
	waitMax   time.Duration

	sleep func(ctx context.Context, d time.Duration) error
	wait  func(min, max time.Duration) time.Duration

	retry retryState
	last  lastForwarded

	mu     sync.Mutex
	status Status
}

func NewWorker(pair config.QueuePair, inbound, outbound config.ConnectionSpec, connector *Connector, opts WorkerOptions) *Worker {
	name := pair.Name()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	waitMin, waitMax := opts.WaitMin, opts.WaitMax
	if poll := pair.PollInterval(); poll > 0 {
		waitMax = min(waitMax, poll)
		waitMin = min(waitMin, waitMax)
	}

	return &Worker{
		pair:      pair,
		inbound:   inbound,
		outbound:  outbound,
		connector: connector,
		logger:    logger.With("pair", name),
		ladder:    opts.Ladder,
		waitMin:   waitMin,
		waitMax:   waitMax,
		sleep:     sleepContext,
		wait:      randomWait,
		retry:     retryState{ladder: opts.Ladder},
		status: Status{
			Pair:  name,
			State: StateConnecting,
			Since: time.Now(),
		},
	}
}

func (w *Worker) Name() string {
	return w.status.Pair
}

// Status returns a snapshot safe to use from other goroutines.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Run executes the worker state machine. It returns nil on cancellation and
// an error only for failures that retrying cannot fix.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("pair worker started",
		"inbound_queue", w.pair.InboundQueue,
		"outbound_queue", w.pair.OutboundQueue,
		"receive_wait_min", w.waitMin,
		"receive_wait_max", w.waitMax,
	)
	w.setState(StateConnecting)

	for {
		if ctx.Err() != nil {
			w.apply(EventCancelled, nil)
			w.logger.Info("pair worker stopped")
			return nil
		}

		event, err := w.session(ctx)
		switch w.apply(event, err) {
		case StateStopped:
			if event == EventFatal {
				w.logger.Error("pair worker stopped on unrecoverable error", "error", err)
				return fmt.Errorf("pair %s: %w", w.Name(), err)
			}
			w.logger.Info("pair worker stopped")
			return nil

		case StateConnecting:
			w.retry.Reset()

		case StateBackoff:
			i, atMax := w.retry.Failure()
			delay := w.ladder.At(i)
			w.setBackoff(delay)

			if atMax {
				w.logger.Error("pair failed, retrying at maximum delay", "error", err, "delay", delay, "attempt", w.retry.failures)
			} else {
				w.logger.Warn("pair failed, retrying", "error", err, "delay", delay, "attempt", w.retry.failures)
			}

			if err := w.sleep(ctx, delay); err != nil {
				w.apply(EventCancelled, nil)
				w.logger.Info("pair worker stopped")
				return nil
			}
			w.setBackoff(0)
			w.apply(EventBackoffElapsed, nil)
		}
	}
}

// session runs one connect-to-teardown cycle and reports how it ended.
func (w *Worker) session(ctx context.Context) (Event, error) {
	inConn, inQueue, err := w.connector.Open(ctx, w.inbound, w.pair.InboundChannel, w.pair.InboundQueue, queue.ModeInput)
	if err != nil {
		return w.failure(ctx, err)
	}
	defer closeAll(inQueue, inConn)

	outConn, outQueue, err := w.connector.Open(ctx, w.outbound, w.pair.OutboundChannel, w.pair.OutboundQueue, queue.ModeOutput)
	if err != nil {
		w.backout(inConn)
		return w.failure(ctx, err)
	}
	defer closeAll(outQueue, outConn)

	w.apply(EventConnected, nil)
	w.logger.Debug("pair connected")

	for {
		if ctx.Err() != nil {
			w.backout(inConn, outConn)
			return EventCancelled, nil
		}

		res, err := inQueue.Receive(ctx, w.wait(w.waitMin, w.waitMax))
		if err != nil {
			w.backout(inConn, outConn)
			return w.failure(ctx, fmt.Errorf("failed to receive from %s: %w", w.pair.InboundQueue, err))
		}

		if res.Status == queue.ReceiveEmpty {
			w.logger.Debug("no message available, reconnecting")
			return EventIdle, nil
		}

		if err := w.transferOne(ctx, res.Message, inConn, outConn, outQueue); err != nil {
			w.backout(inConn, outConn)
			return w.failure(ctx, err)
		}
		w.apply(EventMessage, nil)
	}
}

// transferOne forwards msg under the open units of work. The outbound side is
// committed before the identifier is recorded and the inbound side committed,
// so a crash in between leaves a redelivery that the duplicate check drops.
func (w *Worker) transferOne(ctx context.Context, msg *queue.Message, inConn, outConn queue.Connection, outQueue queue.Queue) error {
	// Once a message is in hand the commit sequence must not be split by shutdown.
	ctx = context.WithoutCancel(ctx)

	if w.last.Seen(msg.ID) {
		if err := inConn.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit inbound after duplicate: %w", err)
		}
		w.logger.Info("discarded duplicate message", "message_id", fmt.Sprintf("%x", msg.ID))
		metrics.DuplicatesDiscarded.WithLabelValues(w.Name()).Inc()
		w.mu.Lock()
		w.status.Duplicates++
		w.mu.Unlock()
		return nil
	}

	w.logger.Info("received message", "message_id", fmt.Sprintf("%x", msg.ID), "size", len(msg.Payload))

	if err := outQueue.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send to %s: %w", w.pair.OutboundQueue, err)
	}
	if err := outConn.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit outbound: %w", err)
	}
	w.last.Record(msg.ID)
	metrics.MessagesForwarded.WithLabelValues(w.Name()).Inc()
	w.mu.Lock()
	w.status.Forwarded++
	w.status.LastForwardedAt = time.Now()
	w.mu.Unlock()

	if err := inConn.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit inbound: %w", err)
	}

	w.logger.Info("forwarded message", "message_id", fmt.Sprintf("%x", msg.ID))
	return nil
}

func (w *Worker) failure(ctx context.Context, err error) (Event, error) {
	if ctx.Err() != nil {
		return EventCancelled, nil
	}
	metrics.ErrorsTotal.WithLabelValues(w.Name()).Inc()
	if isFatal(err) {
		return EventFatal, err
	}
	return EventFailure, err
}

// backout rolls back every connection that is still connected.
func (w *Worker) backout(conns ...queue.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), backoutTimeout)
	defer cancel()

	for _, c := range conns {
		if c == nil || !c.IsConnected() {
			continue
		}
		if err := c.Backout(ctx); err != nil {
			w.logger.Warn("backout failed", "error", err)
		}
	}
}

// apply feeds event into the state machine and publishes the result.
func (w *Worker) apply(event Event, err error) State {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := Next(w.status.State, event)
	if next != w.status.State {
		w.status.State = next
		w.status.Since = time.Now()
	}
	switch event {
	case EventFailure, EventFatal:
		w.status.ConsecutiveFailures++
		w.status.LastError = err.Error()
	case EventIdle:
		w.status.ConsecutiveFailures = 0
		w.status.LastError = ""
	}
	metrics.PairState.WithLabelValues(w.status.Pair).Set(float64(next))
	return next
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.State = s
	metrics.PairState.WithLabelValues(w.status.Pair).Set(float64(s))
}

func (w *Worker) setBackoff(d time.Duration) {
	w.mu.Lock()
	w.status.BackoffSeconds = d.Seconds()
	w.mu.Unlock()
	metrics.BackoffDelay.WithLabelValues(w.Name()).Set(d.Seconds())
}

// markStopped records a failure that escaped Run, such as a panic.
func (w *Worker) markStopped(err error) {
	w.apply(EventFatal, err)
}

func closeAll(q queue.Queue, c queue.Connection) {
	if q != nil {
		q.Close()
	}
	if c != nil {
		c.Close()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// randomWait picks a receive wait uniformly from [lo, hi].
func randomWait(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
