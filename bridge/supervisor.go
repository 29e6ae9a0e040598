package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"mq-bridge/config"
	"mq-bridge/metrics"

	"golang.org/x/sync/errgroup"
)

// ErrWorkerPanic wraps a panic recovered from a pair worker.
var ErrWorkerPanic = errors.New("pair worker panicked")

// Supervisor runs one worker per queue pair.
type Supervisor struct {
	workers []*Worker
	policy  string
	logger  *slog.Logger
}

// NewSupervisor validates cfg and prepares a worker for every pair. Nothing
// connects until Run.
func NewSupervisor(cfg *config.BridgeConfig, connector *Connector, policy string, opts WorkerOptions) (*Supervisor, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	switch policy {
	case "":
		policy = config.PolicyIsolate
	case config.PolicyIsolate, config.PolicyCancelAll:
	default:
		return nil, fmt.Errorf("unknown failure policy %q", policy)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Supervisor{
		policy: policy,
		logger: opts.Logger,
	}
	for _, pair := range cfg.QueuePairs {
		inbound, _ := cfg.Connection(pair.InboundConnection)
		outbound, _ := cfg.Connection(pair.OutboundConnection)
		s.workers = append(s.workers, NewWorker(pair, inbound, outbound, connector, opts))
	}
	return s, nil
}

// Run starts every worker and blocks until all of them have returned. With
// the isolate policy a fatal worker error leaves its siblings running and the
// first such error is returned at the end; with cancel-all it stops everyone.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("starting bridge", "pairs", len(s.workers), "failure_policy", s.policy)

	if s.policy == config.PolicyCancelAll {
		g, gctx := errgroup.WithContext(ctx)
		for _, w := range s.workers {
			g.Go(func() error {
				return s.runWorker(gctx, w)
			})
		}
		return g.Wait()
	}

	var (
		g     errgroup.Group
		mu    sync.Mutex
		first error
	)
	for _, w := range s.workers {
		g.Go(func() error {
			if err := s.runWorker(ctx, w); err != nil {
				s.logger.Error("pair worker failed, other pairs keep running", "pair", w.Name(), "error", err)
				mu.Lock()
				if first == nil {
					first = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return first
}

func (s *Supervisor) runWorker(ctx context.Context, w *Worker) (err error) {
	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: pair %s: %v", ErrWorkerPanic, w.Name(), r)
			w.markStopped(err)
		}
	}()

	return w.Run(ctx)
}

// Statuses returns a snapshot of every worker in configuration order.
func (s *Supervisor) Statuses() []Status {
	out := make([]Status, len(s.workers))
	for i, w := range s.workers {
		out[i] = w.Status()
	}
	return out
}
