package collector

import (
	"context"
	"fmt"
	"log/slog"

	"mq-bridge/bridge"
	"mq-bridge/metrics"

	"github.com/robfig/cron/v3"
)

// StatusSource provides pair status snapshots.
type StatusSource interface {
	Statuses() []bridge.Status
}

// Summary counts pairs per state for one collection run.
type Summary struct {
	Total     int
	ByState   map[bridge.State]int
	Forwarded uint64
}

// Service periodically reports the state of every queue pair.
type Service struct {
	source StatusSource
	logger *slog.Logger
	cron   *cron.Cron
}

// NewService creates a new collector service.
func NewService(source StatusSource, logger *slog.Logger) *Service {
	return &Service{
		source: source,
		logger: logger,
	}
}

// Start schedules Collect with a cron spec such as "@every 1m".
func (s *Service) Start(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { s.Collect() }); err != nil {
		return fmt.Errorf("failed to schedule status collector %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("status collector scheduled", "schedule", schedule)
	return nil
}

// Stop stops the scheduler. The returned context is done once a running
// collection has finished.
func (s *Service) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

// Collect executes a single collection run.
func (s *Service) Collect() Summary {
	statuses := s.source.Statuses()
	summary := Summary{Total: len(statuses), ByState: make(map[bridge.State]int)}

	for _, st := range statuses {
		summary.ByState[st.State]++
		summary.Forwarded += st.Forwarded
		metrics.PairState.WithLabelValues(st.Pair).Set(float64(st.State))

		attrs := []any{
			"pair", st.Pair,
			"state", st.State,
			"forwarded", st.Forwarded,
			"duplicates", st.Duplicates,
			"since", st.Since,
		}
		switch st.State {
		case bridge.StateBackoff:
			s.logger.Warn("pair is backing off", append(attrs,
				"consecutive_failures", st.ConsecutiveFailures,
				"backoff_seconds", st.BackoffSeconds,
				"last_error", st.LastError)...)
		case bridge.StateStopped:
			if st.LastError != "" {
				s.logger.Error("pair stopped", append(attrs, "last_error", st.LastError)...)
				continue
			}
			s.logger.Info("pair stopped", attrs...)
		default:
			s.logger.Info("pair status", attrs...)
		}
	}

	s.logger.Info("status collected",
		"pairs", summary.Total,
		"transferring", summary.ByState[bridge.StateTransferring],
		"backoff", summary.ByState[bridge.StateBackoff],
		"forwarded", summary.Forwarded,
	)
	return summary
}
