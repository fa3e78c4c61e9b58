package hub

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Lane runs one maintenance task on a fixed tick. At most one run is in flight;
// a tick that finds the previous run still busy is skipped, not queued.
type Lane struct {
	name    string
	every   time.Duration
	work    func(context.Context) error
	logger  zerolog.Logger
	metrics *Metrics

	busy atomic.Bool
}

// NewLane builds a lane. work is called once per tick.
func NewLane(name string, every time.Duration, work func(context.Context) error, logger zerolog.Logger, metrics *Metrics) (*Lane, error) {
	if name == "" {
		return nil, errors.New("lane name is required")
	}
	if every <= 0 {
		return nil, errors.New("lane interval must be positive")
	}
	if work == nil {
		return nil, errors.New("lane work is required")
	}
	return &Lane{
		name:    name,
		every:   every,
		work:    work,
		logger:  logger.With().Str("lane", name).Logger(),
		metrics: metrics,
	}, nil
}

// Name returns the lane name.
func (l *Lane) Name() string { return l.name }

// TryRun executes the task unless a run is already in progress.
func (l *Lane) TryRun(ctx context.Context) (bool, error) {
	if !l.busy.CompareAndSwap(false, true) {
		l.metrics.laneSkipped(l.name)
		return false, nil
	}
	defer l.busy.Store(false)

	start := time.Now()
	err := l.work(ctx)
	l.metrics.laneRun(l.name, time.Since(start), err)
	return true, err
}

// Run ticks until ctx is cancelled.
func (l *Lane) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.every)
	defer ticker.Stop()

	l.logger.Debug().Dur("every", l.every).Msg("lane started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := l.TryRun(ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.logger.Error().Err(err).Msg("lane run failed")
			}
		}
	}
}
