// Package shutdown sequences the graceful stop of the chat server.
package shutdown

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sheshant/sigiq/internal/broadcast"
	"github.com/sheshant/sigiq/internal/metrics"
)

const (
	DefaultGracePeriod = 8 * time.Second
	DefaultReason      = "Server is shutting down"
)

// Stopper stops admitting connections and tears down whatever is still open.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Options configures a Coordinator.
type Options struct {
	Group       broadcast.Group
	Metrics     *metrics.Aggregator
	Stopper     Stopper
	GracePeriod time.Duration
	Reason      string
	Logger      *zap.Logger
}

// Coordinator announces shutdown to every connection, waits out the grace
// window, stops the transport and records how long it all took.
type Coordinator struct {
	group   broadcast.Group
	metrics *metrics.Aggregator
	stopper Stopper
	grace   time.Duration
	reason  string
	logger  *zap.Logger
}

func NewCoordinator(opts Options) *Coordinator {
	reason := opts.Reason
	if reason == "" {
		reason = DefaultReason
	}
	grace := opts.GracePeriod
	if grace < 0 {
		grace = DefaultGracePeriod
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		group:   opts.Group,
		metrics: opts.Metrics,
		stopper: opts.Stopper,
		grace:   grace,
		reason:  reason,
		logger:  logger.With(zap.String("component", "shutdown")),
	}
}

// Shutdown runs the sequence once. Cancelling ctx cuts the grace window short;
// the transport is still stopped and the duration still recorded.
func (c *Coordinator) Shutdown(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	c.logger.Info("initiating graceful shutdown", zap.Duration("grace_period", c.grace))

	ev, err := broadcast.NewEvent(broadcast.EventShutdown, broadcast.ShutdownPayload{Reason: c.reason})
	if err == nil {
		err = c.group.Publish(ctx, broadcast.GlobalGroup, ev)
	}
	if err != nil {
		c.logger.Error("shutdown broadcast failed", zap.Error(err))
	}

	timer := time.NewTimer(c.grace)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		c.logger.Warn("grace period cut short", zap.Error(ctx.Err()))
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	stopErr := c.stopper.Stop(stopCtx)
	if stopErr != nil {
		c.logger.Warn("transport stop", zap.Error(stopErr))
	}

	elapsed := time.Since(start)
	c.metrics.RecordShutdownDuration(elapsed.Seconds())
	c.logger.Info("graceful shutdown completed", zap.Duration("elapsed", elapsed))
	return elapsed, stopErr
}
