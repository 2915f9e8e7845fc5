// Package heartbeat runs the singleton liveness broadcast for the global group.
package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sheshant/sigiq/internal/broadcast"
)

// DefaultInterval is the contractual heartbeat period.
const DefaultInterval = 30 * time.Second

// Broadcaster publishes a timestamped heartbeat to the global group on a fixed
// interval. It is started lazily by the first connection and runs until Close.
type Broadcaster struct {
	group    broadcast.Group
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	startOnce sync.Once
	closeOnce sync.Once
	running   atomic.Bool
	done      chan struct{}
	stopped   chan struct{}
}

func New(group broadcast.Group, interval time.Duration, logger *zap.Logger) *Broadcaster {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Broadcaster{
		group:    group,
		interval: interval,
		logger:   logger.With(zap.String("component", "heartbeat")),
		now:      time.Now,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// EnsureRunning starts the loop if no caller has started it yet. It reports
// whether this call did the start.
func (b *Broadcaster) EnsureRunning() bool {
	started := false
	b.startOnce.Do(func() {
		select {
		case <-b.done:
			close(b.stopped)
			return
		default:
		}
		b.running.Store(true)
		started = true
		go b.run()
	})
	return started
}

func (b *Broadcaster) Running() bool {
	return b.running.Load()
}

// Close stops the loop and waits for it to exit.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() { close(b.done) })
	b.startOnce.Do(func() { close(b.stopped) })
	<-b.stopped
}

func (b *Broadcaster) run() {
	defer func() {
		b.running.Store(false)
		close(b.stopped)
	}()

	b.logger.Info("heartbeat started", zap.Duration("interval", b.interval))
	// First beat goes out on start, then once per interval.
	b.beat()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.beat()
		}
	}
}

func (b *Broadcaster) beat() {
	ev, err := broadcast.NewEvent(broadcast.EventHeartbeat, broadcast.HeartbeatPayload{
		TS: b.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		b.logger.Error("encode heartbeat", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.interval)
	defer cancel()
	if err := b.group.Publish(ctx, broadcast.GlobalGroup, ev); err != nil {
		b.logger.Warn("heartbeat publish failed", zap.Error(err))
	}
}
