package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/sheshant/sigiq/internal/broadcast"
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type frame struct {
	payload []byte
	err     error
}

// Conn is one client connection bound to one session. All state transitions
// happen on the goroutine running Serve.
type Conn struct {
	h         *Handler
	ep        Endpoint
	id        uint64
	candidate string
	logger    *zap.Logger

	sessionID string
	count     int
	joined    bool
	state     atomic.Int32

	events       chan broadcast.Event
	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

// SessionID is set once the connection has resolved its session.
func (c *Conn) SessionID() string {
	return c.sessionID
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
}

// Deliver queues a group event for the Serve loop. Heartbeats are dropped when
// the queue is full; a shutdown request is never dropped.
func (c *Conn) Deliver(ev broadcast.Event) {
	if ev.Type == broadcast.EventShutdown {
		c.shutdownOnce.Do(func() { close(c.shutdown) })
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	default:
		c.logger.Debug("event queue full, dropping event", zap.String("type", string(ev.Type)))
	}
}

// Serve runs the connection until the peer leaves, the server shuts it down,
// ctx is cancelled, or an operation fails. Every failure is counted once here.
func (c *Conn) Serve(ctx context.Context) error {
	defer close(c.done)

	if err := c.connect(ctx); err != nil {
		c.report(err)
		c.closeEndpoint(ws.StatusInternalServerError)
		if c.joined {
			_ = c.h.group.Leave(context.WithoutCancel(ctx), broadcast.GlobalGroup, c)
		}
		c.setState(StateClosed)
		return err
	}

	frames := make(chan frame, 1)
	go c.readLoop(frames)

	for {
		select {
		case f := <-frames:
			if errors.Is(f.err, ErrMessageTooLarge) {
				return c.abort(ctx, newError(KindMessageHandling, "receive", f.err), ws.StatusMessageTooBig)
			}
			if f.err != nil {
				return c.finish(ctx, peerCloseCode(f.err))
			}
			if err := c.receive(); err != nil {
				return c.abort(ctx, err, ws.StatusInternalServerError)
			}
		case ev := <-c.events:
			if err := c.heartbeatEvent(ev); err != nil {
				return c.abort(ctx, err, ws.StatusInternalServerError)
			}
		case <-c.shutdown:
			if err := c.shutdownEvent(); err != nil {
				return c.abort(ctx, err, ws.StatusInternalServerError)
			}
			return c.finish(ctx, ws.StatusGoingAway)
		case <-ctx.Done():
			c.closeEndpoint(ws.StatusGoingAway)
			return c.finish(ctx, ws.StatusGoingAway)
		}
	}
}

func (c *Conn) readLoop(frames chan<- frame) {
	for {
		payload, err := c.ep.Receive()
		select {
		case frames <- frame{payload: payload, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Conn) connect(ctx context.Context) error {
	c.setState(StateConnecting)
	c.sessionID, c.count = c.h.registry.ResolveOrCreate(c.candidate)
	c.h.metrics.IncrementActive()

	if err := c.h.group.Join(ctx, broadcast.GlobalGroup, c); err != nil {
		return newError(KindConnectionSetup, "join group", err)
	}
	c.joined = true

	if err := c.ep.Accept(); err != nil {
		return newError(KindConnectionSetup, "accept", err)
	}
	if err := c.ep.Send(sessionMessage{SessionUUID: c.sessionID}); err != nil {
		return newError(KindConnectionSetup, "send session id", err)
	}
	if c.h.heartbeat.EnsureRunning() {
		c.logger.Info("heartbeat broadcaster started by connection")
	}

	c.setState(StateOpen)
	c.logger.Info("client connected",
		zap.String("session_uuid", c.sessionID),
		zap.Int("count", c.count),
		zap.Bool("resumed", c.sessionID == c.candidate))
	return nil
}

// receive counts the arrival of one client message; the payload is ignored.
func (c *Conn) receive() error {
	c.count++
	c.h.registry.Flush(c.sessionID, c.count)
	c.h.metrics.IncrementTotalMessages()

	if err := c.ep.Send(countMessage{Count: c.count}); err != nil {
		return newError(KindMessageHandling, "send count", err)
	}
	return nil
}

func (c *Conn) heartbeatEvent(ev broadcast.Event) error {
	if err := c.ep.Send(ev.Payload); err != nil {
		return newError(KindSend, "relay heartbeat", err)
	}
	return nil
}

func (c *Conn) shutdownEvent() error {
	if err := c.ep.Close(ws.StatusGoingAway, ""); err != nil {
		return newError(KindSend, "shutdown close", err)
	}
	return nil
}

// disconnect releases the connection's shared state and, unless the server is
// going away, says goodbye with the final count.
func (c *Conn) disconnect(ctx context.Context, code ws.StatusCode) error {
	err := c.release(ctx)
	if code == ws.StatusGoingAway {
		return err
	}
	if sendErr := c.ep.Send(farewellMessage{Bye: true, Total: c.count}); sendErr != nil && err == nil {
		err = newError(KindCleanup, "send farewell", sendErr)
	}
	return err
}

func (c *Conn) release(ctx context.Context) error {
	var err error
	if c.joined {
		if leaveErr := c.h.group.Leave(ctx, broadcast.GlobalGroup, c); leaveErr != nil {
			err = newError(KindCleanup, "leave group", leaveErr)
		}
		c.joined = false
	}
	c.h.registry.Flush(c.sessionID, c.count)
	c.h.metrics.DecrementActive()
	return err
}

func (c *Conn) finish(ctx context.Context, code ws.StatusCode) error {
	c.setState(StateClosing)
	err := c.disconnect(context.WithoutCancel(ctx), code)
	if err != nil {
		c.report(err)
	}
	c.closeEndpoint(code)
	c.setState(StateClosed)
	c.logger.Info("client disconnected",
		zap.String("session_uuid", c.sessionID),
		zap.Int("total", c.count),
		zap.Int("close_code", int(code)))
	return err
}

// abort tears the connection down after a failed operation, closing with code.
// No farewell is attempted since the link is already considered broken.
func (c *Conn) abort(ctx context.Context, cause error, code ws.StatusCode) error {
	c.report(cause)
	c.setState(StateClosing)
	c.closeEndpoint(code)
	if err := c.release(context.WithoutCancel(ctx)); err != nil {
		c.report(err)
	}
	c.setState(StateClosed)
	return cause
}

func (c *Conn) closeEndpoint(code ws.StatusCode) {
	if err := c.ep.Close(code, ""); err != nil {
		c.logger.Debug("close endpoint", zap.Error(err))
	}
}

// report is the single place failures reach the error counter.
func (c *Conn) report(err error) {
	c.h.metrics.IncrementErrorCount()
	c.logger.Warn("connection error",
		zap.String("kind", KindOf(err).String()),
		zap.String("session_uuid", c.sessionID),
		zap.Error(err))
}

func peerCloseCode(err error) ws.StatusCode {
	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return ws.StatusAbnormalClosure
}
