package loadtest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	errProtocol = errors.New("protocol violation")
	errClosed   = errors.New("server closed connection")
)

// serverMessage is the union of everything the chat server sends.
type serverMessage struct {
	SessionUUID string `json:"session_uuid"`
	Count       *int   `json:"count"`
	Bye         bool   `json:"bye"`
	Total       *int   `json:"total"`
	TS          string `json:"ts"`
}

// Report summarises one run.
type Report struct {
	Attempted    int64
	Connected    int64
	Failed       int64
	Completed    int64
	MessagesSent int64
	Heartbeats   int64
	Resumed      int64
	Mismatches   int64
	Errors       map[string]int64
	MeanConnect  time.Duration
	MaxConnect   time.Duration
	Duration     time.Duration
}

// Runner ramps up clients at a fixed rate and lets each one run the
// connect, count, farewell cycle.
type Runner struct {
	cfg    Config
	logger *zap.Logger
	dialer *websocket.Dialer

	attempted    atomic.Int64
	connected    atomic.Int64
	failed       atomic.Int64
	completed    atomic.Int64
	messagesSent atomic.Int64
	heartbeats   atomic.Int64
	resumed      atomic.Int64
	mismatches   atomic.Int64

	mu            sync.Mutex
	errors        map[string]int64
	connectTotal  time.Duration
	connectMax    time.Duration
	connectSample int64
}

func NewRunner(cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "loadtest")),
		errors: make(map[string]int64),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
			NetDialContext: (&net.Dialer{
				Timeout:   cfg.ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}
}

// Run blocks until every client has finished or ctx is cancelled.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	if err := r.cfg.Validate(); err != nil {
		return Report{}, err
	}
	if _, err := url.Parse(r.cfg.URL); err != nil {
		return Report{}, fmt.Errorf("invalid URL: %w", err)
	}

	start := time.Now()
	r.logger.Info("starting ramp-up",
		zap.String("url", r.cfg.URL),
		zap.Int("connections", r.cfg.Connections),
		zap.Float64("ramp_rate", r.cfg.RampRate))

	limiter := rate.NewLimiter(rate.Limit(r.cfg.RampRate), 1)
	var (
		wg      sync.WaitGroup
		rampErr error
	)
	for i := 0; i < r.cfg.Connections; i++ {
		if err := limiter.Wait(ctx); err != nil {
			rampErr = fmt.Errorf("ramp-up stopped: %w", err)
			break
		}
		r.attempted.Add(1)
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := r.client(ctx); err != nil {
				r.recordError(err)
				r.logger.Debug("client failed", zap.Int("client", id), zap.Error(err))
				return
			}
			r.completed.Add(1)
		}(i)
	}
	wg.Wait()

	return r.report(time.Since(start)), rampErr
}

func (r *Runner) client(ctx context.Context) error {
	conn, sessionID, err := r.open(ctx, "")
	if err != nil {
		r.failed.Add(1)
		return err
	}
	if err := r.exchange(conn, 0); err != nil {
		conn.Close()
		return err
	}

	if r.cfg.Hold > 0 {
		select {
		case <-time.After(r.cfg.Hold):
		case <-ctx.Done():
		}
	}
	if err := r.farewell(conn, r.cfg.Messages); err != nil {
		return err
	}

	if !r.cfg.Resume {
		return nil
	}
	again, resumedID, err := r.open(ctx, sessionID)
	if err != nil {
		r.failed.Add(1)
		return err
	}
	if resumedID != sessionID {
		again.Close()
		r.mismatches.Add(1)
		return fmt.Errorf("%w: resumed session %s, got %s", errProtocol, sessionID, resumedID)
	}
	r.resumed.Add(1)
	if err := r.exchange(again, r.cfg.Messages); err != nil {
		again.Close()
		return err
	}
	return r.farewell(again, 2*r.cfg.Messages)
}

// open dials the server, optionally resuming sessionID, and returns the
// session id the server assigned.
func (r *Runner) open(ctx context.Context, sessionID string) (*websocket.Conn, string, error) {
	target := r.cfg.URL
	if sessionID != "" {
		u, err := url.Parse(target)
		if err != nil {
			return nil, "", err
		}
		q := u.Query()
		q.Set("session_uuid", sessionID)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	started := time.Now()
	conn, resp, err := r.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, "", fmt.Errorf("dial failed: status %d", resp.StatusCode)
		}
		return nil, "", fmt.Errorf("dial failed: %w", err)
	}
	r.recordConnect(time.Since(started))
	r.connected.Add(1)

	msg, err := r.next(conn)
	if err != nil {
		conn.Close()
		return nil, "", err
	}
	if msg.SessionUUID == "" {
		conn.Close()
		r.mismatches.Add(1)
		return nil, "", fmt.Errorf("%w: first message has no session id", errProtocol)
	}
	return conn, msg.SessionUUID, nil
}

// exchange sends the configured number of messages and checks that every
// reply carries the next count after base.
func (r *Runner) exchange(conn *websocket.Conn, base int) error {
	for i := 1; i <= r.cfg.Messages; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("message %d", i))); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		r.messagesSent.Add(1)

		msg, err := r.next(conn)
		if err != nil {
			return err
		}
		if msg.Count == nil || *msg.Count != base+i {
			r.mismatches.Add(1)
			return fmt.Errorf("%w: expected count %d, got %+v", errProtocol, base+i, msg)
		}
		if r.cfg.MessageGap > 0 {
			time.Sleep(r.cfg.MessageGap)
		}
	}
	return nil
}

// farewell closes normally and checks the server's final total.
func (r *Runner) farewell(conn *websocket.Conn, total int) error {
	defer conn.Close()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		return fmt.Errorf("write close: %w", err)
	}

	bye, err := r.next(conn)
	if err != nil {
		return err
	}
	if !bye.Bye || bye.Total == nil || *bye.Total != total {
		r.mismatches.Add(1)
		return fmt.Errorf("%w: expected farewell total %d, got %+v", errProtocol, total, bye)
	}
	return nil
}

// next reads the next non-heartbeat message.
func (r *Runner) next(conn *websocket.Conn) (serverMessage, error) {
	for {
		if r.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
		}
		var msg serverMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return msg, fmt.Errorf("%w: code %d", errClosed, closeErr.Code)
			}
			return msg, fmt.Errorf("read: %w", err)
		}
		if msg.TS != "" {
			r.heartbeats.Add(1)
			continue
		}
		return msg, nil
	}
}

func (r *Runner) recordConnect(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectTotal += d
	r.connectSample++
	if d > r.connectMax {
		r.connectMax = d
	}
}

func (r *Runner) recordError(err error) {
	key := err.Error()
	switch {
	case errors.Is(err, errProtocol):
		key = errProtocol.Error()
	case errors.Is(err, errClosed):
		key = errClosed.Error()
	}
	r.mu.Lock()
	r.errors[key]++
	r.mu.Unlock()
}

func (r *Runner) report(elapsed time.Duration) Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := Report{
		Attempted:    r.attempted.Load(),
		Connected:    r.connected.Load(),
		Failed:       r.failed.Load(),
		Completed:    r.completed.Load(),
		MessagesSent: r.messagesSent.Load(),
		Heartbeats:   r.heartbeats.Load(),
		Resumed:      r.resumed.Load(),
		Mismatches:   r.mismatches.Load(),
		Errors:       make(map[string]int64, len(r.errors)),
		MaxConnect:   r.connectMax,
		Duration:     elapsed,
	}
	for k, v := range r.errors {
		rep.Errors[k] = v
	}
	if r.connectSample > 0 {
		rep.MeanConnect = r.connectTotal / time.Duration(r.connectSample)
	}
	return rep
}

// Log writes the report as structured fields, errors sorted by frequency.
func (rep Report) Log(logger *zap.Logger) {
	logger.Info("load test finished",
		zap.Int64("attempted", rep.Attempted),
		zap.Int64("connected", rep.Connected),
		zap.Int64("failed", rep.Failed),
		zap.Int64("completed", rep.Completed),
		zap.Int64("messages_sent", rep.MessagesSent),
		zap.Int64("heartbeats", rep.Heartbeats),
		zap.Int64("resumed", rep.Resumed),
		zap.Int64("mismatches", rep.Mismatches),
		zap.Duration("mean_connect", rep.MeanConnect),
		zap.Duration("max_connect", rep.MaxConnect),
		zap.Duration("duration", rep.Duration))

	keys := make([]string, 0, len(rep.Errors))
	for k := range rep.Errors {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return rep.Errors[keys[i]] > rep.Errors[keys[j]] })
	for _, k := range keys {
		logger.Warn("client error", zap.String("error", k), zap.Int64("count", rep.Errors[k]))
	}
}

// OK reports whether every client completed without a protocol mismatch.
func (rep Report) OK() bool {
	return rep.Completed == rep.Attempted && rep.Mismatches == 0
}
