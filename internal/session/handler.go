// Package session drives the lifecycle of a single chat connection: session
// resolution, message counting, heartbeat relay, and shutdown/farewell handling.
package session

import (
	"sync/atomic"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/sheshant/sigiq/internal/broadcast"
	"github.com/sheshant/sigiq/internal/metrics"
	"github.com/sheshant/sigiq/internal/registry"
)

// QueryParam carries the session id a client wants to resume.
const QueryParam = "session_uuid"

// Endpoint is the transport side of one connection.
type Endpoint interface {
	// Accept completes the WebSocket handshake.
	Accept() error
	// Receive blocks for the next data message. A peer close frame is
	// reported as *CloseError and an oversize message as ErrMessageTooLarge;
	// any other error means the link is gone.
	Receive() ([]byte, error)
	// Send writes v as a JSON text message.
	Send(v any) error
	// Close sends a close frame with code (when one may be sent) and releases
	// the link. Calls after the first are no-ops.
	Close(code ws.StatusCode, reason string) error
}

// HeartbeatStarter starts the shared heartbeat loop at most once.
type HeartbeatStarter interface {
	EnsureRunning() bool
}

// Options holds the services shared by every connection.
type Options struct {
	Registry       *registry.Registry
	Metrics        *metrics.Aggregator
	Group          broadcast.Group
	Heartbeat      HeartbeatStarter
	Logger         *zap.Logger
	EventQueueSize int
}

// Handler creates connections bound to the shared services.
type Handler struct {
	registry  *registry.Registry
	metrics   *metrics.Aggregator
	group     broadcast.Group
	heartbeat HeartbeatStarter
	logger    *zap.Logger
	queueSize int
	nextID    atomic.Uint64
}

func NewHandler(opts Options) *Handler {
	queueSize := opts.EventQueueSize
	if queueSize <= 0 {
		queueSize = 16
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry:  opts.Registry,
		metrics:   opts.Metrics,
		group:     opts.Group,
		heartbeat: opts.Heartbeat,
		logger:    logger.With(zap.String("component", "session")),
		queueSize: queueSize,
	}
}

// NewConn binds ep to a new connection. candidate is the session id the
// client asked to resume, possibly empty.
func (h *Handler) NewConn(ep Endpoint, candidate string) *Conn {
	id := h.nextID.Add(1)
	return &Conn{
		h:         h,
		ep:        ep,
		id:        id,
		candidate: candidate,
		logger:    h.logger.With(zap.Uint64("conn_id", id)),
		events:    make(chan broadcast.Event, h.queueSize),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}
