package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/sheshant/sigiq/internal/session"
)

// closeWriteWait bounds the close frame write so a stalled peer cannot hold
// up teardown.
const closeWriteWait = time.Second

var errNotAccepted = errors.New("transport: connection not upgraded")

// endpoint adapts a hijacked gobwas/ws connection to session.Endpoint.
type endpoint struct {
	w              http.ResponseWriter
	r              *http.Request
	maxMessageSize int64
	writeTimeout   time.Duration
	onAccept       func(*endpoint)

	conn      net.Conn
	reader    *wsutil.Reader
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (e *endpoint) Accept() error {
	conn, _, _, err := ws.UpgradeHTTP(e.r, e.w)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}
	// The HTTP server may have left read/write deadlines on the hijacked conn.
	_ = conn.SetDeadline(time.Time{})

	e.conn = conn
	e.reader = &wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide,
		OnIntermediate: e.handleIntermediate,
	}
	if e.onAccept != nil {
		e.onAccept(e)
	}
	return nil
}

func (e *endpoint) Receive() ([]byte, error) {
	if e.reader == nil {
		return nil, errNotAccepted
	}
	for {
		head, err := e.reader.NextFrame()
		if err != nil {
			return nil, err
		}

		switch head.OpCode {
		case ws.OpText, ws.OpBinary:
			return e.readMessage()
		case ws.OpClose:
			payload, err := io.ReadAll(e.reader)
			if err != nil {
				return nil, err
			}
			return nil, parseClose(payload)
		case ws.OpPing:
			payload, err := io.ReadAll(e.reader)
			if err != nil {
				return nil, err
			}
			if err := e.write(ws.OpPong, payload); err != nil {
				return nil, err
			}
		default:
			if err := e.reader.Discard(); err != nil {
				return nil, err
			}
		}
	}
}

// readMessage reads the current data message across all of its fragments,
// stopping one byte past the size limit.
func (e *endpoint) readMessage() ([]byte, error) {
	if e.maxMessageSize <= 0 {
		return io.ReadAll(e.reader)
	}
	payload, err := io.ReadAll(io.LimitReader(e.reader, e.maxMessageSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(payload)) > e.maxMessageSize {
		return nil, session.ErrMessageTooLarge
	}
	return payload, nil
}

// handleIntermediate answers control frames interleaved with a fragmented
// message.
func (e *endpoint) handleIntermediate(head ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	switch head.OpCode {
	case ws.OpPing:
		return e.write(ws.OpPong, payload)
	case ws.OpClose:
		return parseClose(payload)
	default:
		return nil
	}
}

func (e *endpoint) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return e.write(ws.OpText, data)
}

func (e *endpoint) write(op ws.OpCode, data []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.conn == nil {
		return errNotAccepted
	}
	if e.writeTimeout > 0 {
		_ = e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
		defer e.conn.SetWriteDeadline(time.Time{}) // nolint:errcheck
	}
	return wsutil.WriteServerMessage(e.conn, op, data)
}

func (e *endpoint) Close(code ws.StatusCode, reason string) error {
	var err error
	e.closeOnce.Do(func() {
		e.writeMu.Lock()
		defer e.writeMu.Unlock()
		if e.conn == nil {
			return
		}
		if canSendClose(code) {
			_ = e.conn.SetWriteDeadline(time.Now().Add(closeWriteWait))
			err = wsutil.WriteServerMessage(e.conn, ws.OpClose, ws.NewCloseFrameBody(code, reason))
		}
		if cerr := e.conn.Close(); err == nil && cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})
	return err
}

// forceClose drops the TCP connection without a close handshake, unblocking
// any pending read or write.
func (e *endpoint) forceClose() {
	if e.conn != nil {
		_ = e.conn.Close()
	}
}

func parseClose(payload []byte) *session.CloseError {
	if len(payload) < 2 {
		return &session.CloseError{Code: ws.StatusNoStatusRcvd}
	}
	code, reason := ws.ParseCloseFrameData(payload)
	return &session.CloseError{Code: code, Reason: reason}
}

// canSendClose rejects codes that must never appear on the wire.
func canSendClose(code ws.StatusCode) bool {
	switch code {
	case ws.StatusNoStatusRcvd, ws.StatusAbnormalClosure, ws.StatusTLSHandshake:
		return false
	}
	return code >= ws.StatusNormalClosure
}
