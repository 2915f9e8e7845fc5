package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sheshant/sigiq/internal/broadcast"
	"github.com/sheshant/sigiq/internal/config"
	"github.com/sheshant/sigiq/internal/heartbeat"
	"github.com/sheshant/sigiq/internal/metrics"
	"github.com/sheshant/sigiq/internal/registry"
	"github.com/sheshant/sigiq/internal/session"
	"github.com/sheshant/sigiq/internal/shutdown"
)

type serverMessage struct {
	SessionUUID string `json:"session_uuid"`
	Count       *int   `json:"count"`
	Bye         bool   `json:"bye"`
	Total       *int   `json:"total"`
	TS          string `json:"ts"`
}

type fixture struct {
	srv      *Server
	ts       *httptest.Server
	agg      *metrics.Aggregator
	registry *registry.Registry
	group    *broadcast.MemoryGroup
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{
			Host:           "127.0.0.1",
			AllowedOrigins: []string{"*"},
		},
		WebSocket: config.WebSocketConfig{
			Path:           "/ws/",
			MaxMessageSize: 64 << 10,
			EventQueueSize: 16,
		},
		Heartbeat: config.HeartbeatConfig{Interval: time.Hour},
		Metrics:   config.MetricsConfig{Enabled: true, Endpoint: "/metrics/"},
	}
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	logger := zap.NewNop()
	agg := metrics.NewAggregator()
	reg := registry.New()
	group := broadcast.NewMemoryGroup()
	hb := heartbeat.New(group, cfg.Heartbeat.Interval, logger)

	srv := NewServer(Options{
		Config:     cfg,
		Logger:     logger,
		Aggregator: agg,
		Metrics:    metrics.NewRegistry(agg),
		Registry:   reg,
		Heartbeat:  hb,
		Handler: session.NewHandler(session.Options{
			Registry:       reg,
			Metrics:        agg,
			Group:          group,
			Heartbeat:      hb,
			Logger:         logger,
			EventQueueSize: cfg.WebSocket.EventQueueSize,
		}),
	})
	ts := httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		ts.Close()
		hb.Close()
	})
	return &fixture{srv: srv, ts: ts, agg: agg, registry: reg, group: group}
}

func (f *fixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http") + path
}

func (f *fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL(path), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readAny(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg serverMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readMessage returns the next message that is not a heartbeat.
func readMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	for {
		msg := readAny(t, conn)
		if msg.TS == "" {
			return msg
		}
	}
}

func sendText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

// expectClose fails on anything but heartbeats before the close frame.
func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, code), "got %v", err)
			return
		}
		var msg serverMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		require.NotEmpty(t, msg.TS, "unexpected message %s", data)
	}
}

func TestChatScenario(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "/ws/")

	hello := readMessage(t, conn)
	_, err := uuid.Parse(hello.SessionUUID)
	require.NoError(t, err)

	sendText(t, conn, "test")
	reply := readMessage(t, conn)
	require.NotNil(t, reply.Count)
	assert.Equal(t, 1, *reply.Count)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	bye := readMessage(t, conn)
	assert.True(t, bye.Bye)
	require.NotNil(t, bye.Total)
	assert.Equal(t, 1, *bye.Total)
	expectClose(t, conn, websocket.CloseNormalClosure)

	assert.Eventually(t, func() bool {
		return f.agg.Snapshot().ActiveConnections == 0
	}, time.Second, 10*time.Millisecond)
	count, ok := f.registry.Count(hello.SessionUUID)
	require.True(t, ok)
	assert.Equal(t, 1, count)
	assert.Equal(t, int64(1), f.agg.Snapshot().TotalMessages)
	assert.Equal(t, int64(0), f.agg.Snapshot().ErrorCount)
}

func TestResumeSessionOverNetwork(t *testing.T) {
	f := newFixture(t, nil)

	first := f.dial(t, "/ws/")
	id := readMessage(t, first).SessionUUID
	sendText(t, first, "a")
	readMessage(t, first)
	sendText(t, first, "b")
	readMessage(t, first)
	require.NoError(t, first.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Equal(t, 2, *readMessage(t, first).Total)

	second := f.dial(t, "/ws/?session_uuid="+id)
	assert.Equal(t, id, readMessage(t, second).SessionUUID)
	sendText(t, second, "c")
	assert.Equal(t, 3, *readMessage(t, second).Count)
}

func TestUnknownSessionIsReplaced(t *testing.T) {
	f := newFixture(t, nil)

	for _, candidate := range []string{uuid.NewString(), "not-a-uuid"} {
		conn := f.dial(t, "/ws/?session_uuid="+candidate)
		got := readMessage(t, conn).SessionUUID
		assert.NotEqual(t, candidate, got)
		_, err := uuid.Parse(got)
		assert.NoError(t, err)
	}
}

func TestOversizeMessageClosesWithMessageTooBig(t *testing.T) {
	tests := []struct {
		name        string
		writeBuffer int
		size        int
	}{
		{"single frame", 4096, 2048},
		{"fragmented", 512, 4096},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(cfg *config.Config) {
				cfg.WebSocket.MaxMessageSize = 1024
			})
			dialer := websocket.Dialer{WriteBufferSize: tt.writeBuffer}
			conn, resp, err := dialer.Dial(f.wsURL("/ws/"), nil)
			require.NoError(t, err)
			resp.Body.Close()
			defer conn.Close()
			readMessage(t, conn)

			// Exactly at the limit is still a message.
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, bytes.Repeat([]byte("a"), 1024)))
			assert.Equal(t, 1, *readMessage(t, conn).Count)

			require.NoError(t, conn.WriteMessage(websocket.TextMessage, bytes.Repeat([]byte("a"), tt.size)))
			expectClose(t, conn, websocket.CloseMessageTooBig)

			assert.Eventually(t, func() bool {
				return f.agg.Snapshot().ActiveConnections == 0
			}, time.Second, 10*time.Millisecond)
			snap := f.agg.Snapshot()
			assert.Equal(t, int64(1), snap.ErrorCount)
			assert.Equal(t, int64(1), snap.TotalMessages)
		})
	}
}

func TestPathWithoutTrailingSlash(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "/ws")
	assert.NotEmpty(t, readMessage(t, conn).SessionUUID)
}

func TestHeartbeatReachesClients(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Heartbeat.Interval = 20 * time.Millisecond
	})
	conn := f.dial(t, "/ws/")
	readMessage(t, conn)

	beat := readAny(t, conn)
	require.NotEmpty(t, beat.TS)
	_, err := time.Parse(time.RFC3339Nano, beat.TS)
	assert.NoError(t, err)
}

func TestFirstHeartbeatFollowsConnect(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "/ws/")
	readAny(t, conn)

	beat := readAny(t, conn)
	assert.NotEmpty(t, beat.TS)
}

func TestShutdownClosesWithGoingAway(t *testing.T) {
	f := newFixture(t, nil)
	a := f.dial(t, "/ws/")
	b := f.dial(t, "/ws/")
	readMessage(t, a)
	readMessage(t, b)

	grace := 50 * time.Millisecond
	coord := shutdown.NewCoordinator(shutdown.Options{
		Group:       f.group,
		Metrics:     f.agg,
		Stopper:     f.srv,
		GracePeriod: grace,
	})

	done := make(chan time.Duration, 1)
	go func() {
		elapsed, _ := coord.Shutdown(context.Background())
		done <- elapsed
	}()

	// Only heartbeats may precede the close frame: no farewell.
	expectClose(t, a, websocket.CloseGoingAway)
	expectClose(t, b, websocket.CloseGoingAway)

	select {
	case elapsed := <-done:
		assert.GreaterOrEqual(t, elapsed, grace)
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	assert.GreaterOrEqual(t, f.agg.LastShutdownDuration(), grace.Seconds())
	assert.Equal(t, int64(0), f.agg.Snapshot().ActiveConnections)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStopEndsOpenConnections(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "/ws/")
	readMessage(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.srv.Stop(ctx))

	expectClose(t, conn, websocket.CloseGoingAway)
	assert.Equal(t, int64(0), f.agg.Snapshot().ActiveConnections)
}

func TestPlainRequestNeedsUpgrade(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.ts.URL + "/ws/")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
	assert.Equal(t, int64(0), f.agg.Snapshot().ActiveConnections)
	assert.Equal(t, 0, f.registry.Len())
}

func TestOriginCheck(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{".example.com"}
	})

	header := http.Header{"Origin": []string{"https://app.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/"), header)
	require.NoError(t, err)
	conn.Close()

	header.Set("Origin", "https://evil.test")
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		origin  string
		allowed []string
		want    bool
	}{
		{"http://localhost", []string{"*"}, true},
		{"http://localhost:3000", []string{"localhost"}, true},
		{"https://example.com", []string{".example.com"}, true},
		{"https://a.b.example.com", []string{".example.com"}, true},
		{"https://notexample.com", []string{".example.com"}, false},
		{"https://Example.COM", []string{"example.com"}, true},
		{"https://evil.test", []string{"example.com"}, false},
		{"https://evil.test", nil, false},
		{"::not a url", []string{"*"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			assert.Equal(t, tt.want, originAllowed(tt.origin, tt.allowed))
		})
	}
}

func TestAcceptRateLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.WebSocket.AcceptRate = 0.001
		cfg.WebSocket.AcceptBurst = 1
	})
	f.dial(t, "/ws/")

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "/ws/")
	readMessage(t, conn)
	sendText(t, conn, "hello")
	readMessage(t, conn)

	for _, path := range []string{"/metrics/", "/metrics"} {
		resp, err := http.Get(f.ts.URL + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), metrics.TotalMessagesName+" 1")
		assert.Contains(t, string(body), metrics.ActiveConnectionsName+" 1")
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "/ws/")
	readMessage(t, conn)
	// A count reply means the connection finished its setup.
	sendText(t, conn, "ping")
	readMessage(t, conn)

	var health healthResponse
	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, int64(1), health.ActiveConnections)
	assert.Equal(t, 1, health.Sessions)
	assert.True(t, health.HeartbeatRunning)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.srv.Stop(ctx))

	resp, err = http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.True(t, health.ShuttingDown)
}

func TestPathVariants(t *testing.T) {
	assert.Equal(t, []string{"/ws/", "/ws"}, pathVariants("/ws/"))
	assert.Equal(t, []string{"/ws"}, pathVariants("/ws"))
	assert.Equal(t, []string{"/"}, pathVariants("/"))
	assert.Nil(t, pathVariants(""))
}
