package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sheshant/sigiq/internal/broadcast"
	"github.com/sheshant/sigiq/internal/config"
)

func TestRunServerStopsOnCancel(t *testing.T) {
	cfg := config.Config{
		Server:    config.ServerConfig{Host: "127.0.0.1", Port: 0, AllowedOrigins: []string{"*"}},
		WebSocket: config.WebSocketConfig{Path: "/ws/"},
		Heartbeat: config.HeartbeatConfig{Interval: time.Hour},
		Broadcast: config.BroadcastConfig{Backend: config.BackendMemory},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServer(ctx, cfg, zap.NewNop()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestNewGroupDefaultsToMemory(t *testing.T) {
	g, closeGroup, err := newGroup(config.BroadcastConfig{Backend: config.BackendMemory}, zap.NewNop())
	require.NoError(t, err)
	defer closeGroup()
	assert.IsType(t, &broadcast.MemoryGroup{}, g)
}

func TestNewGroupNATSUnreachable(t *testing.T) {
	_, _, err := newGroup(config.BroadcastConfig{
		Backend: config.BackendNATS,
		NATSURL: "nats://127.0.0.1:1",
	}, zap.NewNop())
	assert.Error(t, err)
}
